package descriptor

import (
	"bytes"
	"fmt"
	"path"
	"time"

	"github.com/cavaliergopher/rpm"
	"github.com/opencontainers/go-digest"

	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
)

// Inspection is the result of extracting a package's identity and index
// metadata from its artifact bytes.
type Inspection struct {
	Descriptor Descriptor
	Package    metadata.Package
	// Mismatches lists fields where the filename disagrees with the RPM
	// header. The header is authoritative; these are diagnostics only.
	Mismatches []string
}

// Inspect parses an RPM artifact. The header is authoritative for every
// identity field; the filename is parsed as a cross-check. A header that
// cannot be read at all is a malformed package.
func Inspect(filename string, data []byte, alg digest.Algorithm) (Inspection, error) {
	pkg, err := rpm.Read(bytes.NewReader(data))
	if err != nil {
		return Inspection{}, fmt.Errorf("%w: parse rpm %s: %v", ErrMalformed, filename, err)
	}

	hash := alg.FromBytes(data)
	desc := Descriptor{
		Name:        pkg.Name(),
		Epoch:       pkg.Epoch(),
		Version:     pkg.Version(),
		Release:     pkg.Release(),
		Arch:        pkg.Architecture(),
		Format:      FormatRPM,
		ContentHash: hash,
	}
	desc.DistTag = distTag(desc.Release)
	if desc.Name == "" || desc.Arch == "" {
		return Inspection{}, fmt.Errorf("%w: %s: header is missing name or architecture", ErrMalformed, filename)
	}

	var mismatches []string
	if fromName, err := ParseFilename(path.Base(filename)); err == nil {
		for _, c := range []struct{ field, header, name string }{
			{"name", desc.Name, fromName.Name},
			{"version", desc.Version, fromName.Version},
			{"release", desc.Release, fromName.Release},
			{"arch", desc.Arch, fromName.Arch},
		} {
			if c.header != c.name {
				mismatches = append(mismatches,
					fmt.Sprintf("%s: filename says %q, header says %q", c.field, c.name, c.header))
			}
		}
	}

	return Inspection{
		Descriptor: desc,
		Package:    packageFromHeader(pkg, desc, int64(len(data))),
		Mismatches: mismatches,
	}, nil
}

func packageFromHeader(pkg *rpm.Package, desc Descriptor, size int64) metadata.Package {
	start, end := pkg.HeaderRange()
	group := ""
	if g := pkg.Groups(); len(g) > 0 {
		group = g[0]
	}
	out := metadata.Package{
		Name:          desc.Name,
		Arch:          desc.Arch,
		Epoch:         desc.Epoch,
		Version:       desc.Version,
		Release:       desc.Release,
		Summary:       pkg.Summary(),
		Description:   pkg.Description(),
		License:       pkg.License(),
		Vendor:        pkg.Vendor(),
		Group:         group,
		BuildHost:     pkg.BuildHost(),
		SourceRPM:     pkg.SourceRPM(),
		URL:           pkg.URL(),
		Packager:      pkg.Packager(),
		TimeBuild:     pkg.BuildTime().Unix(),
		TimeFile:      time.Now().Unix(),
		SizePackage:   uint64(size),
		SizeInstalled: pkg.Size(),
		SizeArchive:   pkg.ArchiveSize(),
		PkgID:         desc.ContentHash.Encoded(),
		ChecksumType:  string(desc.ContentHash.Algorithm()),
		HeaderStart:   start,
		HeaderEnd:     end,
		Provides:      relations(pkg.Provides()),
		Requires:      relations(pkg.Requires()),
		Conflicts:     relations(pkg.Conflicts()),
		Obsoletes:     relations(pkg.Obsoletes()),
		Files:         fileEntries(pkg.Files()),
		Changelogs:    changelogs(pkg),
	}
	return out
}

func relations(deps []rpm.Dependency) []metadata.Relation {
	var out []metadata.Relation
	for _, d := range deps {
		flags, pre := depFlags(d.Flags())
		out = append(out, metadata.Relation{
			Name:  d.Name(),
			Flags: flags,
			Epoch: d.Epoch(),
			Ver:   d.Version(),
			Rel:   d.Release(),
			Pre:   pre,
		})
	}
	return out
}

func fileEntries(files []rpm.FileInfo) []metadata.File {
	var out []metadata.File
	for _, f := range files {
		ftype := ""
		if f.Flags()&rpm.FileFlagGhost != 0 {
			ftype = "ghost"
		} else if f.IsDir() {
			ftype = "dir"
		}
		out = append(out, metadata.File{Path: f.Name(), Type: ftype})
	}
	return out
}

// Changelog entries live in header tags 1080 (time), 1081 (name), 1082 (text).
func changelogs(pkg *rpm.Package) []metadata.Changelog {
	times := pkg.Header.GetTag(1080).Int64Slice()
	names := pkg.Header.GetTag(1081).StringSlice()
	texts := pkg.Header.GetTag(1082).StringSlice()
	n := len(times)
	if len(names) < n {
		n = len(names)
	}
	if len(texts) < n {
		n = len(texts)
	}
	entries := make([]metadata.Changelog, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, metadata.Changelog{
			Author: names[i],
			Date:   times[i],
			Text:   texts[i],
		})
	}
	return entries
}

func depFlags(flags int) (string, bool) {
	pre := flags&rpm.DepFlagPrereq != 0
	switch {
	case flags&rpm.DepFlagLesserOrEqual == rpm.DepFlagLesserOrEqual:
		return "LE", pre
	case flags&rpm.DepFlagGreaterOrEqual == rpm.DepFlagGreaterOrEqual:
		return "GE", pre
	case flags&rpm.DepFlagLesser == rpm.DepFlagLesser:
		return "LT", pre
	case flags&rpm.DepFlagGreater == rpm.DepFlagGreater:
		return "GT", pre
	case flags&rpm.DepFlagEqual == rpm.DepFlagEqual:
		return "EQ", pre
	default:
		return "", pre
	}
}
