package metadata

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
)

// Wire structures for the three core component documents.

type primaryDoc struct {
	XMLName  xml.Name         `xml:"metadata"`
	Xmlns    string           `xml:"xmlns,attr"`
	XmlnsRpm string           `xml:"xmlns:rpm,attr"`
	Count    int              `xml:"packages,attr"`
	Packages []primaryPackage `xml:"package"`
}

type primaryPackage struct {
	Type        string         `xml:"type,attr"`
	Name        string         `xml:"name"`
	Arch        string         `xml:"arch"`
	Version     versionAttrs   `xml:"version"`
	Checksum    pkgidChecksum  `xml:"checksum"`
	Summary     string         `xml:"summary"`
	Description string         `xml:"description"`
	Packager    string         `xml:"packager,omitempty"`
	URL         string         `xml:"url,omitempty"`
	Time        timeAttrs      `xml:"time"`
	Size        sizeAttrs      `xml:"size"`
	Location    Location       `xml:"location"`
	Format      primaryFormat  `xml:"format"`
}

type timeAttrs struct {
	File  int64 `xml:"file,attr,omitempty"`
	Build int64 `xml:"build,attr,omitempty"`
}

type sizeAttrs struct {
	Package   uint64 `xml:"package,attr"`
	Installed uint64 `xml:"installed,attr,omitempty"`
	Archive   uint64 `xml:"archive,attr,omitempty"`
}

type pkgidChecksum struct {
	Type  string `xml:"type,attr"`
	PkgID string `xml:"pkgid,attr"`
	Value string `xml:",chardata"`
}

type versionAttrs struct {
	Epoch string `xml:"epoch,attr,omitempty"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

type primaryFormat struct {
	License     string       `xml:"rpm:license,omitempty"`
	Vendor      string       `xml:"rpm:vendor,omitempty"`
	Group       string       `xml:"rpm:group,omitempty"`
	BuildHost   string       `xml:"rpm:buildhost,omitempty"`
	SourceRPM   string       `xml:"rpm:sourcerpm,omitempty"`
	HeaderRange *headerRange `xml:"rpm:header-range,omitempty"`
	Provides    []depEntry   `xml:"rpm:provides>rpm:entry,omitempty"`
	Requires    []depEntry   `xml:"rpm:requires>rpm:entry,omitempty"`
	Conflicts   []depEntry   `xml:"rpm:conflicts>rpm:entry,omitempty"`
	Obsoletes   []depEntry   `xml:"rpm:obsoletes>rpm:entry,omitempty"`
}

type headerRange struct {
	Start int `xml:"start,attr"`
	End   int `xml:"end,attr"`
}

// Decode-side mirrors of the primary structures. The rpm: prefix in the
// encode tags is written literally, but the decoder resolves prefixes to
// their namespace URI, so reading back needs tags qualified with
// RpmNamespace spelled out.
type primaryDocDecode struct {
	XMLName  xml.Name               `xml:"metadata"`
	Packages []primaryPackageDecode `xml:"package"`
}

type primaryPackageDecode struct {
	Name        string              `xml:"name"`
	Arch        string              `xml:"arch"`
	Version     versionAttrs        `xml:"version"`
	Checksum    pkgidChecksum       `xml:"checksum"`
	Summary     string              `xml:"summary"`
	Description string              `xml:"description"`
	Packager    string              `xml:"packager"`
	URL         string              `xml:"url"`
	Time        timeAttrs           `xml:"time"`
	Size        sizeAttrs           `xml:"size"`
	Location    Location            `xml:"location"`
	Format      primaryFormatDecode `xml:"format"`
}

type primaryFormatDecode struct {
	License     string       `xml:"http://linux.duke.edu/metadata/rpm license"`
	Vendor      string       `xml:"http://linux.duke.edu/metadata/rpm vendor"`
	Group       string       `xml:"http://linux.duke.edu/metadata/rpm group"`
	BuildHost   string       `xml:"http://linux.duke.edu/metadata/rpm buildhost"`
	SourceRPM   string       `xml:"http://linux.duke.edu/metadata/rpm sourcerpm"`
	HeaderRange *headerRange `xml:"http://linux.duke.edu/metadata/rpm header-range"`
	Provides    []depEntry   `xml:"http://linux.duke.edu/metadata/rpm provides>entry"`
	Requires    []depEntry   `xml:"http://linux.duke.edu/metadata/rpm requires>entry"`
	Conflicts   []depEntry   `xml:"http://linux.duke.edu/metadata/rpm conflicts>entry"`
	Obsoletes   []depEntry   `xml:"http://linux.duke.edu/metadata/rpm obsoletes>entry"`
}

type depEntry struct {
	Name  string `xml:"name,attr"`
	Flags string `xml:"flags,attr,omitempty"`
	Epoch string `xml:"epoch,attr,omitempty"`
	Ver   string `xml:"ver,attr,omitempty"`
	Rel   string `xml:"rel,attr,omitempty"`
	Pre   string `xml:"pre,attr,omitempty"`
}

type filelistsDoc struct {
	XMLName  xml.Name           `xml:"filelists"`
	Xmlns    string             `xml:"xmlns,attr"`
	Count    int                `xml:"packages,attr"`
	Packages []filelistsPackage `xml:"package"`
}

type filelistsPackage struct {
	PkgID   string       `xml:"pkgid,attr"`
	Name    string       `xml:"name,attr"`
	Arch    string       `xml:"arch,attr"`
	Version versionAttrs `xml:"version"`
	Files   []fileEntry  `xml:"file"`
}

type fileEntry struct {
	Type string `xml:"type,attr,omitempty"`
	Path string `xml:",chardata"`
}

type otherDoc struct {
	XMLName  xml.Name       `xml:"otherdata"`
	Xmlns    string         `xml:"xmlns,attr"`
	Count    int            `xml:"packages,attr"`
	Packages []otherPackage `xml:"package"`
}

type otherPackage struct {
	PkgID      string           `xml:"pkgid,attr"`
	Name       string           `xml:"name,attr"`
	Arch       string           `xml:"arch,attr"`
	Version    versionAttrs     `xml:"version"`
	Changelogs []changelogEntry `xml:"changelog"`
}

type changelogEntry struct {
	Author string `xml:"author,attr"`
	Date   int64  `xml:"date,attr"`
	Text   string `xml:",chardata"`
}

// RenderCoreXML renders the three uncompressed component documents for a
// package set, sorted by NEVRA so identical sets render byte-identically.
func RenderCoreXML(pkgs []Package) (primaryXML, filelistsXML, otherXML []byte, err error) {
	sorted := append([]Package(nil), pkgs...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NEVRA() < sorted[j].NEVRA()
	})
	primaryXML, err = renderPrimary(sorted)
	if err != nil {
		return
	}
	filelistsXML, err = renderFilelists(sorted)
	if err != nil {
		return
	}
	otherXML, err = renderOther(sorted)
	return
}

// ParsePackages merges the three uncompressed component documents back
// into Package structs, joining filelists and other entries on PkgID.
func ParsePackages(primaryXML, filelistsXML, otherXML []byte) ([]Package, error) {
	var doc primaryDocDecode
	if err := xml.Unmarshal(primaryXML, &doc); err != nil {
		return nil, fmt.Errorf("parse primary: %w", err)
	}
	pkgs := make([]Package, 0, len(doc.Packages))
	index := make(map[string]*Package, len(doc.Packages))
	for _, p := range doc.Packages {
		pkgs = append(pkgs, packageFromPrimary(p))
		index[pkgs[len(pkgs)-1].PkgID] = &pkgs[len(pkgs)-1]
	}

	if len(filelistsXML) > 0 {
		var fl filelistsDoc
		if err := xml.Unmarshal(filelistsXML, &fl); err != nil {
			return nil, fmt.Errorf("parse filelists: %w", err)
		}
		for _, p := range fl.Packages {
			pkg := index[p.PkgID]
			if pkg == nil {
				continue
			}
			for _, f := range p.Files {
				pkg.Files = append(pkg.Files, File{Path: f.Path, Type: f.Type})
			}
		}
	}
	if len(otherXML) > 0 {
		var od otherDoc
		if err := xml.Unmarshal(otherXML, &od); err != nil {
			return nil, fmt.Errorf("parse other: %w", err)
		}
		for _, p := range od.Packages {
			pkg := index[p.PkgID]
			if pkg == nil {
				continue
			}
			for _, c := range p.Changelogs {
				pkg.Changelogs = append(pkg.Changelogs, Changelog{Author: c.Author, Date: c.Date, Text: c.Text})
			}
		}
	}
	return pkgs, nil
}

func packageFromPrimary(p primaryPackageDecode) Package {
	headerStart, headerEnd := 0, 0
	if p.Format.HeaderRange != nil {
		headerStart = p.Format.HeaderRange.Start
		headerEnd = p.Format.HeaderRange.End
	}
	return Package{
		Name:          p.Name,
		Arch:          p.Arch,
		Epoch:         parseEpoch(p.Version.Epoch),
		Version:       p.Version.Ver,
		Release:       p.Version.Rel,
		Summary:       p.Summary,
		Description:   p.Description,
		License:       p.Format.License,
		Vendor:        p.Format.Vendor,
		Group:         p.Format.Group,
		BuildHost:     p.Format.BuildHost,
		SourceRPM:     p.Format.SourceRPM,
		URL:           p.URL,
		Packager:      p.Packager,
		TimeBuild:     p.Time.Build,
		TimeFile:      p.Time.File,
		SizePackage:   p.Size.Package,
		SizeInstalled: p.Size.Installed,
		SizeArchive:   p.Size.Archive,
		Location:      p.Location.Href,
		PkgID:         p.Checksum.Value,
		ChecksumType:  p.Checksum.Type,
		HeaderStart:   headerStart,
		HeaderEnd:     headerEnd,
		Provides:      relationsFromEntries(p.Format.Provides),
		Requires:      relationsFromEntries(p.Format.Requires),
		Conflicts:     relationsFromEntries(p.Format.Conflicts),
		Obsoletes:     relationsFromEntries(p.Format.Obsoletes),
	}
}

func renderPrimary(pkgs []Package) ([]byte, error) {
	doc := primaryDoc{
		Xmlns:    CommonNamespace,
		XmlnsRpm: RpmNamespace,
		Count:    len(pkgs),
	}
	for _, p := range pkgs {
		entry := primaryPackage{
			Type: "rpm",
			Name: p.Name,
			Arch: p.Arch,
			Version: versionAttrs{
				Epoch: strconv.Itoa(p.Epoch),
				Ver:   p.Version,
				Rel:   p.Release,
			},
			Checksum: pkgidChecksum{
				Type:  p.ChecksumType,
				PkgID: "YES",
				Value: p.PkgID,
			},
			Summary:     p.Summary,
			Description: p.Description,
			Packager:    p.Packager,
			URL:         p.URL,
			Time:        timeAttrs{File: p.TimeFile, Build: p.TimeBuild},
			Size:        sizeAttrs{Package: p.SizePackage, Installed: p.SizeInstalled, Archive: p.SizeArchive},
			Location:    Location{Href: p.Location},
			Format: primaryFormat{
				License:   p.License,
				Vendor:    p.Vendor,
				Group:     p.Group,
				BuildHost: p.BuildHost,
				SourceRPM: p.SourceRPM,
				Provides:  entriesFromRelations(p.Provides),
				Requires:  entriesFromRelations(p.Requires),
				Conflicts: entriesFromRelations(p.Conflicts),
				Obsoletes: entriesFromRelations(p.Obsoletes),
			},
		}
		if p.HeaderStart > 0 || p.HeaderEnd > 0 {
			entry.Format.HeaderRange = &headerRange{Start: p.HeaderStart, End: p.HeaderEnd}
		}
		doc.Packages = append(doc.Packages, entry)
	}
	return marshalWithHeader(doc)
}

func renderFilelists(pkgs []Package) ([]byte, error) {
	doc := filelistsDoc{Xmlns: FilelistsNamespace, Count: len(pkgs)}
	for _, p := range pkgs {
		entry := filelistsPackage{
			PkgID:   p.PkgID,
			Name:    p.Name,
			Arch:    p.Arch,
			Version: versionAttrs{Epoch: strconv.Itoa(p.Epoch), Ver: p.Version, Rel: p.Release},
		}
		for _, f := range p.Files {
			entry.Files = append(entry.Files, fileEntry{Type: f.Type, Path: f.Path})
		}
		doc.Packages = append(doc.Packages, entry)
	}
	return marshalWithHeader(doc)
}

func renderOther(pkgs []Package) ([]byte, error) {
	doc := otherDoc{Xmlns: OtherNamespace, Count: len(pkgs)}
	for _, p := range pkgs {
		entry := otherPackage{
			PkgID:   p.PkgID,
			Name:    p.Name,
			Arch:    p.Arch,
			Version: versionAttrs{Epoch: strconv.Itoa(p.Epoch), Ver: p.Version, Rel: p.Release},
		}
		for _, c := range p.Changelogs {
			entry.Changelogs = append(entry.Changelogs, changelogEntry{Author: c.Author, Date: c.Date, Text: c.Text})
		}
		doc.Packages = append(doc.Packages, entry)
	}
	return marshalWithHeader(doc)
}

func marshalWithHeader(v interface{}) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

func parseEpoch(s string) int {
	if s == "" {
		return 0
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}

func relationsFromEntries(entries []depEntry) []Relation {
	var rels []Relation
	for _, e := range entries {
		rels = append(rels, Relation{
			Name:  e.Name,
			Flags: e.Flags,
			Epoch: parseEpoch(e.Epoch),
			Ver:   e.Ver,
			Rel:   e.Rel,
			Pre:   e.Pre == "1",
		})
	}
	return rels
}

func entriesFromRelations(rels []Relation) []depEntry {
	var entries []depEntry
	for _, r := range rels {
		e := depEntry{
			Name:  r.Name,
			Flags: r.Flags,
			Epoch: strconv.Itoa(r.Epoch),
			Ver:   r.Ver,
			Rel:   r.Rel,
		}
		if r.Pre {
			e.Pre = "1"
		}
		entries = append(entries, e)
	}
	return entries
}
