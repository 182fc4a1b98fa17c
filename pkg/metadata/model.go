package metadata

import "fmt"

// Package is one package's metadata across the primary, filelists and
// other components. PkgID is the artifact's content hash and doubles as
// the idempotence key for repository updates.
type Package struct {
	Name          string
	Arch          string
	Epoch         int
	Version       string
	Release       string
	Summary       string
	Description   string
	License       string
	Vendor        string
	Group         string
	BuildHost     string
	SourceRPM     string
	URL           string
	Packager      string
	TimeBuild     int64
	TimeFile      int64
	SizePackage   uint64
	SizeInstalled uint64
	SizeArchive   uint64
	Location      string
	PkgID         string
	ChecksumType  string
	HeaderStart   int
	HeaderEnd     int
	Provides      []Relation
	Requires      []Relation
	Conflicts     []Relation
	Obsoletes     []Relation
	Files         []File
	Changelogs    []Changelog
}

func (p Package) NEVRA() string {
	epochPart := ""
	if p.Epoch > 0 {
		epochPart = fmt.Sprintf("%d:", p.Epoch)
	}
	return fmt.Sprintf("%s-%s%s-%s.%s", p.Name, epochPart, p.Version, p.Release, p.Arch)
}

type Relation struct {
	Name  string
	Flags string
	Epoch int
	Ver   string
	Rel   string
	Pre   bool
}

type File struct {
	Path string
	Type string // dir, ghost, or empty
}

type Changelog struct {
	Author string
	Date   int64
	Text   string
}
