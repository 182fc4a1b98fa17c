// Package metadata models the RPM repository index: the repomd.xml
// manifest plus the primary/filelists/other component files it
// references. Components are written under digest-derived names, so
// every rebuild produces fresh keys and the manifest is the single
// mutable pointer a reader resolves.
package metadata

import (
	"encoding/xml"
	"fmt"
)

const (
	RepoNamespace      = "http://linux.duke.edu/metadata/repo"
	CommonNamespace    = "http://linux.duke.edu/metadata/common"
	FilelistsNamespace = "http://linux.duke.edu/metadata/filelists"
	OtherNamespace     = "http://linux.duke.edu/metadata/other"
	RpmNamespace       = "http://linux.duke.edu/metadata/rpm"
)

const (
	// ManifestPath is the well-known, always-overwritten manifest key
	// relative to a repository prefix.
	ManifestPath = "repodata/repomd.xml"
	// SignaturePath holds the manifest's detached armored signature.
	SignaturePath = "repodata/repomd.xml.asc"
	// PackageDir is where package artifacts live, keyed by content hash.
	PackageDir = "packages"
)

// RepoMD is the repomd.xml manifest.
type RepoMD struct {
	XMLName  xml.Name   `xml:"repomd"`
	Xmlns    string     `xml:"xmlns,attr"`
	Revision string     `xml:"revision"`
	Data     []RepoData `xml:"data"`
}

// RepoData describes one component file referenced by the manifest.
type RepoData struct {
	Type         string    `xml:"type,attr"`
	Checksum     Checksum  `xml:"checksum"`
	OpenChecksum *Checksum `xml:"open-checksum,omitempty"`
	Location     Location  `xml:"location"`
	Timestamp    int64     `xml:"timestamp"`
	Size         int64     `xml:"size"`
	OpenSize     int64     `xml:"open-size"`
}

type Checksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type Location struct {
	Href string `xml:"href,attr"`
}

// Referenced returns every key the manifest points at, relative to the
// repository prefix, including the manifest itself and its signature.
func (md RepoMD) Referenced() map[string]struct{} {
	refs := map[string]struct{}{
		ManifestPath:  {},
		SignaturePath: {},
	}
	for _, d := range md.Data {
		refs[d.Location.Href] = struct{}{}
	}
	return refs
}

func MarshalRepoMD(md RepoMD) ([]byte, error) {
	if md.Xmlns == "" {
		md.Xmlns = RepoNamespace
	}
	out, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func ParseRepoMD(data []byte) (RepoMD, error) {
	var md RepoMD
	if err := xml.Unmarshal(data, &md); err != nil {
		return RepoMD{}, fmt.Errorf("parse repomd: %w", err)
	}
	return md, nil
}

// CoreData returns the manifest entries for the three core components.
func CoreData(md RepoMD) (primary, filelists, other *RepoData) {
	for i := range md.Data {
		d := &md.Data[i]
		switch d.Type {
		case "primary":
			primary = d
		case "filelists":
			filelists = d
		case "other":
			other = d
		}
	}
	return
}
