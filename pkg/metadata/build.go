package metadata

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

// CoreFile is one built component file ready for publication, carrying
// both payloads and their checksums.
type CoreFile struct {
	Type         string
	Path         string
	Compressed   []byte
	Uncompressed []byte
	Checksum     string
	OpenChecksum string
	Size         int64
	OpenSize     int64
	Timestamp    int64
}

// SupportedAlgorithm reports whether alg may be used for repo checksums.
func SupportedAlgorithm(alg digest.Algorithm) bool {
	switch alg {
	case digest.SHA256, digest.SHA512:
		return true
	}
	return false
}

// BuildCoreFiles renders, compresses and checksums the three core
// components for a package set. Component paths embed the compressed
// payload's digest, so a rebuild never reuses a live key and re-building
// an identical package set yields identical paths. A full, self-
// consistent index is always produced; there is no incremental mode.
func BuildCoreFiles(pkgs []Package, alg digest.Algorithm, now time.Time) ([]CoreFile, error) {
	if !SupportedAlgorithm(alg) {
		return nil, fmt.Errorf("unsupported checksum algorithm %q", alg)
	}
	primaryXML, filelistsXML, otherXML, err := RenderCoreXML(pkgs)
	if err != nil {
		return nil, err
	}
	payloads := []struct {
		name string
		data []byte
	}{
		{"primary", primaryXML},
		{"filelists", filelistsXML},
		{"other", otherXML},
	}

	out := make([]CoreFile, 0, len(payloads))
	for _, p := range payloads {
		compressed, err := gzipBytes(p.data)
		if err != nil {
			return nil, err
		}
		sum := alg.FromBytes(compressed).Encoded()
		out = append(out, CoreFile{
			Type:         p.name,
			Path:         fmt.Sprintf("repodata/%s-%s.xml.gz", sum, p.name),
			Compressed:   compressed,
			Uncompressed: p.data,
			Checksum:     sum,
			OpenChecksum: alg.FromBytes(p.data).Encoded(),
			Size:         int64(len(compressed)),
			OpenSize:     int64(len(p.data)),
			Timestamp:    now.Unix(),
		})
	}
	return out, nil
}

// AssembleManifest builds the new manifest from fresh core files,
// preserving unrecognized entry types carried by the old manifest (a
// repository may hold e.g. modules metadata this engine does not
// regenerate). Returned warnings name the preserved foreign types.
func AssembleManifest(old RepoMD, core []CoreFile, alg digest.Algorithm, now time.Time) (RepoMD, []string) {
	md := RepoMD{
		Xmlns:    old.Xmlns,
		Revision: fmt.Sprintf("%d", now.Unix()),
	}
	if md.Xmlns == "" {
		md.Xmlns = RepoNamespace
	}

	var warnings []string
	for _, d := range old.Data {
		switch d.Type {
		case "primary", "filelists", "other", "prestodelta":
			continue
		case "modules":
			md.Data = append(md.Data, d)
		default:
			md.Data = append(md.Data, d)
			warnings = append(warnings, fmt.Sprintf("preserving unknown metadata type %q; checksum not verified", d.Type))
		}
	}

	for _, cf := range core {
		md.Data = append(md.Data, RepoData{
			Type:         cf.Type,
			Checksum:     Checksum{Type: string(alg), Value: cf.Checksum},
			OpenChecksum: &Checksum{Type: string(alg), Value: cf.OpenChecksum},
			Location:     Location{Href: cf.Path},
			Timestamp:    cf.Timestamp,
			Size:         cf.Size,
			OpenSize:     cf.OpenSize,
		})
	}
	return md, warnings
}

func gzipBytes(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
