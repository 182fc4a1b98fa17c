package descriptor

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

// FormatRPM is the only package format currently supported. Routing rules
// carry the format field so additional formats can be added without
// touching the rule schema.
const FormatRPM = "rpm"

// ErrMalformed reports a package whose identity cannot be determined.
var ErrMalformed = errors.New("malformed package")

// Descriptor is the identity of one package artifact. Immutable once
// computed; ContentHash is the idempotence key for repository updates.
type Descriptor struct {
	Name        string
	Epoch       int
	Version     string
	Release     string
	Arch        string
	DistTag     string // e.g. "el8", parsed from the release field
	Format      string
	ContentHash digest.Digest
}

func (d Descriptor) NEVRA() string {
	epochPart := ""
	if d.Epoch > 0 {
		epochPart = fmt.Sprintf("%d:", d.Epoch)
	}
	return fmt.Sprintf("%s-%s%s-%s.%s", d.Name, epochPart, d.Version, d.Release, d.Arch)
}

// ReleaseVer returns the numeric OS release derived from the dist tag
// ("el8" -> "8"), or "" when no dist tag is present.
func (d Descriptor) ReleaseVer() string {
	return strings.TrimLeft(d.DistTag, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
}

// Filename returns the conventional artifact filename for the descriptor.
func (d Descriptor) Filename() string {
	return d.NEVRA() + "." + d.Format
}

var nevraPattern = regexp.MustCompile(
	`^(?:.*/)?(?P<name>.+)-(?:(?P<epoch>\d+):)?(?P<version>[^-]+)-(?P<release>[^-]+)\.(?P<arch>[^.]+)\.rpm$`)

// ParseFilename derives a Descriptor from an RPM filename following the
// "<name>-[epoch:]<version>-<release>.<arch>.rpm" convention. The content
// hash is not set; callers compute it from the artifact bytes.
func ParseFilename(filename string) (Descriptor, error) {
	m := nevraPattern.FindStringSubmatch(filename)
	if m == nil {
		return Descriptor{}, fmt.Errorf("%w: %q does not follow the <name>-<version>-<release>.<arch>.rpm convention", ErrMalformed, filename)
	}
	fields := make(map[string]string, 5)
	for i, name := range nevraPattern.SubexpNames() {
		if name != "" {
			fields[name] = m[i]
		}
	}
	epoch := 0
	if fields["epoch"] != "" {
		epoch, _ = strconv.Atoi(fields["epoch"])
	}
	d := Descriptor{
		Name:    fields["name"],
		Epoch:   epoch,
		Version: fields["version"],
		Release: fields["release"],
		Arch:    fields["arch"],
		Format:  FormatRPM,
	}
	d.DistTag = distTag(d.Release)
	return d, nil
}

// distTag extracts the dist portion of a release field ("1.el8" -> "el8").
func distTag(release string) string {
	_, dist, ok := strings.Cut(release, ".")
	if !ok {
		return ""
	}
	return dist
}
