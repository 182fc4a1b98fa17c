// Package routing maps package descriptors to repository storage
// prefixes through an ordered, first-match rule table.
package routing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/e2llm/rpmrepo-publish/pkg/descriptor"
)

// ErrNoMatch reports that no routing rule accepts a package.
var ErrNoMatch = errors.New("no matching repository")

// Match is a predicate over a package descriptor. Empty fields and "*"
// match anything.
type Match struct {
	Arch   string `yaml:"arch,omitempty"`
	Dist   string `yaml:"dist,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (m Match) accepts(d descriptor.Descriptor) bool {
	return wildcardEq(m.Arch, d.Arch) &&
		wildcardEq(m.Dist, d.DistTag) &&
		wildcardEq(m.Format, d.Format)
}

func wildcardEq(pattern, value string) bool {
	return pattern == "" || pattern == "*" || pattern == value
}

// Rule routes matching packages to a repository prefix. The target may
// reference $arch, $basearch and $releasever, substituted from the
// descriptor at resolution time.
type Rule struct {
	Match  Match  `yaml:"match"`
	Target string `yaml:"target_prefix"`
}

// Table is an ordered rule set. Resolution is a pure function of the
// descriptor, so one table safely serves concurrent resolutions.
type Table struct {
	rules []Rule
}

func NewTable(rules []Rule) (*Table, error) {
	for i, r := range rules {
		if r.Target == "" {
			return nil, fmt.Errorf("rule %d: target_prefix is required", i)
		}
	}
	return &Table{rules: rules}, nil
}

// Resolve returns the storage prefix for the first rule accepting the
// descriptor.
func (t *Table) Resolve(d descriptor.Descriptor) (string, error) {
	for _, r := range t.rules {
		if !r.Match.accepts(d) {
			continue
		}
		prefix, err := expandTarget(r.Target, d)
		if err != nil {
			return "", err
		}
		return strings.Trim(prefix, "/"), nil
	}
	return "", fmt.Errorf("%w for %s (arch=%s dist=%s format=%s)",
		ErrNoMatch, d.NEVRA(), d.Arch, d.DistTag, d.Format)
}

func expandTarget(target string, d descriptor.Descriptor) (string, error) {
	var missing string
	expanded := os.Expand(target, func(name string) string {
		switch name {
		case "arch", "basearch":
			return d.Arch
		case "releasever":
			rv := d.ReleaseVer()
			if rv == "" {
				missing = name
			}
			return rv
		default:
			missing = name
			return ""
		}
	})
	if missing == "releasever" {
		return "", fmt.Errorf("%w: target needs $releasever but release %q of %s carries no dist tag",
			ErrNoMatch, d.Release, d.NEVRA())
	}
	if missing != "" {
		return "", fmt.Errorf("unknown routing variable $%s in target %q", missing, target)
	}
	return expanded, nil
}
