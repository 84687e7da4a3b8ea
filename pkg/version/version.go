package version

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// BumpKind says which part of the version to increment.
type BumpKind string

const (
	BumpMajor BumpKind = "major"
	BumpMinor BumpKind = "minor"
	BumpPatch BumpKind = "patch"
)

// ErrHistoryCorrupt means there were version tags, but none of them
// parsed; resolving would invent a version unrelated to history, so we
// refuse before anything is written.
var ErrHistoryCorrupt = errors.New("tag history corrupt: no parseable version tags")

// Tag is a candidate or published version tag. Exactly one tag may
// ever exist for a given {prefix, major, minor, patch}; publication is
// what makes it durable (see pkg/git).
type Tag struct {
	Prefix    string
	Major     uint64
	Minor     uint64
	Patch     uint64
	Annotated bool
	Revision  string
}

func (t Tag) String() string {
	return fmt.Sprintf("%s%d.%d.%d", t.Prefix, t.Major, t.Minor, t.Patch)
}

// Conventional-commit markers in the subject line, e.g. "feat(api)!: ..."
var subjectRE = regexp.MustCompile(`^(\w+)(\([^)]*\))?(!)?:`)

// Well-formed version tags are exactly major.minor.patch; anything
// looser (v1.2, 1.2.3.4, release-candidate suffixes) is skipped.
var wellFormedRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Resolver computes the next version tag from the existing tag set and
// the triggering commit's message. Resolve is pure: it never touches
// the repository, so it can be called in dry-run mode before a write.
type Resolver struct {
	Prefix      string
	DefaultBump BumpKind
}

// Resolve returns the next tag: the highest well-formed existing
// version under the configured prefix (0.0.0 when there is none),
// bumped exactly once. Malformed tag strings are skipped; an entirely
// unparsable non-empty history is ErrHistoryCorrupt.
func (r Resolver) Resolve(tags []string, message string) (Tag, error) {
	var highest *semver.Version
	parsed := 0
	for _, s := range tags {
		name := strings.TrimPrefix(s, r.Prefix)
		if name == s && r.Prefix != "" {
			// not under our prefix; none of our business
			continue
		}
		if !wellFormedRE.MatchString(name) {
			continue
		}
		v, err := semver.NewVersion(name)
		if err != nil {
			continue
		}
		parsed++
		if highest == nil || v.GreaterThan(highest) {
			highest = v
		}
	}
	if len(tags) > 0 && parsed == 0 {
		return Tag{}, ErrHistoryCorrupt
	}

	var major, minor, patch uint64
	if highest != nil {
		major, minor, patch = highest.Major(), highest.Minor(), highest.Patch()
	}

	switch r.Bump(message) {
	case BumpMajor:
		major, minor, patch = major+1, 0, 0
	case BumpMinor:
		minor, patch = minor+1, 0
	default:
		patch++
	}

	return Tag{
		Prefix:    r.Prefix,
		Major:     major,
		Minor:     minor,
		Patch:     patch,
		Annotated: true,
	}, nil
}

// Bump determines the bump kind for a commit message: a breaking-change
// marker forces major, a `feat:` subject forces minor, a `fix:` subject
// forces patch; otherwise the configured default applies.
func (r Resolver) Bump(message string) BumpKind {
	if strings.Contains(message, "BREAKING CHANGE") || strings.Contains(message, "BREAKING-CHANGE") {
		return BumpMajor
	}
	subject := message
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		subject = message[:i]
	}
	if m := subjectRE.FindStringSubmatch(subject); m != nil {
		if m[3] == "!" {
			return BumpMajor
		}
		switch m[1] {
		case "feat":
			return BumpMinor
		case "fix":
			return BumpPatch
		}
	}
	if r.DefaultBump == "" {
		return BumpPatch
	}
	return r.DefaultBump
}

// ParseBumpKind validates an externally supplied bump policy.
func ParseBumpKind(s string) (BumpKind, error) {
	switch BumpKind(s) {
	case BumpMajor, BumpMinor, BumpPatch:
		return BumpKind(s), nil
	}
	return "", errors.Errorf("invalid bump kind %q; expected major, minor or patch", s)
}
