package workflow

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ParseVersion parses a "MAJOR.MINOR.PATCH" engine version. A leading "v"
// is tolerated.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersionRange, s)
	}
	return v, nil
}

// ParseVersionRange parses a comma-separated conjunction of comparator
// constraints, e.g. ">=1.0.0,<2.0.0" or "=1.3.0". The bare wildcard "*"
// and a blank range match any version.
func ParseVersionRange(s string) (*semver.Constraints, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		s = "*"
	}
	c, err := semver.NewConstraint(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVersionRange, s)
	}
	return c, nil
}
