// Package versioning implements workflow version history, diffing, and
// compatibility checking per SemVer 2.0.0.
package versioning

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// semverPattern is the official SemVer 2.0.0 grammar.
var semverPattern = regexp.MustCompile(
	`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// ParseSemVer parses a SemVer 2.0.0 version string.
func ParseSemVer(s string) (domain.SemVer, error) {
	m := semverPattern.FindStringSubmatch(s)
	if m == nil {
		return domain.SemVer{}, fmt.Errorf("op=versioning.parse: invalid semantic version %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return domain.SemVer{Major: major, Minor: minor, Patch: patch, PreRelease: m[4], Build: m[5]}, nil
}
