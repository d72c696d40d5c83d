package models

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ProjectVersion is one point in a project's ordered version sequence.
// The (Major, Minor, Revision) triple is unique per project and never changes.
type ProjectVersion struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	Revision  int    `json:"revision"`
	CreatedAt string `json:"created_at,omitempty"`
}

// String renders the version as major.minor.revision.
func (v ProjectVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// Compare orders versions lexicographically on (Major, Minor, Revision).
// It returns -1, 0 or +1.
func (v ProjectVersion) Compare(o ProjectVersion) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Revision, o.Revision)
	}
}

func (v ProjectVersion) LessThan(o ProjectVersion) bool    { return v.Compare(o) < 0 }
func (v ProjectVersion) LessOrEqual(o ProjectVersion) bool { return v.Compare(o) <= 0 }
func (v ProjectVersion) GreaterThan(o ProjectVersion) bool { return v.Compare(o) > 0 }

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// SortVersions orders versions ascending in place.
func SortVersions(vs []ProjectVersion) {
	slices.SortFunc(vs, func(a, b ProjectVersion) int { return a.Compare(b) })
}

// ParseVersion parses a dotted "major.minor.revision" string.
func ParseVersion(s string) (major, minor, revision int, err error) {
	parts := strings.Split(strings.TrimPrefix(strings.TrimSpace(s), "v"), ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version %q: want major.minor.revision", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("version %q: component %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// Bump names which component NextVersion increments.
type Bump string

const (
	BumpMajor    Bump = "major"
	BumpMinor    Bump = "minor"
	BumpRevision Bump = "revision"
)

// NextVersion returns the triple that follows latest for the given bump.
// A nil latest yields 1.0.0.
func NextVersion(latest *ProjectVersion, bump Bump) (major, minor, revision int, err error) {
	if latest == nil {
		return 1, 0, 0, nil
	}
	switch bump {
	case BumpMajor:
		return latest.Major + 1, 0, 0, nil
	case BumpMinor:
		return latest.Major, latest.Minor + 1, 0, nil
	case BumpRevision, "":
		return latest.Major, latest.Minor, latest.Revision + 1, nil
	default:
		return 0, 0, 0, fmt.Errorf("unknown version bump %q", bump)
	}
}
