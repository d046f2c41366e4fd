package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ChangeKey identifies a single revision of a change under review. Two
// patchsets of the same review share everything but the patchset number.
type ChangeKey struct {
	Connection string
	Project    string
	Branch     string
	ChangeID   string
	Patchset   int
}

// Reference returns the stable string form of the key, used as a map key in
// dependency graphs and caches.
func (k ChangeKey) Reference() string {
	return fmt.Sprintf("%s/%s/%s/%s/%d",
		k.Connection, k.Project, k.Branch, k.ChangeID, k.Patchset)
}

// ParseChangeKey is the inverse of Reference. Project names may contain
// slashes; branch names may not.
func ParseChangeKey(ref string) (ChangeKey, error) {
	parts := strings.Split(ref, "/")
	if len(parts) < 5 {
		return ChangeKey{}, fmt.Errorf("malformed change reference %q", ref)
	}
	patchset, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return ChangeKey{}, fmt.Errorf("malformed change reference %q: %w", ref, err)
	}
	return ChangeKey{
		Connection: parts[0],
		Project:    strings.Join(parts[1:len(parts)-3], "/"),
		Branch:     parts[len(parts)-3],
		ChangeID:   parts[len(parts)-2],
		Patchset:   patchset,
	}, nil
}

// IsSameChange reports whether two keys refer to the same review,
// regardless of patchset.
func (k ChangeKey) IsSameChange(other ChangeKey) bool {
	return k.Connection == other.Connection &&
		k.Project == other.Project &&
		k.Branch == other.Branch &&
		k.ChangeID == other.ChangeID
}

// Change is a proposed revision fetched from a code review system.
type Change struct {
	Key     ChangeKey
	Ref     string
	URL     string
	Message string

	// Files changed by this revision, as reported by the merger.
	Files []string

	// CommitNeedsChanges holds the change key references resolved from
	// Depends-On headers in the commit message.
	CommitNeedsChanges []string
	// NeededByChanges holds the reverse dependencies.
	NeededByChanges []string

	IsMerged bool
}

func (c *Change) String() string {
	return fmt.Sprintf("<Change %s,%d>", c.Key.ChangeID, c.Key.Patchset)
}

// Equals reports whether two changes are the exact same revision.
func (c *Change) Equals(other *Change) bool {
	if other == nil {
		return false
	}
	return c.Key == other.Key
}

// IsUpdateOf reports whether c is a newer patchset of the same review as
// other.
func (c *Change) IsUpdateOf(other *Change) bool {
	if other == nil {
		return false
	}
	return c.Key.IsSameChange(other.Key) && c.Key.Patchset > other.Key.Patchset
}

// NeedsChanges returns the union of commit dependencies and any
// review-declared dependencies. Currently only commit dependencies are
// tracked.
func (c *Change) NeedsChanges() []string {
	return c.CommitNeedsChanges
}

// UpdatesConfig reports whether the change touches pipeline configuration
// files as defined by the layout for its project.
func (c *Change) UpdatesConfig(layout *Layout) bool {
	if layout == nil {
		return false
	}
	files, dirs := layout.ConfigFilesForProject(c.Key.Project)
	for _, f := range c.Files {
		for _, cf := range files {
			if f == cf {
				return true
			}
		}
		for _, d := range dirs {
			if strings.HasPrefix(f, d+"/") {
				return true
			}
		}
	}
	return false
}

// EventInfo carries the identity of the trigger event that caused an
// operation, for log annotation and reporting.
type EventInfo struct {
	ID        string
	Timestamp int64
}
