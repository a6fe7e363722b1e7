// Package region describes partitions of a table's keyspace.
package region

import "fmt"

// Key is a position in the table's keyspace. Keys are ordered bytewise.
type Key string

// Region is the half-open key interval [Start, End). An empty End denotes the
// top of the keyspace, so the zero Region covers every key.
type Region struct {
	Start Key `json:"start"`
	End   Key `json:"end,omitempty"`
}

// Universe returns the region covering the whole keyspace.
func Universe() Region { return Region{} }

// Empty returns a region containing no keys.
func Empty() Region { return Region{Start: "\x00", End: "\x00"} }

// New returns the region [start, end).
func New(start, end Key) Region { return Region{Start: start, End: end} }

// Unbounded reports whether the region extends to the top of the keyspace.
func (r Region) Unbounded() bool { return r.End == "" }

// IsEmpty reports whether the region contains no keys.
func (r Region) IsEmpty() bool { return !r.Unbounded() && r.End <= r.Start }

// Contains reports whether key lies within the region.
func (r Region) Contains(key Key) bool {
	return key >= r.Start && (r.Unbounded() || key < r.End)
}

// Covers reports whether every key of other lies within r. Empty regions are
// covered by every region.
func (r Region) Covers(other Region) bool {
	if other.IsEmpty() {
		return true
	}

	if other.Start < r.Start {
		return false
	}

	if r.Unbounded() {
		return true
	}

	return !other.Unbounded() && other.End <= r.End
}

// Intersect returns the keys common to both regions. The boolean is false if
// the regions do not overlap, in which case the returned region is meaningless.
func (r Region) Intersect(other Region) (Region, bool) {
	start := r.Start
	if other.Start > start {
		start = other.Start
	}

	end := r.End
	switch {
	case r.Unbounded():
		end = other.End
	case other.Unbounded():
	case other.End < end:
		end = other.End
	}

	result := Region{Start: start, End: end}
	return result, !result.IsEmpty()
}

// Overlaps reports whether the regions share at least one key.
func (r Region) Overlaps(other Region) bool {
	_, ok := r.Intersect(other)
	return ok
}

// Less orders regions by their start key, then by their end key with
// unbounded regions last.
func (r Region) Less(other Region) bool {
	if r.Start != other.Start {
		return r.Start < other.Start
	}

	switch {
	case r.End == other.End:
		return false
	case r.Unbounded():
		return false
	case other.Unbounded():
		return true
	default:
		return r.End < other.End
	}
}

func (r Region) String() string {
	if r.Unbounded() {
		return fmt.Sprintf("[%q, +inf)", string(r.Start))
	}

	return fmt.Sprintf("[%q, %q)", string(r.Start), string(r.End))
}
