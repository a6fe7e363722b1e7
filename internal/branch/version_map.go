package branch

import (
	"encoding/json"
	"fmt"

	"github.com/google/btree"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// The degree of the btree holding a VersionMap's entries. Origin maps are
// small, a narrow tree keeps them cheap to clone.
const versionMapBtreeDegree = 8

// VersionMapEntry assigns a version to a region.
type VersionMapEntry struct {
	Region  region.Region `json:"region"`
	Version Version       `json:"version"`
}

type versionMapItem struct {
	VersionMapEntry
}

// Less implements the btree.Item interface.
func (i *versionMapItem) Less(than btree.Item) bool {
	return i.Region.Start < than.(*versionMapItem).Region.Start
}

// VersionMap partitions its domain into non-overlapping regions and assigns a
// version to each of them. Every key of the domain maps to exactly one
// version.
type VersionMap struct {
	domain  region.Region
	entries *btree.BTree
}

// NewVersionMap returns a map assigning v to the whole domain.
func NewVersionMap(domain region.Region, v Version) *VersionMap {
	m := &VersionMap{domain: domain, entries: btree.New(versionMapBtreeDegree)}
	if !domain.IsEmpty() {
		m.entries.ReplaceOrInsert(&versionMapItem{VersionMapEntry{Region: domain, Version: v}})
	}

	return m
}

// Domain returns the region the map covers.
func (m *VersionMap) Domain() region.Region { return m.domain }

// Len returns the number of entries the domain is split into.
func (m *VersionMap) Len() int { return m.entries.Len() }

func (m *VersionMap) pivot(key region.Key) *versionMapItem {
	return &versionMapItem{VersionMapEntry{Region: region.Region{Start: key}}}
}

// Visit calls fn for every entry overlapping r, in key order. The region passed
// to fn is the intersection of the entry's region with r, so an entry straddling
// the boundary of r is split. Parts of r outside the domain are ignored.
func (m *VersionMap) Visit(r region.Region, fn func(region.Region, Version)) {
	r, ok := m.domain.Intersect(r)
	if !ok {
		return
	}

	from := r.Start
	m.entries.DescendLessOrEqual(m.pivot(r.Start), func(i btree.Item) bool {
		from = i.(*versionMapItem).Region.Start
		return false
	})

	m.entries.AscendGreaterOrEqual(m.pivot(from), func(i btree.Item) bool {
		entry := i.(*versionMapItem)
		if !r.Unbounded() && entry.Region.Start >= r.End {
			return false
		}

		if sub, ok := entry.Region.Intersect(r); ok {
			fn(sub, entry.Version)
		}

		return true
	})
}

// Set assigns v to r, splitting the entries r partially overlaps. Parts of r
// outside the domain are ignored.
func (m *VersionMap) Set(r region.Region, v Version) {
	r, ok := m.domain.Intersect(r)
	if !ok {
		return
	}

	var overlapping []*versionMapItem
	from := r.Start
	m.entries.DescendLessOrEqual(m.pivot(r.Start), func(i btree.Item) bool {
		from = i.(*versionMapItem).Region.Start
		return false
	})
	m.entries.AscendGreaterOrEqual(m.pivot(from), func(i btree.Item) bool {
		entry := i.(*versionMapItem)
		if !r.Unbounded() && entry.Region.Start >= r.End {
			return false
		}

		if entry.Region.Overlaps(r) {
			overlapping = append(overlapping, entry)
		}

		return true
	})

	for _, entry := range overlapping {
		m.entries.Delete(entry)

		if entry.Region.Start < r.Start {
			m.entries.ReplaceOrInsert(&versionMapItem{VersionMapEntry{
				Region:  region.New(entry.Region.Start, r.Start),
				Version: entry.Version,
			}})
		}

		if !r.Unbounded() && (entry.Region.Unbounded() || r.End < entry.Region.End) {
			m.entries.ReplaceOrInsert(&versionMapItem{VersionMapEntry{
				Region:  region.New(r.End, entry.Region.End),
				Version: entry.Version,
			}})
		}
	}

	m.entries.ReplaceOrInsert(&versionMapItem{VersionMapEntry{Region: r, Version: v}})
}

// Entries returns the map's entries in key order.
func (m *VersionMap) Entries() []VersionMapEntry {
	entries := make([]VersionMapEntry, 0, m.entries.Len())
	m.entries.Ascend(func(i btree.Item) bool {
		entries = append(entries, i.(*versionMapItem).VersionMapEntry)
		return true
	})

	return entries
}

// Mask returns a new map restricted to the part of the domain within r.
func (m *VersionMap) Mask(r region.Region) *VersionMap {
	domain, ok := m.domain.Intersect(r)
	if !ok {
		domain = region.Empty()
	}

	masked := &VersionMap{domain: domain, entries: btree.New(versionMapBtreeDegree)}
	m.Visit(domain, func(sub region.Region, v Version) {
		masked.entries.ReplaceOrInsert(&versionMapItem{VersionMapEntry{Region: sub, Version: v}})
	})

	return masked
}

type versionMapJSON struct {
	Domain  region.Region     `json:"domain"`
	Entries []VersionMapEntry `json:"entries"`
}

// MarshalJSON implements json.Marshaler.
func (m *VersionMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(versionMapJSON{Domain: m.domain, Entries: m.Entries()})
}

// UnmarshalJSON implements json.Unmarshaler. The entries must tile the domain
// exactly.
func (m *VersionMap) UnmarshalJSON(data []byte) error {
	var decoded versionMapJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	if len(decoded.Entries) == 0 && !decoded.Domain.IsEmpty() {
		return fmt.Errorf("version map has no entries for domain %s", decoded.Domain)
	}

	next := decoded.Domain.Start
	for i, entry := range decoded.Entries {
		if entry.Region.Start != next || entry.Region.IsEmpty() {
			return fmt.Errorf("version map entry %d: region %s does not continue at %q", i, entry.Region, next)
		}

		if entry.Region.Unbounded() && i != len(decoded.Entries)-1 {
			return fmt.Errorf("version map entry %d: unbounded region %s is not last", i, entry.Region)
		}

		next = entry.Region.End
	}

	if len(decoded.Entries) > 0 && next != decoded.Domain.End {
		return fmt.Errorf("version map entries end at %q instead of %q", next, decoded.Domain.End)
	}

	*m = VersionMap{domain: decoded.Domain, entries: btree.New(versionMapBtreeDegree)}
	for _, entry := range decoded.Entries {
		m.entries.ReplaceOrInsert(&versionMapItem{entry})
	}

	return nil
}
