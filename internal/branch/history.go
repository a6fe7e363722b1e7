package branch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// ErrUnknownBranch is matched by every UnknownBranchError.
var ErrUnknownBranch = errors.New("unknown branch")

// UnknownBranchError is returned when a history has no birth certificate for
// a branch.
type UnknownBranchError struct {
	Branch ID
}

// Error returns the error message.
func (err UnknownBranchError) Error() string {
	return fmt.Sprintf("branch %s: birth certificate not found", err.Branch)
}

// Is makes UnknownBranchError match ErrUnknownBranch.
func (err UnknownBranchError) Is(target error) bool { return target == ErrUnknownBranch }

// BirthCertificate records where a branch's initial data came from.
type BirthCertificate struct {
	// Region is the part of the keyspace the branch covers.
	Region region.Region `json:"region"`
	// InitialTimestamp is the timestamp of the branch's first version.
	InitialTimestamp uint64 `json:"initial_timestamp"`
	// Origin maps every sub-region of Region to the version its data was
	// copied from when the branch was created.
	Origin *VersionMap `json:"origin"`
}

// Parents returns the distinct branches the certificate's origin refers to, in
// key order of their first appearance.
func (bc BirthCertificate) Parents() []ID {
	var parents []ID
	seen := make(map[ID]struct{})
	bc.Origin.Visit(bc.Origin.Domain(), func(_ region.Region, v Version) {
		if v.IsZero() {
			return
		}

		if _, ok := seen[v.Branch]; ok {
			return
		}

		seen[v.Branch] = struct{}{}
		parents = append(parents, v.Branch)
	})

	return parents
}

// Reader gives read access to birth certificates.
type Reader interface {
	// Known reports whether the birth certificate of the branch is available.
	Known(id ID) bool
	// Get returns the birth certificate of the branch. It returns an
	// UnknownBranchError if the branch is not known.
	Get(id ID) (BirthCertificate, error)
}

// History maps branch IDs to their birth certificates. Certificates are never
// modified once inserted. Read methods may be called on a nil History, which
// behaves like an empty one.
type History struct {
	branches map[ID]BirthCertificate
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{branches: make(map[ID]BirthCertificate)}
}

// Known reports whether the history contains the branch.
func (h *History) Known(id ID) bool {
	if h == nil {
		return false
	}

	_, ok := h.branches[id]
	return ok
}

// Get returns the birth certificate of the branch.
func (h *History) Get(id ID) (BirthCertificate, error) {
	if h == nil {
		return BirthCertificate{}, UnknownBranchError{Branch: id}
	}

	bc, ok := h.branches[id]
	if !ok {
		return BirthCertificate{}, UnknownBranchError{Branch: id}
	}

	return bc, nil
}

// Insert adds the birth certificate of a branch. Inserting a branch that is
// already present is a no-op and does not overwrite the existing certificate.
// The nil branch is never inserted. Insert reports whether the history changed.
func (h *History) Insert(id ID, bc BirthCertificate) bool {
	if id.IsNil() || h.Known(id) {
		return false
	}

	h.branches[id] = bc
	return true
}

// Merge inserts every branch of other that h does not know yet.
func (h *History) Merge(other *History) {
	for _, id := range other.IDs() {
		h.Insert(id, other.branches[id])
	}
}

// Len returns the number of branches in the history.
func (h *History) Len() int {
	if h == nil {
		return 0
	}

	return len(h.branches)
}

// IDs returns the branch IDs of the history in a stable order.
func (h *History) IDs() []ID {
	if h == nil {
		return nil
	}

	ids := make([]ID, 0, len(h.branches))
	for id := range h.branches {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// Clone returns a copy of the history that can be modified independently.
// Birth certificates are shared as they are immutable.
func (h *History) Clone() *History {
	clone := NewHistory()
	clone.Merge(h)
	return clone
}

// Without returns a copy of the history lacking the given branches.
func (h *History) Without(remove []ID) *History {
	removed := make(map[ID]struct{}, len(remove))
	for _, id := range remove {
		removed[id] = struct{}{}
	}

	result := NewHistory()
	for _, id := range h.IDs() {
		if _, ok := removed[id]; ok {
			continue
		}

		result.branches[id] = h.branches[id]
	}

	return result
}

// MarshalJSON implements json.Marshaler.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.branches)
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *History) UnmarshalJSON(data []byte) error {
	branches := make(map[ID]BirthCertificate)
	if err := json.Unmarshal(data, &branches); err != nil {
		return err
	}

	for id, bc := range branches {
		if id.IsNil() {
			return errors.New("history contains the nil branch")
		}

		if bc.Origin == nil {
			return fmt.Errorf("branch %s: birth certificate has no origin", id)
		}
	}

	h.branches = branches
	return nil
}
