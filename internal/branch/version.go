// Package branch tracks the lineage of a table's write histories.
//
// A branch is an independent, causally ordered stream of writes. A new branch
// is created every time a region fails over to a new primary, and its birth
// certificate records which version every part of its initial data descends
// from. The birth certificates of all branches form a DAG that is stored in a
// History and pruned once no live region depends on a branch anymore.
package branch

import (
	"fmt"

	"github.com/google/uuid"
)

// ID uniquely identifies a branch. The nil ID never names a branch.
type ID uuid.UUID

// NilID is the ID of no branch.
var NilID ID

// NewID returns a new random branch ID.
func NewID() ID { return ID(uuid.New()) }

// ParseID parses the textual form of a branch ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return NilID, fmt.Errorf("parse branch id: %w", err)
	}

	return ID(id), nil
}

// IsNil reports whether the ID is the nil ID.
func (id ID) IsNil() bool { return id == NilID }

func (id ID) String() string { return uuid.UUID(id).String() }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error { return (*uuid.UUID)(id).UnmarshalText(text) }

// Version is a point in a branch's write history.
type Version struct {
	Branch    ID     `json:"branch"`
	Timestamp uint64 `json:"timestamp"`
}

// Zero is the version of data that has no history at all.
var Zero = Version{}

// NewVersion returns the version at timestamp on the given branch.
func NewVersion(branch ID, timestamp uint64) Version {
	return Version{Branch: branch, Timestamp: timestamp}
}

// IsZero reports whether v carries no history. Any version on the nil branch
// is treated as Zero.
func (v Version) IsZero() bool { return v.Branch.IsNil() }

func (v Version) String() string {
	if v.IsZero() {
		return "zero"
	}

	return fmt.Sprintf("%s@%d", v.Branch, v.Timestamp)
}
