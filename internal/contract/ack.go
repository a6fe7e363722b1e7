package contract

import (
	"fmt"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
)

// AckKind is the role a server reports having taken on for a contract.
type AckKind int

const (
	// AckNothing means the server holds no data for the region.
	AckNothing AckKind = iota
	// AckSecondary means the server follows the primary, or is waiting to
	// find one.
	AckSecondary
	// AckPrimary means the server serves writes for the region.
	AckPrimary
)

var ackKindNames = map[AckKind]string{
	AckNothing:   "nothing",
	AckSecondary: "secondary",
	AckPrimary:   "primary",
}

func (k AckKind) String() string {
	if name, ok := ackKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("AckKind(%d)", int(k))
}

// MarshalText implements encoding.TextMarshaler.
func (k AckKind) MarshalText() ([]byte, error) {
	if _, ok := ackKindNames[k]; !ok {
		return nil, fmt.Errorf("invalid ack kind %d", int(k))
	}

	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AckKind) UnmarshalText(text []byte) error {
	for kind, name := range ackKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}

	return fmt.Errorf("invalid ack kind %q", text)
}

// Ack is a server's report on a contract.
type Ack struct {
	Kind AckKind `json:"kind"`
	// Version is the version a secondary has streamed up to. It is nil while
	// the secondary has not found its primary yet.
	Version *branch.Version `json:"version,omitempty"`
	// Branch is the branch the server follows or serves.
	Branch branch.ID `json:"branch"`
	// Branches carries the birth certificates needed to resolve Branch and
	// Version. Primaries that created a new branch report it here.
	Branches *branch.History `json:"branches,omitempty"`
}

// NothingAck returns the ack of a server that dropped the region.
func NothingAck() Ack { return Ack{Kind: AckNothing} }

// SecondaryAck returns the ack of a secondary that has not reached its
// primary.
func SecondaryAck() Ack { return Ack{Kind: AckSecondary} }

// StreamingAck returns the ack of a secondary streaming from the primary of
// the given branch.
func StreamingAck(version branch.Version, b branch.ID, history *branch.History) Ack {
	return Ack{Kind: AckSecondary, Version: &version, Branch: b, Branches: history}
}

// PrimaryAck returns the ack of a primary serving the given branch.
func PrimaryAck(b branch.ID, history *branch.History) Ack {
	return Ack{Kind: AckPrimary, Branch: b, Branches: history}
}

// Referenced returns the branches the ack requires to be kept.
func (a Ack) Referenced() []branch.ID {
	var ids []branch.ID
	if !a.Branch.IsNil() {
		ids = append(ids, a.Branch)
	}

	if a.Version != nil && !a.Version.IsZero() && a.Version.Branch != a.Branch {
		ids = append(ids, a.Version.Branch)
	}

	return ids
}

func (a Ack) String() string {
	switch {
	case a.Version != nil:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Version)
	case !a.Branch.IsNil():
		return fmt.Sprintf("%s(%s)", a.Kind, a.Branch)
	default:
		return a.Kind.String()
	}
}

// ReportedAck is an ack together with the contract and server it was sent for.
type ReportedAck struct {
	Contract ID       `json:"contract"`
	Server   ServerID `json:"server"`
	Ack      Ack      `json:"ack"`
}
