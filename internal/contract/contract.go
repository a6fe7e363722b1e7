// Package contract holds the per-region assignments the table directory hands
// to servers, and the acknowledgements servers send back.
package contract

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// ServerID identifies a server of the cluster.
type ServerID string

// ServerSet is a set of servers. It is encoded as a sorted list.
type ServerSet map[ServerID]struct{}

// NewServerSet returns a set holding the given servers.
func NewServerSet(servers ...ServerID) ServerSet {
	set := make(ServerSet, len(servers))
	for _, s := range servers {
		set[s] = struct{}{}
	}
	return set
}

// Contains reports whether the server is a member of the set.
func (s ServerSet) Contains(server ServerID) bool {
	_, ok := s[server]
	return ok
}

// Sorted returns the members of the set in lexical order.
func (s ServerSet) Sorted() []ServerID {
	servers := make([]ServerID, 0, len(s))
	for server := range s {
		servers = append(servers, server)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i] < servers[j] })
	return servers
}

// MarshalJSON implements json.Marshaler.
func (s ServerSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Sorted()) }

// UnmarshalJSON implements json.Unmarshaler.
func (s *ServerSet) UnmarshalJSON(data []byte) error {
	var servers []ServerID
	if err := json.Unmarshal(data, &servers); err != nil {
		return err
	}

	*s = NewServerSet(servers...)
	return nil
}

// ID identifies a contract. A contract is replaced by one with a new ID
// whenever its terms change.
type ID uuid.UUID

// NewID returns a new random contract ID.
func NewID() ID { return ID(uuid.New()) }

// ParseID parses the textual form of a contract ID.
func ParseID(s string) (ID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse contract id: %w", err)
	}

	return ID(id), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error { return (*uuid.UUID)(id).UnmarshalText(text) }

// Contract states which servers replicate a region and which of them, if any,
// is the primary serving writes on the contract's branch.
type Contract struct {
	// Primary is the server acting as primary. It is empty if the region has
	// no primary.
	Primary ServerID `json:"primary,omitempty"`
	// Replicas are the servers holding a copy of the region, the primary
	// included.
	Replicas ServerSet `json:"replicas"`
	// Branch is the branch the primary writes to. It is the nil branch until
	// a primary has created one.
	Branch branch.ID `json:"branch"`
}

// HasPrimary reports whether the contract names a primary.
func (c Contract) HasPrimary() bool { return c.Primary != "" }

// RoleOf returns the role the contract assigns to the server.
func (c Contract) RoleOf(server ServerID) AckKind {
	switch {
	case c.Primary == server && server != "":
		return AckPrimary
	case c.Replicas.Contains(server):
		return AckSecondary
	default:
		return AckNothing
	}
}

// Equal reports whether the two contracts carry the same terms.
func (c Contract) Equal(other Contract) bool {
	if c.Primary != other.Primary || c.Branch != other.Branch || len(c.Replicas) != len(other.Replicas) {
		return false
	}

	for server := range c.Replicas {
		if !other.Replicas.Contains(server) {
			return false
		}
	}

	return true
}

// Entry is a contract together with the region it governs.
type Entry struct {
	Region   region.Region `json:"region"`
	Contract Contract      `json:"contract"`
}
