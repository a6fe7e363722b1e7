package executor

import (
	"context"
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// Durability selects how far a storage write must have progressed before it
// is acknowledged.
type Durability int

const (
	// DurabilitySoft acknowledges writes once they are buffered.
	DurabilitySoft Durability = iota
	// DurabilityHard acknowledges writes once they are on disk.
	DurabilityHard
)

func (d Durability) String() string {
	if d == DurabilityHard {
		return "hard"
	}
	return "soft"
}

// Store is the local storage engine holding the data of a region.
type Store interface {
	// ResetData drops the data of r and records initial as its version.
	ResetData(ctx context.Context, initial branch.Version, r region.Region, d Durability) error
}

// StorageFaultError wraps an error returned by the Store.
type StorageFaultError struct {
	Region region.Region
	Err    error
}

func (err StorageFaultError) Error() string {
	return fmt.Sprintf("storage fault in region %s: %s", err.Region, err.Err)
}

// Unwrap returns the underlying storage error.
func (err StorageFaultError) Unwrap() error { return err.Err }

// BroadcasterHandle addresses the broadcaster of a branch.
type BroadcasterHandle struct {
	Server contract.ServerID
	Branch branch.ID
}

// Broadcaster accepts writes for a branch and fans them out to listeners.
type Broadcaster interface {
	Handle() BroadcasterHandle
	Close() error
}

// Listener streams writes from a broadcaster into the local store.
type Listener interface {
	// BroadcasterLost is closed once the listener lost its broadcaster.
	BroadcasterLost() <-chan struct{}
	// Version returns the version the listener has streamed up to.
	Version() branch.Version
	Close() error
}

// Replier answers reads and backfill requests from the data a listener
// maintains.
type Replier interface {
	Close() error
}

// Endpoints constructs the replication endpoints of a region.
type Endpoints interface {
	NewBroadcaster(ctx context.Context, r region.Region, b branch.ID) (Broadcaster, error)
	NewListener(ctx context.Context, r region.Region, h BroadcasterHandle) (Listener, error)
	NewReplier(ctx context.Context, r region.Region, l Listener) (Replier, error)
}

// ErrBroadcasterUnreachable is returned by a BroadcasterLocator if the
// broadcaster of a branch cannot be reached right now.
var ErrBroadcasterUnreachable = errors.New("broadcaster unreachable")

// BroadcasterLocator finds the broadcaster of a branch. FindBroadcaster may
// block until the primary is reachable.
type BroadcasterLocator interface {
	FindBroadcaster(ctx context.Context, b branch.ID) (BroadcasterHandle, error)
}

// invalidator is implemented by locators caching their results.
type invalidator interface {
	Invalidate(b branch.ID)
}

// Acker sends acks toward the consensus layer.
type Acker interface {
	Ack(id contract.ID, ack contract.Ack)
}
