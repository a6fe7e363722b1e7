package contract

import (
	"sync"
	"sync/atomic"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// TableState is the table directory's view of a table: the contracts covering
// its regions and the branch history they depend on.
type TableState struct {
	Contracts map[ID]Entry    `json:"contracts"`
	Branches  *branch.History `json:"branches"`
}

// NewTableState returns a state without contracts or branches.
func NewTableState() TableState {
	return TableState{Contracts: make(map[ID]Entry), Branches: branch.NewHistory()}
}

// RegionsOf returns the contracts of the state that assign the server a role
// other than AckNothing, keyed by region.
func (s TableState) RegionsOf(server ServerID) map[region.Region]Assignment {
	assigned := make(map[region.Region]Assignment)
	for id, entry := range s.Contracts {
		if entry.Contract.RoleOf(server) == AckNothing {
			continue
		}

		assigned[entry.Region] = Assignment{ID: id, Contract: entry.Contract}
	}

	return assigned
}

// Assignment is a contract handed to the server responsible for one of its
// regions.
type Assignment struct {
	ID       ID
	Contract Contract
}

// StateWatcher publishes the latest TableState to any number of subscribers.
// Subscribers are notified through a buffered channel, so notifications
// coalesce when a subscriber is slow and only the latest state is observed.
type StateWatcher struct {
	state atomic.Value

	mtx         sync.Mutex
	subscribers map[chan struct{}]struct{}
}

// NewStateWatcher returns a watcher holding the initial state.
func NewStateWatcher(initial TableState) *StateWatcher {
	w := &StateWatcher{subscribers: make(map[chan struct{}]struct{})}
	w.state.Store(initial)
	return w
}

// State returns the most recently published state.
func (w *StateWatcher) State() TableState {
	return w.state.Load().(TableState)
}

// Publish replaces the state and notifies every subscriber.
func (w *StateWatcher) Publish(state TableState) {
	w.state.Store(state)

	w.mtx.Lock()
	defer w.mtx.Unlock()

	for ch := range w.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel that is sent to after every Publish and a
// function to cancel the subscription. The channel is sent to once right away
// so the subscriber picks up the current state.
func (w *StateWatcher) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}

	w.mtx.Lock()
	w.subscribers[ch] = struct{}{}
	w.mtx.Unlock()

	return ch, func() {
		w.mtx.Lock()
		delete(w.subscribers, ch)
		w.mtx.Unlock()
	}
}
