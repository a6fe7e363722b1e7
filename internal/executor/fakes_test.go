package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// world records everything the collaborators of an executor are asked to do
// and checks that endpoints of different branches never coexist.
type world struct {
	mtx        sync.Mutex
	events     []string
	live       map[string]branch.ID
	violations []string
	listeners  []*fakeListener
}

func newWorld() *world {
	return &world{live: make(map[string]branch.ID)}
}

func (w *world) record(format string, args ...interface{}) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.events = append(w.events, fmt.Sprintf(format, args...))
}

func (w *world) Events() []string {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return append([]string(nil), w.events...)
}

func (w *world) Live() map[string]branch.ID {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	live := make(map[string]branch.ID, len(w.live))
	for kind, b := range w.live {
		live[kind] = b
	}
	return live
}

func (w *world) open(kind string, b branch.ID) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if _, ok := w.live[kind]; ok {
		w.violations = append(w.violations, fmt.Sprintf("second %s opened", kind))
	}

	for other, bound := range w.live {
		if bound != b {
			w.violations = append(w.violations, fmt.Sprintf("%s on %s coexists with %s on %s", kind, b, other, bound))
		}
	}

	w.live[kind] = b
	w.events = append(w.events, fmt.Sprintf("open %s %s", kind, b))
}

func (w *world) close(kind string, b branch.ID) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	delete(w.live, kind)
	w.events = append(w.events, fmt.Sprintf("close %s %s", kind, b))
}

func (w *world) requireConsistent(t testing.TB) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	require.Empty(t, w.violations)
}

func (w *world) lastListener() *fakeListener {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if len(w.listeners) == 0 {
		return nil
	}
	return w.listeners[len(w.listeners)-1]
}

func (w *world) listenerCount() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.listeners)
}

type fakeStore struct {
	world *world
	err   error
}

func (s *fakeStore) ResetData(ctx context.Context, initial branch.Version, r region.Region, d Durability) error {
	if s.err != nil {
		return s.err
	}

	s.world.record("reset %s %s", initial, d)
	return nil
}

type fakeBroadcaster struct {
	world  *world
	handle BroadcasterHandle
}

func (b *fakeBroadcaster) Handle() BroadcasterHandle { return b.handle }

func (b *fakeBroadcaster) Close() error {
	b.world.close("broadcaster", b.handle.Branch)
	return nil
}

type fakeListener struct {
	world    *world
	branch   branch.ID
	lost     chan struct{}
	lostOnce sync.Once
}

func (l *fakeListener) BroadcasterLost() <-chan struct{} { return l.lost }

func (l *fakeListener) Version() branch.Version { return branch.NewVersion(l.branch, 7) }

func (l *fakeListener) Lose() { l.lostOnce.Do(func() { close(l.lost) }) }

func (l *fakeListener) Close() error {
	l.world.close("listener", l.branch)
	return nil
}

type fakeReplier struct {
	world  *world
	branch branch.ID
	err    error
}

func (r *fakeReplier) Close() error {
	r.world.close("replier", r.branch)
	return r.err
}

type fakeEndpoints struct {
	world      *world
	server     contract.ServerID
	replierErr error
	closeErr   error
	// lostOnOpen makes every new listener lose its broadcaster at once.
	lostOnOpen bool
}

func (e *fakeEndpoints) NewBroadcaster(ctx context.Context, r region.Region, b branch.ID) (Broadcaster, error) {
	e.world.open("broadcaster", b)
	return &fakeBroadcaster{world: e.world, handle: BroadcasterHandle{Server: e.server, Branch: b}}, nil
}

func (e *fakeEndpoints) NewListener(ctx context.Context, r region.Region, h BroadcasterHandle) (Listener, error) {
	e.world.open("listener", h.Branch)

	l := &fakeListener{world: e.world, branch: h.Branch, lost: make(chan struct{})}
	if e.lostOnOpen {
		l.Lose()
	}
	e.world.mtx.Lock()
	e.world.listeners = append(e.world.listeners, l)
	e.world.mtx.Unlock()

	return l, nil
}

func (e *fakeEndpoints) NewReplier(ctx context.Context, r region.Region, l Listener) (Replier, error) {
	if e.replierErr != nil {
		return nil, e.replierErr
	}

	b := l.(*fakeListener).branch
	e.world.open("replier", b)
	return &fakeReplier{world: e.world, branch: b, err: e.closeErr}, nil
}

// fakeLocator knows the broadcasters registered with it and reports every
// other branch unreachable.
type fakeLocator struct {
	mtx     sync.Mutex
	handles map[branch.ID]BroadcasterHandle
	lookups int
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{handles: make(map[branch.ID]BroadcasterHandle)}
}

func (l *fakeLocator) register(server contract.ServerID, b branch.ID) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.handles[b] = BroadcasterHandle{Server: server, Branch: b}
}

func (l *fakeLocator) FindBroadcaster(ctx context.Context, b branch.ID) (BroadcasterHandle, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.lookups++
	handle, ok := l.handles[b]
	if !ok {
		return BroadcasterHandle{}, ErrBroadcasterUnreachable
	}
	return handle, nil
}

func (l *fakeLocator) Lookups() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lookups
}

// recordingAcker records acks in the world's event log and forwards them.
type recordingAcker struct {
	world *world
	acks  chan contract.Ack
}

func newRecordingAcker(w *world) *recordingAcker {
	return &recordingAcker{world: w, acks: make(chan contract.Ack, 100)}
}

func (a *recordingAcker) Ack(id contract.ID, ack contract.Ack) {
	a.world.record("ack %s", ack)
	a.acks <- ack
}

func (a *recordingAcker) next(t testing.TB) contract.Ack {
	t.Helper()

	select {
	case ack := <-a.acks:
		return ack
	case <-timeout():
		t.Fatal("timed out waiting for an ack")
		return contract.Ack{}
	}
}
