package lineage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/helper"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
	"gitlab.com/gitlab-org/regionkeeper/internal/testhelper"
)

type proposal struct {
	add    []branch.ID
	remove []branch.ID
}

// fakeProposer accepts every proposal and publishes the resulting state.
type fakeProposer struct {
	mtx       sync.Mutex
	watcher   *contract.StateWatcher
	err       error
	proposals []proposal
	proposed  chan proposal
}

func newFakeProposer(watcher *contract.StateWatcher) *fakeProposer {
	return &fakeProposer{watcher: watcher, proposed: make(chan proposal, 16)}
}

func (p *fakeProposer) ProposeBranchChanges(ctx context.Context, add *branch.History, remove []branch.ID) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.err != nil {
		return p.err
	}

	state := p.watcher.State()
	ledger := state.Branches.Clone()
	ledger.Merge(add)
	p.watcher.Publish(contract.TableState{Contracts: state.Contracts, Branches: ledger.Without(remove)})

	prop := proposal{add: add.IDs(), remove: remove}
	p.proposals = append(p.proposals, prop)
	p.proposed <- prop
	return nil
}

func (p *fakeProposer) Proposals() []proposal {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]proposal(nil), p.proposals...)
}

type keeperSetup struct {
	fixture
	id       contract.ID
	watcher  *contract.StateWatcher
	acks     *contract.AckTable
	proposer *fakeProposer
	keeper   *Keeper
}

// newKeeperSetup builds a keeper over the fixture ledger with a single
// contract on the universe whose primary s1 serves b2.
func newKeeperSetup(t testing.TB) keeperSetup {
	f := newFixture()
	state, ids := f.state(contract.Entry{
		Region:   region.Universe(),
		Contract: contract.Contract{Primary: "s1", Replicas: contract.NewServerSet("s1", "s2"), Branch: f.b2},
	})

	watcher := contract.NewStateWatcher(state)
	acks := contract.NewAckTable()
	proposer := newFakeProposer(watcher)

	return keeperSetup{
		fixture:  f,
		id:       ids[0],
		watcher:  watcher,
		acks:     acks,
		proposer: proposer,
		keeper:   NewKeeper(testhelper.NewDiscardingLogEntry(t), watcher, acks, proposer, []float64{1}),
	}
}

func TestKeeper_Prune(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newKeeperSetup(t)

	removed, err := s.keeper.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, sorted(s.b3, s.b4), removed)
	require.Equal(t, []proposal{{add: []branch.ID{}, remove: sorted(s.b3, s.b4)}}, s.proposer.Proposals())
	require.Equal(t, sorted(s.b1, s.b2), s.watcher.State().Branches.IDs())

	removed, err = s.keeper.Prune(ctx)
	require.NoError(t, err)
	require.Empty(t, removed)
	require.Len(t, s.proposer.Proposals(), 1)

	require.NoError(t, testutil.CollectAndCompare(s.keeper, strings.NewReader(`
# HELP regionkeeper_lineage_removed_branches_total Total number of branches proposed for removal.
# TYPE regionkeeper_lineage_removed_branches_total counter
regionkeeper_lineage_removed_branches_total 2
`), "regionkeeper_lineage_removed_branches_total"))
}

func TestKeeper_AdoptsPrimaryAncestry(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newKeeperSetup(t)

	b5, b6 := branch.NewID(), branch.NewID()
	reported := branch.NewHistory()
	reported.Insert(b6, certificate(region.Universe(), from(region.Universe(), b5, 3)))
	reported.Insert(b5, certificate(region.Universe(), from(region.Universe(), s.b2, 20)))
	reported.Insert(s.b2, certificate(region.Universe(), from(region.Universe(), s.b1, 5)))
	s.acks.Record(s.id, "s1", contract.PrimaryAck(b6, reported))

	removed, err := s.keeper.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, sorted(s.b3, s.b4), removed)

	proposals := s.proposer.Proposals()
	require.Len(t, proposals, 1)
	require.Equal(t, sorted(b5, b6), proposals[0].add)
	require.Equal(t, sorted(s.b1, s.b2, b5, b6), s.watcher.State().Branches.IDs())

	require.NoError(t, testutil.CollectAndCompare(s.keeper, strings.NewReader(`
# HELP regionkeeper_lineage_adopted_branches_total Total number of branch certificates proposed for adoption.
# TYPE regionkeeper_lineage_adopted_branches_total counter
regionkeeper_lineage_adopted_branches_total 2
`), "regionkeeper_lineage_adopted_branches_total"))
}

func TestKeeper_RejectsIncompleteAncestry(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newKeeperSetup(t)

	b5, b6 := branch.NewID(), branch.NewID()
	reported := branch.NewHistory()
	reported.Insert(b6, certificate(region.Universe(), from(region.Universe(), b5, 3)))
	s.acks.Record(s.id, "s1", contract.PrimaryAck(b6, reported))
	s.acks.Record(contract.NewID(), "s2", contract.PrimaryAck(branch.NewID(), nil))

	_, err := s.keeper.Prune(ctx)
	require.NoError(t, err)

	proposals := s.proposer.Proposals()
	require.Len(t, proposals, 1)
	require.Empty(t, proposals[0].add)

	_, ok := s.acks.Get(s.id, "s1")
	require.True(t, ok)
	require.Len(t, s.acks.Snapshot(), 1, "acks of unknown contracts should be dropped")

	require.NoError(t, testutil.CollectAndCompare(s.keeper, strings.NewReader(`
# HELP regionkeeper_lineage_rejected_acks_total Total number of acks whose branch ancestry could not be adopted.
# TYPE regionkeeper_lineage_rejected_acks_total counter
regionkeeper_lineage_rejected_acks_total 1
`), "regionkeeper_lineage_rejected_acks_total"))
}

func TestKeeper_ProposalFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newKeeperSetup(t)
	s.proposer.err = errors.New("no quorum")

	removed, err := s.keeper.Prune(ctx)
	require.EqualError(t, err, "propose branch changes: no quorum")
	require.Nil(t, removed)
	require.Len(t, s.watcher.State().Branches.IDs(), 4)

	s.proposer.err = nil
	removed, err = s.keeper.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, sorted(s.b3, s.b4), removed)
}

func TestKeeper_UnknownContractBranch(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newKeeperSetup(t)

	state := s.watcher.State()
	state.Contracts[contract.NewID()] = contract.Entry{
		Region:   region.Universe(),
		Contract: contract.Contract{Primary: "s3", Replicas: contract.NewServerSet("s3"), Branch: branch.NewID()},
	}
	s.watcher.Publish(state)

	_, err := s.keeper.Prune(ctx)
	require.ErrorIs(t, err, branch.ErrUnknownBranch)
	require.Empty(t, s.proposer.Proposals())
}

func TestKeeper_AdoptBranch(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newKeeperSetup(t)

	b5 := branch.NewID()
	source := branch.NewHistory()
	source.Insert(b5, certificate(region.Universe(), from(region.Universe(), s.b1, 8)))

	t.Run("known branch", func(t *testing.T) {
		require.NoError(t, s.keeper.AdoptBranch(ctx, s.b2, source))
		require.Empty(t, s.proposer.Proposals())
	})

	t.Run("missing certificate", func(t *testing.T) {
		err := s.keeper.AdoptBranch(ctx, branch.NewID(), source)
		require.ErrorIs(t, err, branch.ErrUnknownBranch)
		require.Empty(t, s.proposer.Proposals())
	})

	t.Run("new branch", func(t *testing.T) {
		require.NoError(t, s.keeper.AdoptBranch(ctx, b5, source))
		require.Equal(t, []proposal{{add: []branch.ID{b5}}}, s.proposer.Proposals())
		require.True(t, s.watcher.State().Branches.Known(b5))
	})
}

func TestKeeper_Run(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	t.Run("prunes on ticks", func(t *testing.T) {
		s := newKeeperSetup(t)

		ctx, cancel := context.WithCancel(ctx)
		ticker := helper.NewCountTicker(1, cancel)

		// The subscription and the ack table notify once on their own, so the
		// keeper may run more than one pass before the ticker stops it.
		require.Equal(t, context.Canceled, s.keeper.Run(ctx, ticker))
		require.Equal(t, sorted(s.b1, s.b2), s.watcher.State().Branches.IDs())
		require.Len(t, s.proposer.Proposals(), 1)
	})

	t.Run("prunes when acks arrive", func(t *testing.T) {
		s := newKeeperSetup(t)

		ctx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- s.keeper.Run(ctx, helper.NewManualTicker()) }()

		select {
		case prop := <-s.proposer.proposed:
			require.Equal(t, sorted(s.b3, s.b4), prop.remove)
		case <-time.After(5 * time.Second):
			t.Fatal("initial pass did not run")
		}

		s.acks.Record(s.id, "s2", contract.StreamingAck(branch.NewVersion(s.b2, 30), s.b2, nil))

		// The ack references b2, which is live already; the pass proposes nothing.
		require.Eventually(t, func() bool { return len(s.acks.Updated()) == 0 }, 5*time.Second, time.Millisecond)

		cancel()
		require.Equal(t, context.Canceled, <-done)
		require.Len(t, s.proposer.Proposals(), 1)
	})
}
