package lineage

import (
	"context"
	"fmt"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/helper"
)

// Proposer submits changes of the branch history to the consensus layer. A
// successful proposal is eventually published as a new table state.
type Proposer interface {
	ProposeBranchChanges(ctx context.Context, add *branch.History, remove []branch.ID) error
}

// Keeper maintains the branch history of a table. On every pass it adopts the
// ancestry of new branches primaries report and proposes to remove the
// branches that are no longer referenced.
type Keeper struct {
	log      logrus.FieldLogger
	watcher  *contract.StateWatcher
	acks     *contract.AckTable
	proposer Proposer
	// handleError is called with a possible error from a pass.
	// If it returns an error, Run stops and returns with the error.
	handleError func(error) error

	mtx sync.Mutex
	// base is the history as of the previous successful pass.
	base *branch.History

	passDuration prometheus.Histogram
	removedTotal prometheus.Counter
	adoptedTotal prometheus.Counter
	rejectedAcks prometheus.Counter
}

// NewKeeper returns a Keeper collecting the history published by watcher.
func NewKeeper(log logrus.FieldLogger, watcher *contract.StateWatcher, acks *contract.AckTable, proposer Proposer, buckets []float64) *Keeper {
	log = log.WithField("component", "lineage_keeper")

	return &Keeper{
		log:      log,
		watcher:  watcher,
		acks:     acks,
		proposer: proposer,
		handleError: func(err error) error {
			log.WithError(err).Error("branch collection failed")
			return nil
		},
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "regionkeeper_lineage_pass_seconds",
			Help:    "The time spent performing a single branch collection pass.",
			Buckets: buckets,
		}),
		removedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regionkeeper_lineage_removed_branches_total",
			Help: "Total number of branches proposed for removal.",
		}),
		adoptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regionkeeper_lineage_adopted_branches_total",
			Help: "Total number of branch certificates proposed for adoption.",
		}),
		rejectedAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regionkeeper_lineage_rejected_acks_total",
			Help: "Total number of acks whose branch ancestry could not be adopted.",
		}),
	}
}

// Describe returns all metric descriptors.
func (k *Keeper) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(k, ch)
}

// Collect collects all metrics.
func (k *Keeper) Collect(ch chan<- prometheus.Metric) {
	k.passDuration.Collect(ch)
	k.removedTotal.Collect(ch)
	k.adoptedTotal.Collect(ch)
	k.rejectedAcks.Collect(ch)
}

// Run performs a pass on each tick the Ticker emits and whenever a new state
// is published or an ack is recorded. Run returns when the context is
// canceled, returning the error from the context.
func (k *Keeper) Run(ctx context.Context, ticker helper.Ticker) error {
	k.log.Info("lineage keeper started")
	defer k.log.Info("lineage keeper stopped")

	defer ticker.Stop()

	updated, unsubscribe := k.watcher.Subscribe()
	defer unsubscribe()

	for {
		ticker.Reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		case <-updated:
		case <-k.acks.Updated():
		}

		if _, err := k.Prune(ctx); err != nil {
			if err := k.handleError(err); err != nil {
				return err
			}
		}
	}
}

// Prune performs a single pass over the latest state and returns the branches
// proposed for removal.
func (k *Keeper) Prune(ctx context.Context) ([]branch.ID, error) {
	defer prometheus.NewTimer(k.passDuration).ObserveDuration()

	span, ctx := opentracing.StartSpanFromContext(ctx, "lineage.prune")
	defer span.Finish()

	ctx = correlation.ContextWithCorrelation(ctx, correlation.SafeRandomID())
	log := k.log.WithField("correlation_id", correlation.ExtractFromContext(ctx))

	k.mtx.Lock()
	defer k.mtx.Unlock()

	state := k.watcher.State()
	k.acks.Retain(state)
	acks := k.acks.Snapshot()

	add := k.adopt(log, state, acks)

	ledger := state.Branches.Clone()
	ledger.Merge(add)

	remove, err := Unreferenced(contract.TableState{Contracts: state.Contracts, Branches: ledger}, acks, k.base)
	if err != nil {
		span.SetTag("error", true)
		return nil, fmt.Errorf("collect unreferenced branches: %w", err)
	}

	remove = withoutAdded(remove, add)

	if add.Len() == 0 && len(remove) == 0 {
		k.base = state.Branches
		return nil, nil
	}

	if err := k.proposer.ProposeBranchChanges(ctx, add, remove); err != nil {
		span.SetTag("error", true)
		return nil, fmt.Errorf("propose branch changes: %w", err)
	}

	k.base = ledger.Without(remove)
	k.adoptedTotal.Add(float64(add.Len()))
	k.removedTotal.Add(float64(len(remove)))

	log.WithFields(logrus.Fields{
		"adopted_branches": add.Len(),
		"removed_branches": len(remove),
	}).Info("proposed branch changes")

	return remove, nil
}

// adopt stages the ancestry primaries report for branches the state does not
// know yet. Acks carrying an incomplete ancestry are skipped.
func (k *Keeper) adopt(log logrus.FieldLogger, state contract.TableState, acks []contract.ReportedAck) *branch.History {
	add := branch.NewHistory()
	for _, reported := range acks {
		ack := reported.Ack
		if ack.Kind != contract.AckPrimary || ack.Branch.IsNil() || state.Branches.Known(ack.Branch) {
			continue
		}

		if _, ok := state.Contracts[reported.Contract]; !ok {
			continue
		}

		if _, err := branch.CopyAncestorsInto(ack.Branch, ack.Branches, state.Branches, false, add); err != nil {
			k.rejectedAcks.Inc()
			log.WithError(err).WithFields(logrus.Fields{
				"server":   reported.Server,
				"contract": reported.Contract.String(),
			}).Error("ack carries an incomplete branch ancestry")
		}
	}

	return add
}

// AdoptBranch proposes to add root and the ancestors the state does not know
// yet, reading their certificates from source. It fails with an error
// matching branch.ErrUnknownBranch if source lacks any of them.
func (k *Keeper) AdoptBranch(ctx context.Context, root branch.ID, source branch.Reader) error {
	k.mtx.Lock()
	defer k.mtx.Unlock()

	add := branch.NewHistory()
	if _, err := branch.CopyAncestorsInto(root, source, k.watcher.State().Branches, false, add); err != nil {
		return err
	}

	if add.Len() == 0 {
		return nil
	}

	if err := k.proposer.ProposeBranchChanges(ctx, add, nil); err != nil {
		return fmt.Errorf("propose branch changes: %w", err)
	}

	k.adoptedTotal.Add(float64(add.Len()))
	return nil
}

func withoutAdded(remove []branch.ID, add *branch.History) []branch.ID {
	kept := remove[:0]
	for _, id := range remove {
		if !add.Known(id) {
			kept = append(kept, id)
		}
	}
	return kept
}
