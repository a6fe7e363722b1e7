// Package executor drives the replication endpoints of a server to match the
// contracts assigned to it.
//
// A RegionExecutor owns the endpoints of one region. It is in one of three
// roles: it owns nothing, it is a secondary streaming from the primary of the
// contract's branch, or it is the primary broadcasting writes on that branch.
// Whenever a new contract arrives, the executor moves to the role the contract
// assigns and acks the result. The Manager runs one executor per region a
// server is responsible for.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/helper"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

const defaultRetryInterval = time.Second

// Dependencies are the collaborators of a RegionExecutor.
type Dependencies struct {
	Store     Store
	Endpoints Endpoints
	Locator   BroadcasterLocator
	Acker     Acker
	// Ledger, if set, is the server's local branch history. Primaries attach
	// the ancestry of their branch from it to their acks.
	Ledger branch.Reader
	// Retry creates the ticker to wait on before looking up an unreachable
	// broadcaster again.
	Retry helper.TickerFactory
	// OnTransition, if set, is called whenever the executor changes role.
	OnTransition func(from, to contract.AckKind)
}

// RegionExecutor runs the role state machine of a single region on a single
// server.
type RegionExecutor struct {
	logger *logrus.Entry
	server contract.ServerID
	region region.Region
	deps   Dependencies

	mtx       sync.Mutex
	latest    contract.Assignment
	hasLatest bool
	poke      chan struct{}

	lastAck    contract.Ack
	lastAckFor contract.ID
	acked      bool
}

// NewRegionExecutor returns an executor for the server's part of r. It does
// nothing until Run is called.
func NewRegionExecutor(logger logrus.FieldLogger, server contract.ServerID, r region.Region, deps Dependencies) *RegionExecutor {
	if deps.Retry == nil {
		deps.Retry = helper.NewTimerTickerFactory(defaultRetryInterval)
	}

	return &RegionExecutor{
		logger: logger.WithFields(logrus.Fields{
			"component": "region_executor",
			"region":    r.String(),
		}),
		server: server,
		region: r,
		deps:   deps,
		poke:   make(chan struct{}, 1),
	}
}

// Region returns the region the executor is responsible for.
func (e *RegionExecutor) Region() region.Region { return e.region }

// Update hands the executor a new contract. Only the latest contract matters,
// so updates arriving while a transition is in progress are coalesced.
func (e *RegionExecutor) Update(a contract.Assignment) {
	e.mtx.Lock()
	e.latest = a
	e.hasLatest = true
	e.mtx.Unlock()

	select {
	case e.poke <- struct{}{}:
	default:
	}
}

// Latest returns the most recent contract handed to the executor.
func (e *RegionExecutor) Latest() (contract.Assignment, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.latest, e.hasLatest
}

// waitSet is what the executor waits on after a transition besides the
// context and new contracts.
type waitSet struct {
	lost  <-chan struct{}
	retry helper.Ticker
}

// Run executes contracts until ctx is cancelled. On cancellation the executor
// tears down its endpoints, resets the region's data to branch.Zero and acks
// AckNothing before returning the context's error. Any other error tears the
// endpoints down and is returned, leaving the data in place. Run may be called
// again after it returned. It then starts from no role and re-derives
// everything from the latest contract.
func (e *RegionExecutor) Run(ctx context.Context) error {
	e.logger.Info("region executor started")
	defer e.logger.Info("region executor stopped")

	var current role = &nothing{}
	defer func() { current.teardown(e.logger) }()

	for {
		if ctx.Err() != nil {
			return e.shutdown(ctx, &current)
		}

		var wait waitSet
		if a, ok := e.Latest(); ok {
			var err error
			current, wait, err = e.transition(ctx, current, a)
			if err != nil {
				if ctx.Err() != nil {
					return e.shutdown(ctx, &current)
				}
				return fmt.Errorf("region %s: %w", e.region, err)
			}
		}

		var retry <-chan time.Time
		if wait.retry != nil {
			wait.retry.Reset()
			retry = wait.retry.C()
		}

		select {
		case <-ctx.Done():
		case <-e.poke:
		case <-wait.lost:
			current = e.broadcasterLost(current)
			e.backoff(ctx)
		case <-retry:
		}

		if wait.retry != nil {
			wait.retry.Stop()
		}
	}
}

// backoff waits for a retry tick before the next transition. A new contract or
// the cancellation of ctx ends the wait early.
func (e *RegionExecutor) backoff(ctx context.Context) {
	ticker := e.deps.Retry()
	ticker.Reset()
	defer ticker.Stop()

	select {
	case <-ctx.Done():
	case <-e.poke:
	case <-ticker.C():
	}
}

// shutdown moves to the nothing role ignoring the cancellation of ctx, then
// returns the context's error.
func (e *RegionExecutor) shutdown(ctx context.Context, current *role) error {
	cleanupCtx := helper.SuppressCancellation(ctx)

	a, ok := e.Latest()
	next, err := e.becomeNothing(cleanupCtx, e.logger, *current, a.ID, ok)
	*current = next
	if err != nil {
		return err
	}

	return ctx.Err()
}

func (e *RegionExecutor) transition(ctx context.Context, current role, a contract.Assignment) (next role, wait waitSet, err error) {
	target := a.Contract.RoleOf(e.server)

	span, ctx := opentracing.StartSpanFromContext(ctx, "executor.transition")
	span.SetTag("region", e.region.String())
	span.SetTag("role", target.String())
	defer span.Finish()

	ctx = correlation.ContextWithCorrelation(ctx, correlation.SafeRandomID())
	logger := e.logger.WithFields(logrus.Fields{
		"correlation_id": correlation.ExtractFromContext(ctx),
		"contract":       a.ID.String(),
		"role":           target.String(),
	})
	ctx = ctxlogrus.ToContext(ctx, logger)

	defer func() {
		if next.kind() != current.kind() {
			logger.WithField("previous_role", current.kind().String()).Info("role changed")
			if e.deps.OnTransition != nil {
				e.deps.OnTransition(current.kind(), next.kind())
			}
		}

		if err != nil {
			span.SetTag("error", true)
		}
	}()

	switch target {
	case contract.AckPrimary:
		next, wait, err = e.becomePrimary(ctx, logger, current, a)
	case contract.AckSecondary:
		next, wait, err = e.becomeSecondary(ctx, logger, current, a)
	default:
		next, err = e.becomeNothing(ctx, logger, current, a.ID, true)
	}

	return next, wait, err
}

// becomeNothing tears down the current role, resets the region's data and acks
// AckNothing for the contract if there is one. The data is only reset once
// per entry into the nothing role.
func (e *RegionExecutor) becomeNothing(ctx context.Context, logger logrus.FieldLogger, current role, id contract.ID, hasContract bool) (role, error) {
	current.teardown(logger)

	n, ok := current.(*nothing)
	if !ok {
		n = &nothing{}
	}

	if !n.reset {
		if err := e.deps.Store.ResetData(ctx, branch.Zero, e.region, DurabilityHard); err != nil {
			return n, StorageFaultError{Region: e.region, Err: err}
		}
		n.reset = true
	}

	if hasContract {
		e.ack(id, contract.NothingAck())
	}

	return n, nil
}

func (e *RegionExecutor) becomeSecondary(ctx context.Context, logger logrus.FieldLogger, current role, a contract.Assignment) (role, waitSet, error) {
	target := branch.NilID
	if a.Contract.HasPrimary() {
		target = a.Contract.Branch
	}

	s, ok := current.(*secondary)
	if !ok {
		current.teardown(logger)
		s = &secondary{}
	}

	if s.branch != target {
		s.dropStreams(logger)
		s.branch = target
	}

	if target.IsNil() {
		e.ack(a.ID, contract.SecondaryAck())
		return s, waitSet{}, nil
	}

	if s.listener == nil {
		handle, err := e.deps.Locator.FindBroadcaster(ctx, target)
		if errors.Is(err, ErrBroadcasterUnreachable) {
			logger.WithField("branch", target.String()).Warn("broadcaster unreachable, retrying")
			e.ack(a.ID, contract.SecondaryAck())
			return s, waitSet{retry: e.deps.Retry()}, nil
		}
		if err != nil {
			return s, waitSet{}, fmt.Errorf("find broadcaster: %w", err)
		}

		listener, err := e.deps.Endpoints.NewListener(ctx, e.region, handle)
		if err != nil {
			return s, waitSet{}, fmt.Errorf("new listener: %w", err)
		}
		s.listener = listener
	}

	if s.replier == nil {
		replier, err := e.deps.Endpoints.NewReplier(ctx, e.region, s.listener)
		if err != nil {
			return s, waitSet{}, fmt.Errorf("new replier: %w", err)
		}
		s.replier = replier
	}

	e.ack(a.ID, contract.StreamingAck(s.listener.Version(), target, nil))
	return s, waitSet{lost: s.listener.BroadcasterLost()}, nil
}

func (e *RegionExecutor) becomePrimary(ctx context.Context, logger logrus.FieldLogger, current role, a contract.Assignment) (role, waitSet, error) {
	target := a.Contract.Branch

	p, ok := current.(*primary)
	if !ok || p.branch != target {
		current.teardown(logger)
		p = &primary{branch: target}
	}

	if target.IsNil() {
		e.ack(a.ID, contract.PrimaryAck(branch.NilID, nil))
		return p, waitSet{}, nil
	}

	if p.broadcaster == nil {
		broadcaster, err := e.deps.Endpoints.NewBroadcaster(ctx, e.region, target)
		if err != nil {
			return p, waitSet{}, fmt.Errorf("new broadcaster: %w", err)
		}
		p.broadcaster = broadcaster
	}

	if p.listener == nil {
		listener, err := e.deps.Endpoints.NewListener(ctx, e.region, p.broadcaster.Handle())
		if err != nil {
			return p, waitSet{}, fmt.Errorf("new listener: %w", err)
		}
		p.listener = listener
	}

	if p.replier == nil {
		replier, err := e.deps.Endpoints.NewReplier(ctx, e.region, p.listener)
		if err != nil {
			return p, waitSet{}, fmt.Errorf("new replier: %w", err)
		}
		p.replier = replier
	}

	e.ack(a.ID, contract.PrimaryAck(target, e.ancestry(logger, target)))
	return p, waitSet{lost: p.listener.BroadcasterLost()}, nil
}

// broadcasterLost drops the listener and replier of the role so that the
// transition after the backoff rebuilds them.
func (e *RegionExecutor) broadcasterLost(current role) role {
	logger := e.logger.WithField("branch", current.bound().String())
	logger.Warn("broadcaster lost")

	if inv, ok := e.deps.Locator.(invalidator); ok {
		inv.Invalidate(current.bound())
	}

	switch r := current.(type) {
	case *secondary:
		r.dropStreams(logger)
	case *primary:
		r.dropStreams(logger)
	}

	return current
}

// ancestry returns the birth certificates of b and its ancestors from the
// local ledger.
func (e *RegionExecutor) ancestry(logger logrus.FieldLogger, b branch.ID) *branch.History {
	if e.deps.Ledger == nil {
		return nil
	}

	history := branch.NewHistory()
	missing, err := branch.CopyAncestorsInto(b, e.deps.Ledger, branch.NewHistory(), true, history)
	if err != nil {
		logger.WithError(err).Error("collecting branch ancestry failed")
		return nil
	}

	if len(missing) > 0 {
		logger.WithField("missing_branches", len(missing)).Warn("local ledger lacks ancestors of the branch")
	}

	return history
}

// ack sends the ack unless the same ack was sent for the same contract last.
func (e *RegionExecutor) ack(id contract.ID, ack contract.Ack) {
	if e.acked && e.lastAckFor == id && sameAck(e.lastAck, ack) {
		return
	}

	e.deps.Acker.Ack(id, ack)
	e.lastAck, e.lastAckFor, e.acked = ack, id, true
}

func sameAck(a, b contract.Ack) bool {
	if a.Kind != b.Kind || a.Branch != b.Branch {
		return false
	}

	if (a.Version == nil) != (b.Version == nil) {
		return false
	}

	return a.Version == nil || *a.Version == *b.Version
}
