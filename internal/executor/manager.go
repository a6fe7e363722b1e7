package executor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/dontpanic"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
	"golang.org/x/sync/errgroup"
)

type runningExecutor struct {
	executor *RegionExecutor
	ctx      context.Context
	cancel   context.CancelFunc
	forever  *dontpanic.Forever
}

// Manager runs a RegionExecutor for every region the published table state
// assigns to the server. Executors of regions that are no longer assigned are
// cancelled, and so reset their data, before executors of new regions start.
// Executors that fail or panic are restarted after a backoff.
type Manager struct {
	logger         logrus.FieldLogger
	server         contract.ServerID
	watcher        *contract.StateWatcher
	deps           Dependencies
	restartBackoff time.Duration

	mtx     sync.Mutex
	running map[region.Region]*runningExecutor

	transitionsTotal *prometheus.CounterVec
	restartsTotal    prometheus.Counter
}

// NewManager returns a manager for the server's regions.
func NewManager(logger logrus.FieldLogger, server contract.ServerID, watcher *contract.StateWatcher, deps Dependencies, restartBackoff time.Duration) *Manager {
	m := &Manager{
		logger:         logger.WithField("component", "executor_manager"),
		server:         server,
		watcher:        watcher,
		restartBackoff: restartBackoff,
		running:        make(map[region.Region]*runningExecutor),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regionkeeper_executor_transitions_total",
				Help: "Total number of role changes of region executors",
			},
			[]string{"from", "to"},
		),
		restartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "regionkeeper_executor_restarts_total",
				Help: "Total number of region executor restarts after a failure",
			},
		),
	}

	onTransition := deps.OnTransition
	deps.OnTransition = func(from, to contract.AckKind) {
		m.transitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		if onTransition != nil {
			onTransition(from, to)
		}
	}
	m.deps = deps

	return m
}

// Run applies every state published by the watcher until ctx is cancelled.
// All executors have stopped by the time Run returns. Run returns the first
// error an executor failed to shut down with, or else the context's error.
func (m *Manager) Run(ctx context.Context) (returnedErr error) {
	m.logger.Info("executor manager started")
	defer m.logger.Info("executor manager stopped")

	updated, unsubscribe := m.watcher.Subscribe()
	defer unsubscribe()

	defer func() {
		m.mtx.Lock()
		defer m.mtx.Unlock()

		stopping := make([]*runningExecutor, 0, len(m.running))
		for r, re := range m.running {
			stopping = append(stopping, re)
			delete(m.running, r)
		}

		if err := m.stop(stopping); err != nil {
			returnedErr = err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-updated:
			m.apply(ctx, m.watcher.State())
		}
	}
}

// Regions returns the regions executors are running for, in key order.
func (m *Manager) Regions() []region.Region {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	regions := make([]region.Region, 0, len(m.running))
	for r := range m.running {
		regions = append(regions, r)
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].Less(regions[j]) })
	return regions
}

func (m *Manager) apply(ctx context.Context, state contract.TableState) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	assigned := state.RegionsOf(m.server)

	var stopping []*runningExecutor
	for r, re := range m.running {
		if _, ok := assigned[r]; !ok {
			stopping = append(stopping, re)
			delete(m.running, r)
		}
	}

	// Executors of overlapping regions must never run at the same time.
	_ = m.stop(stopping)

	for r, a := range assigned {
		if re, ok := m.running[r]; ok {
			re.executor.Update(a)
			continue
		}

		m.running[r] = m.start(ctx, r, a)
	}
}

func (m *Manager) start(ctx context.Context, r region.Region, a contract.Assignment) *runningExecutor {
	executor := NewRegionExecutor(m.logger, m.server, r, m.deps)
	executor.Update(a)

	logger := m.logger.WithField("region", r.String())
	forever := dontpanic.NewForever(m.restartBackoff, func(err error) {
		logger.WithError(err).Error("region executor failed, restarting")
		m.restartsTotal.Inc()
	})

	ctx, cancel := context.WithCancel(ctx)
	forever.Go(ctx, executor.Run)

	return &runningExecutor{executor: executor, ctx: ctx, cancel: cancel, forever: forever}
}

// stop cancels the executors and waits for all of them to finish. An executor
// cancelled while backing off after a failure is run once more on the
// cancelled context so that it resets its data. Executors that fail to shut
// down are logged and the first of their errors is returned.
func (m *Manager) stop(executors []*runningExecutor) error {
	var group errgroup.Group
	for _, re := range executors {
		re := re
		re.cancel()
		group.Go(func() error {
			<-re.forever.Done()

			err := re.forever.Err()
			if err == nil {
				if !dontpanic.Try(func() { err = re.executor.Run(re.ctx) }) {
					err = dontpanic.ErrPanicked
				}
			}

			if errors.Is(err, re.ctx.Err()) {
				return nil
			}

			m.logger.WithError(err).WithField("region", re.executor.Region().String()).Error("region executor failed to shut down")
			return err
		})
	}

	return group.Wait()
}

// Describe returns all metric descriptors.
func (m *Manager) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect collects all metrics.
func (m *Manager) Collect(metrics chan<- prometheus.Metric) {
	m.transitionsTotal.Collect(metrics)
	m.restartsTotal.Collect(metrics)
}
