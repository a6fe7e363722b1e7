package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
	"gitlab.com/gitlab-org/regionkeeper/internal/testhelper"
)

func TestCachingLocator(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b1, b2 := branch.NewID(), branch.NewID()
	locator := newFakeLocator()
	locator.register("s2", b1)

	cached, err := NewCachingLocator(locator, 8)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		handle, err := cached.FindBroadcaster(ctx, b1)
		require.NoError(t, err)
		require.Equal(t, BroadcasterHandle{Server: "s2", Branch: b1}, handle)
	}
	require.Equal(t, 1, locator.Lookups())

	_, err = cached.FindBroadcaster(ctx, b2)
	require.True(t, errors.Is(err, ErrBroadcasterUnreachable))

	locator.register("s3", b1)
	cached.Invalidate(b1)
	cached.Invalidate(b2)

	handle, err := cached.FindBroadcaster(ctx, b1)
	require.NoError(t, err)
	require.Equal(t, BroadcasterHandle{Server: "s3", Branch: b1}, handle)

	require.NoError(t, testutil.CollectAndCompare(cached, strings.NewReader(`
# HELP regionkeeper_broadcaster_cache_access_total Total number of broadcaster handle cache accesses by type
# TYPE regionkeeper_broadcaster_cache_access_total counter
regionkeeper_broadcaster_cache_access_total{type="evict"} 1
regionkeeper_broadcaster_cache_access_total{type="hit"} 1
regionkeeper_broadcaster_cache_access_total{type="invalidate"} 1
regionkeeper_broadcaster_cache_access_total{type="miss"} 3
regionkeeper_broadcaster_cache_access_total{type="populate"} 2
`)))
}

func TestRegionExecutor_InvalidatesCachedBroadcaster(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	b1 := branch.NewID()
	s := newSetup("s1")
	s.locator.register("s2", b1)

	cached, err := NewCachingLocator(s.locator, 8)
	require.NoError(t, err)

	deps := s.dependencies()
	deps.Locator = cached
	e := NewRegionExecutor(testhelper.NewDiscardingLogEntry(t), "s1", region.Universe(), deps)
	stop := run(ctx, e)
	defer func() { require.Equal(t, context.Canceled, stop()) }()

	e.Update(assign(primaryOn("s2", b1)))
	s.acker.next(t)
	require.Equal(t, 1, s.locator.Lookups())

	s.world.lastListener().Lose()
	s.retry.Tick()
	require.Eventually(t, func() bool { return s.world.listenerCount() == 2 }, 5*time.Second, time.Millisecond)
	require.Equal(t, 2, s.locator.Lookups())
}
