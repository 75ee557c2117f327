package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustloop/internal/db"
	"trustloop/internal/domain"
	"trustloop/internal/migrate"
	"trustloop/internal/repo"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func intp(v int) *int { return &v }

func activeLimits(maxConcurrent int, perHour *int) Limits {
	return Limits{MaxConcurrent: maxConcurrent, MaxActionsPerHour: perHour, Active: true}
}

func newLeased(t *testing.T, clock *fakeClock, holder string) *Leased {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	l := NewLeased(repo.Repo{DB: conn}, holder, 2*time.Minute)
	l.Now = clock.Now
	return l
}

func controllers(t *testing.T, clock *fakeClock) map[string]Controller {
	q := NewQueue()
	q.Now = clock.Now
	return map[string]Controller{
		"memory": q,
		"leased": newLeased(t, clock, "proc-1"),
	}
}

func TestReserveRespectsConcurrencyCap(t *testing.T) {
	for name, c := range controllers(t, &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lim := activeLimits(2, nil)

			d, err := c.Reserve(ctx, "agent-1", "A", lim)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			d, err = c.Reserve(ctx, "agent-1", "B", lim)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			d, err = c.Reserve(ctx, "agent-1", "C", lim)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, KindCapacity, d.Kind)
			assert.Contains(t, d.Reason, "2/2")

			require.NoError(t, c.Release(ctx, "agent-1", "A"))
			d, err = c.Reserve(ctx, "agent-1", "C", lim)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			st, err := c.Stats(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, 2, st.RunningCount)
			assert.ElementsMatch(t, []string{"B", "C"}, st.RunningTaskIDs)
			assert.Equal(t, 3, st.HourlyCount)
		})
	}
}

func TestConcurrentReservesNeverExceedCap(t *testing.T) {
	for name, c := range controllers(t, &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lim := activeLimits(3, nil)
			const callers = 12

			var (
				wg       sync.WaitGroup
				allowed  atomic.Int32
				capacity atomic.Int32
				errs     = make(chan error, callers)
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					d, err := c.Reserve(ctx, "agent-1", fmt.Sprintf("task-%d", i), lim)
					if err != nil {
						errs <- err
						return
					}
					switch {
					case d.Allowed:
						allowed.Add(1)
					case d.Kind == KindCapacity:
						capacity.Add(1)
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}
			assert.EqualValues(t, 3, allowed.Load())
			assert.EqualValues(t, callers-3, capacity.Load())

			st, err := c.Stats(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, 3, st.RunningCount)
		})
	}
}

func TestReleaseTwiceIsNoop(t *testing.T) {
	for name, c := range controllers(t, &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lim := activeLimits(2, nil)
			for _, id := range []string{"A", "B"} {
				d, err := c.Reserve(ctx, "agent-1", id, lim)
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}
			require.NoError(t, c.Release(ctx, "agent-1", "A"))
			require.NoError(t, c.Release(ctx, "agent-1", "A"))
			require.NoError(t, c.Release(ctx, "agent-unknown", "Z"))

			st, err := c.Stats(ctx, "agent-1")
			require.NoError(t, err)
			assert.Equal(t, []string{"B"}, st.RunningTaskIDs)
		})
	}
}

func TestHourlyWindowResets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	for name, c := range controllers(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			lim := activeLimits(5, intp(1))
			d, err := c.Reserve(ctx, "agent-"+name, "A", lim)
			require.NoError(t, err)
			require.True(t, d.Allowed)
			require.NoError(t, c.Release(ctx, "agent-"+name, "A"))

			d, err = c.CanAccept(ctx, "agent-"+name, lim)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, KindRateLimited, d.Kind)

			clock.Advance(59 * time.Minute)
			d, err = c.CanAccept(ctx, "agent-"+name, lim)
			require.NoError(t, err)
			assert.False(t, d.Allowed)

			clock.Advance(time.Minute)
			d, err = c.CanAccept(ctx, "agent-"+name, lim)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestCircuitOpenAgentDenied(t *testing.T) {
	q := NewQueue()
	a := domain.Agent{ID: "agent-1", IsActive: true, HealthStatus: domain.HealthFailing}
	d, err := q.CanAccept(context.Background(), a.ID, LimitsFor(a, 0))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, KindCircuitOpen, d.Kind)
	assert.Contains(t, d.Reason, "needs manual reset")
	assert.False(t, d.Kind.Retryable())
}

func TestLimitsForDefaults(t *testing.T) {
	a := domain.Agent{IsActive: true}
	assert.Equal(t, 2, LimitsFor(a, 0).MaxConcurrent)
	assert.Equal(t, 4, LimitsFor(a, 4).MaxConcurrent)
	a.MaxConcurrentTasks = intp(1)
	assert.Equal(t, 1, LimitsFor(a, 4).MaxConcurrent)
}

func TestQueueRejectsDuplicateTask(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	lim := activeLimits(3, nil)
	d, _ := q.Reserve(ctx, "agent-1", "A", lim)
	require.True(t, d.Allowed)
	d, _ = q.Reserve(ctx, "agent-1", "A", lim)
	assert.Equal(t, KindAlreadyExecuting, d.Kind)
}

func TestQueueRestore(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	q.Restore("agent-1", []string{"A", "B"}, 1, start)
	st, err := q.Stats(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.RunningCount)
	assert.Equal(t, 2, st.HourlyCount)
	d, _ := q.Reserve(context.Background(), "agent-1", "C", activeLimits(2, nil))
	assert.False(t, d.Allowed)
}

func TestLeasesSharedAcrossHoldersAndExpire(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	first := newLeased(t, clock, "proc-1")
	second := &Leased{Repo: first.Repo, HolderID: "proc-2", TTL: first.TTL, Now: clock.Now}
	ctx := context.Background()
	lim := activeLimits(1, nil)

	d, err := first.Reserve(ctx, "agent-1", "A", lim)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = second.Reserve(ctx, "agent-1", "B", lim)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "second holder must see the first holder's slot")

	// another holder cannot release a slot it does not own
	require.NoError(t, second.Release(ctx, "agent-1", "A"))
	d, err = second.Reserve(ctx, "agent-1", "B", lim)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	clock.Advance(time.Minute)
	require.NoError(t, first.Heartbeat(ctx, "agent-1", "A"))
	clock.Advance(90 * time.Second)
	d, err = second.Reserve(ctx, "agent-1", "B", lim)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "heartbeat keeps the lease alive")

	clock.Advance(3 * time.Minute)
	d, err = second.Reserve(ctx, "agent-1", "B", lim)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "expired lease is reclaimed")

	assert.ErrorIs(t, first.Heartbeat(ctx, "agent-1", "A"), repo.ErrNotFound)
}
