package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsewire/content-engine/internal/engine"
	"github.com/pulsewire/content-engine/internal/id/uuid"
	"github.com/pulsewire/content-engine/internal/metrics"
)

func init() {
	metrics.Init()
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newScheduler(clock engine.Clock) *Scheduler {
	return New(clock, uuid.NewUUIDGenerator(), zap.NewNop(), 10*time.Millisecond)
}

func bucket() engine.ContentBucket {
	return engine.ContentBucket{
		Provider:    "newsapi",
		ContentType: engine.ContentNews,
		Keywords:    []string{"go"},
		Priority:    engine.PriorityHigh,
		ResultCount: 5,
	}
}

func TestRegisterSetsNextRun(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	job, err := s.Register("news-high", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, engine.JobStatusIdle, job.Status)
	require.Equal(t, clock.Now().Add(time.Hour), job.NextRunAt)

	require.Equal(t, 0, s.RunPending(context.Background()))
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	_, err := s.Register("bad", bucket(), 0, func(context.Context, engine.ScheduledJob) error { return nil })
	require.Error(t, err)
	_, err = s.Register("bad", bucket(), time.Hour, nil)
	require.Error(t, err)
}

func TestDueJobRunsAndReschedules(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	var runs atomic.Int64
	job, err := s.Register("news-high", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.Equal(t, 1, s.RunPending(context.Background()))

	require.Eventually(t, func() bool {
		got, ok := s.Job(job.ID)
		return ok && got.Status == engine.JobStatusIdle && got.Runs == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, int64(1), runs.Load())
	got, ok := s.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(time.Hour), got.NextRunAt)
	require.Empty(t, got.LastError)
}

func TestOverlappingTickIsSkippedNotQueued(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	var runs atomic.Int64
	release := make(chan struct{})
	job, err := s.Register("slow", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		runs.Add(1)
		<-release
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.Equal(t, 1, s.RunPending(context.Background()))
	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, time.Millisecond)

	// Job still running: the next due tick is skipped and rescheduled.
	clock.Advance(time.Hour)
	require.Equal(t, 0, s.RunPending(context.Background()))
	got, ok := s.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, clock.Now().Add(time.Hour), got.NextRunAt)

	close(release)
	require.Eventually(t, func() bool {
		got, ok := s.Job(job.ID)
		return ok && got.Status == engine.JobStatusIdle
	}, time.Second, time.Millisecond)
	require.Equal(t, int64(1), runs.Load())
}

func TestFailedRunIsRecordedAndRetriedNextTick(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	var runs atomic.Int64
	job, err := s.Register("flaky", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		if runs.Add(1) == 1 {
			return errors.New("provider exploded")
		}
		return nil
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	s.RunPending(context.Background())
	require.Eventually(t, func() bool {
		got, ok := s.Job(job.ID)
		return ok && got.Failures == 1
	}, time.Second, time.Millisecond)

	got, _ := s.Job(job.ID)
	require.Equal(t, "provider exploded", got.LastError)

	// Natural retry on the next tick, no backoff at the job level.
	clock.Advance(time.Hour)
	s.RunPending(context.Background())
	require.Eventually(t, func() bool {
		got, ok := s.Job(job.ID)
		return ok && got.Runs == 2 && got.LastError == ""
	}, time.Second, time.Millisecond)
}

func TestPanickingHandlerBecomesFailure(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	job, err := s.Register("panicky", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		panic("kaboom")
	})
	require.NoError(t, err)

	clock.Advance(time.Hour)
	s.RunPending(context.Background())
	require.Eventually(t, func() bool {
		got, ok := s.Job(job.ID)
		return ok && got.Failures == 1
	}, time.Second, time.Millisecond)

	got, _ := s.Job(job.ID)
	require.Contains(t, got.LastError, "kaboom")
}

func TestExecuteJobDoesNotDisturbSchedule(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	var runs atomic.Int64
	job, err := s.Register("manual", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)
	scheduledNext := job.NextRunAt

	require.NoError(t, s.ExecuteJob(context.Background(), job.ID))
	require.Equal(t, int64(1), runs.Load())

	got, ok := s.Job(job.ID)
	require.True(t, ok)
	require.Equal(t, scheduledNext, got.NextRunAt)
	require.Equal(t, 1, got.Runs)
}

func TestExecuteJobOnRunningJobIsNoOp(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	var runs atomic.Int64
	release := make(chan struct{})
	job, err := s.Register("busy", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		runs.Add(1)
		<-release
		return nil
	})
	require.NoError(t, err)

	go func() { _ = s.ExecuteJob(context.Background(), job.ID) }()
	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, time.Millisecond)

	// Second manual trigger while running: returns without re-entering.
	require.NoError(t, s.ExecuteJob(context.Background(), job.ID))
	require.Equal(t, int64(1), runs.Load())
	close(release)
}

func TestExecuteJobUnknownID(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	require.Error(t, s.ExecuteJob(context.Background(), "nope"))
}

func TestRemoveJob(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1700000000, 0).UTC()}
	s := newScheduler(clock)

	job, err := s.Register("gone", bucket(), time.Hour, func(context.Context, engine.ScheduledJob) error {
		return nil
	})
	require.NoError(t, err)

	require.True(t, s.Remove(job.ID))
	require.False(t, s.Remove(job.ID))
	require.Empty(t, s.Jobs())
}
