package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftboard/internal/task/engine"
	logx "shiftboard/pkg/logx"
)

type fakeEngine struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (f *fakeEngine) Enqueue(t engine.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return f.err
}

func (f *fakeEngine) Snapshot() engine.Snapshot { return engine.Snapshot{Workers: 7} }

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func noop(context.Context) error { return nil }

func startScheduler(t *testing.T, eng Submitter) *Service {
	t.Helper()
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestScheduleTriggersAndNextRuns(t *testing.T) {
	t.Parallel()
	s := startScheduler(t, &fakeEngine{})

	require.NoError(t, s.AddDaily("03:00", Registration{Name: "cleanup", Job: noop}))
	require.NoError(t, s.AddWeekly(time.Monday, "04:00", Registration{Name: "stats", Job: noop}))
	require.NoError(t, s.AddInterval(5*time.Minute, Registration{Name: "scrape", Job: noop}))

	snap := s.Snapshot()
	require.True(t, snap.Started)
	require.Equal(t, "UTC", snap.Timezone)
	require.Equal(t, 7, snap.Engine.Workers)
	require.Len(t, snap.Schedules, 3)

	byName := map[string]ScheduleInfo{}
	for _, it := range snap.Schedules {
		byName[it.Name] = it
	}
	require.Equal(t, "daily at 03:00", byName["cleanup"].Trigger)
	require.Equal(t, 3, byName["cleanup"].Next.Hour())
	require.Equal(t, 0, byName["cleanup"].Next.Minute())

	require.Equal(t, "weekly on Monday at 04:00", byName["stats"].Trigger)
	require.Equal(t, time.Monday, byName["stats"].Next.Weekday())

	scrape := byName["scrape"]
	require.Equal(t, "every 5m0s", scrape.Trigger)
	require.WithinDuration(t, time.Now().Add(5*time.Minute+scrape.StartupSpread), scrape.Next, 2*time.Second)
	require.Less(t, scrape.StartupSpread, firstFireCap)
}

func TestAddUpsertsAndRemoves(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakeEngine{}, logx.Nop())

	require.NoError(t, s.AddDaily("03:00", Registration{Name: "cleanup", Job: noop}))
	require.NoError(t, s.AddDaily("05:30", Registration{Name: "cleanup", Job: noop}))
	snap := s.Snapshot()
	require.False(t, snap.Started)
	require.Len(t, snap.Schedules, 1)
	require.Equal(t, "daily at 05:30", snap.Schedules[0].Trigger)
	require.True(t, snap.Schedules[0].Next.IsZero())

	require.True(t, s.Remove("cleanup"))
	require.False(t, s.Remove("cleanup"))
	require.Empty(t, s.Snapshot().Schedules)
}

func TestAddRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop())

	require.Error(t, s.AddDaily("25:00", Registration{Name: "x", Job: noop}))
	require.Error(t, s.AddInterval(0, Registration{Name: "x", Job: noop}))
	require.Error(t, s.AddCron("* *", Registration{Name: "x", Job: noop}))
	require.Error(t, s.AddCron("@hourly", Registration{Job: noop}))
	require.Error(t, s.AddCron("@hourly", Registration{Name: "x"}))
	require.Error(t, s.AddSchedule("bogus", Registration{Name: "x", Job: noop}))
}

func TestDisabledSchedulerDoesNotStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, &fakeEngine{}, logx.Nop())
	s.Start(context.Background())
	require.False(t, s.Snapshot().Started)
	s.Stop(context.Background())
}

func TestIntervalEnqueuesIntoEngine(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	s := startScheduler(t, eng)

	state := &engine.RunState{}
	require.NoError(t, s.AddSchedule("@every 1s", Registration{
		Name:    "tick",
		Timeout: time.Second,
		Opt:     TaskOptions{Overlap: OverlapSkipIfRunning},
		State:   state,
		Job:     noop,
	}))

	require.Eventually(t, func() bool { return eng.count() > 0 }, 5*time.Second, 20*time.Millisecond)
	eng.mu.Lock()
	got := eng.tasks[0]
	eng.mu.Unlock()
	require.Equal(t, "tick", got.Name)
	require.Equal(t, time.Second, got.Timeout)
	require.Same(t, state, got.State)
}

func TestOverlapSkipCallsOnSkip(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{err: engine.ErrOverlapSkip}
	s := startScheduler(t, eng)

	var skips atomic.Int32
	require.NoError(t, s.AddCron("@every 1s", Registration{
		Name:   "busy",
		Job:    noop,
		OnSkip: func() { skips.Add(1) },
	}))
	require.Eventually(t, func() bool { return skips.Load() > 0 }, 5*time.Second, 20*time.Millisecond)
}
