package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shiftboard/internal/eventbus"
	logx "shiftboard/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	t.Parallel()

	off := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	require.ErrorIs(t, idle.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	require.Error(t, idle.Enqueue(Task{Name: "x"}))
	require.Error(t, idle.Enqueue(Task{Run: func(context.Context) error { return nil }}))
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{RetryMax: 3})

	var calls atomic.Int32
	done := make(chan struct{})
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("boom")
			}
			close(done)
			return nil
		},
	})
	require.NoError(t, err)
	<-done

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	h := s.Snapshot().History[0]
	require.Equal(t, "flaky", h.Name)
	require.Equal(t, 3, h.Attempts)
	require.Empty(t, h.Error)
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{RetryMax: 5})
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "permanent",
		Run: func(context.Context) error {
			calls.Add(1)
			return NoRetry(errors.New("bad input"))
		},
	}))

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, "bad input", s.Snapshot().History[0].Error)

	failed := false
	for len(events) > 0 {
		if (<-events).Type == eventbus.TopicTaskFailed {
			failed = true
		}
	}
	require.True(t, failed)
}

func TestNegativeRetryMaxDisablesRetries(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{RetryMax: 3})

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "once",
		Opt:  TaskOptions{RetryMax: -1},
		Run: func(context.Context) error {
			calls.Add(1)
			return errors.New("fail")
		},
	}))
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})

	require.NoError(t, s.Enqueue(Task{
		Name: "panics",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(context.Context) error { panic("kaboom") },
	}))
	ran := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error { close(ran); return nil }}))
	<-ran

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, time.Second, 5*time.Millisecond)
	require.Contains(t, s.Snapshot().History[0].Error, "kaboom")
}

func TestSkipIfRunning(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{})

	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name:  "scrape",
		Opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		State: st,
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	require.NoError(t, s.Enqueue(task))
	<-started
	require.True(t, st.Running())
	require.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)

	close(release)
	require.Eventually(t, func() bool { return !st.Running() }, time.Second, 5*time.Millisecond)
}

func TestTimeoutCancelsAttempt(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{})

	require.NoError(t, s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Opt:     TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, time.Second, 5*time.Millisecond)
	require.Contains(t, s.Snapshot().History[0].Error, context.DeadlineExceeded.Error())
}

func TestStopDrainsRunningTask(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	s.Start(context.Background())

	started := make(chan struct{})
	var finished, cancelled atomic.Bool
	require.NoError(t, s.Enqueue(Task{
		Name: "batch",
		Run: func(ctx context.Context) error {
			close(started)
			select {
			case <-ctx.Done():
				cancelled.Store(true)
			case <-time.After(50 * time.Millisecond):
				finished.Store(true)
			}
			return nil
		},
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	require.True(t, finished.Load())
	require.False(t, cancelled.Load())
	require.ErrorIs(t, s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1, QueueSize: 1})

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "hold", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: noop}))
	require.ErrorIs(t, s.Enqueue(Task{Name: "b", Run: noop}), ErrQueueFull)
	require.EqualValues(t, 1, s.Snapshot().DroppedQueueFull)
	close(block)
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	opt := TaskOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0}
	require.Equal(t, 100*time.Millisecond, backoffDelay(opt, 1, nil))
	require.Equal(t, 400*time.Millisecond, backoffDelay(opt, 3, nil))
	require.Equal(t, time.Second, backoffDelay(opt, 10, nil))

	require.True(t, IsNoRetry(fmt.Errorf("cleanup: %w", NoRetry(errors.New("x")))))
	require.False(t, IsNoRetry(errors.New("x")))
	require.Nil(t, NoRetry(nil))
}

func TestDefaultTaskOptions(t *testing.T) {
	t.Parallel()

	o := DefaultTaskOptions(Config{})
	require.Equal(t, 3, o.RetryMax)
	require.Equal(t, 500*time.Millisecond, o.RetryBase)
	require.Equal(t, 15*time.Second, o.RetryMaxDelay)
}
