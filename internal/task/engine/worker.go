package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"shiftboard/internal/eventbus"
	logx "shiftboard/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask, idx int) {
	// Per-worker RNG keeps retry jitter off the global lock.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			s.inFlight.Add(1)
			// Detached so Stop drains the task instead of cancelling it.
			s.execOne(context.WithoutCancel(ctx), stopCh, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.track {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(TaskRun{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	log := s.log.With(logx.String("task", qt.task.Name), logx.String("id", qt.task.ID))
	log.Debug("task started", logx.Duration("queue_delay", queueDelay))
	s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskStarted, Time: start, Data: TaskRun{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}})

	var err error
	attempts := 0
	maxAttempts := 1 + qt.opt.RetryMax
attemptLoop:
	for attempts < maxAttempts {
		attempts++
		err = s.runAttempt(ctx, log, qt)
		if err == nil {
			break
		}
		var p permanent
		if errors.As(err, &p) {
			err = p.error
			break
		}
		if attempts >= maxAttempts {
			break
		}

		delay := backoffDelay(qt.opt, attempts, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempts+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-stopCh:
			tmr.Stop()
			err = fmt.Errorf("%w: %w", ErrStopping, err)
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := TaskRun{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskFailed, Data: item})
	} else {
		if dur >= 750*time.Millisecond {
			log.Info("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("task completed", logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskFinished, Data: item})
	}
	s.record(item)
}

// runAttempt runs one attempt under the task timeout. A panic becomes an
// error so one bad task cannot kill its worker.
func (s *Service) runAttempt(ctx context.Context, log logx.Logger, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return applyJitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func applyJitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
