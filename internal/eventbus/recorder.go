package eventbus

import (
	"context"
	"sync"
)

// Recorder keeps the most recent events in a ring for inspection.
type Recorder struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 100
	}
	return &Recorder{buf: make([]Event, size)}
}

// Run copies events from bus until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Add(e)
		}
	}
}

func (r *Recorder) Add(e Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns up to limit events, newest first.
func (r *Recorder) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
