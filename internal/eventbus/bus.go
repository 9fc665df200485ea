package eventbus

import (
	"slices"
	"sync"
	"time"
)

// Topics published by the scrape pipeline and the task engine.
const (
	TopicVenueDone      = "scrape.venue.done"
	TopicBatchDone      = "scrape.batch.done"
	TopicBatchSkipped   = "scrape.batch.skipped"
	TopicVenuesReloaded = "venues.reloaded"

	TopicTaskStarted  = "task.started"
	TopicTaskFinished = "task.finished"
	TopicTaskFailed   = "task.failed"
	TopicTaskSkipped  = "task.skipped"
	TopicTaskDropped  = "task.dropped"
)

// Event is one in-memory signal. Publish never blocks: a subscriber whose
// buffer is full misses the event. Data stays small and JSON-friendly since
// the admin API renders recent events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &fanout{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

type fanout struct {
	// mu is held for reading across sends so an unsubscribe cannot close a
	// channel mid-send.
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch, func() { b.remove(s) }
}

func (b *fanout) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
	close(s.ch)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
