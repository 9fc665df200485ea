package venue

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"sync"

	"shiftboard/internal/config"
	logx "shiftboard/pkg/logx"
)

// Catalog holds the current venue list loaded from a file.
//
// The initial load never fails: a missing or malformed file yields an empty
// list. On hot-reload a broken file keeps the previous list.
type Catalog struct {
	path string
	log  logx.Logger

	mu     sync.RWMutex
	venues []Venue
	loaded bool

	subsMu sync.Mutex
	subs   []func([]Venue)
}

func NewCatalog(path string, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{path: path, log: log}
}

// Load (re)reads the file and returns the resulting list.
func (c *Catalog) Load() []Venue {
	venues, problems, err := LoadFile(c.path)
	for _, p := range problems {
		c.log.Warn("venue record skipped", logx.Err(p))
	}

	c.mu.Lock()
	first := !c.loaded
	c.loaded = true
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.log.Warn("venues file not found; no venues configured", logx.String("path", c.path))
		} else {
			c.log.Error("venues file unreadable", logx.String("path", c.path), logx.Err(err))
		}
		if first {
			c.venues = nil
		}
		out := c.copyLocked()
		c.mu.Unlock()
		return out
	}
	c.venues = venues
	out := c.copyLocked()
	c.mu.Unlock()

	c.log.Info("venues loaded", logx.String("path", c.path), logx.Int("count", len(out)), logx.Int("skipped", len(problems)))
	if !first {
		c.notify(out)
	}
	return out
}

// Venues returns a snapshot of the current list.
func (c *Catalog) Venues() []Venue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.copyLocked()
}

// Get looks up a venue by id.
func (c *Catalog) Get(id string) (Venue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.venues {
		if v.ID == id {
			return v, true
		}
	}
	return Venue{}, false
}

// Filter returns the venues whose id is in ids, in catalog order.
func (c *Catalog) Filter(ids []string) []Venue {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Venue, 0, len(ids))
	for _, v := range c.venues {
		if _, ok := want[v.ID]; ok {
			out = append(out, v)
		}
	}
	return out
}

// OnChange registers fn to be called after every successful reload.
func (c *Catalog) OnChange(fn func([]Venue)) {
	if fn == nil {
		return
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, fn)
	c.subsMu.Unlock()
}

// Watch reloads the list when the file changes. It blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, c.path, c.log, func() { c.Load() })
}

func (c *Catalog) notify(venues []Venue) {
	c.subsMu.Lock()
	subs := slices.Clone(c.subs)
	c.subsMu.Unlock()
	for _, fn := range subs {
		fn(venues)
	}
}

func (c *Catalog) copyLocked() []Venue {
	out := make([]Venue, len(c.venues))
	copy(out, c.venues)
	return out
}
