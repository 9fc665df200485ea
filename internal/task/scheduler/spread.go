package scheduler

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// firstFireCap bounds the extra delay added before an interval schedule's
// first run.
const firstFireCap = 30 * time.Second

// delayedFirst fires once at first, then falls back to base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (d *delayedFirst) Next(t time.Time) time.Time {
	if t.Before(d.first) {
		return d.first
	}
	return d.base.Next(t)
}

// staggeredEvery returns an every-d schedule whose first fire lands at
// now+d plus a random offset, so interval tasks registered together at
// startup do not all run in the same second. The offset is returned for
// Snapshot.
func staggeredEvery(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	limit := min(every, firstFireCap)
	if limit <= 0 {
		return base, 0
	}
	offset := rand.N(limit)
	return &delayedFirst{base: base, first: now.Add(every + offset)}, offset
}
