package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Spec is a schedule expression from config: exactly one of Cron or Every is
// set.
type Spec struct {
	Cron  string
	Every time.Duration
}

// String describes the schedule the way Snapshot shows triggers.
func (p Spec) String() string {
	if p.Every > 0 {
		return "every " + p.Every.String()
	}
	return "cron " + p.Cron
}

// ParseSchedule accepts a Go duration ("5m"), "@every 5m", a descriptor such
// as "@hourly", or a five-field cron expression. Cron fields are checked when
// the schedule is registered, not here.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, errors.New("schedule required")
	}
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		s = strings.TrimSpace(rest)
	} else if strings.HasPrefix(s, "@") {
		return Spec{Cron: s}, nil
	} else if len(strings.Fields(s)) == 5 {
		return Spec{Cron: strings.Join(strings.Fields(s), " ")}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid schedule %q: use a duration like 5m or a cron expression like */5 * * * *", raw)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("invalid schedule %q: interval must be > 0", raw)
	}
	return Spec{Every: d}, nil
}
