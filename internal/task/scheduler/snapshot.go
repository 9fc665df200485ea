package scheduler

import "time"

// Snapshot reports every schedule with its next fire time plus the engine
// state behind it.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Started:   s.c != nil,
		Timezone:  s.cfg.Timezone,
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	loc := s.loc
	for _, d := range s.defs {
		it := ScheduleInfo{
			ID:            d.id,
			Name:          d.name,
			Spec:          d.spec,
			Trigger:       d.trigger,
			Timeout:       d.timeout,
			StartupSpread: d.startupSpread,
			Running:       d.state.Running(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	eng := s.engine
	s.mu.Unlock()

	if snap.Timezone == "" {
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
