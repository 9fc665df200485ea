package app

import (
	"sync/atomic"

	rtsup "shiftboard/internal/runtime/supervisor"
	"shiftboard/internal/task/engine"
)

// runtimeView feeds the admin runtime endpoint. The supervisor only exists
// once Start has run.
type runtimeView struct {
	engine *engine.Service
	sup    atomic.Pointer[rtsup.Supervisor]
}

type runtimeSnapshot struct {
	Supervisor *rtsup.Snapshot `json:"supervisor,omitempty"`
	Engine     engine.Snapshot `json:"engine"`
}

func (v *runtimeView) RuntimeSnapshot() any {
	out := runtimeSnapshot{Engine: v.engine.Snapshot()}
	if sup := v.sup.Load(); sup != nil {
		snap := sup.Snapshot()
		out.Supervisor = &snap
	}
	return out
}
