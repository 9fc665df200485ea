package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"shiftboard/internal/task/engine"
	logx "shiftboard/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means time.Local
}

type (
	OverlapPolicy = engine.OverlapPolicy
	TaskOptions   = engine.TaskOptions
	TaskRun       = engine.TaskRun
)

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Submitter is the part of the task engine the scheduler needs.
type Submitter interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or "@every <d>"
	trigger       string
	timeout       time.Duration
	job           func(ctx context.Context) error
	onSkip        func()
	entryID       cron.EntryID
	startupSpread time.Duration
	opt           TaskOptions
	state         *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Trigger       string        `json:"trigger"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Running       bool          `json:"running"`
	Next          time.Time     `json:"next,omitzero"`
	Prev          time.Time     `json:"prev,omitzero"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Started   bool            `json:"started"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
