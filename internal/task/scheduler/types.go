package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"atmobot/internal/eventbus"
	logx "atmobot/pkg/logx"
)

const (
	EventJobFinished = "scheduler.job.finished"
	EventJobSkipped  = "scheduler.job.skipped"

	defaultHistorySize = 64
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Paris"
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	running *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// runCtx is canceled by Stop; in-flight jobs observe it.
	runCtx    context.Context
	runCancel context.CancelFunc
	inflight  sync.WaitGroup

	histMu  sync.Mutex
	history []HistoryItem
	histMax int

	skipped atomic.Uint64
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
}

type HistoryItem struct {
	Name    string        `json:"name"`
	Started time.Time     `json:"started"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Skipped   uint64         `json:"skipped"`
	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
