package refresh

import (
	"context"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Updater performs one bounded refresh. It reports true when it did work and
// more remains, false when it is caught up.
//
// requestLimit <= 0 means unlimited. minInterval == 0 means no pacing hint.
type Updater interface {
	Update(ctx context.Context, requestLimit int, minInterval time.Duration) (bool, error)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context, requestLimit int, minInterval time.Duration) (bool, error)

func (f UpdaterFunc) Update(ctx context.Context, requestLimit int, minInterval time.Duration) (bool, error) {
	return f(ctx, requestLimit, minInterval)
}

// Config is fixed for the lifetime of a Scheduler.
type Config struct {
	// RequestLimit is passed unchanged to every Update call.
	RequestLimit int
	// MinInterval is passed unchanged to every Update call.
	MinInterval time.Duration
	// Suspension is the pause after an unproductive refresh. Zero never suspends.
	Suspension time.Duration
}

// Result is what a worker hands back to the next Tick.
type Result struct {
	Updated bool          `json:"updated"`
	Err     error         `json:"-"`
	Took    time.Duration `json:"took"`
}

type Counters struct {
	Runs         uint64 `json:"runs"`
	Productive   uint64 `json:"productive"`
	Unproductive uint64 `json:"unproductive"`
	Failures     uint64 `json:"failures"`
}

type Snapshot struct {
	State          State     `json:"state"`
	SuspendedUntil time.Time `json:"suspended_until,omitzero"`
	Counters       Counters  `json:"counters"`
	LastResult     *Result   `json:"last_result,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	LastFinished   time.Time `json:"last_finished,omitzero"`
	Closed         bool      `json:"closed"`
}
