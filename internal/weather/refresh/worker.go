package refresh

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "atmobot/pkg/logx"
)

// spawn starts one worker. Call with s.mu held and s.state != StateRunning.
func (s *Scheduler) spawnLocked() {
	s.results = make(chan Result, 1)
	s.state = StateRunning
	s.suspendedUntil = time.Time{}
	s.counters.Runs++

	s.wg.Add(1)
	go s.work(s.ctx, s.results)

	s.log.Debug("refresh started",
		logx.Int("request_limit", s.cfg.RequestLimit),
		logx.Duration("min_interval", s.cfg.MinInterval),
	)
	s.publish(EventStarted, s.counters.Runs)
}

// work calls Update exactly once and always sends exactly one Result.
func (s *Scheduler) work(ctx context.Context, out chan<- Result) {
	defer s.wg.Done()
	start := time.Now()
	res := Result{}
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("refresh panic: %v", r)}
			s.log.Error("refresh panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		res.Took = time.Since(start)
		out <- res
	}()
	updated, err := s.up.Update(ctx, s.cfg.RequestLimit, s.cfg.MinInterval)
	res = Result{Updated: updated && err == nil, Err: err}
}
