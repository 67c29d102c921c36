package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"atmobot/internal/eventbus"
	logx "atmobot/pkg/logx"
)

func TestAddScheduleValidation(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("", "@every 1m", 0, job); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := s.AddSchedule("x", "nonsense", 0, job); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := s.AddSchedule("x", "61 * * * *", 0, job); err == nil {
		t.Fatal("expected cron parse error")
	}
	if _, err := s.AddSchedule("x", "@every 1m", 0, nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestAddScheduleReplacesByName(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	job := func(context.Context) error { return nil }
	if _, err := s.AddSchedule("tick", "@every 1m", 0, job); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddSchedule("tick", "10m", 0, job); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 10m0s" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}
	if !s.Remove("tick") || s.Remove("tick") {
		t.Fatal("Remove should report presence exactly once")
	}
}

func TestRunNowSkipsWhileRunning(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{Enabled: true}, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	var runs atomic.Int32
	_, err := s.AddSchedule("slow", "@every 1h", time.Minute, func(ctx context.Context) error {
		runs.Add(1)
		<-release
		return errors.New("boom")
	})
	if err != nil {
		t.Fatal(err)
	}

	if !s.RunNow("slow") {
		t.Fatal("first RunNow should start")
	}
	if s.RunNow("slow") {
		t.Fatal("second RunNow should be skipped")
	}
	close(release)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != EventJobFinished {
				continue
			}
			it := e.Data.(HistoryItem)
			if it.Name != "slow" || it.Error != "boom" {
				t.Fatalf("history item = %+v", it)
			}
			if runs.Load() != 1 {
				t.Fatalf("runs = %d", runs.Load())
			}
			if s.Snapshot().Skipped != 1 {
				t.Fatalf("skipped = %d", s.Snapshot().Skipped)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for job")
		}
	}
}

func TestJobPanicIsRecorded(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())
	_, _ = s.AddSchedule("bad", "@every 1h", 0, func(context.Context) error { panic("nope") })
	if !s.RunNow("bad") {
		t.Fatal("RunNow should start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	h := s.Snapshot().History
	if len(h) != 1 || h[0].Error == "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestStopCancelsJobs(t *testing.T) {
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	s.Start(context.Background())
	started := make(chan struct{})
	_, _ = s.AddSchedule("wait", "@every 1h", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	s.RunNow("wait")
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	if ctx.Err() != nil {
		t.Fatal("Stop should return once the job observes cancellation")
	}
}

func TestDisabledServiceDoesNotStart(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	_, _ = s.AddSchedule("x", "@every 1m", 0, func(context.Context) error { return nil })
	if s.Snapshot().Running || s.RunNow("x") {
		t.Fatal("disabled service must not run jobs")
	}
}
