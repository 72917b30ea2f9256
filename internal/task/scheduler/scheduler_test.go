package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"launchbot/internal/task/engine"
	logx "launchbot/pkg/logx"
)

// runNow executes tasks inline instead of queueing them.
type runNow struct {
	mu   sync.Mutex
	ran  []string
	done chan string
}

func newRunNow() *runNow { return &runNow{done: make(chan string, 16)} }

func (r *runNow) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	r.mu.Lock()
	r.ran = append(r.ran, t.Name)
	r.mu.Unlock()
	r.done <- t.Name
	return nil
}

func started(t *testing.T, eng Enqueuer) *Service {
	t.Helper()
	s := New(Config{}, eng, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestArmFires(t *testing.T) {
	t.Parallel()
	eng := newRunNow()
	s := started(t, eng)

	if err := s.Arm("refresh", time.Now().Add(20*time.Millisecond), 0, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if _, ok := s.Pending("refresh"); !ok {
		t.Fatal("refresh should be pending")
	}
	select {
	case name := <-eng.done:
		if name != "refresh" {
			t.Fatalf("fired %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if _, ok := s.Pending("refresh"); ok {
		t.Fatal("fired timer should no longer be pending")
	}
}

func TestJobCanRearmItsOwnPurpose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := engine.New(engine.Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	eng.Start(ctx)
	t.Cleanup(func() { eng.Stop(ctx) })
	s := started(t, eng)

	runs := make(chan int32, 4)
	var n atomic.Int32
	var job Job
	job = func(context.Context) error {
		k := n.Add(1)
		if k == 1 {
			if err := s.Arm("notify", time.Now(), 0, job); err != nil {
				return err
			}
			// Still running when the re-armed timer fires.
			time.Sleep(50 * time.Millisecond)
		}
		runs <- k
		return nil
	}
	if err := s.Arm("notify", time.Now(), 0, job); err != nil {
		t.Fatalf("arm: %v", err)
	}
	for want := int32(1); want <= 2; want++ {
		select {
		case got := <-runs:
			if got != want {
				t.Fatalf("run %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d never happened", want)
		}
	}
}

func TestRearmReplacesPrevious(t *testing.T) {
	t.Parallel()
	eng := newRunNow()
	s := started(t, eng)

	var mu sync.Mutex
	var hits []string
	job := func(tag string) Job {
		return func(context.Context) error {
			mu.Lock()
			hits = append(hits, tag)
			mu.Unlock()
			return nil
		}
	}
	now := time.Now()
	_ = s.Arm("notify", now.Add(30*time.Millisecond), 0, job("first"))
	_ = s.Arm("notify", now.Add(60*time.Millisecond), 0, job("second"))

	<-eng.done
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 1 || hits[0] != "second" {
		t.Fatalf("hits = %v, want [second]", hits)
	}
}

func TestDisarm(t *testing.T) {
	t.Parallel()
	eng := newRunNow()
	s := started(t, eng)

	_ = s.Arm("notify", time.Now().Add(30*time.Millisecond), 0, func(context.Context) error { return nil })
	if !s.Disarm("notify") {
		t.Fatal("disarm should report an armed timer")
	}
	select {
	case name := <-eng.done:
		t.Fatalf("%s fired after disarm", name)
	case <-time.After(100 * time.Millisecond):
	}
	if s.Disarm("notify") {
		t.Fatal("second disarm should be a no-op")
	}
}

func TestArmBeforeStartWaits(t *testing.T) {
	t.Parallel()
	eng := newRunNow()
	s := New(Config{}, eng, logx.Nop())
	_ = s.Arm("refresh", time.Now().Add(-time.Second), 0, func(context.Context) error { return nil })

	select {
	case <-eng.done:
		t.Fatal("fired before Start")
	case <-time.After(30 * time.Millisecond):
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())
	select {
	case <-eng.done:
	case <-time.After(2 * time.Second):
		t.Fatal("past deadline should fire right after Start")
	}
}

func TestArmedOrder(t *testing.T) {
	t.Parallel()
	s := New(Config{}, newRunNow(), logx.Nop())
	now := time.Now()
	_ = s.Arm("refresh", now.Add(time.Hour), 0, func(context.Context) error { return nil })
	_ = s.Arm("notify", now.Add(time.Minute), 0, func(context.Context) error { return nil })
	got := s.Armed()
	if len(got) != 2 || got[0] != "notify" || got[1] != "refresh" {
		t.Fatalf("Armed() = %v", got)
	}
}

func TestAddScheduleReplacesByName(t *testing.T) {
	t.Parallel()
	s := started(t, newRunNow())
	noop := func(context.Context) error { return nil }
	if err := s.AddSchedule("sweep", "03:30", 0, noop); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddSchedule("sweep", "6h", 0, noop); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got := s.Schedules()
	if len(got) != 1 || got[0].Spec != "@every 6h0m0s" {
		t.Fatalf("schedules = %+v", got)
	}
	if got[0].Next.IsZero() {
		t.Fatal("next run should be known once started")
	}
	if !s.Remove("sweep") || len(s.Schedules()) != 0 {
		t.Fatal("remove failed")
	}
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		kind SpecKind
		cron string
	}{
		{raw: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{raw: "@hourly", kind: SpecCron, cron: "@hourly"},
		{raw: "03:30", kind: SpecDaily, cron: "30 3 * * *"},
		{raw: "90m", kind: SpecInterval, cron: "@every 1h30m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got.Kind != tt.kind || got.Cron != tt.cron {
				t.Fatalf("got %+v, want kind %v cron %q", got, tt.kind, tt.cron)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "24:00", "-5m"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) should fail", raw)
		}
	}
}
