package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"launchbot/internal/eventbus"
	logx "launchbot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitFor(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestTaskRunsOnce(t *testing.T) {
	s, bus := startEngine(t, Config{})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var runs atomic.Int32
	if err := s.Enqueue(Task{Name: "refresh", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ev := waitFor(t, ch, "task.finished")
	te := ev.Data.(TaskEvent)
	if te.Name != "refresh" || te.Attempts != 1 || te.ID == "" {
		t.Fatalf("unexpected event: %+v", te)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestRetryThenNoRetry(t *testing.T) {
	s, bus := startEngine(t, Config{RetryMax: 3})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	var runs atomic.Int32
	boom := errors.New("boom")
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if runs.Add(1) == 2 {
				return NoRetry(boom)
			}
			return boom
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	te := waitFor(t, ch, "task.failed").Data.(TaskEvent)
	if te.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", te.Attempts)
	}
	if te.Error != "boom" {
		t.Fatalf("error = %q", te.Error)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	s, bus := startEngine(t, Config{})
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	if err := s.Enqueue(Task{Name: "bad", Run: func(context.Context) error { panic("nil map") }}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	te := waitFor(t, ch, "task.failed").Data.(TaskEvent)
	if te.Attempts != 1 {
		t.Fatalf("panics must not be retried, attempts = %d", te.Attempts)
	}

	if err := s.Enqueue(Task{Name: "good", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue after panic: %v", err)
	}
	waitFor(t, ch, "task.finished")
}

func TestOverlapSkip(t *testing.T) {
	s, _ := startEngine(t, Config{})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{
		Name: "dispatch",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func TestQueueFull(t *testing.T) {
	s, _ := startEngine(t, Config{QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})

	if err := s.Enqueue(Task{Name: "a", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("enqueue c = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("dropped = %d", got)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	opt := TaskOptions{RetryMaxDelay: 10 * time.Second}.withDefaults(Config{})
	opt.RetryJitter = 0
	if d := backoffDelay(opt, 1, nil); d != opt.RetryBase {
		t.Fatalf("backoff(1) = %v", d)
	}
	if d := backoffDelay(opt, 10, nil); d != 10*time.Second {
		t.Fatalf("capped delay = %v", d)
	}
	if d := backoffDelay(opt, 3, nil); d != 2*time.Second {
		t.Fatalf("backoff(3) = %v", d)
	}
}
