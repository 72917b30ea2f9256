package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PlanArmed, Data: 42})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != PlanArmed || e.Data.(int) != 42 || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: RefreshDone, Data: 1})
	b.Publish(Event{Type: RefreshDone, Data: 2})
	if e := <-ch; e.Data.(int) != 1 {
		t.Fatalf("got %v, want first event", e.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected %v", e)
	default:
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: DispatchDone})
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, unsub := b.Subscribe(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: TaskStarted})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
}

func TestFilter(t *testing.T) {
	t.Parallel()
	b := New()
	raw, unsub := b.Subscribe(8)
	out := Filter(raw, Postponed)

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: Postponed, Data: "ev-1"})
	select {
	case e := <-out:
		if e.Data.(string) != "ev-1" {
			t.Fatalf("got %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	unsub()
	if _, ok := <-out; ok {
		t.Fatal("out should close with input")
	}
}
