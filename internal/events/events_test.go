package events

import (
	"sync"
	"testing"
	"time"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	a, unsubA := h.Subscribe(4)
	b, unsubB := h.Subscribe(4)
	defer unsubA()
	defer unsubB()

	h.Publish(Event{Kind: KindRunStarted, RunID: "r1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Kind != KindRunStarted || ev.RunID != "r1" || ev.Time.IsZero() {
				t.Errorf("%s got %+v", name, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s received nothing", name)
		}
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, unsub := h.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Publish(Event{Kind: KindRunUpdated})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	h.Publish(Event{Kind: KindState})
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	ch, unsub := h.Subscribe(1)
	h.Close()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
	h.Publish(Event{Kind: KindState})
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch, unsub := h.Subscribe(8)
			go func() {
				for range ch {
				}
			}()
			unsub()
		}()
		go func() {
			defer wg.Done()
			h.Publish(Event{Kind: KindRunUpdated, Payload: ItemUpdate{ItemID: 1, Status: "running"}})
		}()
	}
	wg.Wait()
	h.Close()
}
