package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TaskFinished, Data: "t1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TaskFinished || e.Data != "t1" {
				t.Fatalf("unexpected event: %+v", e)
			}
			if e.Time.IsZero() {
				t.Fatalf("expected Publish to stamp time")
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if got := len(ch); got != 1 {
		t.Fatalf("buffered = %d, want 1", got)
	}
	if e := <-ch; e.Type != "a" {
		t.Fatalf("first event = %s, want a", e.Type)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}

func TestSubscribeFilters(t *testing.T) {
	b := New()
	recov, unsubR := b.Subscribe(8, "recovery.*")
	defer unsubR()
	fin, unsubF := b.Subscribe(8, TaskFinished)
	defer unsubF()

	for _, typ := range []string{TaskStarted, TaskFinished, RecoveryRetry, RecoveryExhausted, CheckpointCreated} {
		b.Publish(Event{Type: typ})
	}

	if len(recov) != 2 || len(fin) != 1 {
		t.Fatalf("recovery got %d, finished got %d", len(recov), len(fin))
	}
	if e := <-recov; e.Type != RecoveryRetry {
		t.Fatalf("first recovery event = %s", e.Type)
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", b.Dropped())
	}
}
