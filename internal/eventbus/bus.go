// Package eventbus fans lifecycle events out to in-process subscribers.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lifecycle event types published by the core.
const (
	TaskRejected        = "task.rejected"
	TaskStarted         = "task.started"
	TaskFinished        = "task.finished"
	CheckpointCreated   = "checkpoint.created"
	CheckpointCorrupted = "checkpoint.corrupted"
	CheckpointPruned    = "checkpoint.pruned"
	RecoveryRetry       = "recovery.retry"
	RecoverySucceeded   = "recovery.succeeded"
	RecoveryExhausted   = "recovery.exhausted"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers events without ever blocking the publisher: a subscriber whose
// buffer is full misses the event and the miss is counted.
type Bus interface {
	Publish(e Event)
	// Subscribe receives every event, or only the listed types. A type
	// ending in ".*" selects a family ("recovery.*").
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	// Dropped counts deliveries lost to full subscribers.
	Dropped() uint64
}

func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	exact  map[string]bool
	family []string
}

func (s *subscriber) wants(typ string) bool {
	if s.exact == nil && s.family == nil {
		return true
	}
	if s.exact[typ] {
		return true
	}
	for _, p := range s.family {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	for _, t := range types {
		if fam, ok := strings.CutSuffix(t, "*"); ok {
			s.family = append(s.family, fam)
			continue
		}
		if s.exact == nil {
			s.exact = map[string]bool{}
		}
		s.exact[t] = true
	}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Under the write lock Publish cannot be mid-send on ch.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
