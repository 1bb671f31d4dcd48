package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Bus carries phase transitions and hibernation changes to anything that
// wants to watch a recovery in flight.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(pattern string, handler Handler) error
	Replay(from, to time.Time) ([]Event, error)
}

// Event is one observable transition
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	UnitID    string          `json:"unit_id"`
	Timestamp time.Time       `json:"timestamp"`
	Phase     string          `json:"phase,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`
	Message   string          `json:"message,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// EventType categorizes events
type EventType string

const (
	IdleDetected        EventType = "monitor.idle"
	UnreachableDetected EventType = "monitor.unreachable"
	FailoverPhase       EventType = "failover.phase"
	FailoverComplete    EventType = "failover.complete"
	FailoverFailed      EventType = "failover.failed"
	HibernationStarted  EventType = "hibernation.started"
	HibernationDestroy  EventType = "hibernation.destroyed"
	SnapshotCreated     EventType = "snapshot.created"
	SnapshotDeleted     EventType = "snapshot.deleted"
	ReplicationSynced   EventType = "replication.synced"
	StandbyPromoted     EventType = "standby.promoted"
	WarmPoolActivated   EventType = "warmpool.activated"
)

// Handler processes events
type Handler func(ctx context.Context, event Event) error

// MemoryBus is the in-process implementation. Recent events are kept for
// replay so a status poller can catch up after reconnecting.
type MemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	events    []Event
	maxEvents int
}

func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &MemoryBus{
		handlers:  make(map[string][]Handler),
		events:    make([]Event, 0, bufferSize),
		maxEvents: bufferSize,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		b.events = b.events[1:]
	}
	var matched []Handler
	for pattern, handlers := range b.handlers {
		if matchesPattern(string(event.Type), pattern) {
			matched = append(matched, handlers...)
		}
	}
	b.mu.Unlock()

	for _, handler := range matched {
		go func(h Handler) { _ = h(ctx, event) }(handler)
	}
	return nil
}

func (b *MemoryBus) Subscribe(pattern string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
	return nil
}

func (b *MemoryBus) Replay(from, to time.Time) ([]Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var result []Event
	for _, event := range b.events {
		if event.Timestamp.After(from) && event.Timestamp.Before(to) {
			result = append(result, event)
		}
	}
	return result, nil
}

// matchesPattern supports exact types, "*", and "prefix.*"
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || eventType == pattern {
		return true
	}
	if n := len(pattern); n > 2 && pattern[n-2:] == ".*" {
		prefix := pattern[:n-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}
