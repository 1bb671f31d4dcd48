package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	seen []Event
}

func (c *collector) handler(ctx context.Context, ev Event) error {
	c.mu.Lock()
	c.seen = append(c.seen, ev)
	c.mu.Unlock()
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n },
		time.Second, 5*time.Millisecond)
}

func publish(t *testing.T, bus *MemoryBus, kind EventType, unitID string) {
	t.Helper()
	require.NoError(t, bus.Publish(context.Background(), Event{
		ID:        uuid.NewString(),
		Type:      kind,
		UnitID:    unitID,
		Timestamp: time.Now(),
	}))
}

func TestSubscribePatterns(t *testing.T) {
	bus := NewMemoryBus(100)

	all := &collector{}
	exact := &collector{}
	prefixed := &collector{}
	require.NoError(t, bus.Subscribe("*", all.handler))
	require.NoError(t, bus.Subscribe(string(IdleDetected), exact.handler))
	require.NoError(t, bus.Subscribe("failover.*", prefixed.handler))

	publish(t, bus, IdleDetected, "u1")
	publish(t, bus, FailoverPhase, "u1")
	publish(t, bus, FailoverComplete, "u1")
	publish(t, bus, SnapshotCreated, "u1")

	all.waitFor(t, 4)
	exact.waitFor(t, 1)
	prefixed.waitFor(t, 2)

	assert.Equal(t, IdleDetected, exact.seen[0].Type)
	for _, ev := range prefixed.seen {
		assert.Contains(t, string(ev.Type), "failover.")
	}
}

func TestMultipleHandlersSamePattern(t *testing.T) {
	bus := NewMemoryBus(100)
	first := &collector{}
	second := &collector{}
	require.NoError(t, bus.Subscribe("*", first.handler))
	require.NoError(t, bus.Subscribe("*", second.handler))

	publish(t, bus, HibernationStarted, "u1")

	first.waitFor(t, 1)
	second.waitFor(t, 1)
}

func TestReplay(t *testing.T) {
	bus := NewMemoryBus(100)
	base := time.Now()

	for i, kind := range []EventType{IdleDetected, FailoverPhase, FailoverComplete} {
		require.NoError(t, bus.Publish(context.Background(), Event{
			ID:        uuid.NewString(),
			Type:      kind,
			UnitID:    "u1",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("window selects a slice of history", func(t *testing.T) {
		got, err := bus.Replay(base.Add(30*time.Second), base.Add(90*time.Second))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, FailoverPhase, got[0].Type)
	})

	t.Run("empty window", func(t *testing.T) {
		got, err := bus.Replay(base.Add(time.Hour), base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestBufferEviction(t *testing.T) {
	bus := NewMemoryBus(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{
			ID:        uuid.NewString(),
			Type:      FailoverPhase,
			UnitID:    "u1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	got, err := bus.Replay(base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3, "oldest events are dropped once the buffer fills")
	assert.Equal(t, base.Add(2*time.Second), got[0].Timestamp)
}

func TestMatchesPattern(t *testing.T) {
	cases := []struct {
		eventType string
		pattern   string
		want      bool
	}{
		{"monitor.idle", "*", true},
		{"monitor.idle", "monitor.idle", true},
		{"monitor.idle", "monitor.*", true},
		{"monitor.idle", "failover.*", false},
		{"failover.phase", "failover.*", true},
		{"failover", "failover.*", false},
		{"monitor.idle", "monitor.unreachable", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, matchesPattern(tc.eventType, tc.pattern),
			"%s against %s", tc.eventType, tc.pattern)
	}
}
