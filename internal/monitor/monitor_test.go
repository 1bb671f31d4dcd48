package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/store"
)

type eventSink struct {
	mu    sync.Mutex
	types []events.EventType
}

func (s *eventSink) record(bus events.Bus, t *testing.T) {
	require.NoError(t, bus.Subscribe("monitor.*", func(ctx context.Context, ev events.Event) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.types = append(s.types, ev.Type)
		return nil
	}))
}

func (s *eventSink) count(want events.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tp := range s.types {
		if tp == want {
			n++
		}
	}
	return n
}

func (s *eventSink) waitFor(t *testing.T, want events.EventType, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.count(want) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never saw %d %s events", n, want)
}

func testMonitor(t *testing.T) (*Monitor, *eventSink, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	bus := events.NewMemoryBus(100)
	sink := &eventSink{}
	sink.record(bus, t)

	cfg := config.MonitorConfig{
		ProbeInterval:     30 * time.Second,
		IdleThresholdPct:  5.0,
		IdleDuration:      3 * time.Minute,
		LivenessThreshold: 3,
	}
	return New(cfg, nil, st, bus, zaptest.NewLogger(t)), sink, st
}

func TestIdleDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, st := testMonitor(t)

	idle := Sample{Utilization: 1.0, Reachable: true, Known: true}
	busy := Sample{Utilization: 80.0, Reachable: true, Known: true}

	t.Run("fires after threshold duration of low utilization", func(t *testing.T) {
		for i := 0; i < 6; i++ {
			m.Observe(ctx, "u1", idle, 30*time.Second)
		}
		sink.waitFor(t, events.IdleDetected, 1)
		assert.Equal(t, 6*30*time.Second, m.IdleFor("u1"))
	})

	t.Run("fires once per idle episode", func(t *testing.T) {
		m.Observe(ctx, "u1", idle, 30*time.Second)
		m.Observe(ctx, "u1", idle, 30*time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, sink.count(events.IdleDetected))
	})

	t.Run("activity resets the accumulator", func(t *testing.T) {
		m.Observe(ctx, "u1", busy, 30*time.Second)
		assert.Zero(t, m.IdleFor("u1"))

		// A fresh idle stretch can fire again
		for i := 0; i < 6; i++ {
			m.Observe(ctx, "u1", idle, 30*time.Second)
		}
		sink.waitFor(t, events.IdleDetected, 2)
	})

	t.Run("updates hibernation state", func(t *testing.T) {
		hib, err := st.GetHibernation(ctx, "u1")
		require.NoError(t, err)
		assert.Positive(t, hib.IdleSeconds)
	})
}

func TestUnknownSamples(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := testMonitor(t)

	idle := Sample{Utilization: 1.0, Reachable: true, Known: true}
	unknown := Sample{Reachable: true, Known: false}

	// Five idle probes, then an inconclusive one, then one more idle.
	for i := 0; i < 5; i++ {
		m.Observe(ctx, "u2", idle, 30*time.Second)
	}
	m.Observe(ctx, "u2", unknown, 30*time.Second)

	assert.Equal(t, 5*30*time.Second, m.IdleFor("u2"),
		"an inconclusive reading must not move the idle accumulator either way")
	assert.Equal(t, 0, sink.count(events.IdleDetected))

	m.Observe(ctx, "u2", idle, 30*time.Second)
	sink.waitFor(t, events.IdleDetected, 1)
}

func TestUnreachableDetection(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := testMonitor(t)

	down := Sample{Reachable: false, Known: false}
	up := Sample{Utilization: 50, Reachable: true, Known: true}

	t.Run("fires after consecutive failures", func(t *testing.T) {
		m.Observe(ctx, "u3", down, 30*time.Second)
		m.Observe(ctx, "u3", down, 30*time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 0, sink.count(events.UnreachableDetected), "below threshold")

		m.Observe(ctx, "u3", down, 30*time.Second)
		sink.waitFor(t, events.UnreachableDetected, 1)
	})

	t.Run("a successful probe resets the counter", func(t *testing.T) {
		m.Observe(ctx, "u4", down, 30*time.Second)
		m.Observe(ctx, "u4", down, 30*time.Second)
		m.Observe(ctx, "u4", up, 30*time.Second)
		m.Observe(ctx, "u4", down, 30*time.Second)
		m.Observe(ctx, "u4", down, 30*time.Second)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, sink.count(events.UnreachableDetected), "only u3 fired")
	})

	t.Run("unknown readings count toward liveness failures", func(t *testing.T) {
		unknown := Sample{Reachable: false, Known: false}
		for i := 0; i < 3; i++ {
			m.Observe(ctx, "u5", unknown, 30*time.Second)
		}
		sink.waitFor(t, events.UnreachableDetected, 2)
		assert.Equal(t, 3, m.Failures("u5"))
	})
}
