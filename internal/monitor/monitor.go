// Package monitor watches per-unit utilization and liveness. It only
// raises events; destroying or migrating anything is the orchestrator's
// call.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/store"
)

// Sample is one probe result. Known is false for transient/inconclusive
// readings: those count toward liveness failures but never toward the
// idle threshold, in either direction.
type Sample struct {
	Utilization float64
	Reachable   bool
	Known       bool
}

// Sampler probes a unit. Implementations talk to the unit's agent.
type Sampler interface {
	Sample(ctx context.Context, unitID string) Sample
}

// unitTrack is the per-unit accumulator
type unitTrack struct {
	idleAccum    time.Duration
	idleSince    time.Time
	liveFailures int
	idleFired    bool
	unreachFired bool
	cancel       context.CancelFunc
}

// Monitor runs one independent loop per watched unit, so one slow or
// unreachable unit's probe never delays another unit's.
type Monitor struct {
	cfg     config.MonitorConfig
	sampler Sampler
	store   store.Store
	bus     events.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	tracks map[string]*unitTrack
}

func New(cfg config.MonitorConfig, sampler Sampler, st store.Store, bus events.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		store:   st,
		bus:     bus,
		logger:  logger,
		tracks:  make(map[string]*unitTrack),
	}
}

// Watch starts the probe loop for a unit
func (m *Monitor) Watch(ctx context.Context, unitID string) {
	m.mu.Lock()
	if _, ok := m.tracks[unitID]; ok {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.tracks[unitID] = &unitTrack{cancel: cancel}
	m.mu.Unlock()

	go m.loop(loopCtx, unitID)
}

// Unwatch stops a unit's loop and forgets its counters
func (m *Monitor) Unwatch(unitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if track, ok := m.tracks[unitID]; ok {
		track.cancel()
		delete(m.tracks, unitID)
	}
}

// Stop halts every loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for unitID, track := range m.tracks {
		track.cancel()
		delete(m.tracks, unitID)
	}
}

func (m *Monitor) loop(ctx context.Context, unitID string) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample := m.sampler.Sample(ctx, unitID)
			m.Observe(ctx, unitID, sample, m.cfg.ProbeInterval)
		}
	}
}

// Observe folds one sample into the unit's counters. Exported so tests
// can drive it without waiting for real probe intervals.
func (m *Monitor) Observe(ctx context.Context, unitID string, sample Sample, elapsed time.Duration) {
	m.mu.Lock()
	track, ok := m.tracks[unitID]
	if !ok {
		track = &unitTrack{cancel: func() {}}
		m.tracks[unitID] = track
	}

	var fireIdle, fireUnreachable bool

	// Liveness: unknown readings still count as failed probes
	if sample.Reachable {
		track.liveFailures = 0
		track.unreachFired = false
	} else {
		track.liveFailures++
		if track.liveFailures >= m.cfg.LivenessThreshold && !track.unreachFired {
			track.unreachFired = true
			fireUnreachable = true
		}
	}

	// Idle threshold: only conclusive readings move the accumulator
	if sample.Known && sample.Reachable {
		if sample.Utilization < m.cfg.IdleThresholdPct {
			if track.idleAccum == 0 {
				track.idleSince = time.Now().Add(-elapsed)
			}
			track.idleAccum += elapsed
			if track.idleAccum >= m.cfg.IdleDuration && !track.idleFired {
				track.idleFired = true
				fireIdle = true
			}
		} else {
			track.idleAccum = 0
			track.idleSince = time.Time{}
			track.idleFired = false
		}
	}

	idleSince := track.idleSince
	idleAccum := track.idleAccum
	m.mu.Unlock()

	m.recordHibernation(ctx, unitID, idleSince, idleAccum)

	if fireIdle {
		m.logger.Info("idle detected",
			zap.String("unit", unitID),
			zap.Duration("idle", idleAccum))
		m.publish(ctx, events.IdleDetected, unitID, "")
	}
	if fireUnreachable {
		m.logger.Warn("unit unreachable",
			zap.String("unit", unitID),
			zap.Int("failures", m.cfg.LivenessThreshold))
		m.publish(ctx, events.UnreachableDetected, unitID, "")
	}
}

func (m *Monitor) recordHibernation(ctx context.Context, unitID string, idleSince time.Time, idleAccum time.Duration) {
	state := &fleet.HibernationState{
		UnitID:      unitID,
		IdleSince:   idleSince,
		IdleSeconds: int64(idleAccum.Seconds()),
		UpdatedAt:   time.Now(),
	}
	if prev, err := m.store.GetHibernation(ctx, unitID); err == nil {
		state.LastSnapshotID = prev.LastSnapshotID
	}
	if err := m.store.PutHibernation(ctx, state); err != nil {
		m.logger.Warn("hibernation state update failed",
			zap.String("unit", unitID),
			zap.Error(err))
	}
}

func (m *Monitor) publish(ctx context.Context, t events.EventType, unitID, msg string) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      t,
		UnitID:    unitID,
		Timestamp: time.Now(),
		Message:   msg,
	})
}

// IdleFor reports the unit's current accumulated idle time
func (m *Monitor) IdleFor(unitID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if track, ok := m.tracks[unitID]; ok {
		return track.idleAccum
	}
	return 0
}

// Failures reports the unit's consecutive liveness failures
func (m *Monitor) Failures(unitID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if track, ok := m.tracks[unitID]; ok {
		return track.liveFailures
	}
	return 0
}
