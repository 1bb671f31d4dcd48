package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/provision"
	"github.com/FleetForge/bastion/internal/snapshot"
	"github.com/FleetForge/bastion/internal/store"
)

// Hibernator parks idle units: snapshot their state, stop them, and
// destroy them once the grace period passes without a resume.
type Hibernator struct {
	store    store.Store
	provider provision.Provider
	engine   *snapshot.Engine
	bus      events.Bus
	cfg      config.FailoverConfig
	stateDir func(unitID string) string
	logger   *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewHibernator(st store.Store, provider provision.Provider, engine *snapshot.Engine,
	bus events.Bus, cfg config.FailoverConfig, stateDir func(string) string, logger *zap.Logger) *Hibernator {
	return &Hibernator{
		store:    st,
		provider: provider,
		engine:   engine,
		bus:      bus,
		cfg:      cfg,
		stateDir: stateDir,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// Hibernate snapshots the unit, powers it off, and arms the destroy
// timer. Calling it twice for the same unit is a no-op while the first
// hibernation is pending.
func (h *Hibernator) Hibernate(ctx context.Context, unitID string) error {
	h.mu.Lock()
	if _, pending := h.timers[unitID]; pending {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	unit, err := h.store.GetUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.Status == fleet.UnitHibernating || unit.Status == fleet.UnitDestroyed {
		return nil
	}

	snap, err := h.engine.CreateSnapshot(ctx, unitID, h.stateDir(unitID), fleet.RetentionEphemeral)
	if err != nil {
		return fmt.Errorf("hibernation snapshot: %w", err)
	}

	if err := h.provider.Stop(ctx, unitID); err != nil {
		h.logger.Warn("stop before hibernation failed",
			zap.String("unit", unitID), zap.Error(err))
	}

	unit.Status = fleet.UnitHibernating
	unit.UpdatedAt = time.Now()
	if err := h.store.PutUnit(ctx, unit); err != nil {
		return err
	}

	hib, err := h.store.GetHibernation(ctx, unitID)
	if err != nil {
		hib = &fleet.HibernationState{UnitID: unitID, IdleSince: time.Now()}
	}
	hib.LastSnapshotID = snap.ID
	hib.UpdatedAt = time.Now()
	if err := h.store.PutHibernation(ctx, hib); err != nil {
		return err
	}

	h.publish(ctx, events.HibernationStarted, unitID,
		fmt.Sprintf("snapshot %s, destroy in %s", snap.ID, h.cfg.HibernationGrace))
	h.logger.Info("unit hibernating",
		zap.String("unit", unitID),
		zap.String("snapshot", snap.ID),
		zap.Duration("grace", h.cfg.HibernationGrace))

	h.mu.Lock()
	h.timers[unitID] = time.AfterFunc(h.cfg.HibernationGrace, func() {
		h.expire(unitID)
	})
	h.mu.Unlock()
	return nil
}

// Resume cancels a pending destroy and brings the unit back. Returns
// false if the grace period had already expired.
func (h *Hibernator) Resume(ctx context.Context, unitID string) (bool, error) {
	h.mu.Lock()
	timer, ok := h.timers[unitID]
	if ok {
		delete(h.timers, unitID)
	}
	h.mu.Unlock()
	if !ok || !timer.Stop() {
		return false, nil
	}

	if err := h.provider.Start(ctx, unitID); err != nil {
		return false, err
	}
	unit, err := h.store.GetUnit(ctx, unitID)
	if err != nil {
		return false, err
	}
	unit.Status = fleet.UnitRunning
	unit.LastHeartbeat = time.Now()
	unit.UpdatedAt = time.Now()
	if err := h.store.PutUnit(ctx, unit); err != nil {
		return false, err
	}
	h.logger.Info("unit resumed", zap.String("unit", unitID))
	return true, nil
}

func (h *Hibernator) expire(unitID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	h.mu.Lock()
	delete(h.timers, unitID)
	h.mu.Unlock()

	if err := h.provider.Destroy(ctx, unitID); err != nil {
		h.logger.Error("hibernation destroy failed",
			zap.String("unit", unitID), zap.Error(err))
		return
	}
	if unit, err := h.store.GetUnit(ctx, unitID); err == nil {
		unit.Status = fleet.UnitDestroyed
		unit.UpdatedAt = time.Now()
		_ = h.store.PutUnit(ctx, unit)
	}
	h.publish(ctx, events.HibernationDestroy, unitID, "grace period expired")
	h.logger.Info("hibernated unit destroyed", zap.String("unit", unitID))
}

func (h *Hibernator) publish(ctx context.Context, kind events.EventType, unitID, msg string) {
	if h.bus == nil {
		return
	}
	_ = h.bus.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      kind,
		UnitID:    unitID,
		Timestamp: time.Now(),
		Message:   msg,
	})
}
