// Package warmpool maintains powered-down sibling units on the same
// physical host as a primary, sharing its volume. Activation needs no
// data transfer, so recovery is a power-on away.
package warmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/provision"
	"github.com/FleetForge/bastion/internal/store"
)

// PoolState is the pool's position in its lifecycle
type PoolState string

const (
	StateUninitialized PoolState = "uninitialized"
	StateSearching     PoolState = "searching"
	StateProvisioning  PoolState = "provisioning"
	StateActive        PoolState = "active"
	StateFailingOver   PoolState = "failing-over"
	StateDegraded      PoolState = "degraded"
)

// Manager provisions and activates warm-pool siblings
type Manager struct {
	provider provision.Provider
	store    store.Store
	bus      events.Bus
	cfg      config.WarmPoolConfig
	logger   *zap.Logger

	mu     sync.Mutex
	states map[string]PoolState // by association id
}

func NewManager(provider provision.Provider, st store.Store, bus events.Bus, cfg config.WarmPoolConfig, logger *zap.Logger) *Manager {
	return &Manager{
		provider: provider,
		store:    st,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
		states:   make(map[string]PoolState),
	}
}

func (m *Manager) setState(assocID string, state PoolState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[assocID] = state
}

// State reports the pool state for an association
func (m *Manager) State(assocID string) PoolState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[assocID]; ok {
		return s
	}
	return StateUninitialized
}

// Provision finds or leases a powered-off sibling on the primary's host
// and pairs it with the primary. The sibling shares the primary's volume
// but does not mount it; the primary keeps sole write access.
func (m *Manager) Provision(ctx context.Context, primaryID string) (*fleet.StandbyAssociation, error) {
	primary, err := m.store.GetUnit(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	if existing, err := m.store.ActiveAssociation(ctx, primaryID); err == nil {
		return nil, fmt.Errorf("%w: %s", fleet.ErrAssociationExists, existing.ID)
	}

	assocID := uuid.NewString()
	m.setState(assocID, StateSearching)

	offers, err := m.provider.Search(ctx, provision.Criteria{
		HostID:        primary.HostID,
		ResourceClass: m.minClass(primary.ResourceClass),
	})
	if err != nil {
		m.setState(assocID, StateDegraded)
		return nil, fmt.Errorf("sibling search: %w", err)
	}
	if len(offers) == 0 {
		m.setState(assocID, StateDegraded)
		return nil, fleet.ErrNoSiblingCapacity
	}

	m.setState(assocID, StateProvisioning)
	sibling, err := m.provider.Create(ctx, offers[0].ID, provision.CreateConfig{
		VolumeID:   primary.VolumeID,
		PoweredOff: true,
		Label:      "warmpool-" + primaryID,
	})
	if err != nil {
		m.setState(assocID, StateDegraded)
		return nil, fmt.Errorf("%w: %v", fleet.ErrNoSiblingCapacity, err)
	}
	if err := m.store.PutUnit(ctx, sibling); err != nil {
		return nil, err
	}

	assoc := &fleet.StandbyAssociation{
		ID:            assocID,
		Kind:          fleet.AssociationWarmPool,
		PrimaryID:     primaryID,
		StandbyID:     sibling.ID,
		SyncMode:      fleet.SyncDisk,
		Active:        true,
		VolumeOwnerID: primaryID,
		CreatedAt:     time.Now(),
	}
	if err := m.store.PutAssociation(ctx, assoc); err != nil {
		return nil, err
	}
	m.setState(assocID, StateActive)

	m.logger.Info("warm pool sibling provisioned",
		zap.String("primary", primaryID),
		zap.String("sibling", sibling.ID),
		zap.String("host", primary.HostID))
	return assoc, nil
}

func (m *Manager) minClass(primaryClass string) string {
	if m.cfg.MinResourceClass != "" {
		return m.cfg.MinResourceClass
	}
	return primaryClass
}

// ActivateStandby powers on the sibling and swaps roles. The shared
// volume is mounted on the sibling only after the former primary is
// marked for teardown, so there is never a dual-write window.
func (m *Manager) ActivateStandby(ctx context.Context, assocID string) (*fleet.ComputeUnit, error) {
	assoc, err := m.store.GetAssociation(ctx, assocID)
	if err != nil {
		return nil, err
	}
	if !assoc.Active {
		return nil, fleet.ErrAssociationNotActive
	}
	m.setState(assocID, StateFailingOver)

	// Fence the former primary before the sibling can touch the volume
	if primary, err := m.store.GetUnit(ctx, assoc.PrimaryID); err == nil {
		primary.Status = fleet.UnitFailingOver
		primary.UpdatedAt = time.Now()
		if err := m.store.PutUnit(ctx, primary); err != nil {
			m.setState(assocID, StateDegraded)
			return nil, err
		}
	}
	if err := m.provider.Stop(ctx, assoc.PrimaryID); err != nil {
		m.logger.Warn("former primary stop failed, proceeding with fence",
			zap.String("unit", assoc.PrimaryID),
			zap.Error(err))
	}

	if err := m.provider.Start(ctx, assoc.StandbyID); err != nil {
		m.setState(assocID, StateDegraded)
		return nil, fmt.Errorf("start sibling: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.ActivationTimeout)
	defer cancel()
	if err := provision.WaitForStatus(waitCtx, m.provider, assoc.StandbyID, fleet.UnitRunning, time.Second); err != nil {
		m.setState(assocID, StateDegraded)
		var te *fleet.TimeoutError
		if errors.As(err, &te) {
			return nil, &fleet.TimeoutError{Op: "warm pool activation", Timeout: m.cfg.ActivationTimeout}
		}
		return nil, err
	}

	sibling, err := m.store.GetUnit(ctx, assoc.StandbyID)
	if err != nil {
		return nil, err
	}
	if err := m.provider.AttachVolume(ctx, sibling.ID, sibling.VolumeID); err != nil {
		m.setState(assocID, StateDegraded)
		return nil, fmt.Errorf("%w: %v", fleet.ErrVolumeAttachFailure, err)
	}

	// Roles swap: sibling becomes primary, association retires
	sibling.Status = fleet.UnitRunning
	sibling.LastHeartbeat = time.Now()
	sibling.UpdatedAt = time.Now()
	if err := m.store.PutUnit(ctx, sibling); err != nil {
		return nil, err
	}

	assoc.Active = false
	assoc.VolumeOwnerID = sibling.ID
	if err := m.store.PutAssociation(ctx, assoc); err != nil {
		return nil, err
	}
	m.setState(assocID, StateActive)

	if m.bus != nil {
		_ = m.bus.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Type:      events.WarmPoolActivated,
			UnitID:    assoc.PrimaryID,
			Timestamp: time.Now(),
			Message:   "promoted sibling " + sibling.ID,
		})
	}
	m.logger.Info("warm pool sibling activated",
		zap.String("association", assocID),
		zap.String("old_primary", assoc.PrimaryID),
		zap.String("new_primary", sibling.ID))
	return sibling, nil
}

// ReplenishStandby provisions a fresh sibling for the promoted unit.
// Failure here is logged but never affects the completed failover.
func (m *Manager) ReplenishStandby(ctx context.Context, assocID string) {
	assoc, err := m.store.GetAssociation(ctx, assocID)
	if err != nil {
		m.logger.Warn("replenish: association lookup failed", zap.Error(err))
		return
	}
	if !m.cfg.Replenish {
		return
	}
	newPrimary := assoc.StandbyID
	if _, err := m.Provision(ctx, newPrimary); err != nil {
		m.logger.Warn("replenish failed, redundancy degraded",
			zap.String("primary", newPrimary),
			zap.Error(err))
		return
	}
	m.logger.Info("warm pool replenished", zap.String("primary", newPrimary))
}

// Teardown releases the sibling when its primary is destroyed
func (m *Manager) Teardown(ctx context.Context, assocID string) error {
	assoc, err := m.store.GetAssociation(ctx, assocID)
	if err != nil {
		return err
	}
	if err := m.provider.Destroy(ctx, assoc.StandbyID); err != nil {
		return fmt.Errorf("destroy sibling: %w", err)
	}
	assoc.Active = false
	if err := m.store.PutAssociation(ctx, assoc); err != nil {
		return err
	}
	m.setState(assocID, StateUninitialized)
	return nil
}
