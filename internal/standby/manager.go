// Package standby maintains a continuously replicated secondary unit in a
// different location, promotable to primary when the primary is lost.
package standby

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
	"github.com/FleetForge/bastion/internal/replication"
	"github.com/FleetForge/bastion/internal/store"
)

// SourceFactory builds the replication source for a primary unit
type SourceFactory func(primary *fleet.ComputeUnit) (replication.Source, error)

// TargetFactory builds the replication target for an association
type TargetFactory func(assoc *fleet.StandbyAssociation) (replication.Target, error)

// PromoteResult carries the promoted unit and the honest data-loss window
type PromoteResult struct {
	Unit     *fleet.ComputeUnit
	DataLoss time.Duration
	Stale    bool
}

// Manager provisions secondaries and drives their replication channels
type Manager struct {
	provider provision.Provider
	store    store.Store
	bus      events.Bus
	cfg      config.StandbyConfig
	repCfg   config.ReplicationConfig
	sources  SourceFactory
	targets  TargetFactory
	logger   *zap.Logger

	mu       sync.Mutex
	channels map[string]*replication.Channel
	cancels  map[string]context.CancelFunc
}

func NewManager(provider provision.Provider, st store.Store, bus events.Bus,
	cfg config.StandbyConfig, repCfg config.ReplicationConfig,
	sources SourceFactory, targets TargetFactory, logger *zap.Logger) *Manager {
	return &Manager{
		provider: provider,
		store:    st,
		bus:      bus,
		cfg:      cfg,
		repCfg:   repCfg,
		sources:  sources,
		targets:  targets,
		logger:   logger,
		channels: make(map[string]*replication.Channel),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Enable provisions a secondary in the fallback location and starts
// replicating the primary's state to it.
func (m *Manager) Enable(ctx context.Context, unitID string) (*fleet.StandbyAssociation, error) {
	primary, err := m.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if existing, err := m.store.ActiveAssociation(ctx, unitID); err == nil {
		return nil, fmt.Errorf("%w: %s", fleet.ErrAssociationExists, existing.ID)
	}

	offers, err := m.provider.Search(ctx, provision.Criteria{
		Location: m.cfg.FallbackLocation,
		Provider: m.cfg.FallbackProvider,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", fleet.ErrSecondaryProvision, err)
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("%w: no capacity in %s", fleet.ErrSecondaryProvision, m.cfg.FallbackLocation)
	}

	secondary, err := m.provider.Create(ctx, offers[0].ID, provision.CreateConfig{
		Label: "standby-" + unitID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fleet.ErrSecondaryProvision, err)
	}
	secondary.Status = fleet.UnitStandby
	if err := m.store.PutUnit(ctx, secondary); err != nil {
		return nil, err
	}

	assoc := &fleet.StandbyAssociation{
		ID:        uuid.NewString(),
		Kind:      fleet.AssociationStandby,
		PrimaryID: unitID,
		StandbyID: secondary.ID,
		SyncMode:  fleet.SyncObjectStore,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := m.store.PutAssociation(ctx, assoc); err != nil {
		return nil, err
	}

	if err := m.startChannel(ctx, primary, assoc); err != nil {
		return nil, err
	}

	m.logger.Info("standby enabled",
		zap.String("primary", unitID),
		zap.String("secondary", secondary.ID),
		zap.String("location", secondary.Location))
	return assoc, nil
}

func (m *Manager) startChannel(ctx context.Context, primary *fleet.ComputeUnit, assoc *fleet.StandbyAssociation) error {
	source, err := m.sources(primary)
	if err != nil {
		return fmt.Errorf("replication source: %w", err)
	}
	target, err := m.targets(assoc)
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("replication target: %w", err)
	}

	channel := replication.NewChannel(assoc.ID, m.store, source, target, m.bus, m.repCfg, m.logger)
	chCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.channels[assoc.ID] = channel
	m.cancels[assoc.ID] = cancel
	m.mu.Unlock()

	go channel.Run(chCtx)
	return nil
}

func (m *Manager) stopChannel(assocID string) {
	m.mu.Lock()
	channel := m.channels[assocID]
	cancel := m.cancels[assocID]
	delete(m.channels, assocID)
	delete(m.cancels, assocID)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if channel != nil {
		channel.Stop()
	}
}

// Promote stops replication and makes the secondary the new primary.
// If the copy is staler than tolerated the promotion still proceeds,
// but the data-loss window is reported honestly, never hidden.
func (m *Manager) Promote(ctx context.Context, assocID string) (*PromoteResult, error) {
	assoc, err := m.store.GetAssociation(ctx, assocID)
	if err != nil {
		return nil, err
	}
	if !assoc.Active {
		return nil, fleet.ErrAssociationNotActive
	}

	m.stopChannel(assocID)

	// Reload: the final round may have updated LastSync
	assoc, err = m.store.GetAssociation(ctx, assocID)
	if err != nil {
		return nil, err
	}

	var dataLoss time.Duration
	if assoc.LastSync.IsZero() {
		dataLoss = time.Since(assoc.CreatedAt)
	} else {
		dataLoss = time.Since(assoc.LastSync)
	}
	stale := dataLoss > m.cfg.MaxStaleness
	if stale {
		m.logger.Warn("promoting stale standby",
			zap.String("association", assocID),
			zap.Duration("data_loss", dataLoss),
			zap.Duration("tolerance", m.cfg.MaxStaleness))
	}

	secondary, err := m.store.GetUnit(ctx, assoc.StandbyID)
	if err != nil {
		return nil, err
	}
	secondary.Status = fleet.UnitRunning
	secondary.LastHeartbeat = time.Now()
	secondary.UpdatedAt = time.Now()
	if err := m.store.PutUnit(ctx, secondary); err != nil {
		return nil, err
	}

	assoc.Active = false
	if err := m.store.PutAssociation(ctx, assoc); err != nil {
		return nil, err
	}

	if m.bus != nil {
		_ = m.bus.Publish(ctx, events.Event{
			ID:        uuid.NewString(),
			Type:      events.StandbyPromoted,
			UnitID:    assoc.PrimaryID,
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("promoted %s, data loss %s", secondary.ID, dataLoss),
		})
	}
	m.logger.Info("standby promoted",
		zap.String("association", assocID),
		zap.String("new_primary", secondary.ID),
		zap.Duration("data_loss", dataLoss))

	return &PromoteResult{Unit: secondary, DataLoss: dataLoss, Stale: stale}, nil
}

// Disable tears down the secondary and its replication channel
func (m *Manager) Disable(ctx context.Context, assocID string) error {
	assoc, err := m.store.GetAssociation(ctx, assocID)
	if err != nil {
		return err
	}

	m.stopChannel(assocID)

	if err := m.provider.Destroy(ctx, assoc.StandbyID); err != nil {
		return fmt.Errorf("destroy secondary: %w", err)
	}
	assoc.Active = false
	return m.store.PutAssociation(ctx, assoc)
}
