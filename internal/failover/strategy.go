package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/provision"
	"github.com/FleetForge/bastion/internal/snapshot"
	"github.com/FleetForge/bastion/internal/standby"
	"github.com/FleetForge/bastion/internal/store"
	"github.com/FleetForge/bastion/internal/warmpool"
)

// Result is what a strategy hands back on success
type Result struct {
	NewUnit  *fleet.ComputeUnit
	DataLoss time.Duration
}

// Strategy is one recovery path. Applicable decides cheaply whether the
// path exists for a unit; Attempt runs it. Strategies are iterated in a
// fixed order and a failed Attempt falls through to the next one.
type Strategy interface {
	Name() fleet.Strategy
	Applicable(ctx context.Context, unitID string) (bool, error)
	Attempt(ctx context.Context, unitID string, progress *Progress) (*Result, error)
}

// WarmPoolStrategy activates a powered-off sibling on the same host
type WarmPoolStrategy struct {
	Store   store.Store
	Manager *warmpool.Manager
}

func (s *WarmPoolStrategy) Name() fleet.Strategy { return fleet.StrategyWarmPool }

func (s *WarmPoolStrategy) Applicable(ctx context.Context, unitID string) (bool, error) {
	assoc, err := s.Store.ActiveAssociation(ctx, unitID)
	if errors.Is(err, fleet.ErrAssociationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return assoc.Kind == fleet.AssociationWarmPool, nil
}

func (s *WarmPoolStrategy) Attempt(ctx context.Context, unitID string, progress *Progress) (*Result, error) {
	assoc, err := s.Store.ActiveAssociation(ctx, unitID)
	if err != nil {
		return nil, err
	}
	sibling, err := s.Manager.ActivateStandby(ctx, assoc.ID)
	if err != nil {
		return nil, err
	}
	if s.Manager != nil {
		go s.Manager.ReplenishStandby(context.WithoutCancel(ctx), assoc.ID)
	}
	// The sibling picks up the shared volume, so nothing written since
	// the last heartbeat is lost.
	return &Result{NewUnit: sibling, DataLoss: 0}, nil
}

// StandbyStrategy promotes the cross-location secondary
type StandbyStrategy struct {
	Store   store.Store
	Manager *standby.Manager
}

func (s *StandbyStrategy) Name() fleet.Strategy { return fleet.StrategyStandby }

func (s *StandbyStrategy) Applicable(ctx context.Context, unitID string) (bool, error) {
	assoc, err := s.Store.ActiveAssociation(ctx, unitID)
	if errors.Is(err, fleet.ErrAssociationNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return assoc.Kind == fleet.AssociationStandby, nil
}

func (s *StandbyStrategy) Attempt(ctx context.Context, unitID string, progress *Progress) (*Result, error) {
	assoc, err := s.Store.ActiveAssociation(ctx, unitID)
	if err != nil {
		return nil, err
	}
	promoted, err := s.Manager.Promote(ctx, assoc.ID)
	if err != nil {
		return nil, err
	}
	return &Result{NewUnit: promoted.Unit, DataLoss: promoted.DataLoss}, nil
}

// SnapshotStrategy acquires a fresh unit and reconstructs state from the
// latest snapshot
type SnapshotStrategy struct {
	Store    store.Store
	Provider provision.Provider
	Engine   *snapshot.Engine
	Cfg      config.FailoverConfig
	StateDir func(unitID string) string
}

func (s *SnapshotStrategy) Name() fleet.Strategy { return fleet.StrategySnapshot }

func (s *SnapshotStrategy) Applicable(ctx context.Context, unitID string) (bool, error) {
	_, err := s.Store.LatestSnapshot(ctx, unitID)
	if errors.Is(err, fleet.ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SnapshotStrategy) Attempt(ctx context.Context, unitID string, progress *Progress) (*Result, error) {
	snap, err := s.Store.LatestSnapshot(ctx, unitID)
	if err != nil {
		return nil, err
	}
	lost, err := s.Store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}

	progress.Phase(ctx, fleet.PhaseProvision)
	offers, err := s.Provider.Search(ctx, provision.Criteria{
		Location:      lost.Location,
		ResourceClass: lost.ResourceClass,
	})
	if err != nil {
		return nil, fmt.Errorf("offer search: %w", err)
	}
	if len(offers) == 0 {
		// Any location beats no recovery at all
		offers, err = s.Provider.Search(ctx, provision.Criteria{ResourceClass: lost.ResourceClass})
		if err != nil {
			return nil, fmt.Errorf("offer search: %w", err)
		}
	}
	if len(offers) == 0 {
		return nil, fmt.Errorf("no capacity for class %s", lost.ResourceClass)
	}

	fresh, err := s.Provider.Create(ctx, offers[0].ID, provision.CreateConfig{
		Label: "restore-" + unitID,
	})
	if err != nil {
		return nil, fmt.Errorf("provision: %w", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.Cfg.ProvisionTimeout)
	defer cancel()
	if err := provision.WaitForStatus(waitCtx, s.Provider, fresh.ID, fleet.UnitRunning, time.Second); err != nil {
		_ = s.Provider.Destroy(context.WithoutCancel(ctx), fresh.ID)
		return nil, err
	}
	if err := s.Store.PutUnit(ctx, fresh); err != nil {
		return nil, err
	}

	if err := progress.BeginRestore(ctx); err != nil {
		_ = s.Provider.Destroy(context.WithoutCancel(ctx), fresh.ID)
		return nil, err
	}
	if err := s.Engine.Restore(ctx, snap.ID, s.StateDir(fresh.ID)); err != nil {
		_ = s.Provider.Destroy(context.WithoutCancel(ctx), fresh.ID)
		return nil, fmt.Errorf("restore %s: %w", snap.ID, err)
	}

	fresh.Status = fleet.UnitRunning
	fresh.UpdatedAt = time.Now()
	if err := s.Store.PutUnit(ctx, fresh); err != nil {
		return nil, err
	}
	return &Result{NewUnit: fresh, DataLoss: time.Since(snap.CreatedAt)}, nil
}
