// Package store is the repository for fleet records. Every manager is
// handed a Store rather than reaching into shared globals, so tests can
// swap the in-memory implementation for the persistent one.
package store

import (
	"context"

	"github.com/FleetForge/bastion/internal/fleet"
)

// Store persists units, associations, snapshots, failover events and
// hibernation state.
type Store interface {
	PutUnit(ctx context.Context, u *fleet.ComputeUnit) error
	GetUnit(ctx context.Context, id string) (*fleet.ComputeUnit, error)
	ListUnits(ctx context.Context) ([]*fleet.ComputeUnit, error)

	// PutAssociation rejects a second active association for the same
	// primary (fleet.ErrAssociationExists).
	PutAssociation(ctx context.Context, a *fleet.StandbyAssociation) error
	GetAssociation(ctx context.Context, id string) (*fleet.StandbyAssociation, error)
	ActiveAssociation(ctx context.Context, primaryID string) (*fleet.StandbyAssociation, error)
	ListAssociations(ctx context.Context) ([]*fleet.StandbyAssociation, error)

	PutSnapshot(ctx context.Context, s *fleet.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*fleet.Snapshot, error)
	LatestSnapshot(ctx context.Context, unitID string) (*fleet.Snapshot, error)
	ListSnapshots(ctx context.Context, unitID string) ([]*fleet.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	PutEvent(ctx context.Context, e *fleet.FailoverEvent) error
	GetEvent(ctx context.Context, id string) (*fleet.FailoverEvent, error)
	ListEvents(ctx context.Context, unitID string) ([]*fleet.FailoverEvent, error)

	PutHibernation(ctx context.Context, h *fleet.HibernationState) error
	GetHibernation(ctx context.Context, unitID string) (*fleet.HibernationState, error)

	Close() error
}
