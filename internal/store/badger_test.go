package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FleetForge/bastion/internal/fleet"
)

func newBadger(t *testing.T, path string) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(path)
	require.NoError(t, err)
	return s
}

func TestBadgerPersistence(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir()

	s := newBadger(t, path)
	require.NoError(t, s.PutUnit(ctx, &fleet.ComputeUnit{
		ID:       "u1",
		Provider: "spot-market",
		Status:   fleet.UnitRunning,
	}))
	require.NoError(t, s.Close())

	// Records survive a process restart
	s = newBadger(t, path)
	defer func() { require.NoError(t, s.Close()) }()

	unit, err := s.GetUnit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, fleet.UnitRunning, unit.Status)

	_, err = s.GetUnit(ctx, "missing")
	assert.ErrorIs(t, err, fleet.ErrUnitNotFound)
}

func TestBadgerAssociations(t *testing.T) {
	ctx := context.Background()
	s := newBadger(t, t.TempDir())
	defer func() { require.NoError(t, s.Close()) }()

	first := &fleet.StandbyAssociation{ID: "a1", PrimaryID: "u1", Kind: fleet.AssociationWarmPool, Active: true}
	require.NoError(t, s.PutAssociation(ctx, first))

	t.Run("a second active association is rejected", func(t *testing.T) {
		err := s.PutAssociation(ctx, &fleet.StandbyAssociation{
			ID: "a2", PrimaryID: "u1", Kind: fleet.AssociationStandby, Active: true,
		})
		assert.ErrorIs(t, err, fleet.ErrAssociationExists)
	})

	t.Run("deactivating frees the slot", func(t *testing.T) {
		first.Active = false
		require.NoError(t, s.PutAssociation(ctx, first))
		require.NoError(t, s.PutAssociation(ctx, &fleet.StandbyAssociation{
			ID: "a2", PrimaryID: "u1", Kind: fleet.AssociationStandby, Active: true,
		}))

		active, err := s.ActiveAssociation(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "a2", active.ID)
	})
}

func TestBadgerEvents(t *testing.T) {
	ctx := context.Background()
	s := newBadger(t, t.TempDir())
	defer func() { require.NoError(t, s.Close()) }()

	base := time.Now()
	for i, id := range []string{"e1", "e2", "e3"} {
		require.NoError(t, s.PutEvent(ctx, &fleet.FailoverEvent{
			ID:        id,
			UnitID:    "u1",
			Reason:    "unreachable",
			Outcome:   fleet.PhaseComplete,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	t.Run("history is chronological", func(t *testing.T) {
		history, err := s.ListEvents(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, "e1", history[0].ID)
		assert.Equal(t, "e3", history[2].ID)
	})

	t.Run("terminal events are immutable", func(t *testing.T) {
		require.NoError(t, s.PutEvent(ctx, &fleet.FailoverEvent{
			ID:        "e1",
			UnitID:    "u1",
			Reason:    "tampered",
			Outcome:   fleet.PhaseFailed,
			StartedAt: base,
		}))
		stored, err := s.GetEvent(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, "unreachable", stored.Reason)
	})
}

func TestBadgerSnapshots(t *testing.T) {
	ctx := context.Background()
	s := newBadger(t, t.TempDir())
	defer func() { require.NoError(t, s.Close()) }()

	old := &fleet.Snapshot{ID: "s1", SourceUnitID: "u1", CreatedAt: time.Now().Add(-time.Hour)}
	recent := &fleet.Snapshot{ID: "s2", SourceUnitID: "u1", CreatedAt: time.Now()}
	require.NoError(t, s.PutSnapshot(ctx, old))
	require.NoError(t, s.PutSnapshot(ctx, recent))

	latest, err := s.LatestSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s2", latest.ID)

	require.NoError(t, s.DeleteSnapshot(ctx, "s2"))
	latest, err = s.LatestSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", latest.ID)

	assert.ErrorIs(t, s.DeleteSnapshot(ctx, "s2"), fleet.ErrSnapshotNotFound)
}
