package standby

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/provision"
	"github.com/FleetForge/bastion/internal/replication"
	"github.com/FleetForge/bastion/internal/store"
)

type nullSource struct{}

func (nullSource) Changed(ctx context.Context, since time.Time) ([]replication.Item, error) {
	return nil, nil
}
func (nullSource) Close() error { return nil }

type nullTarget struct {
	mu      sync.Mutex
	applied int
}

func (t *nullTarget) Apply(ctx context.Context, items []replication.Item) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied++
	return nil
}

func testManager(t *testing.T) (*Manager, *provision.FakeProvider, store.Store) {
	t.Helper()
	provider := provision.NewFakeProvider("fallback-market")
	st := store.NewMemoryStore()
	mgr := NewManager(provider, st, nil,
		config.StandbyConfig{
			FallbackLocation: "eu-west",
			MaxStaleness:     60 * time.Second,
		},
		config.ReplicationConfig{Interval: time.Hour},
		func(primary *fleet.ComputeUnit) (replication.Source, error) { return nullSource{}, nil },
		func(assoc *fleet.StandbyAssociation) (replication.Target, error) { return &nullTarget{}, nil },
		zaptest.NewLogger(t))
	return mgr, provider, st
}

func seedPrimary(t *testing.T, st store.Store) *fleet.ComputeUnit {
	t.Helper()
	primary := &fleet.ComputeUnit{
		ID:            "primary-1",
		Status:        fleet.UnitRunning,
		Location:      "us-east",
		ResourceClass: "gpu.a100",
	}
	require.NoError(t, st.PutUnit(context.Background(), primary))
	return primary
}

func TestEnable(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions a secondary in the fallback location", func(t *testing.T) {
		mgr, provider, st := testManager(t)
		primary := seedPrimary(t, st)
		provider.AddOffer(provision.Offer{Location: "eu-west", ResourceClass: "cpu.large"})

		assoc, err := mgr.Enable(ctx, primary.ID)
		require.NoError(t, err)
		defer mgr.stopChannel(assoc.ID)

		assert.Equal(t, fleet.AssociationStandby, assoc.Kind)
		assert.Equal(t, fleet.SyncObjectStore, assoc.SyncMode)
		assert.True(t, assoc.Active)

		secondary, err := st.GetUnit(ctx, assoc.StandbyID)
		require.NoError(t, err)
		assert.Equal(t, "eu-west", secondary.Location)
		assert.Equal(t, fleet.UnitStandby, secondary.Status)
	})

	t.Run("no capacity in fallback location", func(t *testing.T) {
		mgr, provider, st := testManager(t)
		primary := seedPrimary(t, st)
		provider.AddOffer(provision.Offer{Location: "us-east", ResourceClass: "cpu.large"})

		_, err := mgr.Enable(ctx, primary.ID)
		assert.ErrorIs(t, err, fleet.ErrSecondaryProvision)
	})

	t.Run("rejects a second association", func(t *testing.T) {
		mgr, provider, st := testManager(t)
		primary := seedPrimary(t, st)
		provider.AddOffer(provision.Offer{Location: "eu-west"})
		assoc, err := mgr.Enable(ctx, primary.ID)
		require.NoError(t, err)
		defer mgr.stopChannel(assoc.ID)

		provider.AddOffer(provision.Offer{Location: "eu-west"})
		_, err = mgr.Enable(ctx, primary.ID)
		assert.ErrorIs(t, err, fleet.ErrAssociationExists)
	})
}

func TestPromote(t *testing.T) {
	ctx := context.Background()

	enable := func(t *testing.T) (*Manager, store.Store, *fleet.StandbyAssociation) {
		mgr, provider, st := testManager(t)
		primary := seedPrimary(t, st)
		provider.AddOffer(provision.Offer{Location: "eu-west"})
		assoc, err := mgr.Enable(ctx, primary.ID)
		require.NoError(t, err)
		return mgr, st, assoc
	}

	t.Run("fresh copy promotes without staleness", func(t *testing.T) {
		mgr, st, assoc := enable(t)

		stored, err := st.GetAssociation(ctx, assoc.ID)
		require.NoError(t, err)
		stored.LastSync = time.Now().Add(-10 * time.Second)
		require.NoError(t, st.PutAssociation(ctx, stored))

		result, err := mgr.Promote(ctx, assoc.ID)
		require.NoError(t, err)
		assert.False(t, result.Stale)
		assert.InDelta(t, 10, result.DataLoss.Seconds(), 2)
		assert.Equal(t, fleet.UnitRunning, result.Unit.Status)

		retired, err := st.GetAssociation(ctx, assoc.ID)
		require.NoError(t, err)
		assert.False(t, retired.Active)
	})

	t.Run("stale copy still promotes and reports the loss window", func(t *testing.T) {
		mgr, st, assoc := enable(t)

		stored, err := st.GetAssociation(ctx, assoc.ID)
		require.NoError(t, err)
		stored.LastSync = time.Now().Add(-45 * time.Second)
		require.NoError(t, st.PutAssociation(ctx, stored))
		mgr.cfg.MaxStaleness = 30 * time.Second

		result, err := mgr.Promote(ctx, assoc.ID)
		require.NoError(t, err)
		assert.True(t, result.Stale, "staleness is reported, never hidden")
		assert.InDelta(t, 45, result.DataLoss.Seconds(), 2)
	})

	t.Run("promoting a retired association fails", func(t *testing.T) {
		mgr, _, assoc := enable(t)
		_, err := mgr.Promote(ctx, assoc.ID)
		require.NoError(t, err)

		_, err = mgr.Promote(ctx, assoc.ID)
		assert.ErrorIs(t, err, fleet.ErrAssociationNotActive)
	})
}

func TestDisable(t *testing.T) {
	ctx := context.Background()
	mgr, provider, st := testManager(t)
	primary := seedPrimary(t, st)
	provider.AddOffer(provision.Offer{Location: "eu-west"})
	assoc, err := mgr.Enable(ctx, primary.ID)
	require.NoError(t, err)

	require.NoError(t, mgr.Disable(ctx, assoc.ID))

	status, err := provider.GetStatus(ctx, assoc.StandbyID)
	require.NoError(t, err)
	assert.Equal(t, fleet.UnitDestroyed, status)

	retired, err := st.GetAssociation(ctx, assoc.ID)
	require.NoError(t, err)
	assert.False(t, retired.Active)
}
