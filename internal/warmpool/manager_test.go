package warmpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/provision"
	"github.com/FleetForge/bastion/internal/store"
)

func testSetup(t *testing.T) (*Manager, *provision.FakeProvider, store.Store) {
	t.Helper()
	provider := provision.NewFakeProvider("spot-market")
	st := store.NewMemoryStore()
	mgr := NewManager(provider, st, nil, config.WarmPoolConfig{
		ActivationTimeout: 2 * time.Second,
	}, zaptest.NewLogger(t))
	return mgr, provider, st
}

func seedPrimary(t *testing.T, provider *provision.FakeProvider, st store.Store) *fleet.ComputeUnit {
	t.Helper()
	ctx := context.Background()
	provider.AddOffer(provision.Offer{ID: "offer-primary", HostID: "host-a", ResourceClass: "gpu.a100", Location: "us-east"})
	primary, err := provider.Create(ctx, "offer-primary", provision.CreateConfig{VolumeID: "vol-1"})
	require.NoError(t, err)
	require.NoError(t, provider.AttachVolume(ctx, primary.ID, "vol-1"))
	require.NoError(t, st.PutUnit(ctx, primary))
	return primary
}

func TestProvision(t *testing.T) {
	ctx := context.Background()

	t.Run("provisions a powered-off sibling on the same host", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})

		assoc, err := mgr.Provision(ctx, primary.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.AssociationWarmPool, assoc.Kind)
		assert.True(t, assoc.Active)
		assert.Equal(t, primary.ID, assoc.VolumeOwnerID)
		assert.Equal(t, StateActive, mgr.State(assoc.ID))

		sibling, err := st.GetUnit(ctx, assoc.StandbyID)
		require.NoError(t, err)
		assert.Equal(t, fleet.UnitStandby, sibling.Status)
		assert.Equal(t, "host-a", sibling.HostID)
	})

	t.Run("no sibling capacity on the host", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-b", ResourceClass: "gpu.a100"})

		_, err := mgr.Provision(ctx, primary.ID)
		assert.ErrorIs(t, err, fleet.ErrNoSiblingCapacity)
	})

	t.Run("rejects a second active association", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		_, err := mgr.Provision(ctx, primary.ID)
		require.NoError(t, err)

		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		_, err = mgr.Provision(ctx, primary.ID)
		assert.ErrorIs(t, err, fleet.ErrAssociationExists)
	})
}

func TestActivateStandby(t *testing.T) {
	ctx := context.Background()

	t.Run("swaps roles and moves the volume", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		assoc, err := mgr.Provision(ctx, primary.ID)
		require.NoError(t, err)

		sibling, err := mgr.ActivateStandby(ctx, assoc.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.UnitRunning, sibling.Status)
		assert.Equal(t, sibling.ID, provider.VolumeOwner("vol-1"),
			"the volume must be held by exactly the new primary")

		updated, err := st.GetAssociation(ctx, assoc.ID)
		require.NoError(t, err)
		assert.False(t, updated.Active)
		assert.Equal(t, sibling.ID, updated.VolumeOwnerID)

		fenced, err := st.GetUnit(ctx, primary.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.UnitFailingOver, fenced.Status)
	})

	t.Run("volume attach failure surfaces typed error", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		assoc, err := mgr.Provision(ctx, primary.ID)
		require.NoError(t, err)

		provider.AttachErr = assert.AnError
		_, err = mgr.ActivateStandby(ctx, assoc.ID)
		assert.ErrorIs(t, err, fleet.ErrVolumeAttachFailure)
		assert.Equal(t, StateDegraded, mgr.State(assoc.ID))
	})

	t.Run("activation timeout surfaces typed timeout", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		assoc, err := mgr.Provision(ctx, primary.ID)
		require.NoError(t, err)

		// The sibling powers on but never reaches running
		mgr.cfg.ActivationTimeout = 50 * time.Millisecond
		provider.SetStuck(assoc.StandbyID, true)

		_, err = mgr.ActivateStandby(ctx, assoc.ID)
		var te *fleet.TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "warm pool activation", te.Op)
	})

	t.Run("inactive association cannot activate", func(t *testing.T) {
		mgr, provider, st := testSetup(t)
		primary := seedPrimary(t, provider, st)
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		assoc, err := mgr.Provision(ctx, primary.ID)
		require.NoError(t, err)

		_, err = mgr.ActivateStandby(ctx, assoc.ID)
		require.NoError(t, err)

		_, err = mgr.ActivateStandby(ctx, assoc.ID)
		assert.ErrorIs(t, err, fleet.ErrAssociationNotActive)
	})
}

func TestReplenishStandby(t *testing.T) {
	ctx := context.Background()
	mgr, provider, st := testSetup(t)
	mgr.cfg.Replenish = true
	primary := seedPrimary(t, provider, st)
	provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
	assoc, err := mgr.Provision(ctx, primary.ID)
	require.NoError(t, err)

	promoted, err := mgr.ActivateStandby(ctx, assoc.ID)
	require.NoError(t, err)

	t.Run("provisions a fresh sibling for the promoted unit", func(t *testing.T) {
		provider.AddOffer(provision.Offer{HostID: "host-a", ResourceClass: "gpu.a100"})
		mgr.ReplenishStandby(ctx, assoc.ID)

		fresh, err := st.ActiveAssociation(ctx, promoted.ID)
		require.NoError(t, err)
		assert.Equal(t, fleet.AssociationWarmPool, fresh.Kind)
		assert.NotEqual(t, assoc.ID, fresh.ID)
	})

	t.Run("failure is swallowed, not returned", func(t *testing.T) {
		// No offers left; Replenish only logs
		mgr.ReplenishStandby(ctx, "missing-association")
	})
}
