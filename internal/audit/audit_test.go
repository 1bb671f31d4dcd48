package audit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FleetForge/bastion/internal/fleet"
)

func terminalEvent(unitID string) *fleet.FailoverEvent {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &fleet.FailoverEvent{
		ID:             uuid.NewString(),
		UnitID:         unitID,
		Reason:         "unreachable",
		Strategy:       fleet.StrategyWarmPool,
		Outcome:        fleet.PhaseComplete,
		NewUnitID:      "sibling-1",
		DataLossWindow: 2 * time.Second,
		Attempts: []fleet.StrategyAttempt{
			{Strategy: fleet.StrategyWarmPool, StartedAt: now},
		},
		Phases: []fleet.PhaseRecord{
			{Phase: fleet.PhaseDetect, Timestamp: now},
			{Phase: fleet.PhaseComplete, Timestamp: now.Add(time.Second)},
		},
		StartedAt:  now,
		FinishedAt: now.Add(time.Second),
	}
}

func TestRecordRejectsInFlightEvents(t *testing.T) {
	s := &Store{}
	err := s.Record(context.Background(), &fleet.FailoverEvent{
		ID:     "e1",
		UnitID: "u1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not terminal")
}

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BASTION_AUDIT_TEST_DSN")
	if dsn == "" {
		t.Skip("set BASTION_AUDIT_TEST_DSN to run audit database tests")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close audit store: %v", err)
		}
	})
	return s
}

func TestRecordAndHistory(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	unitID := uuid.NewString()

	first := terminalEvent(unitID)
	require.NoError(t, s.Record(ctx, first))

	second := terminalEvent(unitID)
	second.StartedAt = first.StartedAt.Add(time.Minute)
	second.Outcome = fleet.PhaseFailed
	second.Error = "all strategies exhausted"
	require.NoError(t, s.Record(ctx, second))

	history, err := s.History(ctx, unitID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.ID, history[0].ID, "newest first")
	assert.Equal(t, first.ID, history[1].ID)
	assert.Equal(t, 2*time.Second, history[1].DataLossWindow)
	require.Len(t, history[1].Phases, 2)
	assert.Equal(t, fleet.PhaseDetect, history[1].Phases[0].Phase)
}

func TestRecordIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	unitID := uuid.NewString()

	ev := terminalEvent(unitID)
	require.NoError(t, s.Record(ctx, ev))

	// A retried write with mutated fields must not touch the stored row
	tampered := *ev
	tampered.Reason = "tampered"
	tampered.NewUnitID = "other"
	require.NoError(t, s.Record(ctx, &tampered))

	history, err := s.History(ctx, unitID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "unreachable", history[0].Reason)
	assert.Equal(t, "sibling-1", history[0].NewUnitID)
}
