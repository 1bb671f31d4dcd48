package monitor

import (
	"context"

	"github.com/FleetForge/bastion/internal/fleet"
)

// StatusGetter is the slice of the provisioning provider the sampler
// needs.
type StatusGetter interface {
	GetStatus(ctx context.Context, unitID string) (fleet.UnitStatus, error)
}

// StatusSampler probes liveness through the provider's status endpoint.
// Utilization comes from an optional agent hook; without one every
// reading is inconclusive and only liveness is tracked.
type StatusSampler struct {
	Provider    StatusGetter
	Utilization func(unitID string) (float64, bool)
}

func (s *StatusSampler) Sample(ctx context.Context, unitID string) Sample {
	status, err := s.Provider.GetStatus(ctx, unitID)
	if err != nil {
		return Sample{Reachable: false, Known: false}
	}
	reachable := status == fleet.UnitRunning || status == fleet.UnitIdle
	if !reachable || s.Utilization == nil {
		return Sample{Reachable: reachable, Known: false}
	}
	util, known := s.Utilization(unitID)
	return Sample{Utilization: util, Reachable: true, Known: known}
}
