// Package provision abstracts the spot-market clients the orchestrator
// leases compute from. One Provider per market/location; the core never
// talks to a vendor SDK directly.
package provision

import (
	"context"
	"time"

	"github.com/FleetForge/bastion/internal/fleet"
)

// Criteria narrows an offer search
type Criteria struct {
	Location      string
	Provider      string
	ResourceClass string
	HostID        string // non-empty: only offers co-located on this host
	MaxHourlyCost float64
}

// Offer is one rentable unit the market is willing to lease
type Offer struct {
	ID            string
	Provider      string
	Location      string
	HostID        string
	ResourceClass string
	HourlyCost    float64
	GPUCount      int
}

// CreateConfig shapes the unit built from an offer
type CreateConfig struct {
	VolumeID    string // attach an existing shared volume
	PoweredOff  bool   // leave the unit in standby instead of booting it
	Label       string
	AttachedEnv map[string]string
}

// Provider is the narrow interface to a spot market / cloud vendor
type Provider interface {
	Name() string
	Search(ctx context.Context, criteria Criteria) ([]Offer, error)
	Create(ctx context.Context, offerID string, cfg CreateConfig) (*fleet.ComputeUnit, error)
	Destroy(ctx context.Context, unitID string) error
	GetStatus(ctx context.Context, unitID string) (fleet.UnitStatus, error)

	// Power control for warm-pool siblings
	Start(ctx context.Context, unitID string) error
	Stop(ctx context.Context, unitID string) error

	// AttachVolume binds a shared volume to a unit. Mounting read-write is
	// refused while another unit owns the volume.
	AttachVolume(ctx context.Context, unitID, volumeID string) error
}

// WaitForStatus polls until the unit reaches want or the context expires.
// Exceeding the deadline surfaces a typed timeout for fallback logic.
func WaitForStatus(ctx context.Context, p Provider, unitID string, want fleet.UnitStatus, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for {
		status, err := p.GetStatus(ctx, unitID)
		if err == nil && status == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return &fleet.TimeoutError{Op: "wait for " + string(want), Timeout: time.Since(start)}
		case <-ticker.C:
		}
	}
}
