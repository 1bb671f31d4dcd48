package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FleetForge/bastion/internal/fleet"
)

// FakeProvider is an in-memory market used by tests and local development.
// Hosts carry a fixed sibling capacity; volumes enforce single ownership.
type FakeProvider struct {
	mu           sync.Mutex
	name         string
	offers       map[string]Offer
	units        map[string]*fleet.ComputeUnit
	volumeOwners map[string]string // volumeID -> unitID holding it read-write

	// Failure injection
	CreateErr error
	AttachErr error
	SearchErr error
	stuck     map[string]bool
}

func NewFakeProvider(name string) *FakeProvider {
	return &FakeProvider{
		name:         name,
		offers:       make(map[string]Offer),
		units:        make(map[string]*fleet.ComputeUnit),
		volumeOwners: make(map[string]string),
		stuck:        make(map[string]bool),
	}
}

// SetStuck makes a unit power on but never reach running
func (p *FakeProvider) SetStuck(unitID string, stuck bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stuck[unitID] = stuck
}

func (p *FakeProvider) Name() string { return p.name }

// AddOffer seeds the market
func (p *FakeProvider) AddOffer(o Offer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	p.offers[o.ID] = o
}

func (p *FakeProvider) Search(ctx context.Context, criteria Criteria) ([]Offer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SearchErr != nil {
		return nil, p.SearchErr
	}
	var out []Offer
	for _, o := range p.offers {
		if criteria.Location != "" && o.Location != criteria.Location {
			continue
		}
		if criteria.HostID != "" && o.HostID != criteria.HostID {
			continue
		}
		if criteria.ResourceClass != "" && o.ResourceClass != criteria.ResourceClass {
			continue
		}
		if criteria.MaxHourlyCost > 0 && o.HourlyCost > criteria.MaxHourlyCost {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *FakeProvider) Create(ctx context.Context, offerID string, cfg CreateConfig) (*fleet.ComputeUnit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	offer, ok := p.offers[offerID]
	if !ok {
		return nil, fmt.Errorf("offer %s not found", offerID)
	}
	delete(p.offers, offerID)

	status := fleet.UnitRunning
	if cfg.PoweredOff {
		status = fleet.UnitStandby
	}
	unit := &fleet.ComputeUnit{
		ID:            uuid.NewString(),
		Provider:      p.name,
		Location:      offer.Location,
		ResourceClass: offer.ResourceClass,
		Status:        status,
		HostID:        offer.HostID,
		VolumeID:      cfg.VolumeID,
		LastHeartbeat: time.Now(),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	p.units[unit.ID] = unit
	return unitCopy(unit), nil
}

func (p *FakeProvider) Destroy(ctx context.Context, unitID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	unit, ok := p.units[unitID]
	if !ok {
		return fleet.ErrUnitNotFound
	}
	unit.Status = fleet.UnitDestroyed
	for vol, owner := range p.volumeOwners {
		if owner == unitID {
			delete(p.volumeOwners, vol)
		}
	}
	return nil
}

func (p *FakeProvider) GetStatus(ctx context.Context, unitID string) (fleet.UnitStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	unit, ok := p.units[unitID]
	if !ok {
		return "", fleet.ErrUnitNotFound
	}
	return unit.Status, nil
}

func (p *FakeProvider) Start(ctx context.Context, unitID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	unit, ok := p.units[unitID]
	if !ok {
		return fleet.ErrUnitNotFound
	}
	if unit.Status == fleet.UnitDestroyed {
		return fmt.Errorf("unit %s destroyed", unitID)
	}
	if p.stuck[unitID] {
		unit.Status = fleet.UnitProvisioning
		return nil
	}
	unit.Status = fleet.UnitRunning
	unit.LastHeartbeat = time.Now()
	return nil
}

func (p *FakeProvider) Stop(ctx context.Context, unitID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	unit, ok := p.units[unitID]
	if !ok {
		return fleet.ErrUnitNotFound
	}
	unit.Status = fleet.UnitStandby
	// Powering off unmounts; the unit no longer holds its volumes
	for vol, owner := range p.volumeOwners {
		if owner == unitID {
			delete(p.volumeOwners, vol)
		}
	}
	return nil
}

func (p *FakeProvider) AttachVolume(ctx context.Context, unitID, volumeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AttachErr != nil {
		return p.AttachErr
	}
	unit, ok := p.units[unitID]
	if !ok {
		return fleet.ErrUnitNotFound
	}
	if owner, held := p.volumeOwners[volumeID]; held && owner != unitID {
		return fmt.Errorf("volume %s held read-write by %s", volumeID, owner)
	}
	p.volumeOwners[volumeID] = unitID
	unit.VolumeID = volumeID
	return nil
}

// ReleaseVolume drops ownership, usually after the holder is torn down
func (p *FakeProvider) ReleaseVolume(volumeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.volumeOwners, volumeID)
}

// VolumeOwner reports which unit holds a volume read-write
func (p *FakeProvider) VolumeOwner(volumeID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumeOwners[volumeID]
}

// SetStatus overrides a unit's status for failure scenarios
func (p *FakeProvider) SetStatus(unitID string, status fleet.UnitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if unit, ok := p.units[unitID]; ok {
		unit.Status = status
	}
}

func unitCopy(u *fleet.ComputeUnit) *fleet.ComputeUnit {
	cp := *u
	return &cp
}
