package fleet

import (
	"time"
)

// UnitStatus is the lifecycle status of a ComputeUnit
type UnitStatus string

const (
	UnitProvisioning UnitStatus = "provisioning"
	UnitRunning      UnitStatus = "running"
	UnitIdle         UnitStatus = "idle"
	UnitHibernating  UnitStatus = "hibernating"
	UnitStandby      UnitStatus = "standby"
	UnitFailingOver  UnitStatus = "failing-over"
	UnitDestroyed    UnitStatus = "destroyed"
)

// ComputeUnit is one leased GPU/CPU resource instance
type ComputeUnit struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	Location      string     `json:"location"`
	ResourceClass string     `json:"resource_class"`
	Status        UnitStatus `json:"status"`
	HostID        string     `json:"host_id"`
	VolumeID      string     `json:"volume_id"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RetentionClass controls snapshot cleanup
type RetentionClass string

const (
	RetentionEphemeral RetentionClass = "ephemeral"
	RetentionKeep      RetentionClass = "keep-forever"
)

// ChunkInfo describes one uploaded chunk of a snapshot
type ChunkInfo struct {
	Index    int    `json:"index"`
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// Snapshot is an immutable compressed artifact of a unit's state.
// Never mutated after creation; restore never writes back into it.
type Snapshot struct {
	ID           string         `json:"snapshot_id"`
	SourceUnitID string         `json:"source_unit_id"`
	CreatedAt    time.Time      `json:"created_at"`
	TotalSize    int64          `json:"total_size"`
	ChunkCount   int            `json:"chunk_count"`
	Chunks       []ChunkInfo    `json:"chunks"`
	Retention    RetentionClass `json:"retention_class"`
}

// SyncMode selects how state reaches the standby
type SyncMode string

const (
	SyncDisk        SyncMode = "disk"
	SyncObjectStore SyncMode = "object-store"
)

// AssociationKind distinguishes warm-pool siblings from cross-location standbys
type AssociationKind string

const (
	AssociationWarmPool AssociationKind = "warmpool"
	AssociationStandby  AssociationKind = "standby"
)

// StandbyAssociation pairs a primary unit with its standby.
// At most one active association per primary at a time.
type StandbyAssociation struct {
	ID            string          `json:"id"`
	Kind          AssociationKind `json:"kind"`
	PrimaryID     string          `json:"primary_id"`
	StandbyID     string          `json:"standby_id"`
	SyncMode      SyncMode        `json:"sync_mode"`
	LastSync      time.Time       `json:"last_sync"`
	SyncLag       time.Duration   `json:"sync_lag"`
	Active        bool            `json:"active"`
	VolumeOwnerID string          `json:"volume_owner_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// FailoverPhase is one step of a recovery attempt
type FailoverPhase string

const (
	PhaseDetect    FailoverPhase = "detect"
	PhaseActivate  FailoverPhase = "activate-or-search"
	PhaseProvision FailoverPhase = "provision"
	PhaseRestore   FailoverPhase = "restore"
	PhaseComplete  FailoverPhase = "complete"
	PhaseFailed    FailoverPhase = "failed"
)

// Strategy names recorded in FailoverEvents
type Strategy string

const (
	StrategyWarmPool Strategy = "warmpool"
	StrategyStandby  Strategy = "standby"
	StrategySnapshot Strategy = "snapshot"
	StrategyNone     Strategy = "none"
)

// StrategyAttempt records one strategy tried during a failover
type StrategyAttempt struct {
	Strategy  Strategy  `json:"strategy"`
	StartedAt time.Time `json:"started_at"`
	Error     string    `json:"error,omitempty"`
}

// PhaseRecord is one timestamped phase transition
type PhaseRecord struct {
	Phase     FailoverPhase `json:"phase"`
	Timestamp time.Time     `json:"timestamp"`
}

// FailoverEvent is the append-only audit record of one recovery attempt.
// Never updated after reaching complete or failed.
type FailoverEvent struct {
	ID             string            `json:"id"`
	UnitID         string            `json:"unit_id"`
	Reason         string            `json:"reason"`
	Strategy       Strategy          `json:"strategy"`
	Attempts       []StrategyAttempt `json:"attempts"`
	Phases         []PhaseRecord     `json:"phases"`
	Outcome        FailoverPhase     `json:"outcome"`
	NewUnitID      string            `json:"new_unit_id,omitempty"`
	DataLossWindow time.Duration     `json:"data_loss_window"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at,omitempty"`
}

// Terminal reports whether the event can no longer change
func (e *FailoverEvent) Terminal() bool {
	return e.Outcome == PhaseComplete || e.Outcome == PhaseFailed
}

// HibernationState tracks per-unit idleness
type HibernationState struct {
	UnitID         string    `json:"unit_id"`
	IdleSince      time.Time `json:"idle_since"`
	IdleSeconds    int64     `json:"idle_seconds"`
	LastSnapshotID string    `json:"last_snapshot_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
