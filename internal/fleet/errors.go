package fleet

import (
	"fmt"
	"time"
)

// Common errors surfaced across managers
var (
	ErrNoSiblingCapacity    = fmt.Errorf("no sibling capacity on host")
	ErrVolumeAttachFailure  = fmt.Errorf("shared volume attach failed")
	ErrSecondaryProvision   = fmt.Errorf("secondary provisioning failed")
	ErrNoRecoveryPath       = fmt.Errorf("no recovery path available")
	ErrAssociationExists    = fmt.Errorf("active standby association already exists")
	ErrAssociationNotFound  = fmt.Errorf("standby association not found")
	ErrUnitNotFound         = fmt.Errorf("compute unit not found")
	ErrSnapshotNotFound     = fmt.Errorf("snapshot not found")
	ErrCancelTooLate        = fmt.Errorf("cancel requested after restore began")
	ErrFailoverNotFound     = fmt.Errorf("failover event not found")
	ErrStrategiesExhausted  = fmt.Errorf("all recovery strategies exhausted")
	ErrAssociationNotActive = fmt.Errorf("standby association not active")
)

// TimeoutError is raised when a network-bound wait exceeds its deadline
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

// ChunkError identifies which chunk of a snapshot transfer failed
type ChunkError struct {
	Index int
	Op    string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s chunk %d: %v", e.Op, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// IntegrityError marks a checksum or manifest mismatch. Always fatal for
// the affected snapshot operation.
type IntegrityError struct {
	SnapshotID string
	Detail     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("snapshot %s integrity violation: %s", e.SnapshotID, e.Detail)
}
