// Package snapshot implements the Snapshot/Restore Engine: it compresses a
// unit's persistent state into chunked, checksummed artifacts in durable
// object storage, and reconstructs that state elsewhere byte-for-byte.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/events"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/objstore"
	"github.com/FleetForge/bastion/internal/store"
)

const manifestKey = "manifest.json"

// Engine creates and restores snapshots. It is a pure transform over
// state trees and knows nothing about failover policy.
type Engine struct {
	driver objstore.Driver
	store  store.Store
	bus    events.Bus
	comp   *Compressor
	cfg    config.SnapshotConfig
	bucket string
	logger *zap.Logger
}

func NewEngine(driver objstore.Driver, st store.Store, bus events.Bus, cfg config.SnapshotConfig, bucket string, logger *zap.Logger) (*Engine, error) {
	level := cfg.ZstdLevel
	if level == 0 {
		level = 3
	}
	comp, err := NewCompressor(level)
	if err != nil {
		return nil, err
	}
	if cfg.ChunkCount <= 0 {
		cfg.ChunkCount = 32
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	return &Engine{
		driver: driver,
		store:  st,
		bus:    bus,
		comp:   comp,
		cfg:    cfg,
		bucket: bucket,
		logger: logger,
	}, nil
}

func chunkObjectKey(snapshotID string, index int) string {
	return fmt.Sprintf("snapshots/%s/chunk-%05d", snapshotID, index)
}

func manifestObjectKey(snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/%s", snapshotID, manifestKey)
}

// CreateSnapshot packs, compresses, chunks and uploads the state tree at
// stateDir. On success the snapshot is fully durable and self-describing.
// On any chunk failure every uploaded chunk of this attempt is discarded
// and no manifest is written.
func (e *Engine) CreateSnapshot(ctx context.Context, unitID, stateDir string, retention fleet.RetentionClass) (*fleet.Snapshot, error) {
	started := time.Now()
	snapshotID := uuid.NewString()

	packed, err := packTree(stateDir)
	if err != nil {
		return nil, fmt.Errorf("pack state tree: %w", err)
	}

	compressed, err := e.comp.Compress(packed)
	if err != nil {
		return nil, fmt.Errorf("compress state: %w", err)
	}

	chunks := splitChunks(compressed, e.cfg.ChunkCount)

	infos := make([]fleet.ChunkInfo, len(chunks))
	if err := e.uploadChunks(ctx, snapshotID, chunks, infos); err != nil {
		e.discardChunks(snapshotID, len(chunks))
		return nil, err
	}

	snap := &fleet.Snapshot{
		ID:           snapshotID,
		SourceUnitID: unitID,
		CreatedAt:    time.Now(),
		TotalSize:    int64(len(compressed)),
		ChunkCount:   len(chunks),
		Chunks:       infos,
		Retention:    retention,
	}

	// The manifest lives next to the chunks so a restore needs only
	// storage credentials, then in the repository for fast lookup.
	manifest, err := json.Marshal(snap)
	if err != nil {
		e.discardChunks(snapshotID, len(chunks))
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := e.putWithRetry(ctx, manifestObjectKey(snapshotID), manifest); err != nil {
		e.discardChunks(snapshotID, len(chunks))
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("record snapshot: %w", err)
	}

	e.logger.Info("snapshot created",
		zap.String("snapshot", snapshotID),
		zap.String("unit", unitID),
		zap.Int64("uncompressed", int64(len(packed))),
		zap.Int64("compressed", snap.TotalSize),
		zap.Int("chunks", snap.ChunkCount),
		zap.Duration("elapsed", time.Since(started)))

	e.publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.SnapshotCreated,
		UnitID:    unitID,
		Timestamp: time.Now(),
		Message:   snapshotID,
	})
	return snap, nil
}

// splitChunks divides data into at most maxChunks pieces. Trees smaller
// than the chunk count fall back to fewer, larger chunks; empty input
// still yields one (empty) chunk so the snapshot stays restorable.
func splitChunks(data []byte, maxChunks int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunkSize := (len(data) + maxChunks - 1) / maxChunks
	if chunkSize == 0 {
		chunkSize = 1
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func (e *Engine) uploadChunks(ctx context.Context, snapshotID string, chunks [][]byte, infos []fleet.ChunkInfo) error {
	var wg sync.WaitGroup
	errChan := make(chan error, len(chunks))
	sem := make(chan struct{}, maxTransferConcurrency(len(chunks)))

	for i := range chunks {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			key := chunkObjectKey(snapshotID, idx)
			sum := sha256.Sum256(chunks[idx])

			if err := e.putWithRetry(ctx, key, chunks[idx]); err != nil {
				errChan <- &fleet.ChunkError{Index: idx, Op: "upload", Err: err}
				return
			}
			infos[idx] = fleet.ChunkInfo{
				Index:    idx,
				Key:      key,
				Checksum: hex.EncodeToString(sum[:]),
				Size:     int64(len(chunks[idx])),
			}
		}(i)
	}

	wg.Wait()
	close(errChan)
	return <-errChan
}

func (e *Engine) putWithRetry(ctx context.Context, key string, data []byte) error {
	policy := objstore.NewRetryPolicy(
		objstore.WithMaxAttempts(e.cfg.RetryAttempts),
		objstore.WithInitialDelay(e.cfg.RetryDelay),
		objstore.WithLogger(e.logger),
	)
	return policy.Execute(ctx, func() error {
		opCtx := ctx
		if e.cfg.ChunkTimeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, e.cfg.ChunkTimeout)
			defer cancel()
		}
		return e.driver.Put(opCtx, e.bucket, key, bytes.NewReader(data))
	})
}

// discardChunks best-effort deletes every chunk of a failed attempt.
// A chunk that survives deletion is orphaned but never referenced.
func (e *Engine) discardChunks(snapshotID string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for i := 0; i < count; i++ {
		if err := e.driver.Delete(ctx, e.bucket, chunkObjectKey(snapshotID, i)); err != nil {
			e.logger.Warn("orphan chunk left behind",
				zap.String("snapshot", snapshotID),
				zap.Int("chunk", i),
				zap.Error(err))
		}
	}
}

// Restore downloads, verifies and decompresses snapshotID and materializes
// the state tree at targetDir. The target is staged and swapped in only
// after full verification, so a failed restore leaves it unmodified.
func (e *Engine) Restore(ctx context.Context, snapshotID, targetDir string) error {
	snap, err := e.loadManifest(ctx, snapshotID)
	if err != nil {
		return err
	}
	if len(snap.Chunks) != snap.ChunkCount {
		return &fleet.IntegrityError{
			SnapshotID: snapshotID,
			Detail:     fmt.Sprintf("manifest lists %d chunks, expected %d", len(snap.Chunks), snap.ChunkCount),
		}
	}

	compressed, err := e.downloadChunks(ctx, snap)
	if err != nil {
		return err
	}

	packed, err := e.comp.Decompress(compressed)
	if err != nil {
		return &fleet.IntegrityError{SnapshotID: snapshotID, Detail: fmt.Sprintf("decompress: %v", err)}
	}

	staging := targetDir + ".restore-" + snap.ID[:8]
	if err := os.MkdirAll(staging, 0750); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	if err := unpackTree(packed, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("unpack state: %w", err)
	}

	// Swap staged tree into place
	backup := targetDir + ".prev-" + snap.ID[:8]
	hadTarget := false
	if _, err := os.Stat(targetDir); err == nil {
		hadTarget = true
		if err := os.Rename(targetDir, backup); err != nil {
			_ = os.RemoveAll(staging)
			return fmt.Errorf("stage swap: %w", err)
		}
	}
	if err := os.Rename(staging, targetDir); err != nil {
		if hadTarget {
			_ = os.Rename(backup, targetDir)
		}
		_ = os.RemoveAll(staging)
		return fmt.Errorf("finalize restore: %w", err)
	}
	if hadTarget {
		_ = os.RemoveAll(backup)
	}

	e.logger.Info("snapshot restored",
		zap.String("snapshot", snapshotID),
		zap.String("target", targetDir),
		zap.Int("chunks", snap.ChunkCount))
	return nil
}

func (e *Engine) loadManifest(ctx context.Context, snapshotID string) (*fleet.Snapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err == nil {
		return snap, nil
	}

	// Repository miss: the manifest in object storage is authoritative
	rc, err := e.driver.Get(ctx, e.bucket, manifestObjectKey(snapshotID))
	if err != nil {
		return nil, fleet.ErrSnapshotNotFound
	}
	defer func() { _ = rc.Close() }()

	var loaded fleet.Snapshot
	if err := json.NewDecoder(rc).Decode(&loaded); err != nil {
		return nil, &fleet.IntegrityError{SnapshotID: snapshotID, Detail: fmt.Sprintf("manifest decode: %v", err)}
	}
	return &loaded, nil
}

func (e *Engine) downloadChunks(ctx context.Context, snap *fleet.Snapshot) ([]byte, error) {
	buffers := make([][]byte, len(snap.Chunks))
	var wg sync.WaitGroup
	errChan := make(chan error, len(snap.Chunks))
	sem := make(chan struct{}, maxTransferConcurrency(len(snap.Chunks)))

	for i, info := range snap.Chunks {
		wg.Add(1)
		go func(idx int, info fleet.ChunkInfo) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := e.getWithRetry(ctx, info.Key)
			if err != nil {
				errChan <- &fleet.ChunkError{Index: info.Index, Op: "download", Err: err}
				return
			}
			sum := sha256.Sum256(data)
			if hex.EncodeToString(sum[:]) != info.Checksum {
				errChan <- &fleet.IntegrityError{
					SnapshotID: snap.ID,
					Detail:     fmt.Sprintf("chunk %d checksum mismatch", info.Index),
				}
				return
			}
			buffers[idx] = data
		}(i, info)
	}

	wg.Wait()
	close(errChan)
	if err := <-errChan; err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(int(snap.TotalSize))
	for _, buf := range buffers {
		out.Write(buf)
	}
	return out.Bytes(), nil
}

func (e *Engine) getWithRetry(ctx context.Context, key string) ([]byte, error) {
	policy := objstore.NewRetryPolicy(
		objstore.WithMaxAttempts(e.cfg.RetryAttempts),
		objstore.WithInitialDelay(e.cfg.RetryDelay),
		objstore.WithLogger(e.logger),
	)
	var data []byte
	err := policy.Execute(ctx, func() error {
		opCtx := ctx
		if e.cfg.ChunkTimeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, e.cfg.ChunkTimeout)
			defer cancel()
		}
		rc, err := e.driver.Get(opCtx, e.bucket, key)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		data, err = io.ReadAll(rc)
		return err
	})
	return data, err
}

// Delete removes a snapshot's chunks, manifest and repository record
func (e *Engine) Delete(ctx context.Context, snapshotID string) error {
	snap, err := e.loadManifest(ctx, snapshotID)
	if err != nil {
		return err
	}
	for _, info := range snap.Chunks {
		if err := e.driver.Delete(ctx, e.bucket, info.Key); err != nil {
			return fmt.Errorf("delete chunk %d: %w", info.Index, err)
		}
	}
	if err := e.driver.Delete(ctx, e.bucket, manifestObjectKey(snapshotID)); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	if err := e.store.DeleteSnapshot(ctx, snapshotID); err != nil && err != fleet.ErrSnapshotNotFound {
		return err
	}
	e.publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.SnapshotDeleted,
		UnitID:    snap.SourceUnitID,
		Timestamp: time.Now(),
		Message:   snapshotID,
	})
	return nil
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus != nil {
		_ = e.bus.Publish(ctx, event)
	}
}

func maxTransferConcurrency(chunks int) int {
	const ceiling = 8
	if chunks < 1 {
		return 1
	}
	if chunks > ceiling {
		return ceiling
	}
	return chunks
}
