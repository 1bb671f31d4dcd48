package snapshot

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/FleetForge/bastion/internal/config"
	"github.com/FleetForge/bastion/internal/fleet"
	"github.com/FleetForge/bastion/internal/objstore"
	"github.com/FleetForge/bastion/internal/store"
)

func testEngine(t *testing.T, driver objstore.Driver) (*Engine, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	eng, err := NewEngine(driver, st, nil, config.SnapshotConfig{
		ChunkCount:    32,
		RetryAttempts: 2,
		RetryDelay:    time.Millisecond,
	}, "snapshots", zaptest.NewLogger(t))
	require.NoError(t, err)
	return eng, st
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

func TestCreateAndRestore(t *testing.T) {
	ctx := context.Background()
	eng, st := testEngine(t, objstore.NewMemoryDriver())

	src := writeTree(t, map[string]string{
		"model/weights.bin": strings.Repeat("w", 64*1024),
		"model/config.json": `{"layers": 48}`,
		"logs/train.log":    "epoch 1\nepoch 2\n",
	})

	snap, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.NoError(t, err)
	assert.Equal(t, "u1", snap.SourceUnitID)
	assert.NotZero(t, snap.TotalSize)
	assert.Len(t, snap.Chunks, snap.ChunkCount)

	recorded, err := st.LatestSnapshot(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, recorded.ID)

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, eng.Restore(ctx, snap.ID, dst))

	for _, name := range []string{"model/weights.bin", "model/config.json", "logs/train.log"} {
		want, err := os.ReadFile(filepath.Join(src, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		assert.Equal(t, want, got, "restored %s must be byte-identical", name)
	}
}

func TestCreateSnapshotEmptyTree(t *testing.T) {
	ctx := context.Background()
	eng, _ := testEngine(t, objstore.NewMemoryDriver())

	snap, err := eng.CreateSnapshot(ctx, "u1", t.TempDir(), fleet.RetentionEphemeral)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ChunkCount, "empty state still yields one chunk")

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, eng.Restore(ctx, snap.ID, dst))

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateSnapshotSmallTree(t *testing.T) {
	// A tree much smaller than the chunk count must not produce 32
	// near-empty chunks.
	ctx := context.Background()
	eng, _ := testEngine(t, objstore.NewMemoryDriver())

	src := writeTree(t, map[string]string{"tiny.txt": "x"})
	snap, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.NoError(t, err)
	assert.LessOrEqual(t, snap.ChunkCount, 32)

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, eng.Restore(ctx, snap.ID, dst))
	got, err := os.ReadFile(filepath.Join(dst, "tiny.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(got))
}

// failNthChunkDriver fails every Put of one chunk index, across retries
type failNthChunkDriver struct {
	*objstore.MemoryDriver
	failSuffix string
}

func (d *failNthChunkDriver) Put(ctx context.Context, bucket, key string, data io.Reader) error {
	if strings.HasSuffix(key, d.failSuffix) {
		return errors.New("upload refused")
	}
	return d.MemoryDriver.Put(ctx, bucket, key, data)
}

func TestCreateSnapshotChunkFailure(t *testing.T) {
	ctx := context.Background()
	driver := &failNthChunkDriver{
		MemoryDriver: objstore.NewMemoryDriver(),
		failSuffix:   "chunk-00017",
	}
	eng, st := testEngine(t, driver)

	// Incompressible payload so the compressed size spans all 32 chunks
	noise := make([]byte, 4*1024*1024)
	rng := rand.New(rand.NewSource(42))
	_, _ = rng.Read(noise)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), noise, 0o600))

	_, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.Error(t, err)

	var chunkErr *fleet.ChunkError
	assert.ErrorAs(t, err, &chunkErr)

	// No manifest may exist and no record may have been written.
	_, err = st.LatestSnapshot(ctx, "u1")
	assert.ErrorIs(t, err, fleet.ErrSnapshotNotFound)

	keys, err := driver.List(ctx, "snapshots", "snapshots/")
	require.NoError(t, err)
	for _, key := range keys {
		assert.NotContains(t, key, "manifest", "a failed snapshot must never publish a manifest")
	}
}

// countingDriver records how often each key is Put, refusing the ones in deny.
type countingDriver struct {
	*objstore.MemoryDriver

	mu         sync.Mutex
	puts       map[string]int
	denySuffix string
}

func (d *countingDriver) Put(ctx context.Context, bucket, key string, data io.Reader) error {
	d.mu.Lock()
	if d.puts == nil {
		d.puts = make(map[string]int)
	}
	d.puts[key]++
	d.mu.Unlock()
	if d.denySuffix != "" && strings.HasSuffix(key, d.denySuffix) {
		return errors.New("upload refused")
	}
	return d.MemoryDriver.Put(ctx, bucket, key, data)
}

func (d *countingDriver) attempts(suffix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, n := range d.puts {
		if strings.HasSuffix(key, suffix) {
			return n
		}
	}
	return 0
}

func TestCreateSnapshotRetryBudget(t *testing.T) {
	ctx := context.Background()
	driver := &countingDriver{
		MemoryDriver: objstore.NewMemoryDriver(),
		denySuffix:   "chunk-00017",
	}
	eng, _ := testEngine(t, driver)

	noise := make([]byte, 4*1024*1024)
	rng := rand.New(rand.NewSource(7))
	_, _ = rng.Read(noise)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), noise, 0o600))

	_, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.Error(t, err)

	// The engine owns the retry budget, so a failing chunk is tried exactly
	// RetryAttempts times. A wrapped driver would multiply the attempts.
	assert.Equal(t, 2, driver.attempts("chunk-00017"))
}

func TestRestoreChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	mem := objstore.NewMemoryDriver()
	eng, _ := testEngine(t, mem)

	src := writeTree(t, map[string]string{"data.bin": strings.Repeat("z", 128*1024)})
	snap, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.NoError(t, err)

	// Corrupt one chunk in place
	key := snap.Chunks[0].Key
	require.NoError(t, mem.Put(ctx, "snapshots", key, strings.NewReader("corrupted")))

	err = eng.Restore(ctx, snap.ID, filepath.Join(t.TempDir(), "restored"))
	require.Error(t, err)
	var integrity *fleet.IntegrityError
	assert.ErrorAs(t, err, &integrity)
}

func TestDeleteSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := objstore.NewMemoryDriver()
	eng, st := testEngine(t, mem)

	src := writeTree(t, map[string]string{"f": "data"})
	snap, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.NoError(t, err)

	require.NoError(t, eng.Delete(ctx, snap.ID))

	_, err = st.GetSnapshot(ctx, snap.ID)
	assert.ErrorIs(t, err, fleet.ErrSnapshotNotFound)
	assert.Zero(t, mem.ObjectCount("snapshots"), "all chunks and the manifest must be gone")
}

func TestRestoreImmutability(t *testing.T) {
	// Restoring must never write back into the snapshot's objects.
	ctx := context.Background()
	mem := objstore.NewMemoryDriver()
	eng, _ := testEngine(t, mem)

	src := writeTree(t, map[string]string{"f": "data"})
	snap, err := eng.CreateSnapshot(ctx, "u1", src, fleet.RetentionEphemeral)
	require.NoError(t, err)

	before := mem.ObjectCount("snapshots")
	require.NoError(t, eng.Restore(ctx, snap.ID, filepath.Join(t.TempDir(), "r1")))
	require.NoError(t, eng.Restore(ctx, snap.ID, filepath.Join(t.TempDir(), "r2")))
	assert.Equal(t, before, mem.ObjectCount("snapshots"))
}
