package repair

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsguard/rsguard/internal/checker"
	"github.com/rsguard/rsguard/internal/codec"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/protect"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
)

type repairFixture struct {
	repairer *Repairer
	checker  *checker.Checker
	encoder  *protect.Encoder
	meta     *metadata.Store
	shards   *shardstore.Store
	tracker  *status.Tracker
}

func setupTestRepairer(t *testing.T) *repairFixture {
	t.Helper()

	dir := t.TempDir()

	meta, err := metadata.Open(filepath.Join(dir, "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	shards, err := shardstore.New(filepath.Join(dir, "shards"))
	require.NoError(t, err)

	c, err := codec.New(4, 2)
	require.NoError(t, err)

	tracker := status.NewTracker(nil, 4, 2)
	logger := logging.NewDevelopment()
	chk := checker.New(meta, shards, tracker, logger)

	return &repairFixture{
		repairer: New(meta, shards, chk, tracker, logger),
		checker:  chk,
		encoder:  protect.NewEncoder(c, meta, shards, tracker, logger, 64),
		meta:     meta,
		shards:   shards,
		tracker:  tracker,
	}
}

func (f *repairFixture) protectFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, f.encoder.EncodeFile(path))
	return path
}

func (f *repairFixture) assertClean(t *testing.T) {
	t.Helper()
	report, err := f.checker.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean(), "store should verify clean after repair")
}

func TestRepairRebuildsMissingShards(t *testing.T) {
	f := setupTestRepairer(t)
	path := f.protectFile(t, "doc.txt", bytes.Repeat([]byte("payload "), 30))

	require.NoError(t, os.Remove(f.shards.PathFor(path, 0, 1)))
	require.NoError(t, os.Remove(f.shards.PathFor(path, 1, 5)))

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.ChunksRepaired)
	assert.Equal(t, 0, summary.ChunksFailed)
	assert.Equal(t, status.StateIdle, f.tracker.State())
	f.assertClean(t)
}

func TestRepairRewritesCorruptShards(t *testing.T) {
	f := setupTestRepairer(t)
	path := f.protectFile(t, "doc.txt", bytes.Repeat([]byte("q"), 100))

	// Corrupt two shards of the same chunk, right at parity tolerance
	for _, shard := range []int{0, 4} {
		p := f.shards.PathFor(path, 0, shard)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		data[len(data)-1] ^= 0x55
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ChunksRepaired)
	f.assertClean(t)
}

func TestRepairedShardsVerifyOnDisk(t *testing.T) {
	f := setupTestRepairer(t)
	path := f.protectFile(t, "verify.txt", bytes.Repeat([]byte("data"), 40))

	require.NoError(t, os.Remove(f.shards.PathFor(path, 0, 2)))

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.ChunksRepaired)

	// Every shard's bytes on disk must match its recorded checksum
	chunks, err := f.meta.GetFileChunks(path)
	require.NoError(t, err)
	for _, ch := range chunks {
		for i, want := range ch.ShardChecksums {
			data, err := f.shards.ReadShard(path, ch.ChunkIndex, i)
			require.NoError(t, err)
			assert.Equal(t, want, shardstore.Checksum(data), "chunk %d shard %d", ch.ChunkIndex, i)
		}
	}
}

func TestRepairCountsUnwritableShardAsFailed(t *testing.T) {
	f := setupTestRepairer(t)
	path := f.protectFile(t, "blocked.txt", []byte("cannot rewrite this shard"))

	// A directory squatting on the shard path makes the rewrite fail; the
	// chunk must be reported failed, not repaired
	shardPath := f.shards.PathFor(path, 0, 1)
	require.NoError(t, os.Remove(shardPath))
	require.NoError(t, os.Mkdir(shardPath, 0o755))

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.ChunksRepaired)
	assert.Equal(t, 1, summary.ChunksFailed)
	assert.Equal(t, status.StateIdle, f.tracker.State())
}

func TestRepairLeavesUnrecoverableChunksFailed(t *testing.T) {
	f := setupTestRepairer(t)
	path := f.protectFile(t, "lost.txt", []byte("past the point of recovery"))

	for _, shard := range []int{0, 1, 2} {
		require.NoError(t, os.Remove(f.shards.PathFor(path, 0, shard)))
	}

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, summary.ChunksRepaired)
	assert.Equal(t, 1, summary.ChunksFailed)

	// The run itself completes; the gate is released
	assert.Equal(t, status.StateIdle, f.tracker.State())
	assert.False(t, f.shards.ShardExists(path, 0, 0))
}

func TestRepairRestoresDeletedOriginal(t *testing.T) {
	f := setupTestRepairer(t)
	content := bytes.Repeat([]byte("original content "), 20)
	path := f.protectFile(t, "restore-me.txt", content)

	require.NoError(t, os.Remove(path))

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FilesRestored)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestRepairRestoresEmptyOriginal(t *testing.T) {
	f := setupTestRepairer(t)
	path := f.protectFile(t, "empty.txt", nil)

	require.NoError(t, os.Remove(path))

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesRestored)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRepairRestoresOriginalWithDamagedShards(t *testing.T) {
	f := setupTestRepairer(t)
	content := bytes.Repeat([]byte("abc"), 50)
	path := f.protectFile(t, "both.txt", content)

	// Lose the original and two shards of the same chunk
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Remove(f.shards.PathFor(path, 0, 2)))
	require.NoError(t, os.Remove(f.shards.PathFor(path, 0, 3)))

	summary, err := f.repairer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.ChunksRepaired)
	assert.Equal(t, 1, summary.FilesRestored)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	f.assertClean(t)
}

func TestRepairRejectedWhileOperationActive(t *testing.T) {
	f := setupTestRepairer(t)

	require.NoError(t, f.tracker.Begin(status.StateChecking))

	_, err := f.repairer.Run(context.Background())
	assert.ErrorIs(t, err, status.ErrOperationInProgress)
}
