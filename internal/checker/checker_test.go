package checker

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsguard/rsguard/internal/codec"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/protect"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
)

type checkerFixture struct {
	checker *Checker
	encoder *protect.Encoder
	meta    *metadata.Store
	shards  *shardstore.Store
	tracker *status.Tracker
}

func setupTestChecker(t *testing.T) *checkerFixture {
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

	return &checkerFixture{
		checker: New(meta, shards, tracker, logger),
		encoder: protect.NewEncoder(c, meta, shards, tracker, logger, 64),
		meta:    meta,
		shards:  shards,
		tracker: tracker,
	}
}

func (f *checkerFixture) protectFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, f.encoder.EncodeFile(path))
	return path
}

func corruptShard(t *testing.T, f *checkerFixture, path string, chunk, shard int) {
	t.Helper()
	p := f.shards.PathFor(path, chunk, shard)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func TestCheckCleanStore(t *testing.T) {
	f := setupTestChecker(t)
	f.protectFile(t, "a.txt", bytes.Repeat([]byte("a"), 200))
	f.protectFile(t, "b.txt", []byte("small"))

	report, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Clean())
	assert.Equal(t, 2, report.FilesChecked)
	assert.Equal(t, 5, report.ChunksChecked) // 200 bytes -> 4 chunks, plus 1

	snap := f.tracker.Snapshot()
	assert.Equal(t, status.StateIdle, snap.Status)
	require.NotNil(t, snap.LastCheckTime)
	assert.Contains(t, snap.LastCheckResult, "healthy")
	assert.Equal(t, uint64(0), snap.CorruptedFiles)
}

func TestCheckDetectsMissingShard(t *testing.T) {
	f := setupTestChecker(t)
	path := f.protectFile(t, "doc.txt", []byte("some protected content"))

	require.NoError(t, os.Remove(f.shards.PathFor(path, 0, 3)))

	report, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Damaged, 1)
	d := report.Damaged[0]
	assert.Equal(t, path, d.FilePath)
	assert.Equal(t, 0, d.ChunkIndex)
	assert.Equal(t, []int{3}, d.BadShards)
	assert.True(t, d.Recoverable())
}

func TestCheckDetectsCorruptShard(t *testing.T) {
	f := setupTestChecker(t)
	path := f.protectFile(t, "doc.txt", bytes.Repeat([]byte("z"), 100))

	corruptShard(t, f, path, 1, 0)

	report, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Damaged, 1)
	assert.Equal(t, 1, report.Damaged[0].ChunkIndex)
	assert.Equal(t, []int{0}, report.Damaged[0].BadShards)
}

func TestCheckUnrecoverableChunk(t *testing.T) {
	f := setupTestChecker(t)
	path := f.protectFile(t, "lost.txt", []byte("beyond parity tolerance"))

	// Losing parity+1 shards of a 4+2 set makes the chunk unrecoverable
	for _, shard := range []int{0, 1, 2} {
		require.NoError(t, os.Remove(f.shards.PathFor(path, 0, shard)))
	}

	report, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Damaged, 1)
	assert.False(t, report.Damaged[0].Recoverable())
	assert.Len(t, report.Unrecoverable(), 1)

	snap := f.tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.UnrecoverableChunks)
	assert.Equal(t, uint64(1), snap.CorruptedFiles)
}

func TestCheckReportsMissingOriginal(t *testing.T) {
	f := setupTestChecker(t)
	path := f.protectFile(t, "gone.txt", []byte("still protected by shards"))

	require.NoError(t, os.Remove(path))

	report, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	// Shards are intact but the original is gone; the record must survive
	// so repair can restore it
	assert.Empty(t, report.Damaged)
	assert.Equal(t, []string{path}, report.MissingFiles)
	assert.False(t, report.Clean())

	_, err = f.meta.GetFile(path)
	assert.NoError(t, err)
}

func TestCheckRepeatedOverSameDamageReportsSameFindings(t *testing.T) {
	f := setupTestChecker(t)
	a := f.protectFile(t, "a.txt", bytes.Repeat([]byte("a"), 200))
	b := f.protectFile(t, "b.txt", bytes.Repeat([]byte("b"), 100))

	// Checking never mutates anything, so two runs over the same damage
	// must report identical findings
	require.NoError(t, os.Remove(f.shards.PathFor(a, 0, 3)))
	corruptShard(t, f, b, 1, 0)

	first, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	second, err := f.checker.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.FilesChecked, second.FilesChecked)
	assert.Equal(t, first.ChunksChecked, second.ChunksChecked)
	require.Equal(t, len(first.Damaged), len(second.Damaged))
	for i := range first.Damaged {
		assert.Equal(t, first.Damaged[i].FilePath, second.Damaged[i].FilePath)
		assert.Equal(t, first.Damaged[i].ChunkIndex, second.Damaged[i].ChunkIndex)
		assert.Equal(t, first.Damaged[i].BadShards, second.Damaged[i].BadShards)
	}
	assert.Equal(t, first.MissingFiles, second.MissingFiles)
}

func TestStatusIdleOnlyAfterOutcomeRecorded(t *testing.T) {
	f := setupTestChecker(t)
	f.protectFile(t, "a.txt", bytes.Repeat([]byte("a"), 200))

	require.NoError(t, f.checker.RunAsync(context.Background()))

	// Once the gate releases, the snapshot must already carry this run's
	// outcome; Idle with no recorded check is a contradiction
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := f.tracker.Snapshot()
		if snap.Status == status.StateIdle {
			require.NotNil(t, snap.LastCheckTime)
			assert.Contains(t, snap.LastCheckResult, "healthy")
			return
		}
	}
	t.Fatal("check never returned to idle")
}

func TestCheckRejectedWhileOperationActive(t *testing.T) {
	f := setupTestChecker(t)

	require.NoError(t, f.tracker.Begin(status.StateRepairing))

	_, err := f.checker.Run(context.Background())
	assert.ErrorIs(t, err, status.ErrOperationInProgress)
	assert.Equal(t, status.StateRepairing, f.tracker.State())
}

func TestScanDoesNotTouchTheGate(t *testing.T) {
	f := setupTestChecker(t)
	f.protectFile(t, "a.txt", []byte("content"))

	require.NoError(t, f.tracker.Begin(status.StateRepairing))

	report, err := f.checker.Scan(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
	assert.Equal(t, status.StateRepairing, f.tracker.State())
}
