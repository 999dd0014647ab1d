package protect

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsguard/rsguard/internal/codec"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
)

const testChunkSize = 64

func setupTestEncoder(t *testing.T) (*Encoder, *metadata.Store, *shardstore.Store, *status.Tracker) {
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
	enc := NewEncoder(c, meta, shards, tracker, logging.NewDevelopment(), testChunkSize)
	return enc, meta, shards, tracker
}

func TestEncodeFileCommitsMetadataAndShards(t *testing.T) {
	enc, meta, shards, tracker := setupTestEncoder(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	content := bytes.Repeat([]byte("abcdefgh"), 20) // 160 bytes -> 3 chunks of 64
	require.NoError(t, os.WriteFile(path, content, 0o644))

	require.NoError(t, enc.EncodeFile(path))

	rec, err := meta.GetFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), rec.Size)
	assert.Equal(t, 3, rec.ChunkCount)
	assert.Equal(t, testChunkSize, rec.ChunkSize)

	chunks, err := meta.GetFileChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, 64, chunks[0].OriginalLength)
	assert.Equal(t, 64, chunks[1].OriginalLength)
	assert.Equal(t, 32, chunks[2].OriginalLength)

	// Every shard is on disk with the recorded checksum
	for _, ch := range chunks {
		require.Len(t, ch.ShardChecksums, 6)
		for j, want := range ch.ShardChecksums {
			data, err := shards.ReadShard(path, ch.ChunkIndex, j)
			require.NoError(t, err)
			assert.Equal(t, want, shardstore.Checksum(data))
		}
	}

	snap := tracker.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalFiles)
}

func TestEncodeEmptyFile(t *testing.T) {
	enc, meta, _, _ := setupTestEncoder(t)

	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	require.NoError(t, enc.EncodeFile(path))

	rec, err := meta.GetFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Size)
	assert.Equal(t, 1, rec.ChunkCount)

	chunks, err := meta.GetFileChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].OriginalLength)
}

func TestReEncodeShrunkFileRemovesOrphanShards(t *testing.T) {
	enc, meta, shards, _ := setupTestEncoder(t)

	path := filepath.Join(t.TempDir(), "shrinking.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 3*testChunkSize), 0o644))
	require.NoError(t, enc.EncodeFile(path))

	assert.True(t, shards.ShardExists(path, 2, 0))

	require.NoError(t, os.WriteFile(path, []byte("tiny"), 0o644))
	require.NoError(t, enc.EncodeFile(path))

	rec, err := meta.GetFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ChunkCount)

	chunks, err := meta.GetFileChunks(path)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)

	// Shard sets for the dropped chunks are gone
	assert.False(t, shards.ShardExists(path, 1, 0))
	assert.False(t, shards.ShardExists(path, 2, 0))
	assert.True(t, shards.ShardExists(path, 0, 0))
}

func TestDeleteFileDropsMetadataAndShards(t *testing.T) {
	enc, meta, shards, _ := setupTestEncoder(t)

	path := filepath.Join(t.TempDir(), "doomed.txt")
	require.NoError(t, os.WriteFile(path, []byte("short lived"), 0o644))
	require.NoError(t, enc.EncodeFile(path))

	require.NoError(t, enc.DeleteFile(path))

	_, err := meta.GetFile(path)
	assert.ErrorIs(t, err, metadata.ErrNotFound)
	assert.False(t, shards.ShardExists(path, 0, 0))
}

func TestNeedsEncode(t *testing.T) {
	enc, _, _, _ := setupTestEncoder(t)

	path := filepath.Join(t.TempDir(), "tracked.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	info, err := os.Stat(path)
	require.NoError(t, err)

	// Unknown file must be encoded
	need, err := enc.NeedsEncode(path, info)
	require.NoError(t, err)
	assert.True(t, need)

	require.NoError(t, enc.EncodeFile(path))

	// Unchanged file is already protected
	need, err = enc.NeedsEncode(path, info)
	require.NoError(t, err)
	assert.False(t, need)

	// A size change marks it dirty
	require.NoError(t, os.WriteFile(path, []byte("v2 longer"), 0o644))
	info, err = os.Stat(path)
	require.NoError(t, err)
	need, err = enc.NeedsEncode(path, info)
	require.NoError(t, err)
	assert.True(t, need)
}
