// Package shardstore persists shard bytes at deterministic locations derived
// from (file path, chunk index, shard index). No shard path is ever stored in
// metadata; given a ChunkRecord the location is recomputed, which removes the
// stale-pointer class of bugs when files are re-chunked.
package shardstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// Store places shards under a single root directory.
type Store struct {
	root string
}

// New creates a shard store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the shard root directory.
func (s *Store) Root() string {
	return s.root
}

// fileDir derives the per-file directory. The basename keeps the layout
// human-readable; the path hash keeps two files with the same basename apart.
func (s *Store) fileDir(filePath string) string {
	name := fmt.Sprintf("%s-%016x", filepath.Base(filePath), xxhash.Sum64String(filePath))
	return filepath.Join(s.root, name)
}

// PathFor returns the deterministic location of one shard. Pure function of
// the key; the same inputs always map to the same path.
func (s *Store) PathFor(filePath string, chunkIndex, shardIndex int) string {
	return filepath.Join(s.fileDir(filePath),
		fmt.Sprintf("c%06d", chunkIndex),
		fmt.Sprintf("s%03d.shard", shardIndex))
}

// WriteShard persists one shard. Torn writes are caught later by checksum
// verification, so shard writes do not need the temp-and-rename dance.
func (s *Store) WriteShard(filePath string, chunkIndex, shardIndex int, data []byte) error {
	path := s.PathFor(filePath, chunkIndex, shardIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write shard %s: %w", path, err)
	}
	return nil
}

// ReadShard loads one shard's bytes.
func (s *Store) ReadShard(filePath string, chunkIndex, shardIndex int) ([]byte, error) {
	path := s.PathFor(filePath, chunkIndex, shardIndex)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard %s: %w", path, err)
	}
	return data, nil
}

// ShardExists reports whether a shard file is present on disk.
func (s *Store) ShardExists(filePath string, chunkIndex, shardIndex int) bool {
	info, err := os.Stat(s.PathFor(filePath, chunkIndex, shardIndex))
	return err == nil && !info.IsDir()
}

// RemoveFile deletes every shard belonging to a file.
func (s *Store) RemoveFile(filePath string) error {
	if err := os.RemoveAll(s.fileDir(filePath)); err != nil {
		return fmt.Errorf("failed to remove shards for %s: %w", filePath, err)
	}
	return nil
}

// RemoveChunk deletes the shard set of a single chunk. Used to clean up
// orphaned chunks after a file shrinks.
func (s *Store) RemoveChunk(filePath string, chunkIndex int) error {
	dir := filepath.Join(s.fileDir(filePath), fmt.Sprintf("c%06d", chunkIndex))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove chunk %d of %s: %w", chunkIndex, filePath, err)
	}
	return nil
}

// Checksum computes the content checksum recorded per shard. xxhash is fast
// enough to re-derive on every check; checksums are never cached.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// WriteFileAtomic writes data to path via a temp file and rename, so a
// restored original is never visible half-written.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".rsguard-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}

	return nil
}
