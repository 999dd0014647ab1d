// Package metadata persists the file -> chunk -> shard-set mapping in a
// local bbolt database. A ChunkRecord is only committed after all of its
// shards are durably on disk; callers own that ordering.
package metadata

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a file has no record in the store.
var ErrNotFound = errors.New("file not tracked")

var (
	bucketFiles  = []byte("files")
	bucketChunks = []byte("chunks")
)

// Store is the durable metadata store. Writes are serialized by bbolt's
// single-writer transaction model; reads run concurrently against stable
// snapshots.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the metadata database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketChunks)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// chunkKey builds the composite (file_path, chunk_index) key. The NUL
// separator keeps a path's chunks contiguous under a cursor prefix scan and
// the big-endian index keeps them in file layout order.
func chunkKey(path string, index int) []byte {
	key := make([]byte, 0, len(path)+5)
	key = append(key, path...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint32(key, uint32(index))
	return key
}

// chunkPrefix returns the cursor prefix covering all chunks of a file.
func chunkPrefix(path string) []byte {
	prefix := make([]byte, 0, len(path)+1)
	prefix = append(prefix, path...)
	return append(prefix, 0)
}

// PutFile commits a file record together with its full chunk set in one
// transaction. Chunk records at indices beyond the new chunk count are
// deleted in the same transaction, so a truncated file never keeps stale
// records past its new length.
func (s *Store) PutFile(file FileRecord, chunks []ChunkRecord) error {
	if file.Path == "" {
		return fmt.Errorf("file record has empty path")
	}
	if file.ChunkCount != len(chunks) {
		return fmt.Errorf("file record declares %d chunks, got %d", file.ChunkCount, len(chunks))
	}
	for i := range chunks {
		if err := chunks[i].Validate(); err != nil {
			return fmt.Errorf("invalid chunk record %d: %w", i, err)
		}
		if chunks[i].ChunkIndex != i {
			return fmt.Errorf("chunk records out of order: index %d at position %d", chunks[i].ChunkIndex, i)
		}
	}

	fileVal, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("failed to marshal file record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFiles).Put([]byte(file.Path), fileVal); err != nil {
			return fmt.Errorf("failed to put file record: %w", err)
		}

		cb := tx.Bucket(bucketChunks)
		for i := range chunks {
			val, err := json.Marshal(chunks[i])
			if err != nil {
				return fmt.Errorf("failed to marshal chunk record %d: %w", i, err)
			}
			if err := cb.Put(chunkKey(file.Path, i), val); err != nil {
				return fmt.Errorf("failed to put chunk record %d: %w", i, err)
			}
		}

		// Drop stale chunk records beyond the new count
		return deleteChunksFrom(cb, file.Path, len(chunks))
	})
}

// deleteChunksFrom removes all chunk records of path with index >= from.
func deleteChunksFrom(cb *bolt.Bucket, path string, from int) error {
	prefix := chunkPrefix(path)
	cursor := cb.Cursor()

	var stale [][]byte
	for k, _ := cursor.Seek(chunkKey(path, from)); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := cb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete stale chunk record: %w", err)
		}
	}
	return nil
}

// GetFile returns the record for a tracked file, or ErrNotFound.
func (s *Store) GetFile(path string) (*FileRecord, error) {
	var rec *FileRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketFiles).Get([]byte(path))
		if val == nil {
			return ErrNotFound
		}
		rec = &FileRecord{}
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// GetFileChunks returns all chunk records of a file in chunk index order.
func (s *Store) GetFileChunks(path string) ([]ChunkRecord, error) {
	var chunks []ChunkRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketFiles).Get([]byte(path)) == nil {
			return ErrNotFound
		}

		prefix := chunkPrefix(path)
		cursor := tx.Bucket(bucketChunks).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec ChunkRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal chunk record: %w", err)
			}
			chunks = append(chunks, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return chunks, nil
}

// DeleteFile removes a file record and all of its chunk records.
func (s *Store) DeleteFile(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFiles).Delete([]byte(path)); err != nil {
			return fmt.Errorf("failed to delete file record: %w", err)
		}
		return deleteChunksFrom(tx.Bucket(bucketChunks), path, 0)
	})
}

// ForEachFile iterates all file records in lexicographic path order without
// loading the whole store into memory. Returning an error from fn stops the
// iteration and is propagated.
func (s *Store) ForEachFile(fn func(FileRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketFiles).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal file record %q: %w", k, err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// FileCount returns the number of tracked files.
func (s *Store) FileCount() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketFiles).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
