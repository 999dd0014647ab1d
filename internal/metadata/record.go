package metadata

import (
	"fmt"
	"time"
)

// FileRecord describes one tracked original file.
type FileRecord struct {
	Path            string    `json:"path"`              // Canonical path, unique key
	Size            int64     `json:"size"`              // Bytes at last successful protection
	ChunkCount      int       `json:"chunk_count"`       // Number of ChunkRecords for this file
	ChunkSize       int       `json:"chunk_size"`        // Chunk size used at encode time
	LastProtectedAt time.Time `json:"last_protected_at"` // Time of last successful encode
}

// ChunkRecord describes one fixed-size slice of a file's content and the
// checksums of its N+M shards. Shard locations are derived, not stored.
type ChunkRecord struct {
	FilePath       string   `json:"file_path"`
	ChunkIndex     int      `json:"chunk_index"`
	OriginalLength int      `json:"original_length"` // May be < chunk size for the final chunk
	DataShards     int      `json:"data_shards"`     // N captured at encode time
	ParityShards   int      `json:"parity_shards"`   // M captured at encode time
	ShardChecksums []uint64 `json:"shard_checksums"` // Ordered by shard index, len == N+M
}

// Validate checks the ChunkRecord invariants.
func (r *ChunkRecord) Validate() error {
	if r.FilePath == "" {
		return fmt.Errorf("chunk record has empty file path")
	}
	if r.ChunkIndex < 0 {
		return fmt.Errorf("chunk record has negative index %d", r.ChunkIndex)
	}
	if r.DataShards < 1 || r.ParityShards < 1 {
		return fmt.Errorf("chunk record has invalid shard config %d+%d", r.DataShards, r.ParityShards)
	}
	if len(r.ShardChecksums) != r.DataShards+r.ParityShards {
		return fmt.Errorf("chunk record has %d checksums, expected %d",
			len(r.ShardChecksums), r.DataShards+r.ParityShards)
	}
	if r.OriginalLength < 0 {
		return fmt.Errorf("chunk record has negative original length %d", r.OriginalLength)
	}
	return nil
}

// TotalShards returns N+M for this chunk.
func (r *ChunkRecord) TotalShards() int {
	return r.DataShards + r.ParityShards
}
