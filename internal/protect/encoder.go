// Package protect implements the ingestion path: reading a settled file,
// chunking it, encoding each chunk into shards, and committing metadata only
// after every shard of the file is durably on disk.
package protect

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsguard/rsguard/internal/chunker"
	"github.com/rsguard/rsguard/internal/codec"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
)

// chunkEncodeParallelism bounds concurrent chunk encodes within one file.
const chunkEncodeParallelism = 4

// Encoder turns one file into its protected representation. Safe for
// concurrent use across distinct paths; the pipeline serializes per path.
type Encoder struct {
	codec     *codec.Codec
	meta      *metadata.Store
	shards    *shardstore.Store
	tracker   *status.Tracker
	logger    *logging.Logger
	chunkSize int
}

// NewEncoder wires the encoder to its stores.
func NewEncoder(c *codec.Codec, meta *metadata.Store, shards *shardstore.Store,
	tracker *status.Tracker, logger *logging.Logger, chunkSize int) *Encoder {
	return &Encoder{
		codec:     c,
		meta:      meta,
		shards:    shards,
		tracker:   tracker,
		logger:    logger,
		chunkSize: chunkSize,
	}
}

// EncodeFile protects one file: split into chunks, encode each chunk into
// N+M shards, write all shards, then commit the metadata in one transaction.
// A crash before the commit leaves the previous record intact; the orphaned
// shards are overwritten on the next encode of the same path.
func (e *Encoder) EncodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	chunks, err := chunker.Split(data, e.chunkSize)
	if err != nil {
		return fmt.Errorf("failed to chunk %s: %w", path, err)
	}

	// Remember the previous chunk count so shards beyond the new count can be
	// cleaned up after the commit
	priorChunks := 0
	if prior, err := e.meta.GetFile(path); err == nil {
		priorChunks = prior.ChunkCount
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return fmt.Errorf("failed to load prior record for %s: %w", path, err)
	}

	// Chunks of one file encode independently; bound the parallelism so a
	// large file does not monopolize CPU and file handles
	records := make([]metadata.ChunkRecord, len(chunks))
	g := new(errgroup.Group)
	g.SetLimit(chunkEncodeParallelism)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			shards, err := e.codec.Encode(chunk)
			if err != nil {
				return fmt.Errorf("failed to encode chunk %d of %s: %w", i, path, err)
			}

			checksums := make([]uint64, len(shards))
			for j, shard := range shards {
				if err := e.shards.WriteShard(path, i, j, shard); err != nil {
					return err
				}
				checksums[j] = shardstore.Checksum(shard)
			}

			records[i] = metadata.ChunkRecord{
				FilePath:       path,
				ChunkIndex:     i,
				OriginalLength: len(chunk),
				DataShards:     e.codec.DataShards(),
				ParityShards:   e.codec.ParityShards(),
				ShardChecksums: checksums,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	file := metadata.FileRecord{
		Path:            path,
		Size:            int64(len(data)),
		ChunkCount:      len(chunks),
		ChunkSize:       e.chunkSize,
		LastProtectedAt: time.Now().UTC(),
	}

	if err := e.meta.PutFile(file, records); err != nil {
		return fmt.Errorf("failed to commit metadata for %s: %w", path, err)
	}

	// Best effort: drop shard directories orphaned by a shrinking file. The
	// metadata commit above already removed their records.
	for i := len(chunks); i < priorChunks; i++ {
		if err := e.shards.RemoveChunk(path, i); err != nil {
			e.logger.Warn("Failed to remove orphaned chunk shards", "path", path, "chunk", i, "error", err)
		}
	}

	e.refreshFileCounts()
	e.logger.Info("File protected", "path", path, "size", len(data), "chunks", len(chunks))
	e.tracker.AppendLog("Protected %s (%d bytes, %d chunks)", path, len(data), len(chunks))
	return nil
}

// DeleteFile drops a file's metadata and shards after a confirmed removal.
func (e *Encoder) DeleteFile(path string) error {
	if err := e.meta.DeleteFile(path); err != nil {
		return fmt.Errorf("failed to delete metadata for %s: %w", path, err)
	}
	if err := e.shards.RemoveFile(path); err != nil {
		return err
	}

	e.refreshFileCounts()
	e.logger.Info("File unprotected", "path", path)
	e.tracker.AppendLog("Removed protection for %s", path)
	return nil
}

// NeedsEncode reports whether a file on disk differs from its stored record.
func (e *Encoder) NeedsEncode(path string, info os.FileInfo) (bool, error) {
	rec, err := e.meta.GetFile(path)
	if errors.Is(err, metadata.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Size != info.Size() || info.ModTime().After(rec.LastProtectedAt), nil
}

func (e *Encoder) refreshFileCounts() {
	count, err := e.meta.FileCount()
	if err != nil {
		e.logger.Warn("Failed to count tracked files", "error", err)
		return
	}
	e.tracker.SetFileCounts(uint64(count), uint64(count))
}
