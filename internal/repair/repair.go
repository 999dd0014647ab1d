// Package repair rebuilds damaged shards from the surviving ones and
// restores missing original files from their shard sets.
package repair

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rsguard/rsguard/internal/checker"
	"github.com/rsguard/rsguard/internal/chunker"
	"github.com/rsguard/rsguard/internal/codec"
	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
)

// Summary is the outcome of one repair run.
type Summary struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	ChunksRepaired int
	ChunksFailed   int // unrecoverable or failed verification
	FilesRestored  int
}

// Repairer rebuilds damaged chunks found by a fresh integrity scan.
type Repairer struct {
	meta    *metadata.Store
	shards  *shardstore.Store
	checker *checker.Checker
	tracker *status.Tracker
	logger  *logging.Logger

	// codecs caches encoders per shard geometry; records written under an
	// older configuration keep their own
	codecs map[[2]int]*codec.Codec
}

// New creates a repairer.
func New(meta *metadata.Store, shards *shardstore.Store, chk *checker.Checker,
	tracker *status.Tracker, logger *logging.Logger) *Repairer {
	return &Repairer{
		meta:    meta,
		shards:  shards,
		checker: chk,
		tracker: tracker,
		logger:  logger,
		codecs:  make(map[[2]int]*codec.Codec),
	}
}

// Run performs a repair: a fresh damage scan under the repair gate, shard
// reconstruction for every recoverable chunk, and restoration of original
// files missing from disk. Stale damage lists are never trusted; the scan
// always runs inside the gate.
func (r *Repairer) Run(ctx context.Context) (*Summary, error) {
	if err := r.tracker.Begin(status.StateRepairing); err != nil {
		return nil, err
	}
	return r.finish(ctx)
}

// RunAsync takes the operation gate synchronously, then completes the repair
// in the background. A rejection is reported to the caller immediately.
func (r *Repairer) RunAsync(ctx context.Context) error {
	if err := r.tracker.Begin(status.StateRepairing); err != nil {
		return err
	}
	go func() {
		_, _ = r.finish(ctx)
	}()
	return nil
}

// finish runs the repair with the gate already held and releases it.
func (r *Repairer) finish(ctx context.Context) (*Summary, error) {
	summary, err := r.repair(ctx)
	if err != nil {
		r.tracker.Fail("store", err.Error())
		r.tracker.AppendLog("Repair failed: %v", err)
		return nil, err
	}

	r.tracker.AppendLog("Repair finished: %d chunks repaired, %d failed, %d files restored",
		summary.ChunksRepaired, summary.ChunksFailed, summary.FilesRestored)
	r.tracker.End()

	r.logger.Info("Repair finished",
		"run_id", summary.RunID,
		"repaired", summary.ChunksRepaired,
		"failed", summary.ChunksFailed,
		"restored", summary.FilesRestored,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))

	return summary, nil
}

func (r *Repairer) repair(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	r.logger.Info("Repair started", "run_id", summary.RunID)
	r.tracker.AppendLog("Repair started")

	report, err := r.checker.Scan(ctx)
	if err != nil {
		return nil, err
	}

	for _, damage := range report.Damaged {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err := r.repairChunk(damage); err != nil {
			summary.ChunksFailed++
			r.logger.Error("Chunk repair failed",
				"path", damage.FilePath,
				"chunk", damage.ChunkIndex,
				"error", err)
			r.tracker.AppendLog("Could not repair chunk %d of %s: %v", damage.ChunkIndex, damage.FilePath, err)
			continue
		}
		summary.ChunksRepaired++
		r.tracker.AppendLog("Repaired chunk %d of %s", damage.ChunkIndex, damage.FilePath)
	}

	restored, err := r.restoreMissingFiles(ctx)
	if err != nil {
		return nil, err
	}
	summary.FilesRestored = restored

	summary.FinishedAt = time.Now().UTC()
	return summary, nil
}

// repairChunk reconstructs a chunk's bad shards and rewrites them. The
// rewritten shards must match the recorded checksums exactly; anything else
// means the metadata and the surviving shards disagree, and the chunk is
// left untouched.
func (r *Repairer) repairChunk(damage checker.ChunkDamage) error {
	rec := damage.Record

	c, err := r.codecFor(rec.DataShards, rec.ParityShards)
	if err != nil {
		return err
	}

	bad := make(map[int]bool, len(damage.BadShards))
	for _, i := range damage.BadShards {
		bad[i] = true
	}

	shards := make([][]byte, rec.TotalShards())
	for i := range shards {
		if bad[i] {
			continue // leave the slot nil for reconstruction
		}
		data, err := r.shards.ReadShard(rec.FilePath, rec.ChunkIndex, i)
		if err != nil || shardstore.Checksum(data) != rec.ShardChecksums[i] {
			// Degraded further since the scan; treat as missing
			bad[i] = true
			continue
		}
		shards[i] = data
	}

	if err := c.Repair(shards); err != nil {
		return err
	}

	// Reconstructed shards must reproduce the recorded checksums before any
	// of them touch disk
	for i := range bad {
		if shardstore.Checksum(shards[i]) != rec.ShardChecksums[i] {
			return fmt.Errorf("reconstructed shard %d of chunk %d does not match its recorded checksum",
				i, rec.ChunkIndex)
		}
	}

	for i := range bad {
		if err := r.shards.WriteShard(rec.FilePath, rec.ChunkIndex, i, shards[i]); err != nil {
			return err
		}

		// Read back what actually hit the disk; a torn write reported as
		// successful must count as a failed repair, not a healthy shard
		written, err := r.shards.ReadShard(rec.FilePath, rec.ChunkIndex, i)
		if err != nil {
			return fmt.Errorf("failed to verify rewritten shard %d of chunk %d: %w", i, rec.ChunkIndex, err)
		}
		if shardstore.Checksum(written) != rec.ShardChecksums[i] {
			return fmt.Errorf("rewritten shard %d of chunk %d failed checksum verification on disk",
				i, rec.ChunkIndex)
		}
	}

	return nil
}

// restoreMissingFiles reassembles original files that are tracked but no
// longer present on disk.
func (r *Repairer) restoreMissingFiles(ctx context.Context) (int, error) {
	var missing []metadata.FileRecord
	err := r.meta.ForEachFile(func(rec metadata.FileRecord) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := os.Stat(rec.Path); os.IsNotExist(err) {
			missing = append(missing, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rec := range missing {
		if err := r.restoreFile(rec); err != nil {
			r.logger.Error("File restore failed", "path", rec.Path, "error", err)
			r.tracker.AppendLog("Could not restore %s: %v", rec.Path, err)
			continue
		}
		restored++
		r.logger.Info("File restored from shards", "path", rec.Path, "size", rec.Size)
		r.tracker.AppendLog("Restored %s from shards", rec.Path)
	}
	return restored, nil
}

// restoreFile rebuilds one original file from its shard sets and writes it
// atomically into place.
func (r *Repairer) restoreFile(file metadata.FileRecord) error {
	chunks, err := r.meta.GetFileChunks(file.Path)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(chunks) != file.ChunkCount {
		return fmt.Errorf("chunk records inconsistent: have %d, record says %d", len(chunks), file.ChunkCount)
	}

	parts := make([][]byte, len(chunks))
	for i, rec := range chunks {
		data, err := r.reconstructChunk(rec)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", rec.ChunkIndex, err)
		}
		parts[i] = data
	}

	return shardstore.WriteFileAtomic(file.Path, chunker.Join(parts))
}

// reconstructChunk rebuilds one chunk's original bytes, trimmed to the
// recorded length.
func (r *Repairer) reconstructChunk(rec metadata.ChunkRecord) ([]byte, error) {
	c, err := r.codecFor(rec.DataShards, rec.ParityShards)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, rec.TotalShards())
	for i := range shards {
		data, err := r.shards.ReadShard(rec.FilePath, rec.ChunkIndex, i)
		if err != nil || shardstore.Checksum(data) != rec.ShardChecksums[i] {
			continue // nil slot, reconstructed below
		}
		shards[i] = data
	}

	padded, err := c.Reconstruct(shards)
	if err != nil {
		if errors.Is(err, codec.ErrInsufficientShards) {
			return nil, fmt.Errorf("%w: chunk %d of %s", codec.ErrInsufficientShards, rec.ChunkIndex, rec.FilePath)
		}
		return nil, err
	}
	if len(padded) < rec.OriginalLength {
		return nil, fmt.Errorf("reconstructed chunk shorter than recorded length: %d < %d",
			len(padded), rec.OriginalLength)
	}

	return padded[:rec.OriginalLength], nil
}

func (r *Repairer) codecFor(dataShards, parityShards int) (*codec.Codec, error) {
	key := [2]int{dataShards, parityShards}
	if c, ok := r.codecs[key]; ok {
		return c, nil
	}
	c, err := codec.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	r.codecs[key] = c
	return c, nil
}
