// Package checker walks the metadata store and verifies that every recorded
// shard is present on disk with its recorded checksum. It never mutates
// anything; the repair package consumes its findings.
package checker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/shardstore"
	"github.com/rsguard/rsguard/internal/status"
)

// ChunkDamage identifies one chunk with missing or corrupt shards.
type ChunkDamage struct {
	FilePath   string
	ChunkIndex int
	BadShards  []int // shard indices that are missing or fail their checksum
	Record     metadata.ChunkRecord
}

// Recoverable reports whether enough shards survive to rebuild the chunk.
func (d ChunkDamage) Recoverable() bool {
	return len(d.Record.ShardChecksums)-len(d.BadShards) >= d.Record.DataShards
}

// Report is the outcome of one full integrity check.
type Report struct {
	RunID         string
	StartedAt     time.Time
	FinishedAt    time.Time
	FilesChecked  int
	ChunksChecked int
	Damaged       []ChunkDamage
	MissingFiles  []string // tracked originals absent from disk, restorable by repair
}

// Clean reports whether every chunk verified intact and every original is
// still on disk.
func (r *Report) Clean() bool {
	return len(r.Damaged) == 0 && len(r.MissingFiles) == 0
}

// Unrecoverable returns the damaged chunks that cannot be rebuilt.
func (r *Report) Unrecoverable() []ChunkDamage {
	var out []ChunkDamage
	for _, d := range r.Damaged {
		if !d.Recoverable() {
			out = append(out, d)
		}
	}
	return out
}

// CorruptedFileCount returns the number of distinct files with damage.
func (r *Report) CorruptedFileCount() int {
	files := make(map[string]bool)
	for _, d := range r.Damaged {
		files[d.FilePath] = true
	}
	return len(files)
}

// Summary renders the one-line result stored in the status.
func (r *Report) Summary() string {
	if r.Clean() {
		return fmt.Sprintf("All %d files healthy (%d chunks verified)", r.FilesChecked, r.ChunksChecked)
	}

	s := fmt.Sprintf("%d damaged chunks in %d files (%d unrecoverable)",
		len(r.Damaged), r.CorruptedFileCount(), len(r.Unrecoverable()))
	if len(r.MissingFiles) > 0 {
		s += fmt.Sprintf(", %d originals missing", len(r.MissingFiles))
	}
	return s
}

// Checker verifies shard integrity against the metadata store.
type Checker struct {
	meta    *metadata.Store
	shards  *shardstore.Store
	tracker *status.Tracker
	logger  *logging.Logger
}

// New creates a checker.
func New(meta *metadata.Store, shards *shardstore.Store, tracker *status.Tracker, logger *logging.Logger) *Checker {
	return &Checker{
		meta:    meta,
		shards:  shards,
		tracker: tracker,
		logger:  logger,
	}
}

// Run performs a full integrity check. It holds the operation gate for its
// duration and records the outcome in the status tracker.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	if err := c.tracker.Begin(status.StateChecking); err != nil {
		return nil, err
	}
	return c.finish(ctx)
}

// RunAsync takes the operation gate synchronously, then completes the check
// in the background. A rejection is reported to the caller immediately.
func (c *Checker) RunAsync(ctx context.Context) error {
	if err := c.tracker.Begin(status.StateChecking); err != nil {
		return err
	}
	go func() {
		_, _ = c.finish(ctx)
	}()
	return nil
}

// finish runs the check with the gate already held and releases it.
func (c *Checker) finish(ctx context.Context) (*Report, error) {
	report, err := c.check(ctx)
	if err != nil {
		c.tracker.Fail("store", err.Error())
		c.tracker.AppendLog("Integrity check failed: %v", err)
		return nil, err
	}

	// Record the outcome before releasing the gate so a status snapshot
	// never sees Idle paired with the previous run's counts
	c.tracker.RecordCheckOutcome(report.FinishedAt, report.Summary(),
		uint64(report.CorruptedFileCount()), uint64(len(report.Unrecoverable())))
	c.tracker.AppendLog("Integrity check finished: %s", report.Summary())
	c.tracker.End()

	c.logger.Info("Integrity check finished",
		"run_id", report.RunID,
		"files", report.FilesChecked,
		"chunks", report.ChunksChecked,
		"damaged", len(report.Damaged),
		"duration", report.FinishedAt.Sub(report.StartedAt))

	return report, nil
}

// Scan verifies integrity without taking the operation gate. The repair run
// uses it to compute a fresh damage set under its own gate.
func (c *Checker) Scan(ctx context.Context) (*Report, error) {
	return c.check(ctx)
}

func (c *Checker) check(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	c.logger.Info("Integrity check started", "run_id", report.RunID)

	err := c.meta.ForEachFile(func(rec metadata.FileRecord) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunks, err := c.meta.GetFileChunks(rec.Path)
		if err != nil {
			return fmt.Errorf("failed to load chunks for %s: %w", rec.Path, err)
		}

		report.FilesChecked++

		if _, err := os.Stat(rec.Path); os.IsNotExist(err) {
			// The record stays; repair can rebuild the original from shards
			report.MissingFiles = append(report.MissingFiles, rec.Path)
			c.logger.Warn("Tracked original missing from disk", "path", rec.Path)
		}

		for _, chunk := range chunks {
			report.ChunksChecked++
			damage := c.checkChunk(chunk)
			if damage != nil {
				report.Damaged = append(report.Damaged, *damage)
				c.logger.Warn("Damaged chunk found",
					"path", chunk.FilePath,
					"chunk", chunk.ChunkIndex,
					"bad_shards", damage.BadShards,
					"recoverable", damage.Recoverable())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	report.FinishedAt = time.Now().UTC()
	return report, nil
}

// checkChunk verifies one chunk's shard set, returning nil when intact.
func (c *Checker) checkChunk(chunk metadata.ChunkRecord) *ChunkDamage {
	var bad []int
	for i, want := range chunk.ShardChecksums {
		data, err := c.shards.ReadShard(chunk.FilePath, chunk.ChunkIndex, i)
		if err != nil {
			bad = append(bad, i)
			continue
		}
		if shardstore.Checksum(data) != want {
			bad = append(bad, i)
		}
	}

	if bad == nil {
		return nil
	}
	return &ChunkDamage{
		FilePath:   chunk.FilePath,
		ChunkIndex: chunk.ChunkIndex,
		BadShards:  bad,
		Record:     chunk,
	}
}
