package protect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/metadata"
	"github.com/rsguard/rsguard/internal/status"
)

// Scanner reconciles the watched trees with the metadata store at startup.
// Files changed or created while the daemon was down get re-encoded; records
// for files that vanished are dropped.
type Scanner struct {
	encoder     *Encoder
	meta        *metadata.Store
	tracker     *status.Tracker
	logger      *logging.Logger
	concurrency int
}

// NewScanner creates a startup scanner. concurrency bounds the number of
// files encoded in parallel.
func NewScanner(encoder *Encoder, meta *metadata.Store, tracker *status.Tracker,
	logger *logging.Logger, concurrency int) *Scanner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scanner{
		encoder:     encoder,
		meta:        meta,
		tracker:     tracker,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Scan walks the watched directories, encodes new and changed files, and
// removes records for files that no longer exist. It holds the operation
// gate for its duration. Unreadable entries are counted and logged; only a
// metadata store failure or cancellation aborts the scan.
func (s *Scanner) Scan(ctx context.Context, dirs []string) error {
	if err := s.tracker.Begin(status.StateScanning); err != nil {
		return err
	}

	start := time.Now()
	s.tracker.AppendLog("Startup scan started")

	encoded, removed, failed, total, err := s.scan(ctx, dirs)
	if err != nil {
		s.tracker.Fail("store", err.Error())
		s.tracker.AppendLog("Startup scan failed: %v", err)
		return err
	}

	s.tracker.End()
	s.tracker.AppendLog("Startup scan finished: %d files seen, %d encoded, %d failed, %d records dropped",
		total, encoded, failed, removed)
	s.logger.Info("Startup scan finished",
		"files_seen", total,
		"encoded", encoded,
		"failed", failed,
		"records_dropped", removed,
		"duration", time.Since(start))
	return nil
}

func (s *Scanner) scan(ctx context.Context, dirs []string) (encoded, removed, failed, total int, err error) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	fileFailed := func(path string, err error) {
		mu.Lock()
		failed++
		mu.Unlock()
		s.logger.Warn("Scan skipped file", "path", path, "error", err)
		s.tracker.AppendLog("Scan could not protect %s: %v", path, err)
	}

	for _, dir := range dirs {
		walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				// A bad entry must not sink the rest of the tree
				fileFailed(path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}

			info, err := d.Info()
			if err != nil {
				fileFailed(path, err)
				return nil
			}

			mu.Lock()
			seen[path] = true
			mu.Unlock()

			need, err := s.encoder.NeedsEncode(path, info)
			if err != nil {
				fileFailed(path, err)
				return nil
			}
			if !need {
				return nil
			}

			g.Go(func() error {
				if err := s.encoder.EncodeFile(path); err != nil {
					// A file may vanish between walk and encode; skip it
					if errors.Is(err, fs.ErrNotExist) {
						s.logger.Debug("File vanished during scan", "path", path)
						return nil
					}
					fileFailed(path, err)
					return nil
				}
				mu.Lock()
				encoded++
				mu.Unlock()
				return nil
			})
			return nil
		})
		if walkErr != nil {
			_ = g.Wait()
			return 0, 0, 0, 0, walkErr
		}
	}

	_ = g.Wait()

	removed, err = s.dropVanished(dirs, seen)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	return encoded, removed, failed, len(seen), nil
}

// dropVanished removes records for tracked files under the scanned roots
// that no longer exist on disk.
func (s *Scanner) dropVanished(dirs []string, seen map[string]bool) (int, error) {
	var stale []string
	err := s.meta.ForEachFile(func(rec metadata.FileRecord) error {
		if seen[rec.Path] || !underAny(rec.Path, dirs) {
			return nil
		}
		stale = append(stale, rec.Path)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list tracked files: %w", err)
	}

	for _, path := range stale {
		if err := s.encoder.DeleteFile(path); err != nil {
			return 0, err
		}
		s.logger.Info("Dropped record for vanished file", "path", path)
	}
	return len(stale), nil
}

// underAny reports whether path lies under one of the roots.
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
