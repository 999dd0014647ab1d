// Package codec implements the Reed-Solomon shard codec. It is a pure
// transform over byte chunks: all shard I/O belongs to the caller.
package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrInsufficientShards is returned when fewer than N shards survive, which
// makes the chunk unrecoverable.
var ErrInsufficientShards = errors.New("insufficient shards for reconstruction")

// Codec encodes chunks into N data + M parity shards over GF(256).
// Any N of the N+M shards recover the original chunk exactly.
type Codec struct {
	dataShards   int
	parityShards int
	enc          reedsolomon.Encoder
}

// New creates a codec for the given shard configuration.
func New(dataShards, parityShards int) (*Codec, error) {
	if dataShards < 1 {
		return nil, fmt.Errorf("data shards must be at least 1, got %d", dataShards)
	}
	if parityShards < 1 {
		return nil, fmt.Errorf("parity shards must be at least 1, got %d", parityShards)
	}
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("total shards cannot exceed 256, got %d", dataShards+parityShards)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	return &Codec{
		dataShards:   dataShards,
		parityShards: parityShards,
		enc:          enc,
	}, nil
}

// DataShards returns N.
func (c *Codec) DataShards() int {
	return c.dataShards
}

// ParityShards returns M.
func (c *Codec) ParityShards() int {
	return c.parityShards
}

// TotalShards returns N+M.
func (c *Codec) TotalShards() int {
	return c.dataShards + c.parityShards
}

// Encode splits a chunk into N equal-length data shards, padding the tail
// with zeros, and computes M parity shards. All returned shards have length
// ceil(len(chunk)/N). The caller must record the original chunk length;
// padding is not recoverable from the shards alone.
//
// A zero-length chunk yields N+M zero-length shards.
func (c *Codec) Encode(chunk []byte) ([][]byte, error) {
	total := c.TotalShards()

	if len(chunk) == 0 {
		shards := make([][]byte, total)
		for i := range shards {
			shards[i] = []byte{}
		}
		return shards, nil
	}

	shardSize := (len(chunk) + c.dataShards - 1) / c.dataShards

	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = make([]byte, shardSize)
	}

	for i := 0; i < c.dataShards; i++ {
		start := i * shardSize
		if start >= len(chunk) {
			break
		}
		end := start + shardSize
		if end > len(chunk) {
			end = len(chunk)
		}
		copy(shards[i], chunk[start:end])
	}

	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("failed to encode shards: %w", err)
	}

	return shards, nil
}

// Reconstruct rebuilds all shards from the surviving ones and returns the
// padded data region (N * shard size bytes). Missing or corrupt shards are
// passed as nil slots. The caller trims the result to the recorded original
// length. Fails with ErrInsufficientShards when fewer than N shards remain.
func (c *Codec) Reconstruct(shards [][]byte) ([]byte, error) {
	total := c.TotalShards()
	if len(shards) != total {
		return nil, fmt.Errorf("expected %d shard slots, got %d", total, len(shards))
	}

	present := 0
	shardSize := 0
	for _, s := range shards {
		if s != nil {
			present++
			if len(s) > shardSize {
				shardSize = len(s)
			}
		}
	}

	if present < c.dataShards {
		return nil, fmt.Errorf("%w: %d of %d shards present, need %d",
			ErrInsufficientShards, present, total, c.dataShards)
	}

	// Zero-length shards mean the chunk was empty
	if shardSize == 0 {
		return []byte{}, nil
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientShards, err)
		}
		return nil, fmt.Errorf("failed to reconstruct shards: %w", err)
	}

	data := make([]byte, 0, c.dataShards*shardSize)
	for i := 0; i < c.dataShards; i++ {
		data = append(data, shards[i]...)
	}

	return data, nil
}

// Repair fills the nil slots of a shard set in place from the surviving
// shards. Fails with ErrInsufficientShards when fewer than N shards remain.
func (c *Codec) Repair(shards [][]byte) error {
	total := c.TotalShards()
	if len(shards) != total {
		return fmt.Errorf("expected %d shard slots, got %d", total, len(shards))
	}

	present := 0
	shardSize := 0
	for _, s := range shards {
		if s != nil {
			present++
			if len(s) > shardSize {
				shardSize = len(s)
			}
		}
	}

	if present < c.dataShards {
		return fmt.Errorf("%w: %d of %d shards present, need %d",
			ErrInsufficientShards, present, total, c.dataShards)
	}

	// Empty-chunk shard sets repair to empty slices
	if shardSize == 0 {
		for i := range shards {
			if shards[i] == nil {
				shards[i] = []byte{}
			}
		}
		return nil
	}

	if err := c.enc.Reconstruct(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return fmt.Errorf("%w: %v", ErrInsufficientShards, err)
		}
		return fmt.Errorf("failed to reconstruct shards: %w", err)
	}
	return nil
}

// Verify checks parity consistency across a full shard set.
func (c *Codec) Verify(shards [][]byte) (bool, error) {
	if len(shards) != c.TotalShards() {
		return false, fmt.Errorf("expected %d shard slots, got %d", c.TotalShards(), len(shards))
	}

	empty := true
	for _, s := range shards {
		if len(s) > 0 {
			empty = false
			break
		}
	}
	if empty {
		return true, nil
	}

	ok, err := c.enc.Verify(shards)
	if err != nil {
		return false, fmt.Errorf("failed to verify shards: %w", err)
	}
	return ok, nil
}
