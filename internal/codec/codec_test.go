package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomData(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		n, m    int
		wantErr bool
	}{
		{"minimal", 1, 1, false},
		{"typical", 4, 2, false},
		{"large", 200, 56, false},
		{"zero data shards", 0, 2, true},
		{"zero parity shards", 4, 0, true},
		{"negative data shards", -1, 2, true},
		{"too many total shards", 200, 57, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.n, tt.m)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.n, c.DataShards())
			assert.Equal(t, tt.m, c.ParityShards())
			assert.Equal(t, tt.n+tt.m, c.TotalShards())
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	configs := []struct{ n, m int }{
		{1, 1}, {2, 1}, {4, 2}, {10, 3},
	}
	sizes := []int{1, 7, 100, 4096, 65537}

	for _, cfg := range configs {
		c, err := New(cfg.n, cfg.m)
		require.NoError(t, err)

		for _, size := range sizes {
			data := randomData(t, size)

			shards, err := c.Encode(data)
			require.NoError(t, err)
			require.Len(t, shards, cfg.n+cfg.m)

			// All shards equal length
			for _, s := range shards {
				assert.Equal(t, len(shards[0]), len(s))
			}

			got, err := c.Reconstruct(shards)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got[:size]),
				"round trip mismatch for n=%d m=%d size=%d", cfg.n, cfg.m, size)
		}
	}
}

func TestEncodeEmptyChunk(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	shards, err := c.Encode(nil)
	require.NoError(t, err)
	require.Len(t, shards, 6)
	for _, s := range shards {
		assert.NotNil(t, s)
		assert.Empty(t, s)
	}

	got, err := c.Reconstruct(shards)
	require.NoError(t, err)
	assert.Empty(t, got)

	ok, err := c.Verify(shards)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestErasureTolerance(t *testing.T) {
	const n, m = 4, 2
	c, err := New(n, m)
	require.NoError(t, err)

	data := randomData(t, 10000)

	// Every subset of up to m erased shards must reconstruct exactly
	for i := 0; i < n+m; i++ {
		for j := i; j < n+m; j++ {
			shards, err := c.Encode(data)
			require.NoError(t, err)

			shards[i] = nil
			shards[j] = nil // i == j erases a single shard

			got, err := c.Reconstruct(shards)
			require.NoError(t, err, "erased %d and %d", i, j)
			assert.True(t, bytes.Equal(data, got[:len(data)]))
		}
	}
}

func TestInsufficientShards(t *testing.T) {
	const n, m = 4, 2
	c, err := New(n, m)
	require.NoError(t, err)

	shards, err := c.Encode(randomData(t, 5000))
	require.NoError(t, err)

	// Erase m+1 shards
	shards[0] = nil
	shards[2] = nil
	shards[5] = nil

	_, err = c.Reconstruct(shards)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientShards)
}

func TestRepairFillsErasedShardsInPlace(t *testing.T) {
	const n, m = 4, 2
	c, err := New(n, m)
	require.NoError(t, err)

	data := randomData(t, 6000)
	original, err := c.Encode(data)
	require.NoError(t, err)

	shards, err := c.Encode(data)
	require.NoError(t, err)
	shards[1] = nil
	shards[4] = nil

	require.NoError(t, c.Repair(shards))

	for i := range shards {
		assert.True(t, bytes.Equal(original[i], shards[i]), "shard %d", i)
	}

	// Too many erasures fail
	shards[0] = nil
	shards[1] = nil
	shards[2] = nil
	err = c.Repair(shards)
	assert.ErrorIs(t, err, ErrInsufficientShards)
}

func TestReconstructShardCountMismatch(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	_, err = c.Reconstruct(make([][]byte, 5))
	assert.Error(t, err)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	data := randomData(t, 8192)
	shards, err := c.Encode(data)
	require.NoError(t, err)

	ok, err := c.Verify(shards)
	require.NoError(t, err)
	assert.True(t, ok)

	shards[1][10] ^= 0xff

	ok, err = c.Verify(shards)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShardSizeIsCeilOfChunkOverN(t *testing.T) {
	c, err := New(4, 2)
	require.NoError(t, err)

	// 10 bytes over 4 data shards pads to 3-byte shards
	shards, err := c.Encode(randomData(t, 10))
	require.NoError(t, err)
	for _, s := range shards {
		assert.Len(t, s, 3)
	}
}
