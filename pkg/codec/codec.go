// Package codec turns a byte stream into erasure-coded shards committed to a
// Merkle root, and reconstructs the original bytes from any k of the k+m
// shards. Encoding is a pure, deterministic transform: independently operated
// providers must derive identical shard bytes and commitments from the same
// input.
package codec

import (
	"bytes"
	"fmt"

	"github.com/klauspost/reedsolomon"

	"github.com/quarry-storage/quarry/pkg/merkle"
	"github.com/quarry-storage/quarry/pkg/model"
)

// BlockSize is the alignment unit for shards. Shard length is the object
// size divided over the data shards, rounded up to a whole block, which keeps
// proof granularity coarse enough that tree depth stays at log2(k+m).
const BlockSize = 1 << 20

// Encoded carries everything upload needs to publish and place an object.
type Encoded struct {
	Manifest model.Manifest
	Shards   [][]byte
	Leaves   []merkle.Hash
}

func shardSize(size uint64, k int) int {
	perShard := (size + uint64(k) - 1) / uint64(k)
	blocks := (perShard + BlockSize - 1) / BlockSize
	if blocks == 0 {
		blocks = 1
	}
	return int(blocks) * BlockSize
}

// Encode splits data into k data shards plus m parity shards and commits to
// them with a Merkle tree over the shard hashes.
func Encode(data []byte, k, m int) (Encoded, error) {
	if k < 1 || m < 0 || k+m > 256 {
		return Encoded{}, fmt.Errorf("%w: shard parameters k=%d m=%d", model.ErrMalformedInput, k, m)
	}
	if len(data) == 0 {
		return Encoded{}, fmt.Errorf("%w: empty input", model.ErrMalformedInput)
	}

	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return Encoded{}, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}

	// Pad to a fixed per-shard size before splitting so shard bytes depend
	// only on (data, k, m) and never on encoder-internal sizing.
	size := shardSize(uint64(len(data)), k)
	padded := make([]byte, size*k)
	copy(padded, data)

	shards, err := enc.Split(padded)
	if err != nil {
		return Encoded{}, fmt.Errorf("splitting into shards: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return Encoded{}, fmt.Errorf("computing parity shards: %w", err)
	}

	leaves := make([]merkle.Hash, len(shards))
	for i, shard := range shards {
		leaves[i] = merkle.Sum(shard)
	}

	return Encoded{
		Manifest: model.Manifest{
			Root:         model.Root(merkle.BuildRoot(leaves)),
			Size:         uint64(len(data)),
			ShardCount:   uint32(k + m),
			DataShards:   uint16(k),
			ParityShards: uint16(m),
		},
		Shards: shards,
		Leaves: leaves,
	}, nil
}

// verifyPresent checks every supplied shard against its leaf commitment and
// counts survivors. Corrupt shards are rejected rather than nil'd out: a bad
// shard is a data-layer integrity failure the caller must hear about.
func verifyPresent(m model.Manifest, leaves []merkle.Hash, shards [][]byte) (int, error) {
	if uint32(len(shards)) != m.ShardCount || uint32(len(leaves)) != m.ShardCount {
		return 0, fmt.Errorf("%w: want %d shard slots", model.ErrMalformedInput, m.ShardCount)
	}
	present := 0
	for i, shard := range shards {
		if shard == nil {
			continue
		}
		if merkle.Sum(shard) != leaves[i] {
			return 0, fmt.Errorf("%w: shard %d", model.ErrShardCorrupt, i)
		}
		present++
	}
	return present, nil
}

// Reconstruct fills in the missing shards in place from any k survivors.
// Used by the repair path, which needs the shard bytes rather than the
// original object.
func Reconstruct(m model.Manifest, leaves []merkle.Hash, shards [][]byte) error {
	present, err := verifyPresent(m, leaves, shards)
	if err != nil {
		return err
	}
	if present < int(m.DataShards) {
		return fmt.Errorf("%w: have %d of %d required", model.ErrInsufficientShards, present, m.DataShards)
	}
	enc, err := reedsolomon.New(int(m.DataShards), int(m.ParityShards))
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("reconstructing shards: %w", err)
	}
	// Recomputed shards must land back on the original commitments.
	for i, shard := range shards {
		if merkle.Sum(shard) != leaves[i] {
			return fmt.Errorf("%w: reconstructed shard %d", model.ErrShardCorrupt, i)
		}
	}
	return nil
}

// Decode reconstructs the original bytes from any k of the k+m shards.
// Missing shards are nil entries at their original index.
func Decode(m model.Manifest, leaves []merkle.Hash, shards [][]byte) ([]byte, error) {
	work := make([][]byte, len(shards))
	copy(work, shards)
	if err := Reconstruct(m, leaves, work); err != nil {
		return nil, err
	}
	enc, err := reedsolomon.New(int(m.DataShards), int(m.ParityShards))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
	}
	var buf bytes.Buffer
	buf.Grow(int(m.Size))
	if err := enc.Join(&buf, work, int(m.Size)); err != nil {
		return nil, fmt.Errorf("joining shards: %w", err)
	}
	return buf.Bytes(), nil
}
