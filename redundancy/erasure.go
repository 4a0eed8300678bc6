package redundancy

import (
	"crypto/md5"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// erasure wraps the reedsolomon encoder for the XOR kind: dataShards equal-length
// payload blocks plus exactly one parity shard, which for a single parity shard
// degenerates to XOR parity across the blocks.
type erasure struct {
	dataShardsCount int
	encoder         reedsolomon.Encoder
}

func newErasure(dataShards int) (*erasure, error) {
	if dataShards+1 > 256 {
		return nil, fmt.Errorf("sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, 1)
	if err != nil {
		return nil, err
	}
	return &erasure{
		dataShardsCount: dataShards,
		encoder:         enc,
	}, nil
}

// encodeParity computes the parity block over the given equal-length payload
// blocks and returns it.
func (e *erasure) encodeParity(blocks [][]byte) ([]byte, error) {
	if len(blocks) != e.dataShardsCount {
		return nil, fmt.Errorf("expected %d payload blocks, got %d", e.dataShardsCount, len(blocks))
	}
	shards := make([][]byte, e.dataShardsCount+1)
	copy(shards, blocks)
	shards[e.dataShardsCount] = make([]byte, len(blocks[0]))
	if err := e.encoder.Encode(shards); err != nil {
		return nil, err
	}
	return shards[e.dataShardsCount], nil
}

// reconstruct fills in the nil entries of shards (payload blocks followed by the
// parity block) in place. It fails if more shards are missing than the single
// parity can cover.
func (e *erasure) reconstruct(shards [][]byte) error {
	if len(shards) != e.dataShardsCount+1 {
		return fmt.Errorf("expected %d shards, got %d", e.dataShardsCount+1, len(shards))
	}
	return e.encoder.Reconstruct(shards)
}

// checksum returns the md5 digest used to detect payload bitrot; a mismatching
// payload is treated as missing so reconstruction can overwrite it.
func checksum(data []byte) [md5.Size]byte {
	return md5.Sum(data)
}
