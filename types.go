package ckptset

// Direction declares what a dispatched set should do with its files.
type Direction int

const (
	// DirectionEncode applies a redundancy scheme to the set's files.
	DirectionEncode Direction = iota + 1
	// DirectionRebuild migrates file ownership after a restart and restores any
	// missing files from redundancy data.
	DirectionRebuild
	// DirectionRemove deletes the redundancy data, the file association and the
	// state marker recorded for the set's name.
	DirectionRemove
)

func (d Direction) String() string {
	switch d {
	case DirectionEncode:
		return "encode"
	case DirectionRebuild:
		return "rebuild"
	case DirectionRemove:
		return "remove"
	}
	return "unknown"
}

// State is the persisted crash-consistency marker for a named set.
type State int

const (
	// StateNull means the name is untracked: no marker exists or none could be read.
	StateNull State = iota
	// StateCorrupt means an operation started and either has not finished or
	// finished in failure; redundancy data for the name cannot be trusted.
	StateCorrupt
	// StateEncoded means redundancy data is complete and trustworthy.
	StateEncoded
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateCorrupt:
		return "corrupt"
	case StateEncoded:
		return "encoded"
	}
	return "unknown"
}

// SchemeConfig carries the caller-facing redundancy scheme settings. The encoding
// mode is derived from the block counts, it is not specified directly:
//
//   - ErasureBlocks == 0: single-copy mode, no redundancy data beyond the descriptor.
//   - EncodingBlocks == ErasureBlocks: partner-copy mode, full replica on a peer.
//   - ErasureBlocks == 1: XOR parity mode.
//
// Any other combination is a general Reed-Solomon configuration this package does
// not support; scheme creation rejects it without side effects.
type SchemeConfig struct {
	// FailureDomain labels processes assumed to fail together (e.g. same host).
	FailureDomain string `json:"failure_domain"`
	// EncodingBlocks is the number of original data units.
	EncodingBlocks int `json:"encoding_blocks"`
	// ErasureBlocks is the number of redundancy units to generate.
	ErasureBlocks int `json:"erasure_blocks"`
}
