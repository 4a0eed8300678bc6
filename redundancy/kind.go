// Package redundancy produces and applies redundancy descriptors: given an
// encoding kind and a process/failure-domain grouping it generates redundancy
// files for a rank's checkpoint files, and can later reconstruct missing files
// from the surviving redundancy data, or remove it.
//
// Three kinds are supported. Single records descriptor metadata only, so files
// can be verified but not restored. Partner ships a full copy of each rank's
// payload to a peer in a different failure domain. XOR stores a reedsolomon
// single-parity block computed across the whole group, tolerating the loss of
// any one member's files.
package redundancy

// Kind selects the redundancy encoding.
type Kind int

const (
	// Single keeps descriptor metadata only; no redundancy payload is written.
	Single Kind = iota + 1
	// Partner replicates each rank's payload on a partner rank, preferring a
	// partner in a different failure domain.
	Partner
	// XOR stores a single parity block computed across all ranks' payloads.
	XOR
)

func (k Kind) String() string {
	switch k {
	case Single:
		return "single"
	case Partner:
		return "partner"
	case XOR:
		return "xor"
	}
	return "unknown"
}
