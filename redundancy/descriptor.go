package redundancy

import (
	"context"
	"fmt"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/encoding"
	"github.com/sharedcode/ckptset/fs"
	"github.com/sharedcode/ckptset/group"
)

// fileInfo records one protected file as known group-wide.
type fileInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// metadata is the group-wide descriptor content persisted per rank. Every rank
// writes an identical copy, so any surviving member can supply it to peers whose
// storage was lost.
type metadata struct {
	Kind    Kind     `json:"kind"`
	Domains []string `json:"domains"`
	// Ring orders ranks round-robin across failure domains; each rank's payload
	// copy (Partner kind) lives at its successor in the ring.
	Ring  []int        `json:"ring"`
	Files [][]fileInfo `json:"files"`
	// Checksums holds the md5 hex digest of each rank's payload at encode time.
	Checksums []string `json:"checksums,omitempty"`
	// BlockSize is the padded payload block length used for XOR parity.
	BlockSize int `json:"block_size,omitempty"`
}

// Descriptor binds an encoding kind to a process group and failure-domain
// grouping. Exactly one descriptor backs one registered scheme; it is created by
// New and released by Release.
type Descriptor struct {
	kind          Kind
	comm          group.Comm
	failureDomain string
	domains       []string
	ring          []int
	posByRank     []int
	enc           *erasure
	fio           fs.FileIO
	marshaler     encoding.Marshaler
	released      bool
}

// New materializes a redundancy descriptor for (kind, comm, failureDomain).
// Collective over comm: the failure-domain labels of all members are gathered to
// lay out the partner ring.
func New(ctx context.Context, kind Kind, comm group.Comm, failureDomain string) (*Descriptor, error) {
	switch kind {
	case Single, Partner, XOR:
	default:
		return nil, ckptset.Error{Code: ckptset.InvalidArgument, Err: fmt.Errorf("unknown redundancy kind %d", kind)}
	}

	gathered, err := comm.Allgather(ctx, []byte(failureDomain))
	if err != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	domains := make([]string, len(gathered))
	for i, g := range gathered {
		domains[i] = string(g)
	}

	d := &Descriptor{
		kind:          kind,
		comm:          comm,
		failureDomain: failureDomain,
		domains:       domains,
		fio:           fs.NewFileIO(),
		marshaler:     encoding.DefaultMarshaler,
	}
	d.ring = partnerRing(domains)
	d.posByRank = make([]int, len(d.ring))
	for pos, rank := range d.ring {
		d.posByRank[rank] = pos
	}

	if kind == XOR {
		enc, err := newErasure(comm.Size())
		if err != nil {
			return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
		}
		d.enc = enc
	}
	return d, nil
}

// Kind returns the descriptor's encoding kind.
func (d *Descriptor) Kind() Kind { return d.kind }

// Release frees the descriptor. A released descriptor must not be used again.
func (d *Descriptor) Release() error {
	if d.released {
		return ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("descriptor already released")}
	}
	d.released = true
	d.enc = nil
	return nil
}

// partnerRing orders ranks round-robin across failure domains so that ring
// neighbors sit in different domains whenever more than one domain exists.
// Domains are ordered by first appearance, members within a domain by rank.
func partnerRing(domains []string) []int {
	order := []string{}
	byDomain := map[string][]int{}
	for rank, dom := range domains {
		if _, ok := byDomain[dom]; !ok {
			order = append(order, dom)
		}
		byDomain[dom] = append(byDomain[dom], rank)
	}
	ring := make([]int, 0, len(domains))
	for depth := 0; len(ring) < len(domains); depth++ {
		for _, dom := range order {
			members := byDomain[dom]
			if depth < len(members) {
				ring = append(ring, members[depth])
			}
		}
	}
	return ring
}

// copyHolder returns the rank storing this rank's payload copy (Partner kind).
func (d *Descriptor) copyHolder(rank int) int {
	pos := d.posByRank[rank]
	return d.ring[(pos+1)%len(d.ring)]
}

// copyOwner returns the rank whose payload copy this rank stores.
func (d *Descriptor) copyOwner(rank int) int {
	pos := d.posByRank[rank]
	return d.ring[(pos-1+len(d.ring))%len(d.ring)]
}

// payloadPath returns the redundancy payload file path for a rank.
func payloadPath(basePath string, rank int, kind Kind) string {
	switch kind {
	case Partner:
		return fs.RankPath(basePath, rank) + ".copy"
	case XOR:
		return fs.RankPath(basePath, rank) + ".xor"
	}
	return ""
}

// buildPayload concatenates the rank's files in metadata order.
func (d *Descriptor) buildPayload(ctx context.Context, files []fileInfo) ([]byte, error) {
	var payload []byte
	for _, fi := range files {
		ba, err := d.fio.ReadFile(ctx, fi.Path)
		if err != nil {
			return nil, err
		}
		if int64(len(ba)) != fi.Size {
			return nil, fmt.Errorf("file %s has size %d, descriptor records %d", fi.Path, len(ba), fi.Size)
		}
		payload = append(payload, ba...)
	}
	return payload, nil
}

// splitPayload rewrites the rank's files from a reconstructed payload.
func (d *Descriptor) splitPayload(ctx context.Context, payload []byte, files []fileInfo) error {
	var off int64
	for _, fi := range files {
		if off+fi.Size > int64(len(payload)) {
			return fmt.Errorf("payload too short for file %s", fi.Path)
		}
		if err := d.fio.WriteFile(ctx, fi.Path, payload[off:off+fi.Size], 0o644); err != nil {
			return err
		}
		off += fi.Size
	}
	return nil
}

// payloadSize returns the unpadded payload length for a rank's file list.
func payloadSize(files []fileInfo) int64 {
	var n int64
	for _, fi := range files {
		n += fi.Size
	}
	return n
}
