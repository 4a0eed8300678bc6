package redundancy

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	log "log/slog"
	"os"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/encoding"
	"github.com/sharedcode/ckptset/fs"
	"github.com/sharedcode/ckptset/group"
)

// Recover reloads the descriptor persisted under basePath and restores this
// rank's missing or corrupted files from the surviving redundancy data.
// Collective over comm; the verdict is agreed across the group, so every member
// returns the same success or failure. On failure the returned descriptor is
// still usable for Unapply when any member could reload the metadata.
func Recover(ctx context.Context, comm group.Comm, basePath string) (*Descriptor, error) {
	fio := fs.NewFileIO()
	marshaler := encoding.DefaultMarshaler
	rank := comm.Rank()

	// Reload the group metadata, borrowing a surviving rank's copy if the local
	// descriptor file was lost with its storage.
	localMeta, err := fio.ReadFile(ctx, fs.RankPath(basePath, rank))
	if err != nil {
		localMeta = nil
	}
	gathered, gerr := comm.Allgather(ctx, localMeta)
	if gerr != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: gerr}
	}
	var metaBytes []byte
	for _, g := range gathered {
		if len(g) > 0 {
			metaBytes = g
			break
		}
	}
	if metaBytes == nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("no descriptor file survives for %s", basePath)}
	}
	var md metadata
	if err := marshaler.Unmarshal(metaBytes, &md); err != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if len(md.Files) != comm.Size() {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure,
			Err: fmt.Errorf("descriptor for %s covers %d ranks, group has %d", basePath, len(md.Files), comm.Size())}
	}

	d := &Descriptor{
		kind:          md.Kind,
		comm:          comm,
		failureDomain: md.Domains[rank],
		domains:       md.Domains,
		ring:          md.Ring,
		fio:           fio,
		marshaler:     marshaler,
	}
	d.posByRank = make([]int, len(d.ring))
	for pos, r := range d.ring {
		d.posByRank[r] = pos
	}
	if d.kind == XOR {
		enc, err := newErasure(comm.Size())
		if err != nil {
			return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
		}
		d.enc = enc
	}

	// Restore the local descriptor file if it was among the casualties.
	if localMeta == nil {
		if err := fio.WriteFile(ctx, fs.RankPath(basePath, rank), metaBytes, 0o644); err != nil {
			log.Warn(fmt.Sprintf("rank %d could not rewrite descriptor file: %v", rank, err))
		}
	}

	myFiles := md.Files[rank]
	payload, intact := d.verifyPayload(ctx, myFiles, md.Checksums[rank])

	failed := 0
	switch d.kind {
	case Single:
		// Nothing to restore from; the files either survived or they did not.
		if !intact {
			failed = 1
		}

	case Partner:
		if err := d.recoverPartner(ctx, basePath, &md, payload, intact); err != nil {
			log.Warn(fmt.Sprintf("rank %d partner recovery: %v", rank, err))
			failed = 1
		}

	case XOR:
		if err := d.recoverXOR(ctx, basePath, &md, payload, intact); err != nil {
			log.Warn(fmt.Sprintf("rank %d xor recovery: %v", rank, err))
			failed = 1
		}
	}

	verdict, err := comm.AllreduceMax(ctx, failed)
	if err != nil {
		return d, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		return d, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("rebuild failed for %s", basePath)}
	}
	return d, nil
}

// verifyPayload rebuilds the rank's payload from its files and checks it against
// the encode-time checksum. A mismatching or unreadable payload counts as lost.
func (d *Descriptor) verifyPayload(ctx context.Context, files []fileInfo, wantSum string) ([]byte, bool) {
	payload, err := d.buildPayload(ctx, files)
	if err != nil {
		return nil, false
	}
	sum := checksum(payload)
	if hex.EncodeToString(sum[:]) != wantSum {
		return nil, false
	}
	return payload, true
}

// recoverPartner restores this rank's payload from its partner's copy, then
// restores the copy this rank holds for its own partner if that went missing.
// Both exchange rounds run regardless of local failures so the collective
// sequence stays aligned across ranks; failures are folded into the returned
// error and agreed on by the caller.
func (d *Descriptor) recoverPartner(ctx context.Context, basePath string, md *metadata, payload []byte, intact bool) error {
	rank := d.comm.Rank()
	owner := d.copyOwner(rank)

	heldCopy, err := d.fio.ReadFile(ctx, payloadPath(basePath, rank, Partner))
	if err != nil {
		heldCopy = nil
	}
	if heldCopy != nil {
		sum := checksum(heldCopy)
		if hex.EncodeToString(sum[:]) != md.Checksums[owner] {
			heldCopy = nil
		}
	}

	// Round 1: every rank returns the copy it holds to the copy's owner.
	received, err := d.comm.Exchange(ctx, owner, heldCopy)
	if err != nil {
		return err
	}
	var localErr error
	if !intact {
		switch {
		case received == nil:
			localErr = fmt.Errorf("payload and partner copy both lost")
		default:
			sum := checksum(received)
			if hex.EncodeToString(sum[:]) != md.Checksums[rank] {
				localErr = fmt.Errorf("partner copy failed checksum verification")
			} else if err := d.splitPayload(ctx, received, md.Files[rank]); err != nil {
				localErr = err
			} else {
				payload = received
				log.Debug(fmt.Sprintf("rank %d restored %d files from partner copy", rank, len(md.Files[rank])))
			}
		}
	}

	// Round 2: every rank ships its (possibly just restored) payload to its copy
	// holder so lost copies are re-established too.
	fromOwner, err := d.comm.Exchange(ctx, d.copyHolder(rank), payload)
	if err != nil {
		return err
	}
	if localErr == nil && heldCopy == nil {
		if fromOwner == nil {
			localErr = fmt.Errorf("cannot re-establish copy for rank %d", owner)
		} else if err := d.fio.WriteFile(ctx, payloadPath(basePath, rank, Partner), fromOwner, 0o644); err != nil {
			localErr = err
		}
	}
	return localErr
}

// recoverXOR reconstructs lost payload blocks from the surviving blocks plus the
// parity, then rewrites this rank's files and its parity file as needed.
func (d *Descriptor) recoverXOR(ctx context.Context, basePath string, md *metadata, payload []byte, intact bool) error {
	rank := d.comm.Rank()

	var block []byte
	if intact {
		block = padBlock(payload, md.BlockSize)
	}
	blocks, err := d.comm.Allgather(ctx, block)
	if err != nil {
		return err
	}

	parity, err := d.fio.ReadFile(ctx, payloadPath(basePath, rank, XOR))
	if err != nil || len(parity) != md.BlockSize {
		parity = nil
	}
	parityLost := parity == nil
	gatheredParity, err := d.comm.Allgather(ctx, parity)
	if err != nil {
		return err
	}
	for _, g := range gatheredParity {
		if len(g) == md.BlockSize {
			parity = g
			break
		}
	}

	shards := make([][]byte, d.comm.Size()+1)
	for i, b := range blocks {
		if len(b) == md.BlockSize {
			shards[i] = b
		}
	}
	shards[d.comm.Size()] = parity

	if err := d.enc.reconstruct(shards); err != nil {
		return err
	}

	if !intact {
		restored := shards[rank][:payloadSize(md.Files[rank])]
		sum := checksum(restored)
		if hex.EncodeToString(sum[:]) != md.Checksums[rank] {
			return fmt.Errorf("reconstructed payload failed checksum verification")
		}
		if err := d.splitPayload(ctx, restored, md.Files[rank]); err != nil {
			return err
		}
		log.Debug(fmt.Sprintf("rank %d reconstructed %d files from xor parity", rank, len(md.Files[rank])))
	}
	if parityLost {
		if err := d.fio.WriteFile(ctx, payloadPath(basePath, rank, XOR), shards[d.comm.Size()], 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Unapply removes this rank's redundancy files under basePath. The protected
// application files are left alone. Missing redundancy files are not an error,
// so Unapply is safe to repeat. Collective: the verdict is agreed, which also
// synchronizes the group behind the deletions.
func (d *Descriptor) Unapply(ctx context.Context, basePath string) error {
	failed := 0
	for _, p := range d.Filelist(basePath) {
		if err := d.fio.Remove(ctx, p); err != nil && !errors.Is(err, os.ErrNotExist) {
			failed = 1
		}
	}
	verdict, err := d.comm.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("could not remove redundancy files for %s", basePath)}
	}
	return nil
}
