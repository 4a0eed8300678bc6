package redundancy

import (
	"context"
	"encoding/hex"
	"fmt"
	log "log/slog"
	"sort"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/fs"
)

const maxThreadCount = 7

// Apply generates redundancy data for this rank's files under basePath.
// Collective over the descriptor's group: every member must call it with its own
// file list, and every member returns the same agreed verdict. A rank that fails
// locally still participates in every collective step with empty contributions,
// so its peers never block on it; the shared verdict then fails for everyone.
//
// On success each rank holds an identical descriptor file plus the payload its
// kind calls for.
func (d *Descriptor) Apply(ctx context.Context, files []string, basePath string) error {
	if d.released {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("descriptor already released")}
	}
	rank := d.comm.Rank()

	paths := append([]string{}, files...)
	sort.Strings(paths)

	// Read the rank's files in parallel, then concatenate in sorted path order.
	var localErr error
	contents := make([][]byte, len(paths))
	tr := ckptset.NewTaskRunner(ctx, maxThreadCount)
	for i := range paths {
		i := i
		tr.Go(func() error {
			ba, err := d.fio.ReadFile(tr.GetContext(), paths[i])
			if err != nil {
				return err
			}
			contents[i] = ba
			return nil
		})
	}
	if err := tr.Wait(); err != nil {
		log.Warn(fmt.Sprintf("rank %d could not read its files: %v", rank, err))
		localErr = err
		paths = nil
		contents = nil
	}

	infos := make([]fileInfo, len(paths))
	var payload []byte
	for i, p := range paths {
		infos[i] = fileInfo{Path: p, Size: int64(len(contents[i]))}
		payload = append(payload, contents[i]...)
	}

	// Share every rank's file list so any surviving member can describe the
	// whole group later.
	ownList, err := d.marshaler.Marshal(infos)
	if err != nil {
		localErr = err
		ownList = nil
	}
	gatheredLists, err := d.comm.Allgather(ctx, ownList)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	allFiles := make([][]fileInfo, len(gatheredLists))
	for i, gl := range gatheredLists {
		var fis []fileInfo
		if gl != nil {
			if err := d.marshaler.Unmarshal(gl, &fis); err != nil && localErr == nil {
				localErr = err
			}
		}
		allFiles[i] = fis
	}

	sum := checksum(payload)
	gatheredSums, err := d.comm.Allgather(ctx, []byte(hex.EncodeToString(sum[:])))
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	sums := make([]string, len(gatheredSums))
	for i, gs := range gatheredSums {
		sums[i] = string(gs)
	}

	md := metadata{
		Kind:      d.kind,
		Domains:   d.domains,
		Ring:      d.ring,
		Files:     allFiles,
		Checksums: sums,
	}

	switch d.kind {
	case Single:
		// Descriptor metadata only; the files are their own single copy.

	case Partner:
		received, err := d.comm.Exchange(ctx, d.copyHolder(rank), payload)
		if err != nil {
			return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
		}
		if localErr == nil {
			log.Debug(fmt.Sprintf("rank %d storing payload copy for rank %d (%d bytes)", rank, d.copyOwner(rank), len(received)))
			if err := d.fio.WriteFile(ctx, payloadPath(basePath, rank, Partner), received, 0o644); err != nil {
				localErr = err
			}
		}

	case XOR:
		blocks, blockSize, err := d.gatherBlocks(ctx, payload)
		if err != nil {
			return err
		}
		md.BlockSize = blockSize
		if localErr == nil {
			parity, err := d.enc.encodeParity(blocks)
			if err == nil {
				err = d.fio.WriteFile(ctx, payloadPath(basePath, rank, XOR), parity, 0o644)
			}
			if err != nil {
				localErr = err
			}
		}
	}

	if localErr == nil {
		ba, err := d.marshaler.Marshal(md)
		if err == nil {
			err = d.fio.WriteFile(ctx, fs.RankPath(basePath, rank), ba, 0o644)
		}
		if err != nil {
			localErr = err
		}
	}

	// Agree on the verdict; this also holds everyone until all descriptor and
	// payload writes have landed.
	failed := 0
	if localErr != nil {
		failed = 1
	}
	verdict, err := d.comm.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		if localErr != nil {
			return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: localErr}
		}
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("apply failed on a peer rank for %s", basePath)}
	}
	return nil
}

// gatherBlocks allgathers every rank's payload and pads each to the common block
// size the parity is computed over.
func (d *Descriptor) gatherBlocks(ctx context.Context, payload []byte) ([][]byte, int, error) {
	gathered, err := d.comm.Allgather(ctx, payload)
	if err != nil {
		return nil, 0, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	blockSize := 0
	for _, g := range gathered {
		if len(g) > blockSize {
			blockSize = len(g)
		}
	}
	if blockSize == 0 {
		blockSize = 1
	}
	blocks := make([][]byte, len(gathered))
	for i, g := range gathered {
		blocks[i] = padBlock(g, blockSize)
	}
	return blocks, blockSize, nil
}

func padBlock(b []byte, size int) []byte {
	if len(b) == size {
		return b
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}

// Filelist returns the redundancy files this rank persisted under basePath: the
// per-rank descriptor file plus the payload file its kind produces.
func (d *Descriptor) Filelist(basePath string) []string {
	rank := d.comm.Rank()
	list := []string{fs.RankPath(basePath, rank)}
	if p := payloadPath(basePath, rank, d.kind); p != "" {
		list = append(list, p)
	}
	return list
}
