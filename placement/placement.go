// Package placement records which process owns which files for a named set, so
// that a job restarted with a different rank-to-node mapping can re-establish
// ownership before any rebuild runs. The association is persisted by each
// storage group's rank 0 and recovered with the same lowest-rank agreement the
// state marker uses.
package placement

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/encoding"
	"github.com/sharedcode/ckptset/fs"
	"github.com/sharedcode/ckptset/group"
)

// association is the persisted content: file lists indexed by world rank.
type association struct {
	Files [][]string `json:"files"`
}

// Create records the union of every rank's files. Collective over world; each
// storage group's rank 0 writes assocPath on its storage. The verdict is agreed
// across the group, so a leader's write failure is returned on every rank.
func Create(ctx context.Context, world, store group.Comm, files []string, assocPath string) error {
	fio := fs.NewFileIO()
	marshaler := encoding.DefaultMarshaler

	var localErr error
	ownList, err := marshaler.Marshal(files)
	if err != nil {
		localErr = err
		ownList = nil
	}
	gathered, err := world.Allgather(ctx, ownList)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}

	assoc := association{Files: make([][]string, len(gathered))}
	for i, g := range gathered {
		var list []string
		if g != nil {
			if err := marshaler.Unmarshal(g, &list); err != nil && localErr == nil {
				localErr = err
			}
		}
		assoc.Files[i] = list
	}

	if localErr == nil && store.Rank() == 0 {
		ba, err := marshaler.Marshal(assoc)
		if err == nil {
			err = fio.WriteFile(ctx, assocPath, ba, 0o644)
		}
		if err != nil {
			localErr = err
		}
	}

	failed := 0
	if localErr != nil {
		failed = 1
	}
	verdict, err := world.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		if localErr != nil {
			return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: localErr}
		}
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("association create failed on a peer rank for %s", assocPath)}
	}
	return nil
}

// Migrate re-establishes file ownership after a possible rank-to-node remapping.
// Collective over world. Any surviving storage leader's copy of the association
// wins (lowest world rank), gets broadcast, and each rank adopts the file list
// recorded for its rank. Missing files are reported, not fatal; the redundancy
// layer restores them. The adopted list is returned.
func Migrate(ctx context.Context, world, store group.Comm, assocPath string) ([]string, error) {
	fio := fs.NewFileIO()
	marshaler := encoding.DefaultMarshaler

	var local []byte
	if store.Rank() == 0 {
		ba, err := fio.ReadFile(ctx, assocPath)
		if err == nil {
			local = ba
		}
	}

	// Lowest world rank holding a readable association is authoritative.
	candidate := world.Size()
	if local != nil {
		candidate = world.Rank()
	}
	winner, err := world.AllreduceMin(ctx, candidate)
	if err != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if winner == world.Size() {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("no association file survives at %s", assocPath)}
	}
	ba, err := world.Bcast(ctx, winner, local)
	if err != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}

	var assoc association
	if err := marshaler.Unmarshal(ba, &assoc); err != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if len(assoc.Files) != world.Size() {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure,
			Err: fmt.Errorf("association at %s covers %d ranks, group has %d", assocPath, len(assoc.Files), world.Size())}
	}

	// Re-establish the association on storage groups whose copy was lost.
	if store.Rank() == 0 && local == nil {
		if err := fio.WriteFile(ctx, assocPath, ba, 0o644); err != nil {
			log.Warn(fmt.Sprintf("could not rewrite association file %s: %v", assocPath, err))
		}
	}

	adopted := assoc.Files[world.Rank()]
	for _, f := range adopted {
		if !fio.Exists(ctx, f) {
			log.Warn(fmt.Sprintf("rank %d missing associated file %s", world.Rank(), f))
		}
	}

	if err := world.Barrier(ctx); err != nil {
		return nil, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	return adopted, nil
}

// Remove deletes the association. Collective over world; a missing association
// file is not an error, so Remove is safe to repeat.
func Remove(ctx context.Context, world, store group.Comm, assocPath string) error {
	fio := fs.NewFileIO()

	failed := 0
	if store.Rank() == 0 {
		if err := fio.Remove(ctx, assocPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			failed = 1
		}
	}
	verdict, err := world.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("could not remove association file %s", assocPath)}
	}
	return nil
}
