package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/encoding"
	"github.com/sharedcode/ckptset/fs"
	"github.com/sharedcode/ckptset/group"
)

// stateRecord is the persisted form of the state marker.
type stateRecord struct {
	State int `json:"state"`
}

// writeState persists the marker for name. Only each storage group's rank 0
// writes; everyone then synchronizes on the verdict reduction, so no process can
// proceed past a state change while a peer's write is still in flight, and a
// write failure is returned on every rank, not just the writer's. Collective
// over world.
func writeState(ctx context.Context, world, store group.Comm, name string, state ckptset.State) error {
	failed := 0
	if store.Rank() == 0 {
		ba, err := encoding.DefaultMarshaler.Marshal(stateRecord{State: int(state)})
		if err == nil {
			err = fs.NewFileIO().WriteFile(ctx, fs.StatePath(name), ba, 0o644)
		}
		if err != nil {
			failed = 1
		}
	}
	verdict, err := world.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		return ckptset.Error{Code: ckptset.FileIOError,
			Err: fmt.Errorf("a storage group leader could not write the %s marker for %q", state, name)}
	}
	return nil
}

// readState returns the agreed marker value for name. Each storage group's
// rank 0 attempts the read; a failed or absent read counts as Null and is not
// authoritative. The group then agrees: the lowest world rank holding a
// non-Null value wins and its value is broadcast to everyone. If nobody holds a
// value the agreed state is Null.
//
// When two different rank-to-node mappings each wrote a different value on
// different runs, the chosen value is arbitrary among the valid ones rather
// than provably the most recent; the deterministic tie-break is kept because it
// needs one reduction, one broadcast and no clock synchronization.
func readState(ctx context.Context, world, store group.Comm, name string) (ckptset.State, error) {
	state := ckptset.StateNull

	if store.Rank() == 0 {
		if ba, err := fs.NewFileIO().ReadFile(ctx, fs.StatePath(name)); err == nil {
			var rec stateRecord
			if err := encoding.DefaultMarshaler.Unmarshal(ba, &rec); err == nil {
				state = ckptset.State(rec.State)
			}
		}
	}

	// A process holding a non-Null reading is a candidate; the group size is the
	// always-invalid sentinel.
	candidate := world.Size()
	if state != ckptset.StateNull {
		candidate = world.Rank()
	}
	winner, err := world.AllreduceMin(ctx, candidate)
	if err != nil {
		return ckptset.StateNull, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if winner == world.Size() {
		return ckptset.StateNull, nil
	}

	ba, err := world.Bcast(ctx, winner, []byte{byte(state)})
	if err != nil {
		return ckptset.StateNull, ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	return ckptset.State(ba[0]), nil
}

// removeState deletes the marker file, returning the name to an untracked
// condition. Only each storage group's rank 0 deletes; a missing marker is not
// an error, so removal is safe to repeat. Collective over world.
func removeState(ctx context.Context, world, store group.Comm, name string) error {
	failed := 0
	if store.Rank() == 0 {
		if err := fs.NewFileIO().Remove(ctx, fs.StatePath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			failed = 1
		}
	}
	verdict, err := world.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		return ckptset.Error{Code: ckptset.FileIOError,
			Err: fmt.Errorf("a storage group leader could not delete the marker for %q", name)}
	}
	return nil
}
