package coordinator

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/google/uuid"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/fs"
	"github.com/sharedcode/ckptset/placement"
	"github.com/sharedcode/ckptset/redundancy"
)

// completion is the handle Test and Wait poll. Today's backend is synchronous,
// so Dispatch resolves it before returning; the contract stays ready for an
// asynchronous backend: Test is a non-blocking poll, Wait a blocking join, both
// safe to call repeatedly after completion.
type completion struct {
	done chan struct{}
	err  error
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) resolve(err error) {
	c.err = err
	close(c.done)
}

// Dispatch runs the set's operation. Blocking and collective: every process in
// the set's world group must dispatch, and no process returns before the whole
// encode/rebuild/remove sequence has completed or failed everywhere. On failure
// the state marker is left at Corrupt so a later retry or rebuild knows the
// redundancy data cannot be trusted.
func (c *Coordinator) Dispatch(ctx context.Context, setID int) error {
	s, ok := c.sets[setID]
	if !ok {
		return ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown set id %d", setID)}
	}

	// Operation id correlates the log lines the ranks of one collective
	// operation emit.
	opID := uuid.NewString()
	log.Debug(fmt.Sprintf("dispatch %s: set %q direction %s rank %d", opID, s.name, s.direction, s.world.Rank()))

	comp := newCompletion()
	s.completion = comp

	var err error
	switch s.direction {
	case ckptset.DirectionEncode:
		err = c.encode(ctx, s)
	case ckptset.DirectionRebuild:
		err = c.rebuild(ctx, s)
	case ckptset.DirectionRemove:
		err = c.remove(ctx, s)
	}

	if err != nil {
		log.Warn(fmt.Sprintf("dispatch %s: set %q %s failed: %v", opID, s.name, s.direction, err))
	} else {
		log.Debug(fmt.Sprintf("dispatch %s: set %q %s complete", opID, s.name, s.direction))
	}
	comp.resolve(err)
	return err
}

// Test reports whether the last dispatch of the set has completed, without
// blocking, and returns its result once it has.
func (c *Coordinator) Test(setID int) (bool, error) {
	s, ok := c.sets[setID]
	if !ok {
		return false, ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown set id %d", setID)}
	}
	if s.completion == nil {
		// Nothing was dispatched, so nothing is outstanding.
		return true, nil
	}
	select {
	case <-s.completion.done:
		return true, s.completion.err
	default:
		return false, nil
	}
}

// Wait blocks until the last dispatch of the set completes and returns its
// result.
func (c *Coordinator) Wait(setID int) error {
	s, ok := c.sets[setID]
	if !ok {
		return ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown set id %d", setID)}
	}
	if s.completion == nil {
		return nil
	}
	<-s.completion.done
	return s.completion.err
}

// encode applies the set's scheme to its files and records the file-to-process
// association for the union of application and redundancy files. The marker goes
// to Corrupt before any data is touched and to Encoded only after every stage
// succeeded on every rank.
func (c *Coordinator) encode(ctx context.Context, s *set) error {
	sch, ok := c.schemes[s.schemeID]
	if !ok {
		return ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown scheme id %d for set %q", s.schemeID, s.name)}
	}
	files := s.fileList()

	if err := writeState(ctx, s.world, s.store, s.name, ckptset.StateCorrupt); err != nil {
		return err
	}

	// Keep the collective sequence aligned across ranks even when a stage fails
	// locally: run every stage, then agree on the verdict.
	failed := 0
	if err := sch.desc.Apply(ctx, files, s.name); err != nil {
		log.Warn(fmt.Sprintf("set %q: apply failed: %v", s.name, err))
		failed = 1
	}

	union := append(append([]string{}, files...), sch.desc.Filelist(s.name)...)
	if err := placement.Create(ctx, s.world, s.store, union, fs.AssocPath(s.name)); err != nil {
		log.Warn(fmt.Sprintf("set %q: association failed: %v", s.name, err))
		failed = 1
	}

	verdict, err := s.world.AllreduceMax(ctx, failed)
	if err != nil {
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: err}
	}
	if verdict != 0 {
		// Leave the marker at Corrupt: the data cannot be trusted as encoded.
		return ckptset.Error{Code: ckptset.CollaboratorFailure, Err: fmt.Errorf("encode failed for set %q", s.name)}
	}

	return writeState(ctx, s.world, s.store, s.name, ckptset.StateEncoded)
}

// rebuild restores a previously encoded set after a restart. It refuses to run
// unless the agreed state is Encoded: Corrupt or Null data has nothing reliable
// to rebuild from.
func (c *Coordinator) rebuild(ctx context.Context, s *set) error {
	state, err := readState(ctx, s.world, s.store, s.name)
	if err != nil {
		return err
	}
	if state != ckptset.StateEncoded {
		return ckptset.Error{Code: ckptset.CollaboratorFailure,
			Err: fmt.Errorf("set %q is %s, only encoded sets can be rebuilt", s.name, state)}
	}

	if err := writeState(ctx, s.world, s.store, s.name, ckptset.StateCorrupt); err != nil {
		return err
	}

	// Migrate ownership first: the job may be running with a different
	// rank-to-node mapping than when it encoded.
	if _, err := placement.Migrate(ctx, s.world, s.store, fs.AssocPath(s.name)); err != nil {
		return err
	}

	// The recovery verdict is agreed inside Recover, so every rank takes the
	// same branch here.
	if _, err := redundancy.Recover(ctx, s.world, s.name); err != nil {
		return err
	}

	return writeState(ctx, s.world, s.store, s.name, ckptset.StateEncoded)
}

// remove deletes the association, the redundancy data and finally the state
// marker itself; its terminal condition is "no marker exists". Removal is
// best-effort throughout and safe to repeat.
func (c *Coordinator) remove(ctx context.Context, s *set) error {
	// The data is about to be invalidated regardless of outcome.
	if err := writeState(ctx, s.world, s.store, s.name, ckptset.StateCorrupt); err != nil {
		return err
	}

	if err := placement.Remove(ctx, s.world, s.store, fs.AssocPath(s.name)); err != nil {
		log.Warn(fmt.Sprintf("set %q: association removal: %v", s.name, err))
	}

	// Reconstruct a descriptor to locate the redundancy files; best-effort, on a
	// second remove there is nothing left to describe.
	if d, err := redundancy.Recover(ctx, s.world, s.name); d != nil {
		if err := d.Unapply(ctx, s.name); err != nil {
			log.Warn(fmt.Sprintf("set %q: redundancy removal: %v", s.name, err))
		}
		if err := d.Release(); err != nil {
			log.Warn(fmt.Sprintf("set %q: descriptor release: %v", s.name, err))
		}
	} else if err != nil {
		log.Debug(fmt.Sprintf("set %q: no redundancy data to remove: %v", s.name, err))
	}

	return removeState(ctx, s.world, s.store, s.name)
}
