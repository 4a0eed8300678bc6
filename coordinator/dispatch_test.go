package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/encoding"
	"github.com/sharedcode/ckptset/fs"
	"github.com/sharedcode/ckptset/group"
)

func TestDispatchUnknownSet(t *testing.T) {
	ctx := context.Background()
	c := New()
	if err := c.Dispatch(ctx, 42); errCode(t, err) != ckptset.NotFound {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := c.Test(42); errCode(t, err) != ckptset.NotFound {
		t.Fatalf("Test: %v", err)
	}
	if err := c.Wait(42); errCode(t, err) != ckptset.NotFound {
		t.Fatalf("Wait: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestTestAndWaitWithNothingDispatched(t *testing.T) {
	comms := group.NewWorld(1)
	c := New()
	id, err := c.CreateSet(comms[0], comms[0], "x", ckptset.DirectionRebuild, 0)
	if err != nil {
		t.Fatalf("CreateSet: %v", err)
	}
	done, err := c.Test(id)
	if err != nil || !done {
		t.Fatalf("Test: %v %v", done, err)
	}
	if err := c.Wait(id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	c.FreeSet(id)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// TestRebuildRefusesUntrackedSet dispatches a rebuild for a name that was never
// encoded: the agreed state is Null and nothing may be touched.
func TestRebuildRefusesUntrackedSet(t *testing.T) {
	ctx := context.Background()
	comms := group.NewWorld(2)
	name := filepath.Join(t.TempDir(), "never-encoded")

	errs := runRanks(comms, func(rank int, world group.Comm) error {
		store, err := world.Split(ctx, fmt.Sprintf("dom%d", rank), rank)
		if err != nil {
			return err
		}
		c := New()
		id, err := c.CreateSet(world, store, name, ckptset.DirectionRebuild, 0)
		if err != nil {
			return err
		}
		dispatchErr := c.Dispatch(ctx, id)
		c.FreeSet(id)
		if err := c.Close(); err != nil {
			return err
		}
		return dispatchErr
	})
	for rank, err := range errs {
		if err == nil {
			t.Fatalf("rank %d rebuild of untracked set should fail", rank)
		}
	}
	if _, err := os.Stat(fs.StatePath(name)); err == nil {
		t.Fatalf("rebuild of an untracked set must not create a marker")
	}
}

// TestRebuildRefusesCorruptMarker writes a Corrupt marker first: there is nothing
// trustworthy to rebuild from, so the dispatch must fail without touching the
// redundancy or placement layers.
func TestRebuildRefusesCorruptMarker(t *testing.T) {
	ctx := context.Background()
	comms := group.NewWorld(2)
	name := filepath.Join(t.TempDir(), "half-written")

	errs := runRanks(comms, func(rank int, world group.Comm) error {
		store, err := world.Split(ctx, fmt.Sprintf("dom%d", rank), rank)
		if err != nil {
			return err
		}
		if err := writeState(ctx, world, store, name, ckptset.StateCorrupt); err != nil {
			return err
		}
		c := New()
		id, err := c.CreateSet(world, store, name, ckptset.DirectionRebuild, 0)
		if err != nil {
			return err
		}
		dispatchErr := c.Dispatch(ctx, id)
		c.FreeSet(id)
		if err := c.Close(); err != nil {
			return err
		}
		return dispatchErr
	})
	for rank, err := range errs {
		if err == nil {
			t.Fatalf("rank %d rebuild of corrupt data should fail", rank)
		}
	}
	// The refusal happens before any collaborator runs: no association or
	// descriptor files may appear.
	for _, p := range []string{fs.AssocPath(name), fs.RankPath(name, 0), fs.RankPath(name, 1)} {
		if _, err := os.Stat(p); err == nil {
			t.Fatalf("%s created by a refused rebuild", p)
		}
	}
}

func readMarker(t *testing.T, name string) ckptset.State {
	t.Helper()
	ba, err := os.ReadFile(fs.StatePath(name))
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	var rec stateRecord
	if err := encoding.DefaultMarshaler.Unmarshal(ba, &rec); err != nil {
		t.Fatalf("unmarshal marker: %v", err)
	}
	return ckptset.State(rec.State)
}

// TestEncodeRebuildRemoveEndToEnd runs the whole lifecycle with four processes in
// two storage domains: encode with the partner scheme, lose one process's
// storage, rebuild, then remove until no trace is left.
func TestEncodeRebuildRemoveEndToEnd(t *testing.T) {
	ctx := context.Background()
	n := 4
	domains := []string{"a", "a", "b", "b"}
	comms := group.NewWorld(n)
	dir := t.TempDir()
	name := filepath.Join(dir, "ckpt")

	files := make([][]string, n)
	contents := make([][][]byte, n)
	for rank := 0; rank < n; rank++ {
		files[rank] = make([]string, 2)
		contents[rank] = make([][]byte, 2)
		for i := range files[rank] {
			p := filepath.Join(dir, fmt.Sprintf("rank%d-file%d.dat", rank, i))
			data := bytes.Repeat([]byte{byte(rank*8 + i + 1)}, 32+rank)
			if err := os.WriteFile(p, data, 0o644); err != nil {
				t.Fatalf("seed file: %v", err)
			}
			files[rank][i] = p
			contents[rank][i] = data
		}
	}

	coords := make([]*Coordinator, n)
	stores := make([]group.Comm, n)
	schemeIDs := make([]int, n)

	// Encode.
	errs := runRanks(comms, func(rank int, world group.Comm) error {
		store, err := world.Split(ctx, domains[rank], rank)
		if err != nil {
			return err
		}
		stores[rank] = store
		coords[rank] = New()

		schemeID, err := coords[rank].CreateScheme(ctx, world, ckptset.SchemeConfig{
			FailureDomain:  domains[rank],
			EncodingBlocks: 4,
			ErasureBlocks:  4,
		})
		if err != nil {
			return err
		}
		schemeIDs[rank] = schemeID

		setID, err := coords[rank].CreateSet(world, store, name, ckptset.DirectionEncode, schemeID)
		if err != nil {
			return err
		}
		for _, f := range files[rank] {
			if err := coords[rank].AddFile(setID, f); err != nil {
				return err
			}
		}
		if err := coords[rank].Dispatch(ctx, setID); err != nil {
			return err
		}
		if done, err := coords[rank].Test(setID); err != nil || !done {
			return fmt.Errorf("Test after dispatch: %v %v", done, err)
		}
		if err := coords[rank].Wait(setID); err != nil {
			return err
		}
		return coords[rank].FreeSet(setID)
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d encode: %v", rank, err)
		}
	}
	if got := readMarker(t, name); got != ckptset.StateEncoded {
		t.Fatalf("marker after encode is %s", got)
	}
	if _, err := os.Stat(fs.AssocPath(name)); err != nil {
		t.Fatalf("association missing after encode: %v", err)
	}

	// Storage domain "b" is wiped between runs: both of its ranks lose their
	// protected files, descriptors and held copies. The partner ring placed
	// their payload copies in domain "a", so everything remains recoverable.
	for _, rank := range []int{2, 3} {
		for _, p := range files[rank] {
			if err := os.Remove(p); err != nil {
				t.Fatalf("wipe: %v", err)
			}
		}
		for _, p := range []string{fs.RankPath(name, rank), fs.RankPath(name, rank) + ".copy"} {
			if err := os.Remove(p); err != nil {
				t.Fatalf("wipe: %v", err)
			}
		}
	}

	// Rebuild.
	errs = runRanks(comms, func(rank int, world group.Comm) error {
		setID, err := coords[rank].CreateSet(world, stores[rank], name, ckptset.DirectionRebuild, 0)
		if err != nil {
			return err
		}
		if err := coords[rank].Dispatch(ctx, setID); err != nil {
			return err
		}
		if err := coords[rank].Wait(setID); err != nil {
			return err
		}
		return coords[rank].FreeSet(setID)
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d rebuild: %v", rank, err)
		}
	}
	for _, rank := range []int{2, 3} {
		for i, p := range files[rank] {
			got, err := os.ReadFile(p)
			if err != nil {
				t.Fatalf("restored file %s: %v", p, err)
			}
			if !bytes.Equal(got, contents[rank][i]) {
				t.Fatalf("restored file %s differs", p)
			}
		}
	}
	if got := readMarker(t, name); got != ckptset.StateEncoded {
		t.Fatalf("marker after rebuild is %s", got)
	}

	// Remove, twice: the second pass finds nothing and still succeeds.
	for round := 0; round < 2; round++ {
		errs = runRanks(comms, func(rank int, world group.Comm) error {
			setID, err := coords[rank].CreateSet(world, stores[rank], name, ckptset.DirectionRemove, 0)
			if err != nil {
				return err
			}
			if err := coords[rank].Dispatch(ctx, setID); err != nil {
				return err
			}
			return coords[rank].FreeSet(setID)
		})
		for rank, err := range errs {
			if err != nil {
				t.Fatalf("rank %d remove round %d: %v", rank, round, err)
			}
		}
	}
	for _, p := range []string{fs.StatePath(name), fs.AssocPath(name)} {
		if _, err := os.Stat(p); err == nil {
			t.Fatalf("%s still present after remove", p)
		}
	}
	for rank := 0; rank < n; rank++ {
		for _, p := range []string{fs.RankPath(name, rank), fs.RankPath(name, rank) + ".copy"} {
			if _, err := os.Stat(p); err == nil {
				t.Fatalf("%s still present after remove", p)
			}
		}
		// The protected files stay: remove deletes redundancy, not data.
		for _, p := range files[rank] {
			if _, err := os.Stat(p); err != nil {
				t.Fatalf("protected file %s lost: %v", p, err)
			}
		}
	}

	errs = runRanks(comms, func(rank int, world group.Comm) error {
		if err := coords[rank].FreeScheme(schemeIDs[rank]); err != nil {
			return err
		}
		return coords[rank].Close()
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d teardown: %v", rank, err)
		}
	}
}
