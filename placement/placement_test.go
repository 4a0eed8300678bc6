package placement

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/sharedcode/ckptset/group"
)

// runRanks drives one goroutine per group handle, collecting each rank's result.
func runRanks(comms []group.Comm, fn func(rank int, comm group.Comm) error) []error {
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(rank int, comm group.Comm) {
			defer wg.Done()
			errs[rank] = fn(rank, comm)
		}(i, c)
	}
	wg.Wait()
	return errs
}

// splitStores carves per-domain storage groups out of the world, one goroutine
// per rank, and returns them indexed by world rank.
func splitStores(t *testing.T, comms []group.Comm, domains []string) []group.Comm {
	t.Helper()
	ctx := context.Background()
	stores := make([]group.Comm, len(comms))
	errs := runRanks(comms, func(rank int, comm group.Comm) error {
		s, err := comm.Split(ctx, domains[rank], rank)
		if err != nil {
			return err
		}
		stores[rank] = s
		return nil
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d split: %v", rank, err)
		}
	}
	return stores
}

func TestCreateAndMigrate(t *testing.T) {
	ctx := context.Background()
	comms := group.NewWorld(4)
	domains := []string{"a", "a", "b", "b"}
	stores := splitStores(t, comms, domains)
	assocPath := filepath.Join(t.TempDir(), "set1.assoc")

	lists := [][]string{
		{"f0a", "f0b"},
		{"f1"},
		nil,
		{"f3"},
	}
	errs := runRanks(comms, func(rank int, comm group.Comm) error {
		return Create(ctx, comm, stores[rank], lists[rank], assocPath)
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d create: %v", rank, err)
		}
	}
	if _, err := os.Stat(assocPath); err != nil {
		t.Fatalf("association file not written: %v", err)
	}

	adopted := make([][]string, 4)
	errs = runRanks(comms, func(rank int, comm group.Comm) error {
		got, err := Migrate(ctx, comm, stores[rank], assocPath)
		if err != nil {
			return err
		}
		adopted[rank] = got
		return nil
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d migrate: %v", rank, err)
		}
		if len(adopted[rank]) != len(lists[rank]) || (len(lists[rank]) > 0 && !reflect.DeepEqual(adopted[rank], lists[rank])) {
			t.Fatalf("rank %d adopted %v, want %v", rank, adopted[rank], lists[rank])
		}
	}
}

func TestMigrateRewritesLostAssociation(t *testing.T) {
	ctx := context.Background()
	comms := group.NewWorld(2)
	stores := splitStores(t, comms, []string{"a", "b"})
	assocPath := filepath.Join(t.TempDir(), "set1.assoc")

	lists := [][]string{{"f0"}, {"f1"}}
	errs := runRanks(comms, func(rank int, comm group.Comm) error {
		return Create(ctx, comm, stores[rank], lists[rank], assocPath)
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d create: %v", rank, err)
		}
	}

	// Both storage leaders share the same path here, so deleting it simulates
	// every copy being lost except what Migrate can no longer find.
	if err := os.Remove(assocPath); err != nil {
		t.Fatalf("remove assoc: %v", err)
	}
	errs = runRanks(comms, func(rank int, comm group.Comm) error {
		_, err := Migrate(ctx, comm, stores[rank], assocPath)
		return err
	})
	for rank, err := range errs {
		if err == nil {
			t.Fatalf("rank %d should fail when no association copy survives", rank)
		}
	}
}

func TestRemoveIsRepeatable(t *testing.T) {
	ctx := context.Background()
	comms := group.NewWorld(2)
	stores := splitStores(t, comms, []string{"a", "b"})
	assocPath := filepath.Join(t.TempDir(), "set1.assoc")

	errs := runRanks(comms, func(rank int, comm group.Comm) error {
		return Create(ctx, comm, stores[rank], []string{fmt.Sprintf("f%d", rank)}, assocPath)
	})
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d create: %v", rank, err)
		}
	}

	for round := 0; round < 2; round++ {
		errs = runRanks(comms, func(rank int, comm group.Comm) error {
			return Remove(ctx, comm, stores[rank], assocPath)
		})
		for rank, err := range errs {
			if err != nil {
				t.Fatalf("rank %d remove round %d: %v", rank, round, err)
			}
		}
	}
	if _, err := os.Stat(assocPath); err == nil {
		t.Fatalf("association file still present")
	}
}
