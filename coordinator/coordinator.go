// Package coordinator implements the lifecycle layer: registries for redundancy
// schemes and named file sets, the persisted state-marker agreement protocol, and
// the dispatcher that sequences the redundancy and placement collaborators around
// state-marker updates.
//
// A Coordinator is process-local. Registries are not shared across processes and
// are not safe for concurrent use within one process; consistency across the job
// is achieved entirely through the collective state-marker protocol.
package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/sharedcode/ckptset"
	"github.com/sharedcode/ckptset/group"
	"github.com/sharedcode/ckptset/redundancy"
)

// Coordinator is the explicit subsystem context: one per process, created by New
// and torn down by Close. Scheme and set identifiers are monotonically increasing
// and are never reused within the Coordinator's lifetime, even after a free, so a
// stale id can never silently resolve to a newer resource.
type Coordinator struct {
	schemeCounter int
	setCounter    int
	schemes       map[int]*scheme
	sets          map[int]*set
}

type scheme struct {
	id     int
	config ckptset.SchemeConfig
	comm   group.Comm
	desc   *redundancy.Descriptor
}

type set struct {
	id        int
	name      string
	direction ckptset.Direction
	schemeID  int
	world     group.Comm
	store     group.Comm
	// files keys on path, so duplicate adds are idempotent.
	files      map[string]struct{}
	completion *completion
}

// New creates an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		schemes: map[int]*scheme{},
		sets:    map[int]*set{},
	}
}

// Close tears the Coordinator down. It fails with ResourceLeak if any scheme or
// set is still registered: the caller must free all outstanding resources first.
// This is a leak-detection contract, not a convenience cascade-delete.
func (c *Coordinator) Close() error {
	var leaked []int
	for id := range c.schemes {
		leaked = append(leaked, id)
	}
	if len(leaked) > 0 {
		sort.Ints(leaked)
		return ckptset.Error{Code: ckptset.ResourceLeak, UserData: leaked,
			Err: fmt.Errorf("close called before schemes freed")}
	}
	for id := range c.sets {
		leaked = append(leaked, id)
	}
	if len(leaked) > 0 {
		sort.Ints(leaked)
		return ckptset.Error{Code: ckptset.ResourceLeak, UserData: leaked,
			Err: fmt.Errorf("close called before sets freed")}
	}
	c.schemes = nil
	c.sets = nil
	return nil
}

// CreateScheme registers a redundancy scheme for the group and returns its id,
// or -1 with an error. The encoding kind is derived from the block counts; a
// general Reed-Solomon combination is rejected before anything is allocated.
// Collective over comm (the descriptor layout gathers failure domains).
func (c *Coordinator) CreateScheme(ctx context.Context, comm group.Comm, cfg ckptset.SchemeConfig) (int, error) {
	kind, err := deriveKind(cfg)
	if err != nil {
		return -1, err
	}

	desc, err := redundancy.New(ctx, kind, comm, cfg.FailureDomain)
	if err != nil {
		return -1, err
	}

	c.schemeCounter++
	id := c.schemeCounter
	c.schemes[id] = &scheme{
		id:     id,
		config: cfg,
		comm:   comm,
		desc:   desc,
	}
	return id, nil
}

// deriveKind maps the caller's block counts onto a supported encoding kind.
func deriveKind(cfg ckptset.SchemeConfig) (redundancy.Kind, error) {
	if cfg.EncodingBlocks < 1 {
		return 0, ckptset.Error{Code: ckptset.InvalidArgument,
			Err: fmt.Errorf("encoding blocks must be >= 1, got %d", cfg.EncodingBlocks)}
	}
	switch {
	case cfg.ErasureBlocks == 0:
		return redundancy.Single, nil
	case cfg.EncodingBlocks == cfg.ErasureBlocks:
		return redundancy.Partner, nil
	case cfg.ErasureBlocks == 1:
		return redundancy.XOR, nil
	}
	// Some form of Reed-Solomon that we don't support.
	return 0, ckptset.Error{Code: ckptset.InvalidArgument,
		Err: fmt.Errorf("unsupported erasure configuration: %d encoding, %d erasure blocks",
			cfg.EncodingBlocks, cfg.ErasureBlocks)}
}

// FreeScheme releases the scheme's descriptor and drops the registry entry. A
// release failure is reported, but the entry is removed regardless: a leaked
// native resource is preferable to a registry slot that can never be cleared.
func (c *Coordinator) FreeScheme(schemeID int) error {
	sch, ok := c.schemes[schemeID]
	if !ok {
		return ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown scheme id %d", schemeID)}
	}
	err := sch.desc.Release()
	delete(c.schemes, schemeID)
	return err
}

// CreateSet registers a named set bound to a world/store group pair and a
// direction, returning its id or -1 with an error. For the encode direction the
// scheme id must resolve; when it does not, the just-consumed set id is rolled
// back out of the registry (and never reissued).
func (c *Coordinator) CreateSet(world, store group.Comm, name string, direction ckptset.Direction, schemeID int) (int, error) {
	if name == "" {
		return -1, ckptset.Error{Code: ckptset.InvalidArgument, Err: fmt.Errorf("set name must not be empty")}
	}
	switch direction {
	case ckptset.DirectionEncode, ckptset.DirectionRebuild, ckptset.DirectionRemove:
	default:
		return -1, ckptset.Error{Code: ckptset.InvalidArgument, Err: fmt.Errorf("unknown direction %d", direction)}
	}

	c.setCounter++
	id := c.setCounter
	c.sets[id] = &set{
		id:        id,
		name:      name,
		direction: direction,
		world:     world,
		store:     store,
		files:     map[string]struct{}{},
	}

	// When encoding we need to remember the scheme; on rebuild and remove it is
	// implied by the persisted data.
	if direction == ckptset.DirectionEncode {
		if _, ok := c.schemes[schemeID]; !ok {
			delete(c.sets, id)
			return -1, ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown scheme id %d", schemeID)}
		}
		c.sets[id].schemeID = schemeID
	}
	return id, nil
}

// AddFile adds a file path to the set. Adding the same path twice is a no-op.
func (c *Coordinator) AddFile(setID int, file string) error {
	if file == "" {
		return ckptset.Error{Code: ckptset.InvalidArgument, Err: fmt.Errorf("file path must not be empty")}
	}
	s, ok := c.sets[setID]
	if !ok {
		return ckptset.Error{Code: ckptset.NotFound, Err: fmt.Errorf("unknown set id %d", setID)}
	}
	s.files[file] = struct{}{}
	return nil
}

// FreeSet releases the local control block for the set. It never fails: freeing
// an unknown id is a no-op. Persisted state and redundancy data are untouched;
// deleting those is what a remove-direction dispatch is for.
func (c *Coordinator) FreeSet(setID int) error {
	delete(c.sets, setID)
	return nil
}

// fileList returns the set's files sorted by path.
func (s *set) fileList() []string {
	files := make([]string, 0, len(s.files))
	for f := range s.files {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}
