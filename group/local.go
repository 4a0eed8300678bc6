package group

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewWorld returns n linked in-process group handles, one per simulated process
// rank. Handles are meant to be driven from n goroutines, one goroutine playing
// the part of one process.
func NewWorld(n int) []Comm {
	eng := newEngine(n)
	comms := make([]Comm, n)
	for i := 0; i < n; i++ {
		comms[i] = &localComm{eng: eng, rank: i, size: n}
	}
	return comms
}

type localComm struct {
	eng  *engine
	rank int
	size int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.size }

// engine is the rendezvous point shared by all members of one group. A collective
// round collects one contribution per rank, computes the per-rank results once the
// last member arrives, and holds the round open until every member has picked its
// result up, so back-to-back collectives from fast ranks cannot overtake a round.
type engine struct {
	mu       sync.Mutex
	cond     *sync.Cond
	size     int
	arrived  int
	departed int
	draining bool
	gen      uint64
	contrib  []any
	result   []any
}

func newEngine(n int) *engine {
	e := &engine{size: n, contrib: make([]any, n)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// reducer computes per-rank results from the per-rank contributions. It runs once
// per round, under the engine lock, in the last arriving member.
type reducer func(contribs []any) []any

func (e *engine) collective(ctx context.Context, rank int, in any, reduce reducer) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Wait for the previous round to drain before joining a new one.
	for e.draining {
		if err := e.wait(ctx); err != nil {
			return nil, err
		}
	}

	gen := e.gen
	e.contrib[rank] = in
	e.arrived++
	if e.arrived == e.size {
		e.result = reduce(e.contrib)
		e.draining = true
		e.gen++
		e.cond.Broadcast()
	} else {
		for e.gen == gen {
			if err := e.wait(ctx); err != nil {
				if e.gen == gen {
					// Round not reduced yet: withdraw so the surviving members'
					// count stays consistent.
					e.contrib[rank] = nil
					e.arrived--
				} else {
					// The round completed in the same window the context fired.
					// This member was counted in the reduction, so it must still
					// depart or the round never drains.
					e.depart()
				}
				return nil, err
			}
		}
	}

	out := e.result[rank]
	e.depart()
	return out, nil
}

// depart marks this member done picking up its result; the last one out resets
// the engine for the next round.
func (e *engine) depart() {
	e.departed++
	if e.departed == e.size {
		e.arrived = 0
		e.departed = 0
		e.draining = false
		e.contrib = make([]any, e.size)
		e.result = nil
		e.cond.Broadcast()
	}
}

// wait blocks on the engine condition, waking early if ctx is canceled. The
// watcher goroutine broadcasts so the canceled member can observe ctx.Err.
func (e *engine) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-done:
		}
	}()
	e.cond.Wait()
	close(done)
	return ctx.Err()
}

func (c *localComm) Barrier(ctx context.Context) error {
	_, err := c.eng.collective(ctx, c.rank, nil, func(contribs []any) []any {
		return make([]any, len(contribs))
	})
	return err
}

func (c *localComm) AllreduceMin(ctx context.Context, v int) (int, error) {
	return c.allreduce(ctx, v, func(best, next int) bool { return next < best })
}

func (c *localComm) AllreduceMax(ctx context.Context, v int) (int, error) {
	return c.allreduce(ctx, v, func(best, next int) bool { return next > best })
}

func (c *localComm) allreduce(ctx context.Context, v int, better func(best, next int) bool) (int, error) {
	out, err := c.eng.collective(ctx, c.rank, v, func(contribs []any) []any {
		best := contribs[0].(int)
		for _, ci := range contribs[1:] {
			if n := ci.(int); better(best, n) {
				best = n
			}
		}
		results := make([]any, len(contribs))
		for i := range results {
			results[i] = best
		}
		return results
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

func (c *localComm) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	if root < 0 || root >= c.size {
		return nil, fmt.Errorf("bcast root %d out of range for group of size %d", root, c.size)
	}
	in := any(nil)
	if c.rank == root {
		in = cloneBytes(data)
	}
	out, err := c.eng.collective(ctx, c.rank, in, func(contribs []any) []any {
		payload := contribs[root]
		results := make([]any, len(contribs))
		for i := range results {
			results[i] = payload
		}
		return results
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return cloneBytes(out.([]byte)), nil
}

func (c *localComm) Allgather(ctx context.Context, data []byte) ([][]byte, error) {
	out, err := c.eng.collective(ctx, c.rank, cloneBytes(data), func(contribs []any) []any {
		gathered := make([][]byte, len(contribs))
		for i, ci := range contribs {
			if ci != nil {
				gathered[i] = ci.([]byte)
			}
		}
		results := make([]any, len(contribs))
		for i := range results {
			results[i] = gathered
		}
		return results
	})
	if err != nil {
		return nil, err
	}
	gathered := out.([][]byte)
	results := make([][]byte, len(gathered))
	for i, g := range gathered {
		results[i] = cloneBytes(g)
	}
	return results, nil
}

type exchangeMsg struct {
	dest int
	data []byte
}

func (c *localComm) Exchange(ctx context.Context, dest int, data []byte) ([]byte, error) {
	if dest < 0 || dest >= c.size {
		return nil, fmt.Errorf("exchange dest %d out of range for group of size %d", dest, c.size)
	}
	out, err := c.eng.collective(ctx, c.rank, exchangeMsg{dest: dest, data: cloneBytes(data)}, func(contribs []any) []any {
		results := make([]any, len(contribs))
		for _, ci := range contribs {
			msg := ci.(exchangeMsg)
			results[msg.dest] = msg.data
		}
		return results
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return cloneBytes(out.([]byte)), nil
}

type splitMsg struct {
	color string
	key   int
	rank  int
}

func (c *localComm) Split(ctx context.Context, color string, key int) (Comm, error) {
	out, err := c.eng.collective(ctx, c.rank, splitMsg{color: color, key: key, rank: c.rank}, func(contribs []any) []any {
		// Bucket members by color, order each bucket by key then parent rank.
		buckets := map[string][]splitMsg{}
		for _, ci := range contribs {
			msg := ci.(splitMsg)
			buckets[msg.color] = append(buckets[msg.color], msg)
		}
		results := make([]any, len(contribs))
		for _, members := range buckets {
			sort.Slice(members, func(i, j int) bool {
				if members[i].key != members[j].key {
					return members[i].key < members[j].key
				}
				return members[i].rank < members[j].rank
			})
			sub := newEngine(len(members))
			for newRank, m := range members {
				results[m.rank] = &localComm{eng: sub, rank: newRank, size: len(members)}
			}
		}
		return results
	})
	if err != nil {
		return nil, err
	}
	return out.(*localComm), nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
