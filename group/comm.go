// Package group provides the process-group handles and collective operations the
// coordinator and its collaborators run on. A group is the full roster of
// cooperating processes ("world") or any subset of it, such as the processes that
// share one storage domain.
//
// Every operation on a Comm is collective: all members of the group must call it,
// and a member that does not participate blocks the others indefinitely. No timeout
// is defined at this layer; a caller-supplied implementation may add one, and the
// in-process implementation unblocks with an error when the context is canceled.
package group

import "context"

// Comm is a handle onto one process's membership in a group. Rank is the caller's
// zero-based position in the group, stable for the life of the handle.
type Comm interface {
	Rank() int
	Size() int

	// Barrier blocks until every member of the group has entered it.
	Barrier(ctx context.Context) error

	// AllreduceMin returns the minimum of the values contributed by all members.
	AllreduceMin(ctx context.Context, v int) (int, error)

	// AllreduceMax returns the maximum of the values contributed by all members.
	AllreduceMax(ctx context.Context, v int) (int, error)

	// Bcast distributes root's data to every member. Non-root callers' data
	// argument is ignored.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)

	// Allgather returns every member's contribution, indexed by rank.
	Allgather(ctx context.Context, data []byte) ([][]byte, error)

	// Exchange sends data to dest and returns whatever some member sent to this
	// rank in the same round. Every member must target exactly one peer and every
	// rank must be targeted by exactly one member, or the result for untargeted
	// ranks is nil.
	Exchange(ctx context.Context, dest int, data []byte) ([]byte, error)

	// Split partitions the group into sub-groups of members that passed equal
	// color strings. Ranks within a sub-group are ordered by key, ties broken by
	// parent rank. Mirrors how callers carve host-local storage groups out of the
	// world group.
	Split(ctx context.Context, color string, key int) (Comm, error)
}
