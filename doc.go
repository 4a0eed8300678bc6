// Package ckptset coordinates redundancy protection for sets of checkpoint files
// distributed across the processes of a parallel job, so that application checkpoint
// data can survive process, node, or storage-domain failures.
//
// The package provides the lifecycle layer: redundancy schemes (replication or
// erasure-coding configurations bound to a process group and a failure-domain
// grouping), named sets of files with a declared operation (encode, rebuild, remove),
// and a crash-consistent per-set state marker agreed on across processes. The actual
// encode/decode work and file migration are performed by the redundancy and placement
// subpackages, which the Coordinator sequences around state-marker updates so that a
// failure at any point leaves the system in a detectable, recoverable condition.
//
// Execution is single-threaded per process; parallelism is expressed across processes
// through collective operations on group.Comm handles. Every state-marker write and
// agreement read is collective: all processes in the relevant group must call it.
package ckptset

// State machine
//
// Each named set carries a persisted three-valued marker: Null (untracked), Corrupt
// (an operation started and did not finish, or finished in failure), Encoded
// (redundancy data is complete and trustworthy). Dispatch writes Corrupt before
// touching any data and only writes Encoded after every stage succeeded, so a crash
// mid-operation is always observable. Rebuild refuses to run unless the agreed state
// is Encoded; Remove's terminal condition is "no marker exists".
