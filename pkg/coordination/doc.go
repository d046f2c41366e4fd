/*
Package coordination provides the shared metadata store Gantry pipelines
coordinate through.

The Store interface models a small hierarchical key space with a version
stat per path: reads return the version, writes are compare-and-swap
against it, and ErrNoNode/ErrBadVersion are distinguishable so callers can
retry conflicts. UpdateVersioned wraps the common CAS loop. Semaphore
holder lists, pipeline state, and pipeline locks all live here.

Two implementations are provided: BoltStore keeps the key space in an
embedded bbolt database for single-node deployments and tests, and
RaftStore replicates every mutation through a Raft log so multiple
schedulers can share one consistent store.
*/
package coordination
