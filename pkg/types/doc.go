/*
Package types defines the shared data model for Gantry pipelines.

The central objects are:

  - Change: a proposed revision under review, identified by a stable
    ChangeKey (connection, project, branch, change id, patchset).
  - QueueItem: a change's live position inside a pipeline queue, linked to
    the items ahead of and behind it.
  - BuildSet: the per-item execution context (merge state, frozen job
    graph, builds, node requests).
  - ChangeQueue: an ordered sequence of items with a sliding window that
    limits how deep speculation may run.
  - Bundle: a set of items whose changes form a dependency cycle and must
    merge atomically.
  - Pipeline: the policy unit that admits, orders, tests, and reports
    changes, with its persistent state (disabled, consecutive failures).
  - Layout: the effective, possibly speculative, pipeline and project
    configuration visible to an item.

Queue, item, pipeline, and bundle reference each other freely; the pipeline
owns its queues, a queue owns its items, and bundles hold items by pointer.
*/
package types
