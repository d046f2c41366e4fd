// Package manager implements the pipeline manager: it admits changes into
// a pipeline, orders them into change queues, drives each queue item
// through merging, layout computation, node allocation, and job execution,
// and reports the final result back through the configured reporters.
//
// A PipelineManager holds one pipeline and delegates queueing decisions to
// a Policy. Four policies are provided: dependent (shared queues, changes
// merge, windowed speculation), independent (one dynamic queue per change),
// serial (shared queues processed one item at a time), and supercedent
// (one queue per ref, only the newest waiting item is kept).
//
// All collaborator services -- code review sources, the merger, the
// executor, nodepool, the config loader, build record storage, and
// reporters -- are consumed through interfaces defined in this package.
package manager
