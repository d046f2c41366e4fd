package types

// Completion results delivered back to the manager by collaborator
// services. Each corresponds to an inbound event processed between
// pipeline ticks.

// MergeCompleted reports the outcome of a scheduled merge or repo state
// operation.
type MergeCompleted struct {
	BuildSetUUID string
	Merged       bool
	Updated      bool
	Commit       string
	// Files holds the changed file lists per merger item, nearest first.
	Files     [][]string
	RepoState map[string]map[string]string
	EventID   string
}

// FilesChangesCompleted reports the changed file list for a ref.
type FilesChangesCompleted struct {
	BuildSetUUID string
	Files        []string
	EventID      string
}

// NodesProvisioned reports a completed node request.
type NodesProvisioned struct {
	RequestID string
	JobName   string
	Fulfilled bool
	NodeSet   *NodeSet
	EventID   string
}

// BuildEvent reports an executor build transition (started, paused, or
// completed).
type BuildEvent struct {
	Build   *Build
	Item    *QueueItem
	EventID string
}
