package manager

import (
	"github.com/gantrycd/gantry/pkg/types"
)

// Source is a single code review connection.
type Source interface {
	// GetChangeByKey fetches the change identified by a key.
	GetChangeByKey(key types.ChangeKey, event *types.EventInfo) (*types.Change, error)
	// CanMerge reports whether the change meets the review requirements
	// to be submitted.
	CanMerge(change *types.Change) (bool, error)
	// IsMerged reports whether the change has landed on its branch.
	IsMerged(change *types.Change) (bool, error)
	// Report delivers a merge request for the change; called by reporters,
	// exposed here so fakes can share one implementation.
	Merge(change *types.Change) error
}

// SourceRegistry resolves connections and Depends-On URLs to sources.
type SourceRegistry interface {
	GetSource(connection string) Source
	// GetChangeByURL resolves a Depends-On URL to a change, or nil if no
	// connection claims the URL.
	GetChangeByURL(url string, event *types.EventInfo) (*types.Change, error)
}

// MergerItem identifies one change for the merger to cherry-pick, in
// queue order.
type MergerItem struct {
	Connection string
	Project    string
	Branch     string
	Ref        string
}

// Merger schedules asynchronous merge operations. Completions arrive back
// through the manager's OnMergeCompleted and OnFilesChangesCompleted.
type Merger interface {
	// MergeChanges requests a speculative merge of the given items on top
	// of each other, reading the named config files and dirs.
	MergeChanges(items []MergerItem, buildSetUUID string, files, dirs []string,
		precedence types.Precedence, eventID string)
	// GetRepoState requests pinned repo state for projects not covered by
	// a merge.
	GetRepoState(items []MergerItem, buildSetUUID string,
		precedence types.Precedence, eventID string)
	// GetFilesChanges requests the changed file list for a ref.
	GetFilesChanges(connection, project, ref, buildSetUUID, eventID string)
}

// Executor starts, cancels, and resumes builds.
type Executor interface {
	// Execute submits a build for a job. The returned build is recorded
	// as running; its completion arrives through OnBuildCompleted.
	Execute(item *types.QueueItem, job *types.Job, nodes *types.NodeSet,
		dependentChanges []string) (*types.Build, error)
	Cancel(build *types.Build) error
	Resume(build *types.Build) error
}

// Nodepool allocates nodes for jobs.
type Nodepool interface {
	// RequestNodes submits an asynchronous node request. Fulfillment
	// arrives through OnNodesProvisioned.
	RequestNodes(buildSetUUID string, job *types.Job,
		priority, relativePriority int, eventID string) (*types.NodeRequest, error)
	// GetRequest returns an outstanding request by id, or nil.
	GetRequest(id string) *types.NodeRequest
	// CancelRequest withdraws an unfulfilled request.
	CancelRequest(id string)
	// ReviseRequest updates the relative priority of an unfulfilled
	// request.
	ReviseRequest(request *types.NodeRequest, relativePriority int)
	// ReturnNodeSet gives back nodes that will not be used.
	ReturnNodeSet(nodes *types.NodeSet)
}

// ConfigLoader builds speculative layouts from the config files carried in
// an item's build set.
type ConfigLoader interface {
	// CreateDynamicLayout parses the configuration as it would look with
	// the item's changes applied. With includeConfigProjects the changes
	// to trusted projects are applied too. Parse problems are returned as
	// LoadingErrors on the layout, not as an error.
	CreateDynamicLayout(item *types.QueueItem, includeConfigProjects bool) (*types.Layout, error)
}

// BuildRecorder persists build and build set records.
type BuildRecorder interface {
	RecordBuildsetStart(item *types.QueueItem)
	RecordBuildsetEnd(item *types.QueueItem, action string, final bool)
	RecordBuildStart(build *types.Build, item *types.QueueItem)
}

// Reporter delivers a report about an item to an external system.
type Reporter interface {
	Name() string
	Report(item *types.QueueItem) error
}

// RefFilter is a pipeline requirement a change must meet to be enqueued.
type RefFilter interface {
	// Connection names the connection this filter applies to.
	Connection() string
	// Matches reports whether the change meets the requirement; the
	// string explains a refusal.
	Matches(change *types.Change) (bool, string)
}

// SupersedeFunc asks another pipeline to dequeue its live item for a
// change because this pipeline has taken responsibility for it.
type SupersedeFunc func(pipeline string, change *types.Change, event *types.EventInfo)
