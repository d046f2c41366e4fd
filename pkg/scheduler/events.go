package scheduler

import (
	"github.com/gantrycd/gantry/pkg/types"
)

// TriggerEventType classifies inbound code review events.
type TriggerEventType string

const (
	// EventPatchsetCreated covers new changes and new patchsets.
	EventPatchsetCreated TriggerEventType = "patchset-created"
	// EventChangeAbandoned removes a change from all pipelines.
	EventChangeAbandoned TriggerEventType = "change-abandoned"
	// EventChangeUpdated re-resolves dependencies of dependent items.
	EventChangeUpdated TriggerEventType = "change-updated"
)

// TriggerEvent is an inbound code review event.
type TriggerEvent struct {
	Type   TriggerEventType
	Change *types.Change
	Info   *types.EventInfo
	// Pipeline restricts delivery to one pipeline; empty delivers to all.
	Pipeline string
}

// ResultEvent is a completion from a collaborator service. Exactly one of
// the payload fields is set.
type ResultEvent struct {
	// BuildSetUUID locates the item the result belongs to.
	BuildSetUUID string

	Merge          *types.MergeCompleted
	Files          *types.FilesChangesCompleted
	Nodes          *types.NodesProvisioned
	BuildPaused    *types.Build
	BuildCompleted *types.Build
}

// ManagementEventType classifies operator and cross-pipeline requests.
type ManagementEventType string

const (
	// EventDequeue removes the live item for a change from a pipeline.
	EventDequeue ManagementEventType = "dequeue"
	// EventEnqueue force-enqueues a change, skipping pipeline
	// requirements.
	EventEnqueue ManagementEventType = "enqueue"
	// EventPromote moves a change to the head of its queue.
	EventPromote ManagementEventType = "promote"
)

// ManagementEvent is an operator or scheduler-internal request against
// one pipeline.
type ManagementEvent struct {
	Type     ManagementEventType
	Pipeline string
	Change   *types.Change
	Info     *types.EventInfo
}
