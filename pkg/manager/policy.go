package manager

import (
	"github.com/gantrycd/gantry/pkg/deps"
	"github.com/gantrycd/gantry/pkg/types"
)

// Policy is the queueing strategy of a pipeline. The manager owns the
// shared mechanics of admission and processing; the policy decides which
// queue a change belongs to, which related changes are pulled in with it,
// and when an enqueued change is no longer viable.
type Policy interface {
	Name() string

	// ChangesMerge reports whether the pipeline submits changes after a
	// successful run.
	ChangesMerge() bool

	// GetChangeQueue returns the queue for a change, creating it if
	// needed, plus a release function that cleans up a dynamic queue
	// that ends up unused. A non-nil existing queue is reused as is.
	GetChangeQueue(change *types.Change, event *types.EventInfo,
		existing *types.ChangeQueue) (*types.ChangeQueue, func())

	// IsChangeReadyToBeEnqueued reports whether the change meets the
	// policy's admission criteria.
	IsChangeReadyToBeEnqueued(change *types.Change, event *types.EventInfo) bool

	// EnqueueChangesAhead enqueues the changes this change depends on.
	// Returns false if a required change cannot be enqueued.
	EnqueueChangesAhead(change *types.Change, event *types.EventInfo,
		quiet, ignoreRequirements bool, queue *types.ChangeQueue,
		history *[]string, graph *deps.Graph) bool

	// EnqueueChangesBehind enqueues changes that depend on this change.
	EnqueueChangesBehind(change *types.Change, event *types.EventInfo,
		quiet, ignoreRequirements bool, queue *types.ChangeQueue,
		history *[]string, graph *deps.Graph)

	// CheckForChangesNeededBy reports whether the change's dependencies
	// are still satisfied; false dequeues the item.
	CheckForChangesNeededBy(change *types.Change, queue *types.ChangeQueue,
		event *types.EventInfo) bool

	// GetFailingDependentItems returns live items this item depends on
	// that are currently failing.
	GetFailingDependentItems(item *types.QueueItem) []*types.QueueItem

	// PostAddChange runs after a change was successfully added.
	PostAddChange()
}

// basePolicy supplies the neutral defaults shared by all policies.
type basePolicy struct {
	m *PipelineManager
}

func (p *basePolicy) IsChangeReadyToBeEnqueued(change *types.Change, event *types.EventInfo) bool {
	return true
}

func (p *basePolicy) EnqueueChangesAhead(change *types.Change, event *types.EventInfo,
	quiet, ignoreRequirements bool, queue *types.ChangeQueue,
	history *[]string, graph *deps.Graph) bool {
	return true
}

func (p *basePolicy) EnqueueChangesBehind(change *types.Change, event *types.EventInfo,
	quiet, ignoreRequirements bool, queue *types.ChangeQueue,
	history *[]string, graph *deps.Graph) {
}

func (p *basePolicy) CheckForChangesNeededBy(change *types.Change,
	queue *types.ChangeQueue, event *types.EventInfo) bool {
	return true
}

func (p *basePolicy) GetFailingDependentItems(item *types.QueueItem) []*types.QueueItem {
	return nil
}

func (p *basePolicy) PostAddChange() {}

func noopRelease() {}

// sharedQueueFor resolves the configured shared queue for a change's
// project, creating the queue on first use. Projects without a named
// queue get a per-project queue.
func (p *basePolicy) sharedQueueFor(change *types.Change, window int) *types.ChangeQueue {
	layout := p.m.pipeline.Layout
	name := layout.QueueNameForProject(change.Key.Project, p.m.pipeline.Name)
	qc := layout.Queues[name]
	if name == "" {
		name = change.Key.Project
	}
	if q := p.m.pipeline.GetQueue(name); q != nil {
		return q
	}
	q := types.NewChangeQueue(p.m.pipeline, name)
	q.Window = window
	if qc != nil {
		q.AllowCircularDependencies = qc.AllowCircularDependencies
		q.Window = qc.Window
		if qc.WindowFloor > 0 {
			q.WindowFloor = qc.WindowFloor
		}
		if qc.WindowIncreaseType != "" {
			q.WindowIncreaseType = qc.WindowIncreaseType
		}
		if qc.WindowIncreaseFactor > 0 {
			q.WindowIncreaseFactor = qc.WindowIncreaseFactor
		}
		if qc.WindowDecreaseType != "" {
			q.WindowDecreaseType = qc.WindowDecreaseType
		}
		if qc.WindowDecreaseFactor > 0 {
			q.WindowDecreaseFactor = qc.WindowDecreaseFactor
		}
	}
	p.m.pipeline.AddQueue(q)
	p.m.log.Debug().Str("queue", name).Msg("Created change queue")
	return q
}

// inHistory reports whether a change ref is already being enqueued in the
// current recursive admission.
func inHistory(history *[]string, ref string) bool {
	for _, h := range *history {
		if h == ref {
			return true
		}
	}
	return false
}
