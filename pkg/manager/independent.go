package manager

import (
	"github.com/gantrycd/gantry/pkg/deps"
	"github.com/gantrycd/gantry/pkg/types"
)

// independentPolicy tests every change on its own: each live change gets a
// dynamic queue, dependencies ride along as non-live context items, and
// nothing merges.
type independentPolicy struct {
	basePolicy
}

func (p *independentPolicy) Name() string { return "Independent" }

func (p *independentPolicy) ChangesMerge() bool { return false }

func (p *independentPolicy) GetChangeQueue(change *types.Change, event *types.EventInfo,
	existing *types.ChangeQueue) (*types.ChangeQueue, func()) {
	if existing != nil {
		return existing, noopRelease
	}
	q := types.NewChangeQueue(p.m.pipeline, change.Key.Reference())
	q.Dynamic = true
	p.m.pipeline.AddQueue(q)
	release := func() {
		if len(q.Items) == 0 {
			p.m.pipeline.RemoveQueue(q)
		}
	}
	return q, release
}

func (p *independentPolicy) EnqueueChangesAhead(change *types.Change, event *types.EventInfo,
	quiet, ignoreRequirements bool, queue *types.ChangeQueue,
	history *[]string, graph *deps.Graph) bool {
	ref := change.Key.Reference()
	if inHistory(history, ref) {
		return true
	}
	*history = append(*history, ref)

	for _, dep := range p.m.resolveChangeKeys(change.NeedsChanges(), event) {
		if dep.IsMerged {
			continue
		}
		graph.AddEdge(ref, dep.Key.Reference())
		if p.m.isChangeAlreadyInQueue(dep, queue) {
			continue
		}
		// Dependencies are enqueued non-live: they provide repo context
		// but run no jobs and report nothing.
		if !p.m.addChange(dep, event, addArgs{
			quiet:              true,
			ignoreRequirements: true,
			live:               false,
			queue:              queue,
			history:            history,
			graph:              graph,
		}) {
			return false
		}
	}
	return true
}

func (p *independentPolicy) CheckForChangesNeededBy(change *types.Change,
	queue *types.ChangeQueue, event *types.EventInfo) bool {
	for _, dep := range p.m.resolveChangeKeys(change.NeedsChanges(), event) {
		if dep.IsMerged {
			continue
		}
		if p.m.isChangeAlreadyInQueue(dep, queue) {
			continue
		}
		return false
	}
	return true
}
