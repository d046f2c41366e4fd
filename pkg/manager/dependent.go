package manager

import (
	"github.com/gantrycd/gantry/pkg/deps"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/types"
)

// dependentPolicy runs a gating pipeline: changes share queues per
// project group, are tested against everything ahead, and merge on
// success.
type dependentPolicy struct {
	basePolicy
}

func (p *dependentPolicy) Name() string { return "Dependent" }

func (p *dependentPolicy) ChangesMerge() bool { return true }

func (p *dependentPolicy) GetChangeQueue(change *types.Change, event *types.EventInfo,
	existing *types.ChangeQueue) (*types.ChangeQueue, func()) {
	if existing != nil {
		return existing, noopRelease
	}
	return p.sharedQueueFor(change, defaultWindow), noopRelease
}

func (p *dependentPolicy) IsChangeReadyToBeEnqueued(change *types.Change,
	event *types.EventInfo) bool {
	ok, err := p.m.sourceCanMerge(change)
	if err != nil {
		logger := log.WithEvent(p.m.log, eventID(event))
		logger.Warn().Err(err).
			Stringer("change", change).Msg("Unable to check if change can merge")
		return false
	}
	if !ok {
		logger := log.WithEvent(p.m.log, eventID(event))
		logger.Debug().
			Stringer("change", change).Msg("Change can not merge, ignoring")
	}
	return ok
}

// getMissingNeededChanges resolves the change's dependencies, records the
// dependency edges, and returns the ones still to be enqueued. abort is
// true if a dependency can never merge.
func (p *dependentPolicy) getMissingNeededChanges(change *types.Change,
	queue *types.ChangeQueue, event *types.EventInfo,
	graph *deps.Graph) (abort bool, needed []*types.Change) {
	selfRef := change.Key.Reference()
	for _, dep := range p.m.resolveChangeKeys(change.NeedsChanges(), event) {
		if dep.IsMerged {
			continue
		}
		graph.AddEdge(selfRef, dep.Key.Reference())
		if p.m.isChangeAlreadyInQueue(dep, queue) {
			continue
		}
		ok, err := p.m.sourceCanMerge(dep)
		if err != nil || !ok {
			return true, nil
		}
		needed = append(needed, dep)
	}
	return false, needed
}

func (p *dependentPolicy) EnqueueChangesAhead(change *types.Change, event *types.EventInfo,
	quiet, ignoreRequirements bool, queue *types.ChangeQueue,
	history *[]string, graph *deps.Graph) bool {
	ref := change.Key.Reference()
	if inHistory(history, ref) {
		return true
	}
	*history = append(*history, ref)

	abort, needed := p.getMissingNeededChanges(change, queue, event, graph)
	if abort {
		return false
	}
	for _, dep := range needed {
		if !p.m.addChange(dep, event, addArgs{
			quiet:              true,
			ignoreRequirements: ignoreRequirements,
			live:               true,
			queue:              queue,
			history:            history,
			graph:              graph,
		}) {
			return false
		}
	}
	return true
}

func (p *dependentPolicy) EnqueueChangesBehind(change *types.Change, event *types.EventInfo,
	quiet, ignoreRequirements bool, queue *types.ChangeQueue,
	history *[]string, graph *deps.Graph) {
	logger := log.WithEvent(p.m.log, eventID(event))
	for _, dependent := range p.m.resolveChangeKeys(change.NeededByChanges, event) {
		if dependent.IsMerged {
			continue
		}
		if ok, err := p.m.sourceCanMerge(dependent); err != nil || !ok {
			continue
		}
		logger.Debug().Stringer("change", dependent).
			Msg("Enqueueing change behind its dependency")
		p.m.addChange(dependent, event, addArgs{
			quiet:              quiet,
			ignoreRequirements: ignoreRequirements,
			live:               true,
			queue:              queue,
			history:            history,
			graph:              graph,
		})
	}
}

func (p *dependentPolicy) CheckForChangesNeededBy(change *types.Change,
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

func (p *dependentPolicy) GetFailingDependentItems(item *types.QueueItem) []*types.QueueItem {
	needed := make(map[string]bool)
	for _, ref := range item.Change.NeedsChanges() {
		needed[ref] = true
	}
	if item.Bundle != nil {
		for _, member := range item.Bundle.Items {
			if member != item {
				needed[member.Change.Key.Reference()] = true
			}
		}
	}
	if len(needed) == 0 {
		return nil
	}
	var failing []*types.QueueItem
	for _, other := range p.m.pipeline.GetAllItems() {
		if other == item || !other.Live {
			continue
		}
		if !needed[other.Change.Key.Reference()] {
			continue
		}
		if other.HasAnyJobFailed() || other.DidMergerFail() {
			failing = append(failing, other)
		}
	}
	return failing
}
