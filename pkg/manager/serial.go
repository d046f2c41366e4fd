package manager

import (
	"github.com/gantrycd/gantry/pkg/types"
)

// serialPolicy processes shared queues one item at a time, without
// speculation: the window is pinned to one and never moves. Used for
// deployment pipelines where order matters but changes have already
// merged.
type serialPolicy struct {
	basePolicy
}

func (p *serialPolicy) Name() string { return "Serial" }

func (p *serialPolicy) ChangesMerge() bool { return false }

func (p *serialPolicy) GetChangeQueue(change *types.Change, event *types.EventInfo,
	existing *types.ChangeQueue) (*types.ChangeQueue, func()) {
	if existing != nil {
		return existing, noopRelease
	}
	q := p.sharedQueueFor(change, 1)
	q.Window = 1
	q.WindowFloor = 1
	q.WindowIncreaseType = types.WindowLinear
	q.WindowIncreaseFactor = 0
	q.WindowDecreaseType = types.WindowLinear
	q.WindowDecreaseFactor = 0
	return q, noopRelease
}
