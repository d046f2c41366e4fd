package manager

import (
	"fmt"

	"github.com/gantrycd/gantry/pkg/types"
)

// supercedentPolicy keeps one dynamic queue per project and ref, holding
// at most the running item and the newest waiting item; anything between
// is superseded and removed.
type supercedentPolicy struct {
	basePolicy
}

func (p *supercedentPolicy) Name() string { return "Supercedent" }

func (p *supercedentPolicy) ChangesMerge() bool { return false }

func (p *supercedentPolicy) GetChangeQueue(change *types.Change, event *types.EventInfo,
	existing *types.ChangeQueue) (*types.ChangeQueue, func()) {
	if existing != nil {
		return existing, noopRelease
	}
	name := fmt.Sprintf("%s/%s", change.Key.Project, change.Key.Branch)
	if q := p.m.pipeline.GetQueue(name); q != nil {
		return q, noopRelease
	}
	q := types.NewChangeQueue(p.m.pipeline, name)
	q.Dynamic = true
	q.Window = 1
	q.WindowFloor = 1
	q.WindowIncreaseType = types.WindowLinear
	q.WindowIncreaseFactor = 0
	q.WindowDecreaseType = types.WindowLinear
	q.WindowDecreaseFactor = 0
	p.m.pipeline.AddQueue(q)
	release := func() {
		if len(q.Items) == 0 {
			p.m.pipeline.RemoveQueue(q)
		}
	}
	return q, release
}

// PostAddChange drops every item between the head (which may be running)
// and the newest tail of each queue.
func (p *supercedentPolicy) PostAddChange() {
	queues := append([]*types.ChangeQueue(nil), p.m.pipeline.Queues...)
	for _, q := range queues {
		if len(q.Items) <= 2 {
			continue
		}
		superseded := append([]*types.QueueItem(nil), q.Items[1:len(q.Items)-1]...)
		newest := q.Items[len(q.Items)-1]
		for _, item := range superseded {
			p.m.log.Debug().Stringer("item", item).Stringer("by", newest).
				Msg("Item is superseded, removing")
			p.m.removeItem(item)
		}
	}
}
