package manager

import (
	"github.com/gantrycd/gantry/pkg/deps"
	"github.com/gantrycd/gantry/pkg/log"
	"github.com/gantrycd/gantry/pkg/types"
)

// Promote moves the named changes to the head of their shared queue.
// Every item in the queue is dequeued and the live changes are
// re-admitted in the new order; dependencies are pulled back in by the
// usual admission path.
func (m *PipelineManager) Promote(changes []*types.Change, event *types.EventInfo) bool {
	logger := log.WithEvent(m.log, eventID(event))

	var queue *types.ChangeQueue
	var promoted []*types.QueueItem
	for _, change := range changes {
		for _, item := range m.pipeline.GetAllItems() {
			if !item.Live || !item.Change.Equals(change) {
				continue
			}
			if queue == nil {
				queue = item.Queue
			}
			if item.Queue != queue {
				logger.Warn().Stringer("change", item.Change).
					Msg("Unable to promote change in a different queue")
				continue
			}
			promoted = append(promoted, item)
		}
	}
	if queue == nil || len(promoted) == 0 {
		return false
	}

	inPromoted := make(map[*types.QueueItem]bool, len(promoted))
	for _, item := range promoted {
		inPromoted[item] = true
	}
	ordered := append([]*types.QueueItem(nil), promoted...)
	for _, item := range queue.Items {
		if item.Live && !inPromoted[item] {
			ordered = append(ordered, item)
		}
	}

	for _, item := range append([]*types.QueueItem(nil), queue.Items...) {
		m.cancelJobs(item, true)
		m.dequeueItem(item)
		m.reportStats(item, false)
	}
	for _, item := range ordered {
		var history []string
		m.addChange(item.Change, event, addArgs{
			quiet:              true,
			ignoreRequirements: true,
			live:               true,
			enqueueTime:        item.EnqueueTime,
			history:            &history,
			graph:              deps.NewGraph(),
		})
	}
	return true
}
