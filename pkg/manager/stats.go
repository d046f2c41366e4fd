package manager

import (
	"fmt"

	"github.com/gantrycd/gantry/pkg/events"
	"github.com/gantrycd/gantry/pkg/metrics"
	"github.com/gantrycd/gantry/pkg/types"
)

// reportStats updates the pipeline gauges; resident time and throughput
// are only recorded once an item has a dequeue time.
func (m *PipelineManager) reportStats(item *types.QueueItem, added bool) {
	tenant := m.pipeline.Tenant
	name := m.pipeline.Name

	metrics.CurrentChanges.WithLabelValues(tenant, name).
		Set(float64(len(m.pipeline.GetAllItems())))
	if !item.DequeueTime.IsZero() {
		metrics.ResidentTime.WithLabelValues(tenant, name).
			Observe(item.DequeueTime.Sub(item.EnqueueTime).Seconds())
		metrics.TotalChanges.WithLabelValues(tenant, name).Inc()
	}
	for _, queue := range m.pipeline.Queues {
		metrics.WindowSize.WithLabelValues(tenant, name, queue.Name).
			Set(float64(queue.Window))
	}
}

// publishEvent emits a pipeline lifecycle event to broker subscribers.
func (m *PipelineManager) publishEvent(eventType events.EventType,
	item *types.QueueItem, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:       item.UUID,
		Type:     eventType,
		Tenant:   m.pipeline.Tenant,
		Pipeline: m.pipeline.Name,
		Message:  message,
		Metadata: map[string]string{
			"change":   fmt.Sprintf("%s,%d", item.Change.Key.ChangeID, item.Change.Key.Patchset),
			"project":  item.Change.Key.Project,
			"event_id": item.EventID(),
		},
	})
}
