package types

import "fmt"

// Precedence orders merger and node requests across pipelines.
type Precedence string

const (
	PrecedenceHigh   Precedence = "high"
	PrecedenceNormal Precedence = "normal"
	PrecedenceLow    Precedence = "low"
)

// PriorityForPrecedence maps a pipeline precedence to the base node
// request priority (lower number is more urgent).
func PriorityForPrecedence(p Precedence) int {
	switch p {
	case PrecedenceHigh:
		return 100
	case PrecedenceLow:
		return 300
	default:
		return 200
	}
}

// PipelineState is the persistent, cross-process state of a pipeline kept
// in the coordination store.
type PipelineState struct {
	Disabled            bool `json:"disabled"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

// Pipeline is a policy unit that admits, orders, tests, and reports
// changes.
type Pipeline struct {
	Name   string
	Tenant string

	Queues []*ChangeQueue

	// Layout is the current static layout the pipeline runs under.
	Layout *Layout

	Precedence Precedence

	// Reporter action sets selected by the report decision table.
	EnqueueActions      []string
	StartActions        []string
	SuccessActions      []string
	FailureActions      []string
	MergeFailureActions []string
	NoJobsActions       []string
	DequeueActions      []string
	DisabledActions     []string

	// Supercedes names pipelines whose live items are dequeued when this
	// pipeline takes responsibility for a change.
	Supercedes []string

	// DisableAt flips the pipeline to disabled reporting after this many
	// consecutive failures; zero means never.
	DisableAt int

	DequeueOnNewPatchset bool

	State *PipelineState

	// RelativePriorityQueues maps a shared queue name to the projects it
	// contains, used to compute per-item relative node priority.
	RelativePriorityQueues map[string][]string
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("<Pipeline %s/%s>", p.Tenant, p.Name)
}

// GetAllItems returns every item in every queue, head to tail.
func (p *Pipeline) GetAllItems() []*QueueItem {
	var items []*QueueItem
	for _, q := range p.Queues {
		items = append(items, q.Items...)
	}
	return items
}

// AddQueue registers a queue with the pipeline.
func (p *Pipeline) AddQueue(q *ChangeQueue) {
	p.Queues = append(p.Queues, q)
}

// RemoveQueue drops an (empty, dynamic) queue.
func (p *Pipeline) RemoveQueue(q *ChangeQueue) {
	for idx, queue := range p.Queues {
		if queue == q {
			p.Queues = append(p.Queues[:idx], p.Queues[idx+1:]...)
			return
		}
	}
}

// GetQueue returns the named queue, or nil.
func (p *Pipeline) GetQueue(name string) *ChangeQueue {
	for _, q := range p.Queues {
		if q.Name == name {
			return q
		}
	}
	return nil
}

// GetRelativePriorityQueue returns the projects sharing a relative
// priority queue with the given project. A project not assigned to any
// shared queue is alone in its own.
func (p *Pipeline) GetRelativePriorityQueue(project string) []string {
	for _, projects := range p.RelativePriorityQueues {
		for _, name := range projects {
			if name == project {
				return projects
			}
		}
	}
	return []string{project}
}
