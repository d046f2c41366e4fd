package types

import (
	"fmt"
	"time"
)

// Window adjustment policies. The window grows on success and shrinks on
// failure so a dependent queue backs off speculation when merges fail.
const (
	WindowLinear      = "linear"
	WindowExponential = "exponential"
)

// ChangeQueue is an ordered sequence of queue items in a pipeline. Static
// queues are built from configuration; dynamic queues are created on first
// enqueue and destroyed when empty.
type ChangeQueue struct {
	Pipeline *Pipeline
	Name     string

	Items []*QueueItem

	Dynamic bool

	AllowCircularDependencies bool

	// Window is the maximum number of actionable items; zero disables
	// windowing entirely.
	Window               int
	WindowFloor          int
	WindowIncreaseType   string
	WindowIncreaseFactor int
	WindowDecreaseType   string
	WindowDecreaseFactor int
}

// NewChangeQueue creates a queue with the default window policy: linear
// growth by one, exponential shrink by half, floor of one.
func NewChangeQueue(pipeline *Pipeline, name string) *ChangeQueue {
	return &ChangeQueue{
		Pipeline:             pipeline,
		Name:                 name,
		WindowFloor:          1,
		WindowIncreaseType:   WindowLinear,
		WindowIncreaseFactor: 1,
		WindowDecreaseType:   WindowExponential,
		WindowDecreaseFactor: 2,
	}
}

func (q *ChangeQueue) String() string {
	return fmt.Sprintf("<ChangeQueue %s: %s>", q.Pipeline.Name, q.Name)
}

// EnqueueChange appends a new item for a change at the tail.
func (q *ChangeQueue) EnqueueChange(change *Change, event *EventInfo) *QueueItem {
	item := NewQueueItem(change, event, q)
	q.EnqueueItem(item)
	return item
}

// EnqueueItem links an existing item in at the tail.
func (q *ChangeQueue) EnqueueItem(item *QueueItem) {
	item.Queue = q
	if len(q.Items) > 0 {
		tail := q.Items[len(q.Items)-1]
		item.ItemAhead = tail
		tail.ItemsBehind = append(tail.ItemsBehind, item)
	} else {
		item.ItemAhead = nil
	}
	q.Items = append(q.Items, item)
}

// DequeueItem unlinks an item and splices the chain around it.
func (q *ChangeQueue) DequeueItem(item *QueueItem) {
	for idx, it := range q.Items {
		if it == item {
			q.Items = append(q.Items[:idx], q.Items[idx+1:]...)
			break
		}
	}
	if item.ItemAhead != nil {
		item.ItemAhead.removeBehind(item)
	}
	for _, behind := range item.ItemsBehind {
		behind.ItemAhead = item.ItemAhead
		if item.ItemAhead != nil {
			item.ItemAhead.ItemsBehind = append(item.ItemAhead.ItemsBehind, behind)
		}
	}
	item.ItemAhead = nil
	item.ItemsBehind = nil
	item.DequeueTime = time.Now()
}

// MoveItem relocates an item to be directly behind a target item; a nil
// target places it at the head. Returns true if the position changed.
func (q *ChangeQueue) MoveItem(item, itemAhead *QueueItem) bool {
	if item.ItemAhead == itemAhead {
		return false
	}
	// Unlink.
	if item.ItemAhead != nil {
		item.ItemAhead.removeBehind(item)
	}
	for _, behind := range item.ItemsBehind {
		behind.ItemAhead = item.ItemAhead
		if item.ItemAhead != nil {
			item.ItemAhead.ItemsBehind = append(item.ItemAhead.ItemsBehind, behind)
		}
	}
	item.ItemsBehind = nil
	item.ItemAhead = itemAhead
	if itemAhead != nil {
		itemAhead.ItemsBehind = append(itemAhead.ItemsBehind, item)
	}
	q.reorder()
	return true
}

// reorder rebuilds the item slice from the linked chain, heads first.
func (q *ChangeQueue) reorder() {
	var heads []*QueueItem
	for _, item := range q.Items {
		if item.ItemAhead == nil {
			heads = append(heads, item)
		}
	}
	var ordered []*QueueItem
	var walk func(*QueueItem)
	walk = func(item *QueueItem) {
		ordered = append(ordered, item)
		for _, behind := range item.ItemsBehind {
			walk(behind)
		}
	}
	for _, head := range heads {
		walk(head)
	}
	if len(ordered) == len(q.Items) {
		q.Items = ordered
	}
}

func (i *QueueItem) removeBehind(item *QueueItem) {
	for idx, behind := range i.ItemsBehind {
		if behind == item {
			i.ItemsBehind = append(i.ItemsBehind[:idx], i.ItemsBehind[idx+1:]...)
			return
		}
	}
}

// IsActionable reports whether the item is within the active window.
func (q *ChangeQueue) IsActionable(item *QueueItem) bool {
	if q.Window == 0 {
		return true
	}
	for idx, it := range q.Items {
		if it == item {
			return idx < q.Window
		}
	}
	return false
}

// IncreaseWindowSize grows the window after a successful merge.
func (q *ChangeQueue) IncreaseWindowSize() {
	if q.Window == 0 {
		return
	}
	switch q.WindowIncreaseType {
	case WindowExponential:
		q.Window *= q.WindowIncreaseFactor
	default:
		q.Window += q.WindowIncreaseFactor
	}
}

// DecreaseWindowSize shrinks the window after a failed merge, never below
// the floor.
func (q *ChangeQueue) DecreaseWindowSize() {
	if q.Window == 0 {
		return
	}
	switch q.WindowDecreaseType {
	case WindowLinear:
		q.Window -= q.WindowDecreaseFactor
	default:
		q.Window /= q.WindowDecreaseFactor
	}
	if q.Window < q.WindowFloor {
		q.Window = q.WindowFloor
	}
}
