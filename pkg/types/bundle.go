package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Bundle groups the queue items of a dependency cycle. Bundle members are
// contiguous in their queue and either merge atomically or fail together.
type Bundle struct {
	UUID  string
	Items []*QueueItem

	StartedReporting bool
	FailedReporting  bool
	CannotMerge      bool
}

// NewBundle creates an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{UUID: uuid.New().String()}
}

func (b *Bundle) String() string {
	return fmt.Sprintf("<Bundle %s with %d items>", b.UUID[:8], len(b.Items))
}

// AddItem appends an item to the bundle and points the item back at it.
func (b *Bundle) AddItem(item *QueueItem) {
	for _, existing := range b.Items {
		if existing == item {
			return
		}
	}
	b.Items = append(b.Items, item)
	item.Bundle = b
}

// UpdatesConfig reports whether any member change updates configuration.
func (b *Bundle) UpdatesConfig(layout *Layout) bool {
	for _, item := range b.Items {
		if item.Change.UpdatesConfig(layout) {
			return true
		}
	}
	return false
}
