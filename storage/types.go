package storage

import (
	"context"
	"errors"

	"github.com/vaultroom/vaultroom/types"
)

var ErrRoomNotFound = errors.New("storage: room not found")

type EventType int

const (
	// ContentChanged signals that some instance wrote the room's entry.
	ContentChanged EventType = iota + 1
	// KeyDeleted signals that the room's entry was erased.
	KeyDeleted
	// TopologyChanged signals that the set of storage instances changed.
	TopologyChanged
)

func (t EventType) String() string {
	switch t {
	case ContentChanged:
		return "contentChanged"
	case KeyDeleted:
		return "keyDeleted"
	case TopologyChanged:
		return "topologyChanged"
	}
	return "unknown"
}

// Event is a storage-layer change signal. The core assumes neither ordering
// nor exactly-once delivery.
type Event struct {
	Type   EventType
	RoomID string
}

// Store is the narrow contract the merge engine and notification pipeline
// hold against the multi-instance blob backend. Get returns one snapshot
// slot per instance, nil where that instance has no copy; Set writes this
// instance's entry only.
type Store interface {
	Get(ctx context.Context, roomID string, key []byte) ([]*types.Room, error)
	Set(ctx context.Context, roomID string, room *types.Room, key []byte) error
	Delete(ctx context.Context, roomID string) error
	Has(ctx context.Context, roomID string) (bool, error)
	// LocalIndex is the slot in Get results that belongs to this instance,
	// the one Set writes to.
	LocalIndex() int
	Subscribe(fn func(Event)) error
	Close() error
}

// Notifier carries change events between instances. Publish is fire and
// forget; subscribers must tolerate duplicates and reordering.
type Notifier interface {
	Publish(ev Event) error
	Subscribe(fn func(Event)) error
	Close() error
}
