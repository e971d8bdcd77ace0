package ws

import (
	"context"

	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/merge"
	"github.com/vaultroom/vaultroom/storage"
	"github.com/vaultroom/vaultroom/types"
)

// HandleStorageEvent bridges storage-layer change signals onto the ordering
// queue. Register it via store.Subscribe; the channel guarantees neither
// ordering nor exactly-once delivery, both are absorbed here.
func (h *Hub) HandleStorageEvent(ev storage.Event) {
	h.metrics.RecordNotification()
	switch ev.Type {
	case storage.KeyDeleted:
		h.Enqueue("roomDeleted", func() error { return h.handleRoomDeleted(ev.RoomID) })
	case storage.ContentChanged, storage.TopologyChanged:
		full := ev.Type == storage.TopologyChanged
		h.Enqueue("remoteChange", func() error { return h.handleRemoteChange(ev.RoomID, full) })
	default:
		globals.AppLogger.Warn("unknown storage event", "room", ev.RoomID)
	}
}

// handleRemoteChange re-merges the room and broadcasts what this instance has
// not already sent: at most one messages event and one member-list event per
// signal. full bypasses the freshness short-circuit (instance topology
// changed, everything is suspect).
func (h *Hub) handleRemoteChange(roomID string, full bool) error {
	h.RLock()
	connectPassword, ok := h.roomPasswords[roomID]
	local := h.localView[roomID]
	h.RUnlock()
	if !ok {
		// no local connection holds this room, nothing to fan out
		return nil
	}

	merged, snapshots, err := h.svc.Fetch(context.Background(), connectPassword)
	if err != nil {
		return err
	}
	h.metrics.RecordMerge()
	if merged == nil {
		// key vanished between the signal and the read, the deletion
		// notice handles the rest
		return h.handleRoomDeleted(roomID)
	}

	localIdx := h.svc.LocalIndex()
	remotes := make([]*types.Room, 0, len(snapshots))
	for i, snap := range snapshots {
		if i != localIdx {
			remotes = append(remotes, snap)
		}
	}
	if !full && !merge.HasNewerRemote(local, remotes) {
		// same-origin echo, the local view is already ahead
		return nil
	}

	added := merge.MessagesAdded(local, merged)
	if len(added) > 0 {
		h.broadcastRoom(roomID, types.WireEventMessages, added, nil)
	}
	h.broadcastRoom(roomID, types.WireEventUsersUpdated, merged.Members, nil)

	h.Lock()
	h.localView[roomID] = merged
	h.Unlock()

	if snapshots[localIdx] == nil {
		// another instance created this room, make our copy durable
		if err := h.svc.Reconcile(context.Background(), connectPassword, merged); err != nil {
			globals.AppLogger.Error("could not reconcile local copy", "room", roomID, "error", err)
		}
	}
	return nil
}

// handleRoomDeleted reacts to a key-deletion notice: existence is re-checked
// first, because the notice may be stale, a local write can have re-created
// the key in the meantime. A read race resolves to a no-op.
func (h *Hub) handleRoomDeleted(roomID string) error {
	h.RLock()
	connectPassword, ok := h.roomPasswords[roomID]
	h.RUnlock()
	if !ok {
		return nil
	}

	exists, err := h.svc.Exists(context.Background(), connectPassword)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	h.broadcastRoom(roomID, types.WireEventDeleteRoom, types.RoomStatusPayload{RoomId: roomID}, nil)
	h.metrics.RecordRoomDeleted()

	h.Lock()
	clients := h.rooms[roomID]
	delete(h.rooms, roomID)
	delete(h.roomPasswords, roomID)
	delete(h.localView, roomID)
	for c := range clients {
		c.member = nil
		c.roomID = ""
	}
	h.Unlock()

	// the room is gone, connections must not keep a dead subscription
	for c := range clients {
		c.CloseAfterSend()
	}
	return nil
}
