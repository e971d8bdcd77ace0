// Package room implements the merge-and-write path: every mutation reads all
// per-instance snapshots, reconciles them, applies the change and writes back
// this instance's entry. Safety across instances comes from the merge
// algorithm's idempotence, not from locks.
package room

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vaultroom/vaultroom/codec"
	"github.com/vaultroom/vaultroom/keys"
	"github.com/vaultroom/vaultroom/merge"
	"github.com/vaultroom/vaultroom/storage"
	"github.com/vaultroom/vaultroom/types"
)

var ErrRoomNotFound = storage.ErrRoomNotFound

type Service struct {
	store    storage.Store
	keyCache *keys.Cache
}

func NewService(store storage.Store, keyCache *keys.Cache) *Service {
	return &Service{store: store, keyCache: keyCache}
}

// LocalIndex is the snapshot slot belonging to this instance in Fetch
// results.
func (s *Service) LocalIndex() int {
	return s.store.LocalIndex()
}

// Key returns the derived encryption key for connectPassword, via the cache.
func (s *Service) Key(connectPassword string) []byte {
	return s.keyCache.EncryptionKey(connectPassword)
}

// Codec returns a field codec for the room's derived key.
func (s *Service) Codec(connectPassword string) (*codec.Codec, error) {
	return codec.New(s.Key(connectPassword))
}

// Create provisions a new room: a generated delete password, the connect
// password derived from it, and an empty room entry written under the derived
// id. name, if non-empty, is stored encrypted.
func (s *Service) Create(ctx context.Context, name string) (connectPassword, deletePassword string, err error) {
	deletePassword = keys.GenerateDeletePassword()
	connectPassword = keys.ConnectPassword(deletePassword)
	roomID := keys.RoomID(connectPassword)

	encryptedName := ""
	if name != "" {
		c, err := s.Codec(connectPassword)
		if err != nil {
			return "", "", err
		}
		encryptedName, err = c.Seal(name)
		if err != nil {
			return "", "", err
		}
	}
	now := time.Now().UTC()
	r := &types.Room{
		Id:            roomID,
		EncryptedName: encryptedName,
		Messages:      make([]types.Message, 0),
		Members:       make([]types.Member, 0),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Set(ctx, roomID, r, s.Key(connectPassword)); err != nil {
		return "", "", fmt.Errorf("create room: %w", err)
	}
	return connectPassword, deletePassword, nil
}

// Fetch reads all snapshots of the room and returns the merged view along
// with the raw snapshots (one slot per instance, nil where absent).
func (s *Service) Fetch(ctx context.Context, connectPassword string) (*types.Room, []*types.Room, error) {
	roomID := keys.RoomID(connectPassword)
	snapshots, err := s.store.Get(ctx, roomID, s.Key(connectPassword))
	if err != nil {
		return nil, nil, err
	}
	return merge.Merge(snapshots), snapshots, nil
}

// Exists re-checks the room key in the backend; used to resolve stale
// deletion notices.
func (s *Service) Exists(ctx context.Context, connectPassword string) (bool, error) {
	return s.store.Has(ctx, keys.RoomID(connectPassword))
}

// Join adds a fresh member to the room, creating the room entry if no
// instance holds a copy (a room is created on first join). purgeMembers
// clears this instance's member set first: after a cold restart no live
// connection backs the stored members, they are stale.
func (s *Service) Join(ctx context.Context, connectPassword, userName, sessionToken string, purgeMembers bool) (*types.Room, *types.Member, error) {
	c, err := s.Codec(connectPassword)
	if err != nil {
		return nil, nil, err
	}
	encryptedName, err := c.Seal(userName)
	if err != nil {
		return nil, nil, err
	}

	merged, snapshots, err := s.Fetch(ctx, connectPassword)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	if merged == nil {
		merged = &types.Room{
			Id:        keys.RoomID(connectPassword),
			Messages:  make([]types.Message, 0),
			Members:   make([]types.Member, 0),
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	local := snapshots[s.store.LocalIndex()]
	localMembers := make([]types.Member, 0)
	if local != nil && !purgeMembers {
		localMembers = append(localMembers, local.Members...)
	}
	member := types.Member{
		Id:            uuid.NewString(),
		EncryptedName: encryptedName,
		SessionToken:  sessionToken,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	write := &types.Room{
		Id:            merged.Id,
		EncryptedName: merged.EncryptedName,
		Messages:      merged.Messages,
		Members:       append(localMembers, member),
		CreatedAt:     merged.CreatedAt,
		UpdatedAt:     now,
	}
	if err := s.store.Set(ctx, merged.Id, write, s.Key(connectPassword)); err != nil {
		return nil, nil, fmt.Errorf("join: %w", err)
	}
	snapshots[s.store.LocalIndex()] = write
	return merge.Merge(snapshots), &member, nil
}

// AppendMessage assigns a server id to the client's message and writes it
// through the merge path. The client-supplied id is preserved so the sender
// can reconcile its optimistic echo.
func (s *Service) AppendMessage(ctx context.Context, connectPassword string, sender *types.Member, payload types.MessagePayload) (*types.Message, *types.Room, error) {
	merged, snapshots, err := s.Fetch(ctx, connectPassword)
	if err != nil {
		return nil, nil, err
	}
	if merged == nil {
		return nil, nil, ErrRoomNotFound
	}
	now := time.Now().UTC()
	msg := types.Message{
		Id:                  uuid.NewString(),
		ClientId:            payload.ClientId,
		EncryptedBody:       payload.EncryptedBody,
		SenderId:            sender.Id,
		EncryptedSenderName: sender.EncryptedName,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	local := snapshots[s.store.LocalIndex()]
	localMembers := make([]types.Member, 0)
	if local != nil {
		localMembers = append(localMembers, local.Members...)
	}
	write := &types.Room{
		Id:            merged.Id,
		EncryptedName: merged.EncryptedName,
		Messages:      append(append([]types.Message(nil), merged.Messages...), msg),
		Members:       localMembers,
		CreatedAt:     merged.CreatedAt,
		UpdatedAt:     now,
	}
	if err := s.store.Set(ctx, merged.Id, write, s.Key(connectPassword)); err != nil {
		return nil, nil, fmt.Errorf("append message: %w", err)
	}
	snapshots[s.store.LocalIndex()] = write
	return &msg, merge.Merge(snapshots), nil
}

// RemoveMembers removes the given member ids from this instance's member set
// and returns the resulting merged view.
func (s *Service) RemoveMembers(ctx context.Context, connectPassword string, memberIDs []string) (*types.Room, error) {
	merged, snapshots, err := s.Fetch(ctx, connectPassword)
	if err != nil {
		return nil, err
	}
	if merged == nil {
		return nil, ErrRoomNotFound
	}
	drop := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		drop[id] = struct{}{}
	}
	local := snapshots[s.store.LocalIndex()]
	keep := make([]types.Member, 0)
	if local != nil {
		for _, m := range local.Members {
			if _, ok := drop[m.Id]; !ok {
				keep = append(keep, m)
			}
		}
	}
	now := time.Now().UTC()
	write := &types.Room{
		Id:            merged.Id,
		EncryptedName: merged.EncryptedName,
		Messages:      merged.Messages,
		Members:       keep,
		CreatedAt:     merged.CreatedAt,
		UpdatedAt:     now,
	}
	if err := s.store.Set(ctx, merged.Id, write, s.Key(connectPassword)); err != nil {
		return nil, fmt.Errorf("remove members: %w", err)
	}
	snapshots[s.store.LocalIndex()] = write
	return merge.Merge(snapshots), nil
}

// Delete erases the room's storage entry everywhere. No tombstone: absence of
// the key is the deletion signal other instances react to.
func (s *Service) Delete(ctx context.Context, connectPassword string) error {
	return s.store.Delete(ctx, keys.RoomID(connectPassword))
}

// DeleteWithDeletePassword derives the connect password first; only the
// creator-held delete password can reach this path.
func (s *Service) DeleteWithDeletePassword(ctx context.Context, deletePassword string) error {
	return s.Delete(ctx, keys.ConnectPassword(deletePassword))
}

// Reconcile writes back the merged view as this instance's copy with an
// empty member set, used when a notification reveals a room this instance
// has no record of.
func (s *Service) Reconcile(ctx context.Context, connectPassword string, merged *types.Room) error {
	if merged == nil {
		return nil
	}
	return s.store.Set(ctx, merged.Id, merge.Localize(merged), s.Key(connectPassword))
}
