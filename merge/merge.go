// Package merge reconciles divergent per-instance room snapshots into one
// canonical view. All functions are pure: inputs are never mutated, and Merge
// is idempotent, commutative and associative over its snapshot set, because
// storage instances return snapshots in no particular order.
package merge

import (
	"sort"

	"github.com/vaultroom/vaultroom/types"
)

// Merge reconciles zero or more snapshots of the same room. A nil entry means
// that instance has no copy. If every snapshot is nil, the room does not
// exist and the result is nil.
//
// Creation metadata (createdAt, encryptedName) is write-once, so it is taken
// from the first non-nil snapshot. Messages are unioned by id and ordered by
// (createdAt, id); duplicates are field-identical by construction since
// messages are never edited. Members are unioned by id.
func Merge(snapshots []*types.Room) *types.Room {
	var base *types.Room
	for _, snap := range snapshots {
		if snap != nil {
			base = snap
			break
		}
	}
	if base == nil {
		return nil
	}

	out := &types.Room{
		Id:            base.Id,
		EncryptedName: base.EncryptedName,
		CreatedAt:     base.CreatedAt,
		UpdatedAt:     base.UpdatedAt,
		Messages:      make([]types.Message, 0),
		Members:       make([]types.Member, 0),
	}

	seenMessages := make(map[string]struct{})
	seenMembers := make(map[string]struct{})
	for _, snap := range snapshots {
		if snap == nil {
			continue
		}
		if snap.UpdatedAt.After(out.UpdatedAt) {
			out.UpdatedAt = snap.UpdatedAt
		}
		for _, msg := range snap.Messages {
			if _, ok := seenMessages[msg.Id]; ok {
				continue
			}
			seenMessages[msg.Id] = struct{}{}
			out.Messages = append(out.Messages, msg)
		}
		for _, m := range snap.Members {
			if _, ok := seenMembers[m.Id]; ok {
				continue
			}
			seenMembers[m.Id] = struct{}{}
			out.Members = append(out.Members, m)
		}
	}

	sort.Slice(out.Messages, func(i, j int) bool {
		a, b := out.Messages[i], out.Messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Id < b.Id
	})
	sort.Slice(out.Members, func(i, j int) bool {
		a, b := out.Members[i], out.Members[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Id < b.Id
	})
	return out
}

// Localize prepares a merged view for write-back by the current instance:
// the member set is cleared, because members are session-scoped and never
// copied across instances.
func Localize(merged *types.Room) *types.Room {
	if merged == nil {
		return nil
	}
	out := *merged
	out.Messages = append([]types.Message(nil), merged.Messages...)
	out.Members = make([]types.Member, 0)
	return &out
}

// MessagesAdded returns the messages present in merged but absent from the
// local view, preserving merged order. A nil local view means every merged
// message is new.
func MessagesAdded(local, merged *types.Room) []types.Message {
	if merged == nil {
		return nil
	}
	seen := make(map[string]struct{})
	if local != nil {
		for _, msg := range local.Messages {
			seen[msg.Id] = struct{}{}
		}
	}
	added := make([]types.Message, 0)
	for _, msg := range merged.Messages {
		if _, ok := seen[msg.Id]; !ok {
			added = append(added, msg)
		}
	}
	return added
}

// HasNewerRemote reports whether any remote snapshot carries an update newer
// than the newest message the local view holds. Used to short-circuit diff
// work for same-origin echoes.
func HasNewerRemote(local *types.Room, remotes []*types.Room) bool {
	if local == nil {
		for _, snap := range remotes {
			if snap != nil {
				return true
			}
		}
		return false
	}
	newestLocal := local.CreatedAt
	for _, msg := range local.Messages {
		if msg.CreatedAt.After(newestLocal) {
			newestLocal = msg.CreatedAt
		}
	}
	for _, snap := range remotes {
		if snap != nil && snap.UpdatedAt.After(newestLocal) {
			return true
		}
	}
	return false
}
