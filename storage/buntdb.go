package storage

import (
	"context"
	"fmt"

	"github.com/tidwall/buntdb"
	"github.com/vaultroom/vaultroom/codec"
	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/types"
)

const roomKeyPrefix = "room:"

// MultiStore implements Store over N BuntDB handles, one per storage
// instance. The handle at localIndex is the only one this process writes to;
// reads fan out across all handles so the merge engine sees every divergent
// copy. Blobs are sealed with the caller-supplied derived key before they
// touch disk.
type MultiStore struct {
	dbs        []*buntdb.DB
	localIndex int
	notifier   Notifier
}

func NewMultiStore(dsns []string, localIndex int, notifier Notifier) (*MultiStore, error) {
	if len(dsns) == 0 {
		return nil, fmt.Errorf("storage: no instance dsns configured")
	}
	if localIndex < 0 || localIndex >= len(dsns) {
		return nil, fmt.Errorf("storage: local index %d out of range", localIndex)
	}
	dbs := make([]*buntdb.DB, 0, len(dsns))
	for _, dsn := range dsns {
		db, err := buntdb.Open(dsn)
		if err != nil {
			for _, d := range dbs {
				d.Close()
			}
			return nil, fmt.Errorf("storage: open %s: %w", dsn, err)
		}
		dbs = append(dbs, db)
	}
	return &MultiStore{dbs: dbs, localIndex: localIndex, notifier: notifier}, nil
}

// NewMultiStoreWithHandles wraps already-open handles. Used where several
// logical instances share one process, e.g. tests exercising divergence.
func NewMultiStoreWithHandles(dbs []*buntdb.DB, localIndex int, notifier Notifier) (*MultiStore, error) {
	if len(dbs) == 0 {
		return nil, fmt.Errorf("storage: no instance handles")
	}
	if localIndex < 0 || localIndex >= len(dbs) {
		return nil, fmt.Errorf("storage: local index %d out of range", localIndex)
	}
	return &MultiStore{dbs: dbs, localIndex: localIndex, notifier: notifier}, nil
}

func (s *MultiStore) Get(ctx context.Context, roomID string, key []byte) ([]*types.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := codec.New(key)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*types.Room, len(s.dbs))
	for i, db := range s.dbs {
		var blob string
		err := db.View(func(tx *buntdb.Tx) error {
			v, err := tx.Get(roomKeyPrefix + roomID)
			if err != nil {
				return err
			}
			blob = v
			return nil
		})
		if err == buntdb.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("storage: read instance %d: %w", i, err)
		}
		room := &types.Room{}
		if err := c.OpenJSON(blob, room); err != nil {
			// wrong key or corrupted entry, the snapshot is unusable
			return nil, fmt.Errorf("storage: decrypt instance %d: %w", i, err)
		}
		snapshots[i] = room
	}
	return snapshots, nil
}

func (s *MultiStore) Set(ctx context.Context, roomID string, room *types.Room, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := codec.New(key)
	if err != nil {
		return err
	}
	blob, err := c.SealJSON(room)
	if err != nil {
		return err
	}
	err = s.dbs[s.localIndex].Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(roomKeyPrefix+roomID, blob, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: write: %w", err)
	}
	s.publish(Event{Type: ContentChanged, RoomID: roomID})
	return nil
}

// Delete erases the room's entry on every instance. There is no tombstone,
// absence of the key is the deletion signal.
func (s *MultiStore) Delete(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, db := range s.dbs {
		err := db.Update(func(tx *buntdb.Tx) error {
			_, err := tx.Delete(roomKeyPrefix + roomID)
			if err == buntdb.ErrNotFound {
				return nil
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("storage: delete instance %d: %w", i, err)
		}
	}
	s.publish(Event{Type: KeyDeleted, RoomID: roomID})
	return nil
}

func (s *MultiStore) Has(ctx context.Context, roomID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, db := range s.dbs {
		found := false
		err := db.View(func(tx *buntdb.Tx) error {
			_, err := tx.Get(roomKeyPrefix + roomID)
			if err == buntdb.ErrNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			found = true
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("storage: has: %w", err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (s *MultiStore) LocalIndex() int {
	return s.localIndex
}

func (s *MultiStore) Subscribe(fn func(Event)) error {
	if s.notifier == nil {
		return fmt.Errorf("storage: no notifier configured")
	}
	return s.notifier.Subscribe(fn)
}

func (s *MultiStore) Close() error {
	var firstErr error
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			firstErr = err
		}
	}
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *MultiStore) publish(ev Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ev); err != nil {
		globals.AppLogger.Error("could not publish storage event", "type", ev.Type.String(), "error", err)
	}
}
