package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/buntdb"
	"github.com/vaultroom/vaultroom/keys"
	"github.com/vaultroom/vaultroom/storage"
	"github.com/vaultroom/vaultroom/types"
)

// twoInstances returns services for two gateway processes sharing the same
// pair of storage instances, each writing to its own entry.
func twoInstances(t *testing.T) (*Service, *Service) {
	t.Helper()
	dbs := make([]*buntdb.DB, 0, 2)
	for i := 0; i < 2; i++ {
		db, err := buntdb.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		dbs = append(dbs, db)
	}
	storeA, err := storage.NewMultiStoreWithHandles(dbs, 0, nil)
	require.NoError(t, err)
	storeB, err := storage.NewMultiStoreWithHandles(dbs, 1, nil)
	require.NoError(t, err)
	cacheA, err := keys.NewCache(16)
	require.NoError(t, err)
	cacheB, err := keys.NewCache(16)
	require.NoError(t, err)
	return NewService(storeA, cacheA), NewService(storeB, cacheB)
}

func TestCreateAndFetch(t *testing.T) {
	svc, _ := twoInstances(t)
	ctx := context.Background()

	connectPassword, deletePassword, err := svc.Create(ctx, "my room")
	require.NoError(t, err)
	require.NotEmpty(t, connectPassword)
	require.NotEmpty(t, deletePassword)
	assert.Equal(t, keys.ConnectPassword(deletePassword), connectPassword)

	merged, snapshots, err := svc.Fetch(ctx, connectPassword)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Empty(t, merged.Messages)
	assert.Empty(t, merged.Members)
	assert.NotNil(t, snapshots[0])
	assert.Nil(t, snapshots[1])

	// the stored name round-trips through the field codec
	c, err := svc.Codec(connectPassword)
	require.NoError(t, err)
	name, err := c.Open(merged.EncryptedName)
	require.NoError(t, err)
	assert.Equal(t, "my room", name)
}

func TestJoinCreatesRoomOnFirstJoin(t *testing.T) {
	svc, _ := twoInstances(t)
	ctx := context.Background()
	connectPassword := keys.ConnectPassword("some-delete-password")

	merged, member, err := svc.Join(ctx, connectPassword, "alice", "tok", false)
	require.NoError(t, err)
	require.NotNil(t, member)
	require.NotEmpty(t, member.Id)
	require.Len(t, merged.Members, 1)

	exists, err := svc.Exists(ctx, connectPassword)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestJoinPurgesStaleMembers(t *testing.T) {
	svc, _ := twoInstances(t)
	ctx := context.Background()
	connectPassword := keys.ConnectPassword("some-delete-password")

	_, stale, err := svc.Join(ctx, connectPassword, "ghost", "tok", false)
	require.NoError(t, err)

	// cold restart: no live connections back the stored members
	merged, fresh, err := svc.Join(ctx, connectPassword, "alice", "tok", true)
	require.NoError(t, err)
	require.Len(t, merged.Members, 1)
	assert.Equal(t, fresh.Id, merged.Members[0].Id)
	assert.NotEqual(t, stale.Id, merged.Members[0].Id)
}

func TestAppendMessagePreservesClientId(t *testing.T) {
	svc, _ := twoInstances(t)
	ctx := context.Background()
	connectPassword := keys.ConnectPassword("some-delete-password")

	_, member, err := svc.Join(ctx, connectPassword, "alice", "tok", false)
	require.NoError(t, err)

	msg, merged, err := svc.AppendMessage(ctx, connectPassword, member, types.MessagePayload{
		EncryptedBody: "ciphertext",
		ClientId:      "c1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Id)
	assert.Equal(t, "c1", msg.ClientId)
	assert.Equal(t, member.Id, msg.SenderId)
	require.Len(t, merged.Messages, 1)
	assert.Equal(t, msg.Id, merged.Messages[0].Id)
}

func TestAppendMessageToMissingRoom(t *testing.T) {
	svc, _ := twoInstances(t)
	connectPassword := keys.ConnectPassword("some-delete-password")
	_, _, err := svc.AppendMessage(context.Background(), connectPassword, &types.Member{Id: "u1"}, types.MessagePayload{EncryptedBody: "x"})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestCrossInstanceMerge(t *testing.T) {
	svcA, svcB := twoInstances(t)
	ctx := context.Background()
	connectPassword := keys.ConnectPassword("some-delete-password")

	_, alice, err := svcA.Join(ctx, connectPassword, "alice", "tok", false)
	require.NoError(t, err)
	_, bob, err := svcB.Join(ctx, connectPassword, "bob", "tok", false)
	require.NoError(t, err)

	_, _, err = svcA.AppendMessage(ctx, connectPassword, alice, types.MessagePayload{EncryptedBody: "from-a", ClientId: "ca"})
	require.NoError(t, err)
	_, mergedB, err := svcB.AppendMessage(ctx, connectPassword, bob, types.MessagePayload{EncryptedBody: "from-b", ClientId: "cb"})
	require.NoError(t, err)

	// B's merged view carries both instances' messages and members
	require.Len(t, mergedB.Messages, 2)
	assert.Len(t, mergedB.Members, 2)

	// members stay with their instance: A's entry holds only alice
	_, snapshots, err := svcA.Fetch(ctx, connectPassword)
	require.NoError(t, err)
	require.NotNil(t, snapshots[0])
	require.Len(t, snapshots[0].Members, 1)
	assert.Equal(t, alice.Id, snapshots[0].Members[0].Id)
}

func TestRemoveMembers(t *testing.T) {
	svc, _ := twoInstances(t)
	ctx := context.Background()
	connectPassword := keys.ConnectPassword("some-delete-password")

	_, alice, err := svc.Join(ctx, connectPassword, "alice", "tok", false)
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, connectPassword, "bob", "tok", false)
	require.NoError(t, err)

	merged, err := svc.RemoveMembers(ctx, connectPassword, []string{alice.Id})
	require.NoError(t, err)
	require.Len(t, merged.Members, 1)
	assert.NotEqual(t, alice.Id, merged.Members[0].Id)
}

func TestDeleteWithDeletePassword(t *testing.T) {
	svc, _ := twoInstances(t)
	ctx := context.Background()

	connectPassword, deletePassword, err := svc.Create(ctx, "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteWithDeletePassword(ctx, deletePassword))
	exists, err := svc.Exists(ctx, connectPassword)
	require.NoError(t, err)
	assert.False(t, exists)

	merged, _, err := svc.Fetch(ctx, connectPassword)
	require.NoError(t, err)
	assert.Nil(t, merged)
}

func TestReconcileWritesLocalizedCopy(t *testing.T) {
	svcA, svcB := twoInstances(t)
	ctx := context.Background()
	connectPassword := keys.ConnectPassword("some-delete-password")

	// only instance B knows the room
	mergedB, bob, err := svcB.Join(ctx, connectPassword, "bob", "tok", false)
	require.NoError(t, err)
	_, mergedB, err = svcB.AppendMessage(ctx, connectPassword, bob, types.MessagePayload{EncryptedBody: "x", ClientId: "c1"})
	require.NoError(t, err)

	// A reconciles its own durable copy from the merged view
	require.NoError(t, svcA.Reconcile(ctx, connectPassword, mergedB))
	_, snapshots, err := svcA.Fetch(ctx, connectPassword)
	require.NoError(t, err)
	require.NotNil(t, snapshots[0])
	assert.Len(t, snapshots[0].Messages, 1)
	// members are never copied across instances
	assert.Empty(t, snapshots[0].Members)
}
