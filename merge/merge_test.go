package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultroom/vaultroom/types"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, at time.Time) types.Message {
	return types.Message{Id: id, EncryptedBody: "ct-" + id, CreatedAt: at, UpdatedAt: at}
}

func member(id string, at time.Time) types.Member {
	return types.Member{Id: id, EncryptedName: "ct-" + id, CreatedAt: at, UpdatedAt: at}
}

func snapshot(msgs []types.Message, members []types.Member, updated time.Time) *types.Room {
	return &types.Room{
		Id:        "room-1",
		Messages:  msgs,
		Members:   members,
		CreatedAt: t0,
		UpdatedAt: updated,
	}
}

func TestMergeAllNil(t *testing.T) {
	assert.Nil(t, Merge(nil))
	assert.Nil(t, Merge([]*types.Room{nil, nil, nil}))
}

func TestMergeUnionsMessagesAndMembers(t *testing.T) {
	a := snapshot(
		[]types.Message{msg("m1", t0), msg("m2", t0.Add(time.Second))},
		[]types.Member{member("u1", t0)},
		t0.Add(time.Second),
	)
	b := snapshot(
		[]types.Message{msg("m2", t0.Add(time.Second)), msg("m3", t0.Add(2*time.Second))},
		[]types.Member{member("u2", t0)},
		t0.Add(2*time.Second),
	)
	out := Merge([]*types.Room{a, nil, b})
	require.NotNil(t, out)

	ids := make([]string, 0)
	for _, m := range out.Messages {
		ids = append(ids, m.Id)
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
	assert.Len(t, out.Members, 2)
	assert.Equal(t, t0, out.CreatedAt)
	assert.Equal(t, t0.Add(2*time.Second), out.UpdatedAt)
}

func TestMergeOrderIndependent(t *testing.T) {
	a := snapshot([]types.Message{msg("m1", t0)}, []types.Member{member("u1", t0)}, t0)
	b := snapshot([]types.Message{msg("m2", t0.Add(time.Second))}, []types.Member{member("u2", t0)}, t0.Add(time.Second))
	c := snapshot([]types.Message{msg("m3", t0.Add(2*time.Second)), msg("m1", t0)}, nil, t0.Add(2*time.Second))

	perms := [][]*types.Room{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	want := Merge(perms[0])
	for _, p := range perms[1:] {
		assert.Equal(t, want, Merge(p))
	}
}

func TestMergeIdempotent(t *testing.T) {
	a := snapshot([]types.Message{msg("m1", t0), msg("m2", t0.Add(time.Second))}, []types.Member{member("u1", t0)}, t0.Add(time.Second))
	b := snapshot([]types.Message{msg("m3", t0.Add(2*time.Second))}, nil, t0.Add(2*time.Second))

	once := Merge([]*types.Room{a, b})
	twice := Merge([]*types.Room{once})
	assert.Equal(t, once, twice)
	assert.Equal(t, once, Merge([]*types.Room{once, once}))
}

func TestMergeAssociative(t *testing.T) {
	a := snapshot([]types.Message{msg("m1", t0)}, nil, t0)
	b := snapshot([]types.Message{msg("m2", t0.Add(time.Second))}, nil, t0.Add(time.Second))
	c := snapshot([]types.Message{msg("m3", t0.Add(2*time.Second))}, nil, t0.Add(2*time.Second))

	left := Merge([]*types.Room{Merge([]*types.Room{a, b}), c})
	right := Merge([]*types.Room{a, Merge([]*types.Room{b, c})})
	assert.Equal(t, left, right)
}

func TestMergeTieBreakById(t *testing.T) {
	a := snapshot([]types.Message{msg("b", t0)}, nil, t0)
	b := snapshot([]types.Message{msg("a", t0)}, nil, t0)

	out := Merge([]*types.Room{a, b})
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "a", out.Messages[0].Id)
	assert.Equal(t, "b", out.Messages[1].Id)
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := snapshot([]types.Message{msg("m2", t0.Add(time.Second)), msg("m1", t0)}, []types.Member{member("u1", t0)}, t0.Add(time.Second))
	before := *a
	beforeMsgs := append([]types.Message(nil), a.Messages...)

	_ = Merge([]*types.Room{a, snapshot([]types.Message{msg("m3", t0)}, nil, t0)})
	assert.Equal(t, before.Id, a.Id)
	assert.Equal(t, beforeMsgs, a.Messages)
}

func TestLocalizeClearsMembers(t *testing.T) {
	merged := snapshot([]types.Message{msg("m1", t0)}, []types.Member{member("u1", t0)}, t0)
	local := Localize(merged)
	require.NotNil(t, local)
	assert.Empty(t, local.Members)
	assert.Equal(t, merged.Messages, local.Messages)
	// the source keeps its members
	assert.Len(t, merged.Members, 1)
	assert.Nil(t, Localize(nil))
}

func TestMessagesAdded(t *testing.T) {
	local := snapshot([]types.Message{msg("m1", t0), msg("m2", t0.Add(time.Second))}, nil, t0.Add(time.Second))
	merged := snapshot([]types.Message{
		msg("m1", t0),
		msg("m2", t0.Add(time.Second)),
		msg("m3", t0.Add(2*time.Second)),
		msg("m4", t0.Add(3*time.Second)),
	}, nil, t0.Add(3*time.Second))

	added := MessagesAdded(local, merged)
	require.Len(t, added, 2)
	assert.Equal(t, "m3", added[0].Id)
	assert.Equal(t, "m4", added[1].Id)

	assert.Len(t, MessagesAdded(nil, merged), 4)
	assert.Nil(t, MessagesAdded(local, nil))
}

func TestHasNewerRemote(t *testing.T) {
	local := snapshot([]types.Message{msg("m1", t0.Add(time.Minute))}, nil, t0)
	older := snapshot(nil, nil, t0)
	newer := snapshot(nil, nil, t0.Add(2*time.Minute))

	assert.False(t, HasNewerRemote(local, []*types.Room{older, nil}))
	assert.True(t, HasNewerRemote(local, []*types.Room{older, newer}))
	assert.True(t, HasNewerRemote(nil, []*types.Room{older}))
	assert.False(t, HasNewerRemote(nil, []*types.Room{nil, nil}))
}
