package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.livechat/internal/model"
)

func newPebble(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMessage(id, conv string, at time.Time) *model.Message {
	return &model.Message{
		ID:         id,
		Kind:       model.KindDirect,
		ChatID:     conv,
		SenderID:   "A",
		ReceiverID: "B",
		Content:    "hello " + id,
		Status:     model.StatusSent,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestPebble_MessageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newPebble(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.LoadMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	m := sampleMessage("1", "chat-1", now)
	require.NoError(t, s.CreateMessage(ctx, m))
	assert.ErrorIs(t, s.CreateMessage(ctx, m), ErrAlreadyExists)

	got, err := s.LoadMessage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "hello 1", got.Content)
	assert.Equal(t, model.StatusSent, got.Status)

	got.Status = model.StatusRead
	got.AddReader("B")
	got.ToggleReaction("B", "👍")
	require.NoError(t, s.SaveMessage(ctx, got))

	again, err := s.LoadMessage(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, again.Status)
	assert.Equal(t, []string{"B"}, again.ReadBy)
	assert.Equal(t, []model.Reaction{{Symbol: "👍", Users: []string{"B"}}}, again.Reactions)

	list, err := s.ListMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1, "saving must not duplicate the conversation index")
}

func TestPebble_ListMessagesNewestWindowAscending(t *testing.T) {
	ctx := context.Background()
	s := newPebble(t)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateMessage(ctx, sampleMessage(fmt.Sprintf("m%d", i), "chat-1", base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.CreateMessage(ctx, sampleMessage("other", "chat-2", base)))
	// 前缀相同的会话不能串
	require.NoError(t, s.CreateMessage(ctx, sampleMessage("prefix", "chat-10", base)))

	list, err := s.ListMessages(ctx, "chat-1", 3)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids)

	all, err := s.ListMessages(ctx, "chat-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := s.ListMessages(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPebble_UserPresence(t *testing.T) {
	ctx := context.Background()
	s := newPebble(t)

	_, err := s.LoadUser(ctx, "A")
	assert.ErrorIs(t, err, ErrNotFound)

	seen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveUserPresence(ctx, "A", true, seen))
	u, err := s.LoadUser(ctx, "A")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)

	later := seen.Add(time.Hour)
	require.NoError(t, s.SaveUserPresence(ctx, "A", false, later))
	u, err = s.LoadUser(ctx, "A")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
	assert.True(t, later.Equal(u.LastSeen))

	// 上线不带 lastSeen，保留上次离线时间
	require.NoError(t, s.SaveUserPresence(ctx, "A", true, time.Time{}))
	u, err = s.LoadUser(ctx, "A")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)
	assert.True(t, later.Equal(u.LastSeen))

	assert.NoError(t, s.Ping(ctx))
}

func TestPebble_DeleteMessage(t *testing.T) {
	ctx := context.Background()
	s := newPebble(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateMessage(ctx, sampleMessage("1", "chat-1", now)))
	require.NoError(t, s.CreateMessage(ctx, sampleMessage("2", "chat-1", now.Add(time.Second))))

	require.NoError(t, s.DeleteMessage(ctx, "1"))
	_, err := s.LoadMessage(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteMessage(ctx, "1"), ErrNotFound)

	list, err := s.ListMessages(ctx, "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2", list[0].ID)

	// 会话索引也被删除，迭代时不会再碰到孤立的键
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: conversationPrefix("chat-1"),
		UpperBound: prefixUpperBound(conversationPrefix("chat-1")),
	})
	require.NoError(t, err)
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	require.NoError(t, iter.Close())
	assert.Equal(t, 1, n)
}

func TestPebble_GroupMembers(t *testing.T) {
	ctx := context.Background()
	s := newPebble(t)

	ok, err := s.IsGroupMember(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddGroupMember(ctx, "g1", "bob"))
	require.NoError(t, s.AddGroupMember(ctx, "g1", "alice"))
	require.NoError(t, s.AddGroupMember(ctx, "g1", "alice"))
	require.NoError(t, s.AddGroupMember(ctx, "g10", "carol"))

	ok, err = s.IsGroupMember(ctx, "g1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	members, err := s.ListGroupMembers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	members, err = s.ListGroupMembers(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestInstrumented_Delegates(t *testing.T) {
	ctx := context.Background()
	s := Instrument(newPebble(t))
	m := sampleMessage("x", "chat-1", time.Now().UTC())

	require.NoError(t, s.CreateMessage(ctx, m))
	got, err := s.LoadMessage(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ab"), prefixUpperBound([]byte("aa")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
