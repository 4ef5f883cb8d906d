package reaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/keylock"
	"sudooom.im.livechat/internal/model"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/repository"
)

func newStore(t *testing.T, msgs ...*model.Message) *repository.PebbleStore {
	t.Helper()
	s, err := repository.OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for _, m := range msgs {
		require.NoError(t, s.CreateMessage(context.Background(), m))
	}
	return s
}

func addMembers(t *testing.T, s *repository.PebbleStore, groupID string, userIDs ...string) {
	t.Helper()
	for _, u := range userIDs {
		require.NoError(t, s.AddGroupMember(context.Background(), groupID, u))
	}
}

type failingSave struct {
	*repository.PebbleStore
}

func (failingSave) SaveMessage(context.Context, *model.Message) error {
	return errors.New("write timeout")
}

type broadcast struct {
	users []string
	room  string
	msg   *model.Message
}

type recordingNotifier struct {
	mu  sync.Mutex
	out []broadcast
}

func (n *recordingNotifier) ToUsers(userIDs []string, ev protocol.Outbound) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, broadcast{users: userIDs, msg: ev.(protocol.ReactionUpdated).Message})
	return len(userIDs)
}

func (n *recordingNotifier) ToRoom(roomID string, ev protocol.Outbound) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, broadcast{room: roomID, msg: ev.(protocol.ReactionUpdated).Message})
	return 1
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.out)
}

func direct(id string) *model.Message {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &model.Message{ID: id, Kind: model.KindDirect, ChatID: "c", SenderID: "A", ReceiverID: "B", Content: "x", Status: model.StatusSent, CreatedAt: at, UpdatedAt: at}
}

func group(id string) *model.Message {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &model.Message{ID: id, Kind: model.KindGroup, GroupID: "g1", SenderID: "A", Content: "x", Status: model.StatusSent, CreatedAt: at, UpdatedAt: at}
}

func TestToggle_Scenario(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	store := newStore(t, group("M"))
	addMembers(t, store, "g1", "A", "B")
	e := NewEngine(store, n, keylock.New(), nil)

	msg, err := e.Toggle(ctx, "M", "A", "👍")
	require.NoError(t, err)
	assert.Equal(t, []model.Reaction{{Symbol: "👍", Users: []string{"A"}}}, msg.Reactions)

	msg, err = e.Toggle(ctx, "M", "B", "👍")
	require.NoError(t, err)
	assert.Equal(t, []model.Reaction{{Symbol: "👍", Users: []string{"A", "B"}}}, msg.Reactions)

	msg, err = e.Toggle(ctx, "M", "A", "👍")
	require.NoError(t, err)
	assert.Equal(t, []model.Reaction{{Symbol: "👍", Users: []string{"B"}}}, msg.Reactions)

	require.Equal(t, 3, n.count())
	for _, b := range n.out {
		assert.Equal(t, "group:g1", b.room)
	}
	assert.Equal(t, msg.Reactions, n.out[2].msg.Reactions)
}

func TestToggle_RoundTripPersists(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, direct("M"))
	e := NewEngine(store, &recordingNotifier{}, nil, nil)

	_, err := e.Toggle(ctx, "M", "B", "❤️")
	require.NoError(t, err)
	_, err = e.Toggle(ctx, "M", "B", "❤️")
	require.NoError(t, err)

	stored, err := store.LoadMessage(ctx, "M")
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)
}

func TestToggle_DirectGoesToBothParticipants(t *testing.T) {
	n := &recordingNotifier{}
	e := NewEngine(newStore(t, direct("M")), n, nil, nil)

	_, err := e.Toggle(context.Background(), "M", "B", "😂")
	require.NoError(t, err)

	require.Equal(t, 1, n.count())
	assert.Equal(t, []string{"A", "B"}, n.out[0].users)
	assert.Empty(t, n.out[0].room)
}

func TestToggle_Errors(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	e := NewEngine(newStore(t, direct("M")), n, nil, nil)

	_, err := e.Toggle(ctx, "M", "B", "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidSymbol))

	_, err = e.Toggle(ctx, "nope", "B", "👍")
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound))

	_, err = e.Toggle(ctx, "M", "stranger", "👍")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))

	assert.Equal(t, 0, n.count())
}

func TestToggle_PersistFailureNoBroadcast(t *testing.T) {
	n := &recordingNotifier{}
	e := NewEngine(failingSave{newStore(t, direct("M"))}, n, nil, nil)

	_, err := e.Toggle(context.Background(), "M", "B", "👍")
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	assert.Equal(t, 0, n.count())
}

func TestToggle_ConcurrentUsersNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, group("M"))
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8", "u9", "u10"}
	addMembers(t, store, "g1", users...)
	e := NewEngine(store, &recordingNotifier{}, keylock.New(), nil)
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := e.Toggle(ctx, "M", userID, "🔥")
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	stored, err := store.LoadMessage(ctx, "M")
	require.NoError(t, err)
	require.Len(t, stored.Reactions, 1)
	assert.ElementsMatch(t, users, stored.Reactions[0].Users)
}

func TestToggle_GroupRejectsNonMember(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	store := newStore(t, group("M"))
	addMembers(t, store, "g1", "A")
	e := NewEngine(store, n, nil, nil)

	_, err := e.Toggle(ctx, "M", "mallory", "👍")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
	assert.Equal(t, 0, n.count())

	stored, err := store.LoadMessage(ctx, "M")
	require.NoError(t, err)
	assert.Empty(t, stored.Reactions)

	_, err = e.Toggle(ctx, "M", "A", "👍")
	require.NoError(t, err)
}
