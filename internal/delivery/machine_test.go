package delivery

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

type memStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	order    []string
	saveErr  error
	saves    int
	// members 为 nil 时所有人都是群成员
	members map[string]bool
}

func newMemStore(msgs ...*model.Message) *memStore {
	s := &memStore{messages: make(map[string]*model.Message)}
	for _, m := range msgs {
		s.messages[m.ID] = m.Clone()
		s.order = append(s.order, m.ID)
	}
	return s
}

func (s *memStore) LoadMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *memStore) SaveMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.messages[m.ID] = m.Clone()
	return nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID string, _ int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, id := range s.order {
		if m := s.messages[id]; m.ConversationID() == conversationID {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *memStore) IsGroupMember(_ context.Context, groupID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members == nil {
		return true, nil
	}
	return s.members[groupID+"/"+userID], nil
}

func (s *memStore) get(id string) *model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id].Clone()
}

type notification struct {
	target string
	ev     protocol.Outbound
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) ToUser(userID string, ev protocol.Outbound) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{"user:" + userID, ev})
	return 1
}

func (n *recordingNotifier) ToRoom(roomID string, ev protocol.Outbound) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{"room:" + roomID, ev})
	return 1
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

func directMessage(id string) *model.Message {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &model.Message{
		ID: id, Kind: model.KindDirect, ChatID: "chat-ab",
		SenderID: "A", ReceiverID: "B", Content: "hi",
		Status: model.StatusSent, CreatedAt: at, UpdatedAt: at,
	}
}

func groupMessage(id string) *model.Message {
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	return &model.Message{
		ID: id, Kind: model.KindGroup, GroupID: "g1",
		SenderID: "A", Content: "hello group",
		Status: model.StatusSent, CreatedAt: at, UpdatedAt: at,
	}
}

func newMachine(store Store) (*Machine, *recordingNotifier) {
	n := &recordingNotifier{}
	return NewMachine(store, n, keylock.New(), nil), n
}

func TestMachine_DeliveredThenReadScenario(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(directMessage("M"))
	m, n := newMachine(store)

	res, err := m.MarkDelivered(ctx, "M", "B")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.StatusDelivered, store.get("M").Status)
	require.Len(t, n.all(), 1)
	assert.Equal(t, notification{"user:A", protocol.DeliveryStatusChanged{MessageID: "M", Status: model.StatusDelivered}}, n.all()[0])

	res, err = m.MarkRead(ctx, "M", "B")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, model.StatusRead, store.get("M").Status)
	assert.Equal(t, []string{"B"}, store.get("M").ReadBy)
	require.Len(t, n.all(), 2)
	assert.Equal(t, notification{"user:A", protocol.DeliveryStatusChanged{MessageID: "M", Status: model.StatusRead}}, n.all()[1])

	// 迟到的 delivered 不回退也不通知
	res, err = m.MarkDelivered(ctx, "M", "B")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, model.StatusRead, store.get("M").Status)
	assert.Len(t, n.all(), 2)
}

func TestMachine_MarkReadIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(directMessage("M"))
	m, n := newMachine(store)

	_, err := m.MarkRead(ctx, "M", "B")
	require.NoError(t, err)
	saves := store.saves
	events := len(n.all())

	res, err := m.MarkRead(ctx, "M", "B")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, model.StatusRead, store.get("M").Status)
	assert.Equal(t, []string{"B"}, store.get("M").ReadBy)
	assert.Equal(t, saves, store.saves)
	assert.Len(t, n.all(), events)
}

func TestMachine_ReadFromSentEmitsBothSteps(t *testing.T) {
	store := newMemStore(directMessage("M"))
	m, n := newMachine(store)

	_, err := m.MarkRead(context.Background(), "M", "B")
	require.NoError(t, err)

	sent := n.all()
	require.Len(t, sent, 2)
	assert.Equal(t, model.StatusDelivered, sent[0].ev.(protocol.DeliveryStatusChanged).Status)
	assert.Equal(t, model.StatusRead, sent[1].ev.(protocol.DeliveryStatusChanged).Status)
}

func TestMachine_Rejections(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(directMessage("M"))
	m, n := newMachine(store)

	_, err := m.MarkDelivered(ctx, "missing", "B")
	assert.True(t, apperrors.Is(err, apperrors.ErrMessageNotFound))

	_, err = m.MarkRead(ctx, "M", "A")
	assert.True(t, apperrors.Is(err, apperrors.ErrOwnMessage))

	_, err = m.MarkDelivered(ctx, "M", "C")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))

	_, err = m.MarkRead(ctx, "", "B")
	assert.True(t, apperrors.Is(err, apperrors.ErrBadRequest))

	assert.Empty(t, n.all())
	assert.Equal(t, model.StatusSent, store.get("M").Status)
}

func TestMachine_PersistFailureSendsNothing(t *testing.T) {
	store := newMemStore(directMessage("M"))
	store.saveErr = errors.New("disk full")
	m, n := newMachine(store)

	_, err := m.MarkDelivered(context.Background(), "M", "B")
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	assert.Empty(t, n.all())

	store.saveErr = nil
	assert.Equal(t, model.StatusSent, store.get("M").Status)
}

func TestMachine_GroupReadPerViewer(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(groupMessage("G"))
	m, n := newMachine(store)

	_, err := m.MarkRead(ctx, "G", "B")
	require.NoError(t, err)
	_, err = m.MarkRead(ctx, "G", "C")
	require.NoError(t, err)
	res, err := m.MarkRead(ctx, "G", "C")
	require.NoError(t, err)
	assert.False(t, res.Changed)

	got := store.get("G")
	assert.Equal(t, model.StatusRead, got.Status)
	assert.Equal(t, []string{"B", "C"}, got.ReadBy)

	var roomEvents, senderReads int
	for _, sent := range n.all() {
		switch ev := sent.ev.(type) {
		case protocol.GroupMessageRead:
			roomEvents++
			assert.Equal(t, "room:group:g1", sent.target)
			assert.Equal(t, "G", ev.MessageID)
		case protocol.DeliveryStatusChanged:
			if ev.Status == model.StatusRead {
				senderReads++
			}
		}
	}
	assert.Equal(t, 2, roomEvents)
	assert.Equal(t, 1, senderReads)
}

func TestMachine_ConcurrentMarksDoNotLoseReaders(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(groupMessage("G"))
	m, _ := newMachine(store)

	readers := []string{"B", "C", "D", "E", "F", "G2", "H", "I"}
	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(viewer string) {
			defer wg.Done()
			_, err := m.MarkRead(ctx, "G", viewer)
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	assert.ElementsMatch(t, readers, store.get("G").ReadBy)
}

func TestMachine_MarkConversationRead(t *testing.T) {
	ctx := context.Background()
	own := directMessage("own")
	own.SenderID, own.ReceiverID = "B", "A"
	already := directMessage("already")
	already.Status = model.StatusRead
	already.ReadBy = []string{"B"}

	store := newMemStore(directMessage("m1"), own, already, directMessage("m2"))
	m, _ := newMachine(store)

	marked, err := m.MarkConversationRead(ctx, "chat-ab", "B", 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, marked)
	assert.Equal(t, model.StatusSent, store.get("own").Status)

	marked, err = m.MarkConversationRead(ctx, "chat-ab", "B", 50)
	require.NoError(t, err)
	assert.Empty(t, marked)
}

func TestMachine_MarkConversationReadCollectsFailures(t *testing.T) {
	store := newMemStore(directMessage("m1"), directMessage("m2"))
	store.saveErr = errors.New("timeout")
	m, _ := newMachine(store)

	marked, err := m.MarkConversationRead(context.Background(), "chat-ab", "B", 50)
	assert.Empty(t, marked)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

func TestMachine_GroupRequiresMembership(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(groupMessage("G"))
	store.members = map[string]bool{"g1/B": true}
	m, n := newMachine(store)

	_, err := m.MarkRead(ctx, "G", "mallory")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
	_, err = m.MarkDelivered(ctx, "G", "mallory")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
	assert.Empty(t, n.all())
	assert.Empty(t, store.get("G").ReadBy)

	res, err := m.MarkRead(ctx, "G", "B")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	// 会话扫描遇到非成员同样拒绝
	marked, err := m.MarkConversationRead(ctx, "g1", "mallory", 50)
	assert.Empty(t, marked)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotParticipant))
	assert.Equal(t, []string{"B"}, store.get("G").ReadBy)
}
