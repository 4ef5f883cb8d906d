// Package delivery 推进消息投递状态 sent -> delivered -> read，持久化后通知发送方。
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/keylock"
	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/model"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/room"
)

type Store interface {
	LoadMessage(ctx context.Context, id string) (*model.Message, error)
	SaveMessage(ctx context.Context, m *model.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
	MemberChecker
}

// MemberChecker 群成员关系，由 repository.Store 实现
type MemberChecker interface {
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
}

type Notifier interface {
	ToUser(userID string, ev protocol.Outbound) int
	ToRoom(roomID string, ev protocol.Outbound) int
}

// Result 一次状态操作的结果，Changed 为 false 表示幂等的空操作
type Result struct {
	Message *model.Message
	Changed bool
}

// Machine 消息状态机。同一条消息的读-改-写通过 locks 串行化，
// locks 需要和 reaction.Engine 共用同一个实例。
type Machine struct {
	store    Store
	notifier Notifier
	locks    *keylock.Locker
	now      func() time.Time
	logger   *slog.Logger
}

func NewMachine(store Store, notifier Notifier, locks *keylock.Locker, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Machine{
		store:    store,
		notifier: notifier,
		locks:    locks,
		now:      time.Now,
		logger:   logger.With("component", "delivery"),
	}
}

func (m *Machine) load(ctx context.Context, messageID string) (*model.Message, error) {
	msg, err := m.store.LoadMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrMessageNotFound.Wrap(err)
	}
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	return msg, nil
}

// checkActor 发送者不能标记自己的消息；群消息要求 userID 仍是群成员
func (m *Machine) checkActor(ctx context.Context, msg *model.Message, userID string) error {
	if userID == "" {
		return apperrors.ErrNotParticipant
	}
	if msg.SenderID == userID {
		return apperrors.ErrOwnMessage
	}
	if !msg.IsParticipant(userID) {
		return apperrors.ErrNotParticipant
	}
	if msg.Kind != model.KindGroup {
		return nil
	}
	ok, err := m.store.IsGroupMember(ctx, msg.GroupID, userID)
	if err != nil {
		return apperrors.ErrStorage.Wrap(err)
	}
	if !ok {
		return apperrors.ErrNotParticipant
	}
	return nil
}

// MarkDelivered 只在 sent 状态下生效；已 delivered/read 时为空操作。
// 持久化成功后通知发送方的所有会话。
func (m *Machine) MarkDelivered(ctx context.Context, messageID, recipientID string) (*Result, error) {
	if messageID == "" {
		return nil, apperrors.ErrBadRequest
	}
	unlock := m.locks.Lock(messageID)
	defer unlock()

	msg, err := m.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := m.checkActor(ctx, msg, recipientID); err != nil {
		return nil, err
	}
	if msg.Status != model.StatusSent {
		return &Result{Message: msg}, nil
	}

	msg.Status = model.StatusDelivered
	msg.UpdatedAt = m.now().UTC()
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	metrics.DeliveryTransitions.WithLabelValues(string(model.StatusDelivered)).Inc()

	m.notifier.ToUser(msg.SenderID, protocol.DeliveryStatusChanged{MessageID: msg.ID, Status: model.StatusDelivered})
	m.logger.Debug("Message delivered", "message_id", msg.ID, "user_id", recipientID)
	return &Result{Message: msg, Changed: true}, nil
}

// MarkRead 从 sent 或 delivered 进入 read，并把 viewerID 记入已读集合。
// 从 sent 直接读到时，发送方依次收到 delivered 和 read 两条通知，状态不跳级。
// 群消息每多一个读者都会向群房间广播 group-message-read。
func (m *Machine) MarkRead(ctx context.Context, messageID, viewerID string) (*Result, error) {
	if messageID == "" {
		return nil, apperrors.ErrBadRequest
	}
	unlock := m.locks.Lock(messageID)
	defer unlock()

	msg, err := m.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := m.checkActor(ctx, msg, viewerID); err != nil {
		return nil, err
	}

	prev := msg.Status
	newReader := msg.AddReader(viewerID)
	statusChanged := prev != model.StatusRead
	if !newReader && !statusChanged {
		return &Result{Message: msg}, nil
	}

	msg.Status = model.StatusRead
	msg.UpdatedAt = m.now().UTC()
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}

	if statusChanged {
		if prev == model.StatusSent {
			m.notifier.ToUser(msg.SenderID, protocol.DeliveryStatusChanged{MessageID: msg.ID, Status: model.StatusDelivered})
		}
		metrics.DeliveryTransitions.WithLabelValues(string(model.StatusRead)).Inc()
		m.notifier.ToUser(msg.SenderID, protocol.DeliveryStatusChanged{MessageID: msg.ID, Status: model.StatusRead})
	}
	if newReader && msg.Kind == model.KindGroup {
		m.notifier.ToRoom(room.ForGroup(msg.GroupID), protocol.GroupMessageRead{
			MessageID: msg.ID,
			GroupID:   msg.GroupID,
			UserID:    viewerID,
			Status:    model.StatusRead,
		})
	}
	m.logger.Debug("Message read", "message_id", msg.ID, "user_id", viewerID)
	return &Result{Message: msg, Changed: true}, nil
}

// needsRead 会话扫描时需要标记已读的消息
func needsRead(msg *model.Message, viewerID string) bool {
	if msg.SenderID == viewerID || !msg.IsParticipant(viewerID) {
		return false
	}
	if msg.Kind == model.KindGroup {
		return !msg.HasReader(viewerID)
	}
	return msg.Status != model.StatusRead
}

// MarkConversationRead 尽力而为地把会话中已加载的消息标记为已读。
// 单条失败不会中断扫描，所有失败合并返回。
func (m *Machine) MarkConversationRead(ctx context.Context, conversationID, viewerID string, limit int) ([]string, error) {
	msgs, err := m.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}

	var (
		marked []string
		errs   []error
	)
	for _, msg := range msgs {
		if !needsRead(msg, viewerID) {
			continue
		}
		res, err := m.MarkRead(ctx, msg.ID, viewerID)
		if err != nil {
			m.logger.Warn("Failed to mark message read",
				"message_id", msg.ID,
				"user_id", viewerID,
				"error", err)
			errs = append(errs, err)
			continue
		}
		if res.Changed {
			marked = append(marked, msg.ID)
		}
	}
	return marked, errors.Join(errs...)
}
