package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"sudooom.im.livechat/internal/delivery"
	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/keylock"
	"sudooom.im.livechat/internal/model"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/reaction"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/room"
)

// IDGenerator 由 snowflake.Node 实现
type IDGenerator interface {
	NextID() string
}

type Pusher interface {
	ToUser(userID string, ev protocol.Outbound) int
	ToUsers(userIDs []string, ev protocol.Outbound) int
	ToRoom(roomID string, ev protocol.Outbound) int
}

// OnlineSet 由 presence.Broadcaster 实现
type OnlineSet interface {
	IsOnline(userID string) bool
	Snapshot() []string
}

// CreateMessageRequest 新消息，单聊需要 ChatID 和 ReceiverID，群聊需要 GroupID
type CreateMessageRequest struct {
	Kind       model.Kind        `json:"kind"`
	ChatID     string            `json:"chatId"`
	GroupID    string            `json:"groupId"`
	SenderID   string            `json:"senderId"`
	ReceiverID string            `json:"receiverId"`
	Content    string            `json:"content"`
	Attachment *model.Attachment `json:"attachment"`
}

// UserPresence 在线状态查询结果
type UserPresence struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ChatService HTTP API、连接处理器和总线命令共用的业务入口
type ChatService struct {
	store     repository.Store
	ids       IDGenerator
	delivery  *delivery.Machine
	reactions *reaction.Engine
	pusher    Pusher
	online    OnlineSet
	locks     *keylock.Locker
	now       func() time.Time
	logger    *slog.Logger
}

func NewChatService(
	store repository.Store,
	ids IDGenerator,
	machine *delivery.Machine,
	reactions *reaction.Engine,
	pusher Pusher,
	online OnlineSet,
	locks *keylock.Locker,
	logger *slog.Logger,
) *ChatService {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &ChatService{
		store:     store,
		ids:       ids,
		delivery:  machine,
		reactions: reactions,
		pusher:    pusher,
		online:    online,
		locks:     locks,
		now:       time.Now,
		logger:    logger.With("component", "chat_service"),
	}
}

// conversationLock 会话级的锁，和按消息的锁共用一个 Locker，key 加前缀区分
func conversationLock(conversationID string) string {
	return "conv:" + conversationID
}

// CreateMessage 持久化一条新消息（状态 sent）后推送 message-created。
// 群消息要求发送者是群成员；单聊的 chatId 一旦有消息就绑定到这两个人。
func (s *ChatService) CreateMessage(ctx context.Context, req CreateMessageRequest) (*model.Message, error) {
	now := s.now().UTC()
	msg := &model.Message{
		Kind:       req.Kind,
		ChatID:     req.ChatID,
		GroupID:    req.GroupID,
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Attachment: req.Attachment,
		Status:     model.StatusSent,
		ReadBy:     []string{},
		Reactions:  []model.Reaction{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if msg.Kind == "" {
		msg.Kind = model.KindDirect
	}
	if err := msg.Validate(); err != nil {
		return nil, apperrors.ErrInvalidMessage.Wrap(err)
	}

	unlock := s.locks.Lock(conversationLock(msg.ConversationID()))
	defer unlock()

	if err := s.checkConversation(ctx, msg); err != nil {
		return nil, err
	}
	msg.ID = s.ids.NextID()

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		s.logger.Error("Failed to create message", "sender_id", msg.SenderID, "error", err)
		return nil, apperrors.ErrStorage.Wrap(err)
	}

	s.broadcast(msg, protocol.MessageCreated{Message: msg})

	s.logger.Debug("Message created",
		"message_id", msg.ID,
		"kind", msg.Kind,
		"conversation_id", msg.ConversationID())
	return msg, nil
}

// checkConversation 新消息必须和会话已有的消息属于同一类、同一对用户
func (s *ChatService) checkConversation(ctx context.Context, msg *model.Message) error {
	if msg.Kind == model.KindGroup {
		if err := s.checkMember(ctx, msg.GroupID, msg.SenderID); err != nil {
			return err
		}
	}

	latest, err := s.store.ListMessages(ctx, msg.ConversationID(), 1)
	if err != nil {
		return apperrors.ErrStorage.Wrap(err)
	}
	if len(latest) == 0 {
		return nil
	}
	prev := latest[0]
	if prev.Kind != msg.Kind {
		return apperrors.ErrNotParticipant
	}
	if msg.Kind == model.KindDirect && !sameParticipants(prev, msg) {
		return apperrors.ErrNotParticipant
	}
	return nil
}

func sameParticipants(a, b *model.Message) bool {
	return (a.SenderID == b.SenderID && a.ReceiverID == b.ReceiverID) ||
		(a.SenderID == b.ReceiverID && a.ReceiverID == b.SenderID)
}

// canView 单聊只有双方可见，群聊只有当前成员可见
func (s *ChatService) canView(ctx context.Context, msg *model.Message, viewerID string) error {
	if viewerID == "" {
		return apperrors.ErrNotParticipant
	}
	if msg.Kind == model.KindGroup {
		return s.checkMember(ctx, msg.GroupID, viewerID)
	}
	if !msg.IsParticipant(viewerID) {
		return apperrors.ErrNotParticipant
	}
	return nil
}

func (s *ChatService) broadcast(msg *model.Message, ev protocol.Outbound) {
	if msg.Kind == model.KindGroup {
		s.pusher.ToRoom(room.ForGroup(msg.GroupID), ev)
		return
	}
	s.pusher.ToUsers(msg.Participants(), ev)
}

func (s *ChatService) load(ctx context.Context, messageID string) (*model.Message, error) {
	msg, err := s.store.LoadMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.ErrMessageNotFound.Wrap(err)
	}
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	return msg, nil
}

// GetMessage 读取单条消息，viewerID 必须能看到这条消息
func (s *ChatService) GetMessage(ctx context.Context, messageID, viewerID string) (*model.Message, error) {
	msg, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.canView(ctx, msg, viewerID); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages 返回会话最新的 limit 条消息，按时间升序。
// 任何一条对 viewerID 不可见时整体拒绝。
func (s *ChatService) ListMessages(ctx context.Context, conversationID, viewerID string, limit int) ([]*model.Message, error) {
	if conversationID == "" {
		return nil, apperrors.ErrBadRequest
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	if err := s.checkViewAll(ctx, msgs, viewerID); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *ChatService) checkViewAll(ctx context.Context, msgs []*model.Message, viewerID string) error {
	groups := make(map[string]bool)
	for _, msg := range msgs {
		if msg.Kind == model.KindGroup && groups[msg.GroupID] {
			continue
		}
		if err := s.canView(ctx, msg, viewerID); err != nil {
			return err
		}
		if msg.Kind == model.KindGroup {
			groups[msg.GroupID] = true
		}
	}
	return nil
}

// DeleteMessage 只有发送者可以删除。删除后向会话推送 message-deleted。
func (s *ChatService) DeleteMessage(ctx context.Context, messageID, userID string) error {
	if messageID == "" {
		return apperrors.ErrBadRequest
	}
	unlock := s.locks.Lock(messageID)
	defer unlock()

	msg, err := s.load(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return apperrors.ErrNotSender
	}

	err = s.store.DeleteMessage(ctx, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.ErrMessageNotFound.Wrap(err)
	}
	if err != nil {
		s.logger.Error("Failed to delete message", "message_id", messageID, "error", err)
		return apperrors.ErrStorage.Wrap(err)
	}

	s.broadcast(msg, protocol.MessageDeleted{
		MessageID:      msg.ID,
		Kind:           msg.Kind,
		ConversationID: msg.ConversationID(),
	})
	s.logger.Info("Message deleted", "message_id", msg.ID, "user_id", userID)
	return nil
}

func (s *ChatService) MarkDelivered(ctx context.Context, messageID, recipientID string) (*delivery.Result, error) {
	return s.delivery.MarkDelivered(ctx, messageID, recipientID)
}

func (s *ChatService) MarkRead(ctx context.Context, messageID, viewerID string) (*delivery.Result, error) {
	return s.delivery.MarkRead(ctx, messageID, viewerID)
}

// MarkConversationRead 返回本次新标记为已读的消息 ID
func (s *ChatService) MarkConversationRead(ctx context.Context, conversationID, viewerID string) ([]string, error) {
	if conversationID == "" {
		return nil, apperrors.ErrBadRequest
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, repository.DefaultListLimit)
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	if err := s.checkViewAll(ctx, msgs, viewerID); err != nil {
		return nil, err
	}
	return s.delivery.MarkConversationRead(ctx, conversationID, viewerID, repository.DefaultListLimit)
}

func (s *ChatService) ToggleReaction(ctx context.Context, messageID, userID, symbol string) (*model.Message, error) {
	return s.reactions.Toggle(ctx, messageID, userID, symbol)
}

// AddGroupMember 把 userID 加入群。空群由第一个调用者创建，调用者和 userID 一起成为成员；
// 已有成员的群只有成员能拉人。actorID 为空表示受信的后端调用，跳过拉人者检查。
// 返回加入后的成员列表。
func (s *ChatService) AddGroupMember(ctx context.Context, groupID, actorID, userID string) ([]string, error) {
	if groupID == "" || userID == "" {
		return nil, apperrors.ErrBadRequest
	}
	unlock := s.locks.Lock(conversationLock(groupID))
	defer unlock()

	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}

	add := []string{userID}
	if len(members) == 0 {
		// 同名的单聊会话不能被占用成群
		latest, err := s.store.ListMessages(ctx, groupID, 1)
		if err != nil {
			return nil, apperrors.ErrStorage.Wrap(err)
		}
		if len(latest) > 0 && latest[0].Kind != model.KindGroup {
			return nil, apperrors.ErrNotParticipant
		}
		if actorID != "" {
			add = append(add, actorID)
		}
	} else if actorID != "" && !slices.Contains(members, actorID) {
		return nil, apperrors.ErrNotParticipant
	}

	for _, u := range add {
		if err := s.store.AddGroupMember(ctx, groupID, u); err != nil {
			return nil, apperrors.ErrStorage.Wrap(err)
		}
	}
	s.logger.Info("Group member added", "group_id", groupID, "user_id", userID, "actor_id", actorID)

	members, err = s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	return members, nil
}

// ListGroupMembers 只对群成员开放
func (s *ChatService) ListGroupMembers(ctx context.Context, groupID, viewerID string) ([]string, error) {
	if groupID == "" {
		return nil, apperrors.ErrBadRequest
	}
	if err := s.checkMember(ctx, groupID, viewerID); err != nil {
		return nil, err
	}
	members, err := s.store.ListGroupMembers(ctx, groupID)
	if err != nil {
		return nil, apperrors.ErrStorage.Wrap(err)
	}
	return members, nil
}

func (s *ChatService) checkMember(ctx context.Context, groupID, userID string) error {
	ok, err := s.store.IsGroupMember(ctx, groupID, userID)
	if err != nil {
		return apperrors.ErrStorage.Wrap(err)
	}
	if !ok {
		return apperrors.ErrNotParticipant
	}
	return nil
}

// AuthorizeRoom 群房间只允许群成员加入，其他房间不限制
func (s *ChatService) AuthorizeRoom(ctx context.Context, roomID, userID string) error {
	groupID, ok := room.GroupID(roomID)
	if !ok {
		return nil
	}
	return s.checkMember(ctx, groupID, userID)
}

// UserPresence 在线状态以内存为准，lastSeen 取持久化记录
func (s *ChatService) UserPresence(ctx context.Context, userID string) (*UserPresence, error) {
	if userID == "" {
		return nil, apperrors.ErrBadRequest
	}
	p := &UserPresence{UserID: userID, IsOnline: s.online.IsOnline(userID)}

	user, err := s.store.LoadUser(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return nil, apperrors.ErrStorage.Wrap(err)
	case !user.LastSeen.IsZero():
		lastSeen := user.LastSeen
		p.LastSeen = &lastSeen
	}
	return p, nil
}

// OnlineUsers 当前在线用户快照
func (s *ChatService) OnlineUsers() []string {
	return s.online.Snapshot()
}

// PushToUser 向用户的所有会话推送任意出站事件，返回送达的会话数
func (s *ChatService) PushToUser(userID string, ev protocol.Outbound) int {
	return s.pusher.ToUser(userID, ev)
}
