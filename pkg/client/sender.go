package client

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnknownMessage = errors.New("message not in timeline")

// CreateMessageRequest 与 POST /api/v1/messages 的请求体一致
type CreateMessageRequest struct {
	Kind       Kind        `json:"kind"`
	ChatID     string      `json:"chatId,omitempty"`
	GroupID    string      `json:"groupId,omitempty"`
	ReceiverID string      `json:"receiverId,omitempty"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Persister 消息的持久化接口，HTTPClient 实现了它
type Persister interface {
	CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error)
	ToggleReaction(ctx context.Context, messageID, symbol string) (*Message, error)
}

// Sender 乐观发送：先显示本地消息，持久化成功后替换，失败则移除
type Sender struct {
	userID    string
	timeline  *Timeline
	persister Persister
}

func NewSender(userID string, timeline *Timeline, persister Persister) *Sender {
	return &Sender{userID: userID, timeline: timeline, persister: persister}
}

// Send 失败时本地消息已被移除，错误原样返回给调用方，不重试
func (s *Sender) Send(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	if req.Kind == "" {
		req.Kind = KindDirect
	}
	local := s.timeline.AddLocal(Message{
		Kind:       req.Kind,
		ChatID:     req.ChatID,
		GroupID:    req.GroupID,
		SenderID:   s.userID,
		ReceiverID: req.ReceiverID,
		Content:    req.Content,
		Attachment: req.Attachment,
	})

	msg, err := s.persister.CreateMessage(ctx, req)
	if err != nil {
		s.timeline.Discard(local.ID)
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.timeline.Confirm(local.ID, msg)
	return msg, nil
}

// ToggleReaction 先在本地切换，服务端失败时恢复切换前的记录
func (s *Sender) ToggleReaction(ctx context.Context, messageID, symbol string) (*Message, error) {
	prev, ok := s.timeline.Get(messageID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if IsTempID(prev.ID) {
		return nil, fmt.Errorf("toggle reaction on unconfirmed message %s", prev.ID)
	}

	optimistic := prev.Clone()
	optimistic.ToggleReaction(s.userID, symbol)
	s.timeline.Replace(optimistic)

	msg, err := s.persister.ToggleReaction(ctx, prev.ID, symbol)
	if err != nil {
		s.timeline.Replace(prev)
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	s.timeline.Apply(msg)
	return msg, nil
}
