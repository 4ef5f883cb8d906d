package protocol

import (
	"time"

	"sudooom.im.livechat/internal/model"
)

// 出站事件名
const (
	OutConnected             = "connected"
	OutPresenceChanged       = "presence-changed"
	OutBootstrapOnlineSet    = "bootstrap-online-set"
	OutRoomMessage           = "room-message"
	OutDeliveryStatusChanged = "delivery-status-changed"
	OutReactionUpdated       = "reaction-updated"
	OutMessageCreated        = "message-created"
	OutGroupMessageRead      = "group-message-read"
	OutMessageDeleted        = "message-deleted"
	OutUserTyping            = "user-typing"
	OutUserStopTyping        = "user-stop-typing"
	OutPong                  = "pong"
	OutError                 = "error"
)

// Outbound 出站事件载荷
type Outbound interface {
	OutboundKind() string
}

// Connected 认证成功后连接上的第一条推送
type Connected struct {
	UserID     string `json:"userId"`
	ConnID     int64  `json:"connId"`
	ServerTime int64  `json:"serverTime"`
}

type PresenceChanged struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type BootstrapOnlineSet struct {
	UserIDs []string `json:"userIds"`
}

type RoomMessage struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
}

type DeliveryStatusChanged struct {
	MessageID string       `json:"messageId"`
	Status    model.Status `json:"status"`
}

// ReactionUpdated 携带完整消息记录
type ReactionUpdated struct {
	Message *model.Message `json:"message"`
}

type MessageCreated struct {
	Message *model.Message `json:"message"`
}

type GroupMessageRead struct {
	MessageID string       `json:"messageId"`
	GroupID   string       `json:"groupId"`
	UserID    string       `json:"userId"`
	Status    model.Status `json:"status"`
}

type MessageDeleted struct {
	MessageID      string     `json:"messageId"`
	Kind           model.Kind `json:"kind"`
	ConversationID string     `json:"conversationId"`
}

type UserTyping struct {
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
}

type UserStopTyping struct {
	SenderID string `json:"senderId"`
}

type Pong struct {
	ServerTime int64 `json:"serverTime"`
}

// Error 只发给触发错误的会话
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func (Connected) OutboundKind() string             { return OutConnected }
func (PresenceChanged) OutboundKind() string       { return OutPresenceChanged }
func (BootstrapOnlineSet) OutboundKind() string    { return OutBootstrapOnlineSet }
func (RoomMessage) OutboundKind() string           { return OutRoomMessage }
func (DeliveryStatusChanged) OutboundKind() string { return OutDeliveryStatusChanged }
func (ReactionUpdated) OutboundKind() string       { return OutReactionUpdated }
func (MessageCreated) OutboundKind() string        { return OutMessageCreated }
func (GroupMessageRead) OutboundKind() string      { return OutGroupMessageRead }
func (MessageDeleted) OutboundKind() string        { return OutMessageDeleted }
func (UserTyping) OutboundKind() string            { return OutUserTyping }
func (UserStopTyping) OutboundKind() string        { return OutUserStopTyping }
func (Pong) OutboundKind() string                  { return OutPong }
func (Error) OutboundKind() string                 { return OutError }
