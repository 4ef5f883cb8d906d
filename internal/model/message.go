package model

import (
	"slices"
	"strings"
	"time"
)

// Status 消息投递状态，只能前进 sent -> delivered -> read
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// Valid 是否为已知状态
func (s Status) Valid() bool {
	return s.rank() > 0
}

// Before 报告 s 是否严格早于 other
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// Kind 会话类型
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Attachment 附件描述，文件本身由外部存储负责
type Attachment struct {
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	URL          string `json:"url,omitempty"`
}

// Reaction 一个表情及点了它的用户，用户列表永远非空
type Reaction struct {
	Symbol string   `json:"emoji"`
	Users  []string `json:"users"`
}

// Message 持久化消息，单聊和群聊共用
type Message struct {
	ID         string      `json:"id"`
	Kind       Kind        `json:"kind"`
	ChatID     string      `json:"chatId,omitempty"`
	GroupID    string      `json:"groupId,omitempty"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId,omitempty"`
	Content    string      `json:"content,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Status     Status      `json:"status"`
	ReadBy     []string    `json:"readBy"`
	Reactions  []Reaction  `json:"reactions"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// ConversationID 返回所属会话：群聊为群 ID，单聊为 chat ID
func (m *Message) ConversationID() string {
	if m.Kind == KindGroup {
		return m.GroupID
	}
	return m.ChatID
}

// Validate 检查新建消息的必填字段
func (m *Message) Validate() error {
	if m.SenderID == "" {
		return ErrSenderRequired
	}
	if strings.TrimSpace(m.Content) == "" && m.Attachment == nil {
		return ErrEmptyMessage
	}
	switch m.Kind {
	case KindDirect:
		if m.ChatID == "" || m.ReceiverID == "" {
			return ErrConversationRequired
		}
		if m.ReceiverID == m.SenderID {
			return ErrSelfMessage
		}
	case KindGroup:
		if m.GroupID == "" {
			return ErrConversationRequired
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Participants 单聊的双方，群聊返回 nil（群成员由房间寻址）
func (m *Message) Participants() []string {
	if m.Kind != KindDirect {
		return nil
	}
	if m.ReceiverID == "" {
		return []string{m.SenderID}
	}
	return []string{m.SenderID, m.ReceiverID}
}

// IsParticipant 报告 userID 能否确认这条消息的投递/已读
func (m *Message) IsParticipant(userID string) bool {
	if m.Kind == KindDirect {
		return userID == m.SenderID || userID == m.ReceiverID
	}
	return true
}

// HasReader 报告 userID 是否已在已读集合中
func (m *Message) HasReader(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// AddReader 把 userID 加入已读集合，已存在时返回 false
func (m *Message) AddReader(userID string) bool {
	if m.HasReader(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, userID)
	return true
}

// ToggleReaction 切换 userID 在 symbol 上的表情。
// 返回 true 表示添加，false 表示移除。用户集合为空的条目会被整体删除。
func (m *Message) ToggleReaction(userID, symbol string) bool {
	for i := range m.Reactions {
		r := &m.Reactions[i]
		if r.Symbol != symbol {
			continue
		}
		if idx := slices.Index(r.Users, userID); idx >= 0 {
			r.Users = slices.Delete(r.Users, idx, idx+1)
			if len(r.Users) == 0 {
				m.Reactions = slices.Delete(m.Reactions, i, i+1)
			}
			return false
		}
		r.Users = append(r.Users, userID)
		return true
	}
	m.Reactions = append(m.Reactions, Reaction{Symbol: symbol, Users: []string{userID}})
	return true
}

// Clone 深拷贝，客户端回滚乐观修改时使用
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	c.ReadBy = slices.Clone(m.ReadBy)
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		for i, r := range m.Reactions {
			c.Reactions[i] = Reaction{Symbol: r.Symbol, Users: slices.Clone(r.Users)}
		}
	}
	return &c
}
