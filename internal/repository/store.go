package repository

import (
	"context"
	"errors"
	"time"

	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/model"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

const DefaultListLimit = 50

// Store 消息和用户在线状态的持久化接口。
// 同一条消息的读-改-写由调用方用 keylock 串行化。
type Store interface {
	LoadMessage(ctx context.Context, id string) (*model.Message, error)
	SaveMessage(ctx context.Context, m *model.Message) error
	CreateMessage(ctx context.Context, m *model.Message) error
	// ListMessages 返回会话中最新的 limit 条消息，按创建时间升序
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
	// DeleteMessage 删除消息及其会话索引，不存在时返回 ErrNotFound
	DeleteMessage(ctx context.Context, id string) error
	AddGroupMember(ctx context.Context, groupID, userID string) error
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
	// ListGroupMembers 按用户 ID 升序
	ListGroupMembers(ctx context.Context, groupID string) ([]string, error)
	LoadUser(ctx context.Context, id string) (*model.User, error)
	// SaveUserPresence lastSeen 为零值时保留原有的 lastSeen
	SaveUserPresence(ctx context.Context, id string, isOnline bool, lastSeen time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// Instrumented 给每个 Store 调用记录耗时
type Instrumented struct {
	Store
}

func Instrument(s Store) *Instrumented {
	return &Instrumented{Store: s}
}

func observe(op string, start time.Time) {
	metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) LoadMessage(ctx context.Context, id string) (*model.Message, error) {
	defer observe("load_message", time.Now())
	return s.Store.LoadMessage(ctx, id)
}

func (s *Instrumented) SaveMessage(ctx context.Context, m *model.Message) error {
	defer observe("save_message", time.Now())
	return s.Store.SaveMessage(ctx, m)
}

func (s *Instrumented) CreateMessage(ctx context.Context, m *model.Message) error {
	defer observe("create_message", time.Now())
	return s.Store.CreateMessage(ctx, m)
}

func (s *Instrumented) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	defer observe("list_messages", time.Now())
	return s.Store.ListMessages(ctx, conversationID, limit)
}

func (s *Instrumented) DeleteMessage(ctx context.Context, id string) error {
	defer observe("delete_message", time.Now())
	return s.Store.DeleteMessage(ctx, id)
}

func (s *Instrumented) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	defer observe("is_group_member", time.Now())
	return s.Store.IsGroupMember(ctx, groupID, userID)
}

func (s *Instrumented) LoadUser(ctx context.Context, id string) (*model.User, error) {
	defer observe("load_user", time.Now())
	return s.Store.LoadUser(ctx, id)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}
