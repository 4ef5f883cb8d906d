package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"sudooom.im.livechat/internal/model"
)

// 键布局：
//
//	m\x00<id>                          -> message JSON
//	c\x00<conv>\x00<nanos>\x00<id>      -> 空值（会话内按时间排序的索引）
//	u\x00<id>                          -> user JSON
//	g\x00<group>\x00<user>              -> 空值（群成员）
const sep = "\x00"

func messageKey(id string) []byte {
	return []byte("m" + sep + id)
}

func conversationPrefix(conv string) []byte {
	return []byte("c" + sep + conv + sep)
}

func conversationKey(m *model.Message) []byte {
	return []byte(fmt.Sprintf("c%s%s%s%020d%s%s", sep, m.ConversationID(), sep, m.CreatedAt.UnixNano(), sep, m.ID))
}

func userKey(id string) []byte {
	return []byte("u" + sep + id)
}

func groupPrefix(groupID string) []byte {
	return []byte("g" + sep + groupID + sep)
}

func groupMemberKey(groupID, userID string) []byte {
	return []byte("g" + sep + groupID + sep + userID)
}

// prefixUpperBound 返回大于所有以 prefix 开头的键的最小键
func prefixUpperBound(prefix []byte) []byte {
	end := slices.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleStore 单机嵌入式 Store 实现，适合开发和无外部数据库的部署
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble 打开或创建数据库目录
func OpenPebble(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// OpenPebbleInMemory 内存文件系统，测试用
func OpenPebbleInMemory() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) get(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *PebbleStore) LoadMessage(_ context.Context, id string) (*model.Message, error) {
	var m model.Message
	if err := s.get(messageKey(id), &m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return &m, nil
}

func (s *PebbleStore) writeMessage(m *model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(messageKey(m.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(conversationKey(m), nil, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) SaveMessage(_ context.Context, m *model.Message) error {
	if err := s.writeMessage(m); err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

func (s *PebbleStore) CreateMessage(_ context.Context, m *model.Message) error {
	_, closer, err := s.db.Get(messageKey(m.ID))
	if err == nil {
		closer.Close()
		return ErrAlreadyExists
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("create message: %w", err)
	}
	if err := s.writeMessage(m); err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *PebbleStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	limit = normalizeLimit(limit)
	prefix := conversationPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// 从尾部向前取最新的 limit 条
	var ids []string
	for ok := iter.Last(); ok && len(ids) < limit; ok = iter.Prev() {
		k := iter.Key()
		idx := bytes.LastIndex(k, []byte(sep))
		ids = append(ids, string(k[idx+1:]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]*model.Message, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		m, err := s.LoadMessage(ctx, ids[i])
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *PebbleStore) DeleteMessage(ctx context.Context, id string) error {
	m, err := s.LoadMessage(ctx, id)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(messageKey(id), nil); err != nil {
		return err
	}
	if err := b.Delete(conversationKey(m), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

func (s *PebbleStore) AddGroupMember(_ context.Context, groupID, userID string) error {
	if err := s.db.Set(groupMemberKey(groupID, userID), nil, pebble.Sync); err != nil {
		return fmt.Errorf("add group member %s/%s: %w", groupID, userID, err)
	}
	return nil
}

func (s *PebbleStore) IsGroupMember(_ context.Context, groupID, userID string) (bool, error) {
	_, closer, err := s.db.Get(groupMemberKey(groupID, userID))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check group member %s/%s: %w", groupID, userID, err)
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) ListGroupMembers(_ context.Context, groupID string) ([]string, error) {
	prefix := groupPrefix(groupID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var members []string
	for ok := iter.First(); ok; ok = iter.Next() {
		members = append(members, string(iter.Key()[len(prefix):]))
	}
	return members, iter.Error()
}

func (s *PebbleStore) LoadUser(_ context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.get(userKey(id), &u); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return &u, nil
}

func (s *PebbleStore) SaveUserPresence(_ context.Context, id string, isOnline bool, lastSeen time.Time) error {
	var u model.User
	if err := s.get(userKey(id), &u); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("save presence %s: %w", id, err)
	}
	u.ID = id
	u.IsOnline = isOnline
	if !lastSeen.IsZero() {
		u.LastSeen = lastSeen
	}
	data, err := json.Marshal(&u)
	if err != nil {
		return err
	}
	return s.db.Set(userKey(id), data, pebble.Sync)
}

func (s *PebbleStore) Ping(context.Context) error {
	_, closer, err := s.db.Get([]byte("ping"))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
