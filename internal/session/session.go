package session

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Conn 会话持有的连接句柄，*connection.Connection 实现了它
type Conn interface {
	ID() int64
	Send(data []byte) error
	Close()
}

// Session 一个已认证的实时连接，生命周期由 Registry 管理
type Session struct {
	conn      Conn
	userID    string
	createdAt time.Time

	mu    sync.Mutex
	rooms map[string]struct{}

	removed atomic.Bool
}

func newSession(userID string, conn Conn) *Session {
	return &Session{
		conn:      conn,
		userID:    userID,
		createdAt: time.Now(),
		rooms:     make(map[string]struct{}),
	}
}

// ID 与底层连接 ID 相同
func (s *Session) ID() int64 {
	return s.conn.ID()
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Conn() Conn {
	return s.conn
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Send 推送一帧数据到该会话
func (s *Session) Send(data []byte) error {
	return s.conn.Send(data)
}

// Removed 会话是否已注销
func (s *Session) Removed() bool {
	return s.removed.Load()
}

// AddRoom 记录房间成员关系，已存在时返回 false
func (s *Session) AddRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return false
	}
	s.rooms[roomID] = struct{}{}
	return true
}

// RemoveRoom 删除房间成员关系，不存在时返回 false
func (s *Session) RemoveRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return false
	}
	delete(s.rooms, roomID)
	return true
}

// InRoom 是否已加入房间
func (s *Session) InRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Rooms 已加入房间的有序快照
func (s *Session) Rooms() []string {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()
	slices.Sort(rooms)
	return rooms
}
