package room

import (
	"log/slog"
	"strings"
	"sync"

	"sudooom.im.livechat/internal/session"
)

const groupPrefix = "group:"

// ForGroup 群会话对应的广播地址
func ForGroup(groupID string) string {
	return groupPrefix + groupID
}

// GroupID 从广播地址还原群 ID
func GroupID(roomID string) (string, bool) {
	return strings.CutPrefix(roomID, groupPrefix)
}

type roomEntry struct {
	mu      sync.RWMutex
	members map[int64]*session.Session
	dead    bool
}

// Tracker 房间成员关系，按会话而非按用户记录。
// 每个房间一个独立加锁的条目，空房间自动回收。
type Tracker struct {
	rooms  sync.Map // roomID -> *roomEntry
	logger *slog.Logger
}

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger.With("component", "room_tracker")}
}

func (t *Tracker) entry(roomID string) *roomEntry {
	if v, ok := t.rooms.Load(roomID); ok {
		return v.(*roomEntry)
	}
	v, _ := t.rooms.LoadOrStore(roomID, &roomEntry{members: make(map[int64]*session.Session)})
	return v.(*roomEntry)
}

// Join 加入房间，已是成员时返回 false
func (t *Tracker) Join(s *session.Session, roomID string) bool {
	if s.Removed() {
		return false
	}
	for {
		e := t.entry(roomID)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if _, ok := e.members[s.ID()]; ok {
			e.mu.Unlock()
			return false
		}
		e.members[s.ID()] = s
		s.AddRoom(roomID)
		e.mu.Unlock()

		t.logger.Debug("Joined room", "conn_id", s.ID(), "user_id", s.UserID(), "room_id", roomID)
		return true
	}
}

// Leave 离开房间，不是成员时返回 false
func (t *Tracker) Leave(s *session.Session, roomID string) bool {
	v, ok := t.rooms.Load(roomID)
	if !ok {
		s.RemoveRoom(roomID)
		return false
	}
	e := v.(*roomEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.RemoveRoom(roomID)
	if _, ok := e.members[s.ID()]; !ok {
		return false
	}
	delete(e.members, s.ID())
	if len(e.members) == 0 {
		e.dead = true
		t.rooms.CompareAndDelete(roomID, e)
	}
	t.logger.Debug("Left room", "conn_id", s.ID(), "user_id", s.UserID(), "room_id", roomID)
	return true
}

// LeaveAll 断线清理：退出会话加入的所有房间
func (t *Tracker) LeaveAll(s *session.Session) int {
	n := 0
	for _, roomID := range s.Rooms() {
		if t.Leave(s, roomID) {
			n++
		}
	}
	return n
}

// Members 房间成员快照
func (t *Tracker) Members(roomID string) []*session.Session {
	v, ok := t.rooms.Load(roomID)
	if !ok {
		return nil
	}
	e := v.(*roomEntry)
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*session.Session, 0, len(e.members))
	for _, s := range e.members {
		out = append(out, s)
	}
	return out
}

// Broadcast 把 data 发给房间当前所有成员。成员集合只解析一次，发送在锁外进行。
func (t *Tracker) Broadcast(roomID string, data []byte) int {
	return session.SendAll(t.Members(roomID), data, t.logger)
}

// Count 活跃房间数
func (t *Tracker) Count() int {
	n := 0
	t.rooms.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
