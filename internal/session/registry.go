package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Listener 接收用户在线状态的边沿变化。
// 回调在该用户的条目锁内执行，因此同一用户的上线/下线通知严格有序；
// 回调里不能再调用 Register/Unregister/Resolve 操作同一用户。
type Listener interface {
	UserOnline(userID string)
	UserOffline(userID string)
}

type userEntry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	// dead 表示条目已在 1->0 时摘除，拿到它的 Register 需要重新获取
	dead bool
}

// Registry 用户到实时会话的映射。
// 每个用户一个独立加锁的条目，不同用户之间互不阻塞。
type Registry struct {
	users    sync.Map // userID -> *userEntry
	sessions sync.Map // connID -> *Session
	count    atomic.Int64
	listener Listener
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger.With("component", "session_registry")}
}

// SetListener 在开始接收连接前设置
func (r *Registry) SetListener(l Listener) {
	r.listener = l
}

func (r *Registry) entry(userID string) *userEntry {
	if v, ok := r.users.Load(userID); ok {
		return v.(*userEntry)
	}
	v, _ := r.users.LoadOrStore(userID, &userEntry{sessions: make(map[int64]*Session)})
	return v.(*userEntry)
}

// Register 为用户添加一个会话。首个会话会在锁内触发上线通知。
func (r *Registry) Register(userID string, conn Conn) *Session {
	s := newSession(userID, conn)
	for {
		e := r.entry(userID)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.sessions[conn.ID()] = s
		r.sessions.Store(conn.ID(), s)
		r.count.Add(1)
		first := len(e.sessions) == 1
		if first && r.listener != nil {
			r.listener.UserOnline(userID)
		}
		e.mu.Unlock()

		r.logger.Debug("Session registered", "conn_id", conn.ID(), "user_id", userID, "first", first)
		return s
	}
}

// Unregister 移除会话，重复调用是安全的。最后一个会话移除时在锁内触发下线通知。
func (r *Registry) Unregister(s *Session) {
	if s == nil || !s.removed.CompareAndSwap(false, true) {
		return
	}
	v, ok := r.users.Load(s.userID)
	if !ok {
		return
	}
	e := v.(*userEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.sessions[s.ID()]; !ok || cur != s {
		return
	}
	delete(e.sessions, s.ID())
	r.sessions.CompareAndDelete(s.ID(), s)
	r.count.Add(-1)

	last := len(e.sessions) == 0
	if last {
		if r.listener != nil {
			r.listener.UserOffline(s.userID)
		}
		e.dead = true
		r.users.CompareAndDelete(s.userID, e)
	}
	r.logger.Debug("Session unregistered", "conn_id", s.ID(), "user_id", s.userID, "last", last)
}

// Resolve 返回用户当前所有会话的快照
func (r *Registry) Resolve(userID string) []*Session {
	v, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	e := v.(*userEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || len(e.sessions) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Get 按连接 ID 查找会话
func (r *Registry) Get(connID int64) *Session {
	v, ok := r.sessions.Load(connID)
	if !ok {
		return nil
	}
	return v.(*Session)
}

// All 返回全部会话快照，不获取任何用户锁，可在 Listener 回调中调用
func (r *Registry) All() []*Session {
	out := make([]*Session, 0, r.count.Load())
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}

// Count 当前会话总数
func (r *Registry) Count() int64 {
	return r.count.Load()
}

// IsOnline 用户是否至少有一个会话
func (r *Registry) IsOnline(userID string) bool {
	return len(r.Resolve(userID)) > 0
}
