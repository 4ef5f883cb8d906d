package presence

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/session"
)

const defaultPersistTimeout = 5 * time.Second

// Store 持久化用户在线状态
type Store interface {
	SaveUserPresence(ctx context.Context, userID string, isOnline bool, lastSeen time.Time) error
}

// Pusher 出站推送
type Pusher interface {
	ToAll(ev protocol.Outbound) int
	ToSession(s *session.Session, ev protocol.Outbound) error
}

// Broadcaster 实现 session.Listener：每次 0->1 / 1->0 边沿恰好持久化并广播一次。
// 回调在 Registry 的用户锁内执行，同一用户的通知不会乱序。
type Broadcaster struct {
	store          Store
	pusher         Pusher
	persistTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger

	mu     sync.RWMutex
	online map[string]struct{}
}

type Option func(*Broadcaster)

func WithPersistTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.persistTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func NewBroadcaster(store Store, pusher Pusher, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		store:          store,
		pusher:         pusher,
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
		logger:         logger.With("component", "presence"),
		online:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// UserOnline 用户第一个会话建立
func (b *Broadcaster) UserOnline(userID string) {
	b.mu.Lock()
	b.online[userID] = struct{}{}
	n := len(b.online)
	b.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))
	metrics.PresenceTransitions.WithLabelValues("online").Inc()

	// 上线只记录 isOnline，lastSeen 属于离线边沿
	b.persist(userID, true, time.Time{})
	b.pusher.ToAll(protocol.PresenceChanged{UserID: userID, IsOnline: true})
	b.logger.Info("User online", "user_id", userID)
}

// UserOffline 用户最后一个会话断开
func (b *Broadcaster) UserOffline(userID string) {
	b.mu.Lock()
	delete(b.online, userID)
	n := len(b.online)
	b.mu.Unlock()
	metrics.OnlineUsers.Set(float64(n))
	metrics.PresenceTransitions.WithLabelValues("offline").Inc()

	lastSeen := b.now().UTC()
	b.persist(userID, false, lastSeen)
	b.pusher.ToAll(protocol.PresenceChanged{UserID: userID, IsOnline: false, LastSeen: &lastSeen})
	b.logger.Info("User offline", "user_id", userID)
}

// persist 使用独立的 context：断线不能取消已开始的持久化。
// 失败只记录日志，广播照常进行。
func (b *Broadcaster) persist(userID string, isOnline bool, at time.Time) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.persistTimeout)
	defer cancel()

	start := time.Now()
	err := b.store.SaveUserPresence(ctx, userID, isOnline, at)
	metrics.StoreLatency.WithLabelValues("save_user_presence").Observe(time.Since(start).Seconds())
	if err != nil {
		b.logger.Error("Failed to persist presence",
			"user_id", userID,
			"is_online", isOnline,
			"error", err)
	}
}

// Bootstrap 把当前完整在线集合只推给新会话
func (b *Broadcaster) Bootstrap(s *session.Session) error {
	return b.pusher.ToSession(s, protocol.BootstrapOnlineSet{UserIDs: b.Snapshot()})
}

// Snapshot 有序的在线用户列表
func (b *Broadcaster) Snapshot() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.online))
	for id := range b.online {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (b *Broadcaster) IsOnline(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.online[userID]
	return ok
}

// Count 在线用户数
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.online)
}
