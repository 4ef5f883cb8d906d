package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const (
	StatusConnected     = "connected"
	StatusDisconnected  = "disconnected"
	StatusNotConfigured = "not configured"
)

// Status 健康状态
type Status struct {
	Service  string `json:"service"`
	Store    string `json:"store"`
	NATS     string `json:"nats"`
	Redis    string `json:"redis"`
	Sessions int64  `json:"sessions"`
}

// BusConn 由 nats.Client 实现
type BusConn interface {
	IsConnected() bool
}

// Pinger 由 redis.Client 和 repository.Store 实现
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter 会话计数器接口
type SessionCounter interface {
	Count() int64
}

// Checker 健康检查器，NATS 和 Redis 为可选依赖
type Checker struct {
	service  string
	store    Pinger
	bus      BusConn
	redis    Pinger
	sessions SessionCounter
}

func NewChecker(service string, store Pinger, bus BusConn, redis Pinger, sessions SessionCounter) *Checker {
	return &Checker{
		service:  service,
		store:    store,
		bus:      bus,
		redis:    redis,
		sessions: sessions,
	}
}

func ping(ctx context.Context, p Pinger) string {
	if p == nil {
		return StatusNotConfigured
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: h.service,
		Store:   ping(ctx, h.store),
		Redis:   ping(ctx, h.redis),
		NATS:    StatusNotConfigured,
	}

	if h.bus != nil {
		if h.bus.IsConnected() {
			status.NATS = StatusConnected
		} else {
			status.NATS = StatusDisconnected
		}
	}

	if h.sessions != nil {
		status.Sessions = h.sessions.Count()
	}
	return status
}

// IsHealthy 已配置的依赖都必须可用
func (h *Checker) IsHealthy(ctx context.Context) bool {
	return h.Check(ctx).healthy()
}

func (s *Status) healthy() bool {
	for _, v := range []string{s.Store, s.NATS, s.Redis} {
		if v == StatusDisconnected {
			return false
		}
	}
	return true
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.healthy() {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}
