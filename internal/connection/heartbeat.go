package connection

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatChecker 心跳超时检测器
type HeartbeatChecker struct {
	manager       *Manager
	timeout       time.Duration
	checkInterval time.Duration
	logger        *slog.Logger
	onTimeout     func(conn *Connection) // 超时回调
}

// NewHeartbeatChecker 创建心跳检测器
func NewHeartbeatChecker(manager *Manager, timeout, checkInterval time.Duration, logger *slog.Logger, onTimeout func(conn *Connection)) *HeartbeatChecker {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HeartbeatChecker{
		manager:       manager,
		timeout:       timeout,
		checkInterval: checkInterval,
		logger:        logger,
		onTimeout:     onTimeout,
	}
}

// Start 启动心跳检测（阻塞，应在 goroutine 中调用）
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started",
		"timeout", h.timeout,
		"check_interval", h.checkInterval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case now := <-ticker.C:
			h.checkConnections(now)
		}
	}
}

// checkConnections 关闭超时连接。注销和下线广播由连接的读协程在退出时完成。
func (h *HeartbeatChecker) checkConnections(now time.Time) int {
	conns := h.manager.GetAllConnections()
	timeoutCount := 0

	for _, conn := range conns {
		lastActive := conn.LastActiveTime()
		if now.Sub(lastActive) <= h.timeout {
			continue
		}
		timeoutCount++
		h.logger.Debug("Connection heartbeat timeout",
			"conn_id", conn.ID(),
			"user_id", conn.UserID(),
			"last_active", lastActive)

		if h.onTimeout != nil {
			h.onTimeout(conn)
		}
		conn.CloseWithCode(CloseIdleTimeout, "heartbeat timeout")
		h.manager.Remove(conn.ID())
	}

	if timeoutCount > 0 {
		h.logger.Info("Heartbeat check completed",
			"total", len(conns),
			"timeout", timeoutCount)
	}
	return timeoutCount
}
