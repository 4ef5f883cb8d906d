// Package server 把 WebTransport 和 WebSocket 连接接入实时核心。
// 两种传输共用同一套流程：首帧认证，回 connected，然后进入事件读循环。
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/webtransport-go"

	"sudooom.im.livechat/internal/config"
	"sudooom.im.livechat/internal/connection"
	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/handler"
	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/protocol"
)

var errAuthTimeout = errors.New("auth timeout")

const locationTimeout = 3 * time.Second

// LocationStore 记录用户连接所在节点
type LocationStore interface {
	RegisterUserLocation(ctx context.Context, userID string, connID int64, deviceID, platform string) error
	UnregisterUserLocation(ctx context.Context, userID string, connID int64) error
}

type Server struct {
	cfg       *config.Config
	handler   *handler.Handler
	locations LocationStore
	connMgr   *connection.Manager
	logger    *slog.Logger
	now       func() time.Time

	heartbeatChecker *connection.HeartbeatChecker
	wtServer         *webtransport.Server
	wg               sync.WaitGroup
}

// New locations 可为 nil
func New(cfg *config.Config, h *handler.Handler, locations LocationStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		handler:   h,
		locations: locations,
		connMgr:   connection.NewManager(),
		logger:    logger.With("component", "server"),
		now:       time.Now,
	}
}

// Start 启动心跳检测，阻塞直到 ctx 结束
func (s *Server) Start(ctx context.Context) {
	s.heartbeatChecker = connection.NewHeartbeatChecker(
		s.connMgr,
		s.cfg.Server.HeartbeatTimeout,
		s.cfg.Server.HeartbeatCheckInterval,
		s.logger,
		s.onIdleTimeout,
	)
	s.heartbeatChecker.Start(ctx)
}

// onIdleTimeout 心跳超时的连接即将被关闭
func (s *Server) onIdleTimeout(c *connection.Connection) {
	metrics.IdleTimeouts.Inc()
	s.logger.Info("Closing idle connection",
		"conn_id", c.ID(),
		"user_id", c.UserID(),
		"idle", s.now().Sub(c.LastActiveTime()).Round(time.Millisecond))
}

// serveConnection 处理一条连接直到断开。read 每次返回一帧 JSON。
func (s *Server) serveConnection(ctx context.Context, t connection.Transport, read func() ([]byte, error)) {
	first, err := s.readFirst(t, read)
	if err != nil {
		s.logger.Debug("Connection closed before auth", "remote_addr", t.RemoteAddr(), "error", err)
		if !errors.Is(err, errAuthTimeout) {
			_ = t.Close(connection.CloseNormal, "read failed")
		}
		return
	}

	identity, ref, err := s.handler.Authenticate(ctx, first)
	if err != nil {
		s.logger.Warn("Auth failed, closing connection", "remote_addr", t.RemoteAddr(), "error", err)
		s.rejectAuth(t, ref, err)
		return
	}

	c := connection.New(t, s.cfg.Server.SendBuffer, s.logger)
	c.BindUser(identity.UserID, identity.DeviceID, identity.Platform)
	s.connMgr.Add(c)

	ack, err := protocol.EncodeOutbound(protocol.Connected{
		UserID:     identity.UserID,
		ConnID:     c.ID(),
		ServerTime: s.now().UnixMilli(),
	}, ref)
	if err == nil {
		err = c.Send(ack)
	}
	if err != nil {
		s.logger.Warn("Failed to send connect ack", "conn_id", c.ID(), "error", err)
		s.connMgr.Remove(c.ID())
		c.Close()
		return
	}

	sess := s.handler.Connect(identity.UserID, c)
	s.registerLocation(ctx, c)

	defer func() {
		s.handler.Disconnect(sess)
		s.connMgr.Remove(c.ID())
		c.Close()
		s.unregisterLocation(ctx, c)
	}()

	err = s.handler.Serve(ctx, sess, func() ([]byte, error) {
		data, err := read()
		if err == nil {
			c.UpdateActive()
		}
		return data, err
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("Read loop ended", "conn_id", c.ID(), "user_id", c.UserID(), "error", err)
	}
}

// readFirst 在 auth_timeout 内读取首帧，超时写出错误并关闭传输让 read 返回
func (s *Server) readFirst(t connection.Transport, read func() ([]byte, error)) ([]byte, error) {
	timeout := s.cfg.Server.AuthTimeout
	if timeout <= 0 {
		return read()
	}
	// 超时先告诉客户端原因再关闭
	timer := time.AfterFunc(timeout, func() {
		s.rejectAuth(t, "", apperrors.ErrAuthTimeout)
	})
	data, err := read()
	if !timer.Stop() {
		return nil, errAuthTimeout
	}
	return data, err
}

// rejectAuth 认证阶段还没有写协程，直接写传输
func (s *Server) rejectAuth(t connection.Transport, ref string, err error) {
	data, encErr := protocol.EncodeOutbound(protocol.Error{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Event:   protocol.EventConnect.String(),
	}, ref)
	if encErr == nil {
		if writeErr := t.WriteMessage(data); writeErr != nil {
			s.logger.Debug("Failed to write auth error", "remote_addr", t.RemoteAddr(), "error", writeErr)
		}
	}
	_ = t.Close(connection.CloseAuthFailed, "auth failed")
}

func (s *Server) registerLocation(ctx context.Context, c *connection.Connection) {
	if s.locations == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, locationTimeout)
	defer cancel()
	if err := s.locations.RegisterUserLocation(lctx, c.UserID(), c.ID(), c.DeviceID(), c.Platform()); err != nil {
		s.logger.Warn("Failed to register user location", "conn_id", c.ID(), "user_id", c.UserID(), "error", err)
	}
}

// unregisterLocation 停机时 ctx 已取消，清理仍要执行
func (s *Server) unregisterLocation(ctx context.Context, c *connection.Connection) {
	if s.locations == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), locationTimeout)
	defer cancel()
	if err := s.locations.UnregisterUserLocation(lctx, c.UserID(), c.ID()); err != nil {
		s.logger.Warn("Failed to unregister user location", "conn_id", c.ID(), "user_id", c.UserID(), "error", err)
	}
}

// ConnManager 返回连接管理器
func (s *Server) ConnManager() *connection.Manager {
	return s.connMgr
}

// ConnectionCount 供健康检查使用
func (s *Server) ConnectionCount() int64 {
	return s.connMgr.Count()
}

// Shutdown 关闭监听和全部连接，等待连接协程退出
func (s *Server) Shutdown(ctx context.Context) error {
	if s.wtServer != nil {
		if err := s.wtServer.Close(); err != nil {
			s.logger.Warn("Failed to close WebTransport server", "error", err)
		}
	}
	s.connMgr.CloseAll(connection.CloseServerShutdown, "server shutdown")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
