// Package handler 处理单条连接上的入站事件。
// 同一连接的事件在读循环里按到达顺序逐条处理，不同连接之间互不影响。
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"sudooom.im.livechat/internal/auth"
	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/service"
	"sudooom.im.livechat/internal/session"
)

const defaultOpTimeout = 5 * time.Second

// Options 每连接的限流和单次持久化超时
type Options struct {
	EventsPerSecond float64
	Burst           int
	OpTimeout       time.Duration
}

type Handler struct {
	relay  *service.Relay
	authn  auth.Authenticator
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func New(relay *service.Relay, authn auth.Authenticator, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.EventsPerSecond <= 0 {
		opts.EventsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	return &Handler{
		relay:  relay,
		authn:  authn,
		opts:   opts,
		now:    time.Now,
		logger: logger.With("component", "handler"),
	}
}

// Authenticate 解析连接上的第一帧，必须是 connect
func (h *Handler) Authenticate(ctx context.Context, data []byte) (*auth.Identity, string, error) {
	ev, ref, err := protocol.DecodeInbound(data)
	if err != nil {
		return nil, ref, apperrors.ErrAuthRequired.Wrap(err)
	}
	connect, ok := ev.(*protocol.Connect)
	if !ok {
		return nil, ref, apperrors.ErrAuthRequired
	}
	metrics.InboundEvents.WithLabelValues(protocol.EventConnect.String()).Inc()

	id, err := h.authn.Authenticate(ctx, connect.Token)
	if err != nil {
		return nil, ref, err
	}
	if id.DeviceID == "" {
		id.DeviceID = connect.DeviceID
	}
	if id.Platform == "" {
		id.Platform = connect.Platform
	}
	return id, ref, nil
}

// Connect 注册会话并只给这个会话推送当前在线集合
func (h *Handler) Connect(userID string, conn session.Conn) *session.Session {
	s := h.relay.Sessions.Register(userID, conn)
	metrics.Sessions.Inc()

	if err := h.relay.Presence.Bootstrap(s); err != nil {
		h.logger.Warn("Failed to send online snapshot", "conn_id", s.ID(), "user_id", userID, "error", err)
	}
	h.logger.Info("Session connected", "conn_id", s.ID(), "user_id", userID)
	return s
}

// Disconnect 清理房间和会话，可重复调用
func (h *Handler) Disconnect(s *session.Session) {
	if s.Removed() {
		return
	}
	h.relay.Rooms.LeaveAll(s)
	h.relay.Sessions.Unregister(s)
	metrics.Sessions.Dec()
	h.logger.Info("Session disconnected", "conn_id", s.ID(), "user_id", s.UserID())
}

// Serve 读循环，直到 read 返回错误或 ctx 结束
func (h *Handler) Serve(ctx context.Context, s *session.Session, read func() ([]byte, error)) error {
	limiter := rate.NewLimiter(rate.Limit(h.opts.EventsPerSecond), h.opts.Burst)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if !limiter.Allow() {
			metrics.RateLimited.Inc()
			_, ref, _ := protocol.DecodeInbound(data)
			h.replyError(s, ref, "", apperrors.ErrRateLimited)
			continue
		}
		h.HandleFrame(ctx, s, data)
	}
}

// HandleFrame 处理一帧，错误只回给本会话，panic 不会影响读循环
func (h *Handler) HandleFrame(ctx context.Context, s *session.Session, data []byte) {
	ev, ref, err := protocol.DecodeInbound(data)
	if err != nil {
		metrics.EventErrors.WithLabelValues(protocol.EventUnknown.String()).Inc()
		if errors.Is(err, protocol.ErrUnknownEvent) {
			h.replyError(s, ref, "", apperrors.ErrUnknownEvent.Wrap(err))
		} else {
			h.replyError(s, ref, "", apperrors.ErrBadRequest.Wrap(err))
		}
		return
	}

	event := ev.Kind().String()
	metrics.InboundEvents.WithLabelValues(event).Inc()

	defer func() {
		if r := recover(); r != nil {
			metrics.EventErrors.WithLabelValues(event).Inc()
			h.logger.Error("Event handler panic recovered",
				"conn_id", s.ID(),
				"user_id", s.UserID(),
				"event", event,
				"panic", r)
			h.replyError(s, ref, event, apperrors.ErrServerError.Wrap(fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := h.dispatch(ctx, s, ref, ev); err != nil {
		metrics.EventErrors.WithLabelValues(event).Inc()
		h.logger.Debug("Event rejected",
			"conn_id", s.ID(),
			"user_id", s.UserID(),
			"event", event,
			"error", err)
		h.replyError(s, ref, event, err)
	}
}

// opContext 断线不取消已经开始的持久化
func (h *Handler) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), h.opts.OpTimeout)
}

func (h *Handler) dispatch(ctx context.Context, s *session.Session, ref string, ev protocol.Inbound) error {
	switch e := ev.(type) {
	case *protocol.Connect:
		return apperrors.ErrBadRequest.Wrap(errors.New("session already connected"))

	case *protocol.JoinRoom:
		if e.RoomID == "" {
			return apperrors.ErrRoomIDRequired
		}
		opCtx, cancel := h.opContext(ctx)
		defer cancel()
		if err := h.relay.Chat.AuthorizeRoom(opCtx, e.RoomID, s.UserID()); err != nil {
			return err
		}
		h.relay.Rooms.Join(s, e.RoomID)
		return nil

	case *protocol.LeaveRoom:
		if e.RoomID == "" {
			return apperrors.ErrRoomIDRequired
		}
		h.relay.Rooms.Leave(s, e.RoomID)
		return nil

	case *protocol.RelayMessage:
		return h.relayMessage(ctx, s, e)

	case *protocol.MarkDelivered:
		if err := checkIdentity(s, e.RecipientID); err != nil {
			return err
		}
		opCtx, cancel := h.opContext(ctx)
		defer cancel()
		_, err := h.relay.Chat.MarkDelivered(opCtx, e.MessageID, s.UserID())
		return err

	case *protocol.MarkRead:
		if err := checkIdentity(s, e.ViewerID); err != nil {
			return err
		}
		opCtx, cancel := h.opContext(ctx)
		defer cancel()
		_, err := h.relay.Chat.MarkRead(opCtx, e.MessageID, s.UserID())
		return err

	case *protocol.TypingStart:
		if e.ReceiverID == "" {
			return apperrors.ErrBadRequest
		}
		h.relay.Pusher.ToUser(e.ReceiverID, protocol.UserTyping{SenderID: s.UserID(), SenderName: e.SenderName})
		return nil

	case *protocol.TypingStop:
		if e.ReceiverID == "" {
			return apperrors.ErrBadRequest
		}
		h.relay.Pusher.ToUser(e.ReceiverID, protocol.UserStopTyping{SenderID: s.UserID()})
		return nil

	case *protocol.Ping:
		return h.relay.Pusher.Reply(s, ref, protocol.Pong{ServerTime: h.now().UnixMilli()})

	default:
		return apperrors.ErrUnknownEvent
	}
}

// relayMessage 发送者身份以会话为准，载荷中的 senderId 仅用于校验
func (h *Handler) relayMessage(ctx context.Context, s *session.Session, e *protocol.RelayMessage) error {
	if e.RoomID == "" {
		return apperrors.ErrRoomIDRequired
	}
	if err := checkIdentity(s, e.SenderID); err != nil {
		return err
	}
	opCtx, cancel := h.opContext(ctx)
	defer cancel()
	if err := h.relay.Chat.AuthorizeRoom(opCtx, e.RoomID, s.UserID()); err != nil {
		return err
	}
	ts := e.Timestamp
	if ts == 0 {
		ts = h.now().UnixMilli()
	}
	h.relay.Pusher.ToRoom(e.RoomID, protocol.RoomMessage{
		RoomID:     e.RoomID,
		SenderID:   s.UserID(),
		SenderName: e.SenderName,
		Content:    e.Content,
		Timestamp:  ts,
		Status:     "sent",
	})
	return nil
}

// checkIdentity 载荷里声明的用户必须是会话本人
func checkIdentity(s *session.Session, claimed string) error {
	if claimed != "" && claimed != s.UserID() {
		return apperrors.ErrInvalidIdentity
	}
	return nil
}

func (h *Handler) replyError(s *session.Session, ref, event string, err error) {
	ev := protocol.Error{
		Code:    apperrors.GetCode(err),
		Message: apperrors.GetMessage(err),
		Event:   event,
	}
	if sendErr := h.relay.Pusher.Reply(s, ref, ev); sendErr != nil {
		h.logger.Debug("Failed to send error reply", "conn_id", s.ID(), "error", sendErr)
	}
}
