package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"sudooom.im.livechat/internal/protocol"
)

// 实时推送的事件载荷
type (
	Connected             = protocol.Connected
	PresenceChanged       = protocol.PresenceChanged
	BootstrapOnlineSet    = protocol.BootstrapOnlineSet
	RoomMessage           = protocol.RoomMessage
	DeliveryStatusChanged = protocol.DeliveryStatusChanged
	ReactionUpdated       = protocol.ReactionUpdated
	MessageCreated        = protocol.MessageCreated
	GroupMessageRead      = protocol.GroupMessageRead
	MessageDeleted        = protocol.MessageDeleted
	UserTyping            = protocol.UserTyping
	UserStopTyping        = protocol.UserStopTyping
	Pong                  = protocol.Pong
	ServerError           = protocol.Error
)

// 事件类型
const (
	EventConnected             = protocol.OutConnected
	EventPresenceChanged       = protocol.OutPresenceChanged
	EventBootstrapOnlineSet    = protocol.OutBootstrapOnlineSet
	EventRoomMessage           = protocol.OutRoomMessage
	EventDeliveryStatusChanged = protocol.OutDeliveryStatusChanged
	EventReactionUpdated       = protocol.OutReactionUpdated
	EventMessageCreated        = protocol.OutMessageCreated
	EventGroupMessageRead      = protocol.OutGroupMessageRead
	EventMessageDeleted        = protocol.OutMessageDeleted
	EventUserTyping            = protocol.OutUserTyping
	EventUserStopTyping        = protocol.OutUserStopTyping
	EventPong                  = protocol.OutPong
	EventError                 = protocol.OutError
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: connection closed")
)

// Event 一条服务端推送
type Event struct {
	Type    string
	Ref     string
	Payload json.RawMessage
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// RealtimeOptions DeviceID 和 Platform 在 token 未携带时使用
type RealtimeOptions struct {
	Token     string
	DeviceID  string
	Platform  string
	ReadLimit int64
	Logger    *slog.Logger
}

// Realtime WebSocket 实时连接。
// 先用 On 注册处理函数再 Connect，connected 之后紧跟的在线快照不会丢。
// 处理函数在读协程中按到达顺序同步调用，不能阻塞。
type Realtime struct {
	opts   RealtimeOptions
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]func(Event)
	pending  map[string]chan Event
	userID   string
	connID   int64

	refSeq atomic.Int64
	done   chan struct{}
	err    error
}

func NewRealtime(opts RealtimeOptions) *Realtime {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = protocol.DefaultMaxFrameSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Realtime{
		opts:     opts,
		logger:   logger.With("component", "realtime_client"),
		handlers: make(map[string][]func(Event)),
		pending:  make(map[string]chan Event),
	}
}

// On 注册某类事件的处理函数
func (r *Realtime) On(eventType string, h func(Event)) {
	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], h)
	r.mu.Unlock()
}

// Connect 建立连接并完成首帧认证。认证失败返回 *APIError。
func (r *Realtime) Connect(ctx context.Context, wsURL string) (*Connected, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(r.opts.ReadLimit)

	ref := r.nextRef()
	data, err := protocol.EncodeInbound(&protocol.Connect{
		Token:    r.opts.Token,
		DeviceID: r.opts.DeviceID,
		Platform: r.opts.Platform,
	}, ref)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "encode connect")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("send connect: %w", err)
	}

	ev, err := readEvent(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read connect ack: %w", err)
	}
	switch ev.Type {
	case EventConnected:
	case EventError:
		var se ServerError
		_ = ev.Decode(&se)
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &APIError{Code: se.Code, Message: se.Message}
	default:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q, got %q", EventConnected, ev.Type)
	}

	var ack Connected
	if err := ev.Decode(&ack); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, err
	}

	r.mu.Lock()
	r.conn = conn
	r.userID = ack.UserID
	r.connID = ack.ConnID
	r.done = make(chan struct{})
	r.err = nil
	done := r.done
	r.mu.Unlock()

	r.logger.Debug("Realtime connected", "user_id", ack.UserID, "conn_id", ack.ConnID)
	r.dispatch(ev)
	go r.readLoop(conn, done)
	return &ack, nil
}

func readEvent(ctx context.Context, conn *websocket.Conn) (Event, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Event{}, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, err
	}
	return Event{Type: env.Type, Ref: env.Ref, Payload: env.Payload}, nil
}

func (r *Realtime) readLoop(conn *websocket.Conn, done chan struct{}) {
	var err error
	for {
		var ev Event
		ev, err = readEvent(context.Background(), conn)
		if err != nil {
			break
		}
		if r.resolvePending(ev) {
			continue
		}
		r.dispatch(ev)
	}

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = ErrClosed
	}
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.err = err
	for ref, ch := range r.pending {
		close(ch)
		delete(r.pending, ref)
	}
	r.mu.Unlock()
	close(done)
	r.logger.Debug("Realtime read loop ended", "error", err)
}

// resolvePending 等待中的请求只接收带相同 ref 的 pong 或 error
func (r *Realtime) resolvePending(ev Event) bool {
	if ev.Ref == "" || (ev.Type != EventPong && ev.Type != EventError) {
		return false
	}
	r.mu.Lock()
	ch, ok := r.pending[ev.Ref]
	if ok {
		delete(r.pending, ev.Ref)
	}
	r.mu.Unlock()
	if ok {
		ch <- ev
	}
	return ok
}

func (r *Realtime) dispatch(ev Event) {
	r.mu.Lock()
	handlers := append([]func(Event){}, r.handlers[ev.Type]...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (r *Realtime) nextRef() string {
	return "r" + strconv.FormatInt(r.refSeq.Add(1), 10)
}

// send 返回本次使用的 ref，服务端的错误回复会带上它
func (r *Realtime) send(ctx context.Context, ev protocol.Inbound) (string, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}
	ref := r.nextRef()
	data, err := protocol.EncodeInbound(ev, ref)
	if err != nil {
		return "", err
	}
	return ref, conn.Write(ctx, websocket.MessageText, data)
}

func (r *Realtime) JoinRoom(ctx context.Context, roomID string) error {
	_, err := r.send(ctx, &protocol.JoinRoom{RoomID: roomID})
	return err
}

func (r *Realtime) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := r.send(ctx, &protocol.LeaveRoom{RoomID: roomID})
	return err
}

// RelayMessage 房间内转发，不落库
func (r *Realtime) RelayMessage(ctx context.Context, roomID, senderName, content string) error {
	_, err := r.send(ctx, &protocol.RelayMessage{
		RoomID:     roomID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
	})
	return err
}

func (r *Realtime) MarkDelivered(ctx context.Context, messageID string) error {
	_, err := r.send(ctx, &protocol.MarkDelivered{MessageID: messageID})
	return err
}

func (r *Realtime) MarkRead(ctx context.Context, messageID string) error {
	_, err := r.send(ctx, &protocol.MarkRead{MessageID: messageID})
	return err
}

func (r *Realtime) StartTyping(ctx context.Context, receiverID, senderName string) error {
	_, err := r.send(ctx, &protocol.TypingStart{ReceiverID: receiverID, SenderName: senderName})
	return err
}

func (r *Realtime) StopTyping(ctx context.Context, receiverID string) error {
	_, err := r.send(ctx, &protocol.TypingStop{ReceiverID: receiverID})
	return err
}

// Ping 等待对应的 pong，同时刷新服务端的心跳时间
func (r *Realtime) Ping(ctx context.Context) (*Pong, error) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	ref := r.nextRef()
	ch := make(chan Event, 1)
	r.mu.Lock()
	r.pending[ref] = ch
	r.mu.Unlock()
	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, ref)
		r.mu.Unlock()
	}

	data, err := protocol.EncodeInbound(&protocol.Ping{}, ref)
	if err == nil {
		err = conn.Write(ctx, websocket.MessageText, data)
	}
	if err != nil {
		cleanup()
		return nil, err
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if ev.Type == EventError {
			var se ServerError
			_ = ev.Decode(&se)
			return nil, &APIError{Code: se.Code, Message: se.Message}
		}
		var pong Pong
		if err := ev.Decode(&pong); err != nil {
			return nil, err
		}
		return &pong, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// UserID 认证得到的用户
func (r *Realtime) UserID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userID
}

// Done 读协程退出时关闭
func (r *Realtime) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Err 连接结束的原因，正常关闭为 ErrClosed
func (r *Realtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Realtime) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
