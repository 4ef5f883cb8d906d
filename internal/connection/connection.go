package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// 关闭码，WebTransport 和 WebSocket 共用
const (
	CloseNormal         uint32 = 0
	CloseAuthFailed     uint32 = 4001
	CloseIdleTimeout    uint32 = 4002
	CloseServerShutdown uint32 = 4003
)

const DefaultSendBuffer = 256

var connIDCounter int64

// Transport 底层传输，只由 writeLoop 单协程写入
type Transport interface {
	WriteMessage(data []byte) error
	Close(code uint32, reason string) error
	RemoteAddr() string
}

// Connection 表示一个客户端连接
type Connection struct {
	id         int64
	userID     string
	deviceID   string
	platform   string
	transport  Transport
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64 // unix nano
}

func New(transport Transport, sendBuffer int, logger *slog.Logger) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	id := atomic.AddInt64(&connIDCounter, 1)
	c := &Connection{
		id:         id,
		transport:  transport,
		logger:     logger.With("conn_id", id),
		writeChan:  make(chan []byte, sendBuffer),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
	}
	c.lastActive.Store(c.createTime.UnixNano())
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

func (c *Connection) UserID() string {
	return c.userID
}

func (c *Connection) DeviceID() string {
	return c.deviceID
}

func (c *Connection) Platform() string {
	return c.platform
}

func (c *Connection) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// BindUser 认证成功后绑定身份，只在读协程里调用一次
func (c *Connection) BindUser(userID, deviceID, platform string) {
	c.userID = userID
	c.deviceID = deviceID
	c.platform = platform
	c.logger = c.logger.With("user_id", userID)
	c.UpdateActive()
}

// Send 非阻塞入队；缓冲区满说明对端消费过慢，直接返回错误，不拖慢广播
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			if err := c.transport.WriteMessage(data); err != nil {
				c.logger.Warn("Failed to write to transport", "error", err)
				c.CloseWithCode(CloseNormal, "write failed")
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// Done 连接关闭时关闭
func (c *Connection) Done() <-chan struct{} {
	return c.closeChan
}

func (c *Connection) Close() {
	c.CloseWithCode(CloseNormal, "connection closed")
}

func (c *Connection) CloseWithCode(code uint32, reason string) {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if err := c.transport.Close(code, reason); err != nil {
			c.logger.Debug("Transport close returned error", "error", err)
		}
	})
}

func (c *Connection) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}
