// Package testutil 提供测试用的内存连接，记录推送的事件。
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"sudooom.im.livechat/internal/protocol"
)

var nextID atomic.Int64

var ErrRefused = errors.New("fake connection refused frame")

// Frame 解码后的出站事件
type Frame struct {
	Type    string
	Ref     string
	Payload json.RawMessage
}

// Conn 实现 session.Conn，把收到的帧保存在内存里
type Conn struct {
	id     int64
	mu     sync.Mutex
	frames []Frame
	fail   bool
	closed bool
}

func NewConn() *Conn {
	return &Conn{id: nextID.Add(1) + 1_000_000}
}

func (c *Conn) ID() int64 { return c.id }

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return ErrRefused
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, Frame{Type: env.Type, Ref: env.Ref, Payload: env.Payload})
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailSends 让后续 Send 都失败，模拟断开的传输
func (c *Conn) FailSends() {
	c.mu.Lock()
	c.fail = true
	c.mu.Unlock()
}

func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

// OfType 返回指定类型的帧
func (c *Conn) OfType(typ string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Decode 把帧载荷解到 v
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Payload, v)
}
