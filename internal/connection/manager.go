package connection

import (
	"sync"
	"sync/atomic"
)

// Manager 记录进程内所有传输层连接（含尚未认证的），供心跳检测、健康检查和停机时使用。
// 用户到连接的映射由 session.Registry 负责。
type Manager struct {
	connections sync.Map // connID -> *Connection
	count       atomic.Int64
}

func NewManager() *Manager {
	return &Manager{}
}

func (m *Manager) Add(conn *Connection) {
	if _, loaded := m.connections.LoadOrStore(conn.ID(), conn); !loaded {
		m.count.Add(1)
	}
}

func (m *Manager) Remove(connID int64) {
	if _, loaded := m.connections.LoadAndDelete(connID); loaded {
		m.count.Add(-1)
	}
}

func (m *Manager) Get(connID int64) *Connection {
	v, ok := m.connections.Load(connID)
	if !ok {
		return nil
	}
	return v.(*Connection)
}

func (m *Manager) Count() int64 {
	return m.count.Load()
}

// GetAllConnections 返回当前连接快照
func (m *Manager) GetAllConnections() []*Connection {
	conns := make([]*Connection, 0, m.count.Load())
	m.connections.Range(func(_, v any) bool {
		conns = append(conns, v.(*Connection))
		return true
	})
	return conns
}

// CloseAll 停机时关闭全部连接
func (m *Manager) CloseAll(code uint32, reason string) {
	for _, c := range m.GetAllConnections() {
		c.CloseWithCode(code, reason)
	}
}
