package server

import (
	"io"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sudooom.im.livechat/internal/connection"
	"sudooom.im.livechat/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	closeWait = time.Second
)

// wsTransport 每条 WebSocket 消息就是一个 JSON 信封
type wsTransport struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (t *wsTransport) WriteMessage(data []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 先发关闭帧再断开底层连接，0 映射为 1000
func (t *wsTransport) Close(code uint32, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		wsCode := int(code)
		if code == connection.CloseNormal {
			wsCode = websocket.CloseNormalClosure
		}
		msg := websocket.FormatCloseMessage(wsCode, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) read() ([]byte, error) {
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *Server) upgrader() *websocket.Upgrader {
	origins := s.cfg.Server.AllowedOrigins
	u := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	switch {
	case len(origins) == 0:
		// 使用 gorilla 默认的同源检查
	case slices.Contains(origins, "*"):
		u.CheckOrigin = func(r *http.Request) bool { return true }
	default:
		u.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(origins, r.Header.Get("Origin"))
		}
	}
	return u
}

// WebSocketHandler 挂到 HTTP 路由的 /ws 上
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := s.upgrader()
	maxFrame := s.cfg.Server.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadLimit(int64(maxFrame))

		t := &wsTransport{conn: conn}
		s.wg.Add(1)
		defer s.wg.Done()
		// 连接被 hijack 后请求 ctx 不再随断线取消，停机由 Shutdown 关闭连接
		s.serveConnection(r.Context(), t, t.read)
	})
}
