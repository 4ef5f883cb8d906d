package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.im.livechat/internal/protocol"
)

// wtTransport 客户端只用一个双向流，每帧带 5 字节帧头
type wtTransport struct {
	session  *webtransport.Session
	stream   *webtransport.Stream
	maxFrame int
	ackSent  atomic.Bool
}

// WriteMessage 第一帧是认证响应，之后都是推送
func (t *wtTransport) WriteMessage(data []byte) error {
	frameType := protocol.FrameTypePush
	if t.ackSent.CompareAndSwap(false, true) {
		frameType = protocol.FrameTypeConnectAck
	}
	_ = t.stream.SetWriteDeadline(time.Now().Add(writeWait))
	return protocol.WriteFrame(t.stream, frameType, data)
}

func (t *wtTransport) Close(code uint32, reason string) error {
	_ = t.stream.Close()
	return t.session.CloseWithError(webtransport.SessionErrorCode(code), reason)
}

func (t *wtTransport) RemoteAddr() string {
	return t.session.RemoteAddr().String()
}

func (t *wtTransport) read() ([]byte, error) {
	frameType, body, err := protocol.ReadFrame(t.stream, t.maxFrame)
	if err != nil {
		return nil, err
	}
	switch frameType {
	case protocol.FrameTypeConnect, protocol.FrameTypeEvent:
		return body, nil
	default:
		return nil, fmt.Errorf("unexpected frame type %d", frameType)
	}
}

// ListenWebTransport 启动 HTTP/3 监听，阻塞直到服务器关闭
func (s *Server) ListenWebTransport(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        s.cfg.QUIC.MaxIdleTimeout,
		KeepAlivePeriod:       s.cfg.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:    s.cfg.QUIC.MaxIncomingStreams,
		MaxIncomingUniStreams: s.cfg.QUIC.MaxIncomingUniStreams,
		Allow0RTT:             s.cfg.QUIC.Allow0RTT,
		EnableDatagrams:       true, // WebTransport 需要启用数据报支持
	}

	origins := s.cfg.Server.AllowedOrigins
	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.QUIC.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			return len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, r.Header.Get("Origin"))
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})
	s.wtServer.H3.Handler = mux

	s.logger.Info("WebTransport server starting", "addr", s.cfg.QUIC.Addr)
	return s.wtServer.ListenAndServe()
}

func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	// 首个双向流承载全部通信
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	maxFrame := s.cfg.Server.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	t := &wtTransport{session: session, stream: stream, maxFrame: maxFrame}
	s.serveConnection(ctx, t, t.read)
}
