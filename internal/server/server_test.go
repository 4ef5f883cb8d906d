package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.livechat/internal/auth"
	"sudooom.im.livechat/internal/config"
	"sudooom.im.livechat/internal/connection"
	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/handler"
	"sudooom.im.livechat/internal/metrics"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/service"
	"sudooom.im.livechat/internal/snowflake"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport 记录写出的信封，read 从 inbox 取帧
type fakeTransport struct {
	mu        sync.Mutex
	written   []protocol.Envelope
	closed    bool
	closeCode uint32
	done      chan struct{}
	inbox     chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{}), inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errTransportClosed
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.written = append(f.written, env)
	return nil
}

func (f *fakeTransport) Close(code uint32, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "127.0.0.1:5555" }

func (f *fakeTransport) read() ([]byte, error) {
	select {
	case data, ok := <-f.inbox:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-f.done:
		return nil, errTransportClosed
	}
}

func (f *fakeTransport) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.written...)
}

func (f *fakeTransport) types() []string {
	var out []string
	for _, env := range f.envelopes() {
		out = append(out, env.Type)
	}
	return out
}

func (f *fakeTransport) state() (bool, uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

type recordingLocations struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (r *recordingLocations) RegisterUserLocation(_ context.Context, userID string, _ int64, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, userID)
	return nil
}

func (r *recordingLocations) UnregisterUserLocation(_ context.Context, userID string, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, userID)
	return nil
}

func (r *recordingLocations) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.registered...), append([]string(nil), r.unregistered...)
}

type fixture struct {
	server    *Server
	relay     *service.Relay
	jwt       *auth.JWTService
	locations *recordingLocations
}

func newFixture(t *testing.T, authTimeout time.Duration) *fixture {
	t.Helper()
	store, err := repository.OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	relay := service.NewRelay(store, node, service.RelayOptions{})
	jwtSvc := auth.NewJWTService("server-test-secret", "livechat", time.Hour, time.Hour)
	h := handler.New(relay, auth.NewJWTAuthenticator(jwtSvc), handler.Options{}, nil)

	cfg := &config.Config{}
	cfg.Server.AuthTimeout = authTimeout
	cfg.Server.SendBuffer = 64
	cfg.Server.AllowedOrigins = []string{"*"}

	locations := &recordingLocations{}
	return &fixture{
		server:    New(cfg, h, locations, nil),
		relay:     relay,
		jwt:       jwtSvc,
		locations: locations,
	}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	pair, err := f.jwt.GenerateTokenPair(userID, "dev-"+userID, auth.PlatformWeb)
	require.NoError(t, err)
	return pair.AccessToken
}

func encode(t *testing.T, ev protocol.Inbound, ref string) []byte {
	t.Helper()
	data, err := protocol.EncodeInbound(ev, ref)
	require.NoError(t, err)
	return data
}

func (f *fixture) serve(ft *fakeTransport) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.server.serveConnection(context.Background(), ft, ft.read)
	}()
	return done
}

func TestServer_ConnectAckComesFirst(t *testing.T) {
	f := newFixture(t, time.Second)
	ft := newFakeTransport()
	ft.inbox <- encode(t, &protocol.Connect{Token: f.token(t, "alice")}, "c1")
	done := f.serve(ft)

	require.Eventually(t, func() bool { return len(ft.envelopes()) >= 3 }, time.Second, 5*time.Millisecond)
	envs := ft.envelopes()
	assert.Equal(t, protocol.OutConnected, envs[0].Type)
	assert.Equal(t, "c1", envs[0].Ref)
	var ack protocol.Connected
	require.NoError(t, json.Unmarshal(envs[0].Payload, &ack))
	assert.Equal(t, "alice", ack.UserID)
	assert.NotZero(t, ack.ConnID)

	assert.Contains(t, ft.types(), protocol.OutBootstrapOnlineSet)
	assert.Contains(t, ft.types(), protocol.OutPresenceChanged)
	assert.True(t, f.relay.Sessions.IsOnline("alice"))
	assert.Equal(t, int64(1), f.server.ConnectionCount())

	ft.inbox <- encode(t, &protocol.Ping{}, "p1")
	require.Eventually(t, func() bool {
		for _, env := range ft.envelopes() {
			if env.Type == protocol.OutPong && env.Ref == "p1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	close(ft.inbox)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveConnection did not return")
	}

	assert.False(t, f.relay.Sessions.IsOnline("alice"))
	assert.Equal(t, int64(0), f.server.ConnectionCount())
	registered, unregistered := f.locations.snapshot()
	assert.Equal(t, []string{"alice"}, registered)
	assert.Equal(t, []string{"alice"}, unregistered)
	closed, code := ft.state()
	assert.True(t, closed)
	assert.Equal(t, connection.CloseNormal, code)
}

func TestServer_AuthFailureClosesConnection(t *testing.T) {
	tests := []struct {
		name  string
		frame func(f *fixture) []byte
		code  int
	}{
		{
			name:  "invalid token",
			frame: func(*fixture) []byte { return encode(t, &protocol.Connect{Token: "bogus"}, "c1") },
			code:  apperrors.CodeTokenInvalid,
		},
		{
			name:  "first event not connect",
			frame: func(*fixture) []byte { return encode(t, &protocol.Ping{}, "c1") },
			code:  apperrors.CodeAuthRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second)
			ft := newFakeTransport()
			ft.inbox <- tt.frame(f)
			<-f.serve(ft)

			envs := ft.envelopes()
			require.Len(t, envs, 1)
			assert.Equal(t, protocol.OutError, envs[0].Type)
			assert.Equal(t, "c1", envs[0].Ref)
			var ev protocol.Error
			require.NoError(t, json.Unmarshal(envs[0].Payload, &ev))
			assert.Equal(t, tt.code, ev.Code)

			closed, code := ft.state()
			assert.True(t, closed)
			assert.Equal(t, connection.CloseAuthFailed, code)
			assert.Equal(t, int64(0), f.relay.Sessions.Count())
			registered, _ := f.locations.snapshot()
			assert.Empty(t, registered)
		})
	}
}

func TestServer_AuthTimeout(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ft := newFakeTransport()

	select {
	case <-f.serve(ft):
	case <-time.After(time.Second):
		t.Fatal("auth timeout did not close the connection")
	}
	closed, code := ft.state()
	assert.True(t, closed)
	assert.Equal(t, connection.CloseAuthFailed, code)
	assert.Equal(t, int64(0), f.relay.Sessions.Count())

	// 关闭前先写出原因
	envs := ft.envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.OutError, envs[0].Type)
	var ev protocol.Error
	require.NoError(t, json.Unmarshal(envs[0].Payload, &ev))
	assert.Equal(t, apperrors.CodeAuthTimeout, ev.Code)
	assert.Equal(t, "connect", ev.Event)
}

func TestServer_HeartbeatClosesIdleConnection(t *testing.T) {
	f := newFixture(t, time.Second)
	f.server.cfg.Server.HeartbeatTimeout = 30 * time.Millisecond
	f.server.cfg.Server.HeartbeatCheckInterval = 10 * time.Millisecond
	before := promtest.ToFloat64(metrics.IdleTimeouts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.Start(ctx)

	ft := newFakeTransport()
	ft.inbox <- encode(t, &protocol.Connect{Token: f.token(t, "idle")}, "")
	done := f.serve(ft)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection was not closed")
	}
	_, code := ft.state()
	assert.Equal(t, connection.CloseIdleTimeout, code)
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.IdleTimeouts))
	assert.False(t, f.relay.Sessions.IsOnline("idle"))
}

func TestServer_ShutdownClosesConnections(t *testing.T) {
	f := newFixture(t, time.Second)
	ft := newFakeTransport()
	ft.inbox <- encode(t, &protocol.Connect{Token: f.token(t, "bob")}, "")
	done := f.serve(ft)
	require.Eventually(t, func() bool { return f.relay.Sessions.IsOnline("bob") }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	<-done
	_, code := ft.state()
	assert.Equal(t, connection.CloseServerShutdown, code)
	assert.False(t, f.relay.Sessions.IsOnline("bob"))
}

func TestServer_WebSocketEndToEnd(t *testing.T) {
	f := newFixture(t, time.Second)
	srv := httptest.NewServer(f.server.WebSocketHandler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEnvelope := func() protocol.Envelope {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, &protocol.Connect{Token: f.token(t, "carol")}, "c1")))
	assert.Equal(t, protocol.OutConnected, readEnvelope().Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, &protocol.Ping{}, "p1")))
	for {
		env := readEnvelope()
		if env.Type == protocol.OutPong {
			assert.Equal(t, "p1", env.Ref)
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	assert.Eventually(t, func() bool { return !f.relay.Sessions.IsOnline("carol") }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_WebSocketAuthRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	srv := httptest.NewServer(f.server.WebSocketHandler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encode(t, &protocol.Connect{Token: "bogus"}, "")))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, protocol.OutError, env.Type)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, int(connection.CloseAuthFailed), closeErr.Code)
}

func TestGenerateSelfSigned(t *testing.T) {
	certPEM, keyPEM, err := generateSelfSigned(time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
	assert.Contains(t, string(keyPEM), "BEGIN EC PRIVATE KEY")
}
