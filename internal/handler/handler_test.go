package handler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.livechat/internal/auth"
	apperrors "sudooom.im.livechat/internal/errors"
	"sudooom.im.livechat/internal/model"
	"sudooom.im.livechat/internal/protocol"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/service"
	"sudooom.im.livechat/internal/session"
	"sudooom.im.livechat/internal/snowflake"
	"sudooom.im.livechat/internal/testutil"
)

type fixture struct {
	relay   *service.Relay
	jwt     *auth.JWTService
	handler *Handler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := repository.OpenPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	relay := service.NewRelay(store, node, service.RelayOptions{})
	jwtSvc := auth.NewJWTService("test-secret-key", "livechat", time.Hour, time.Hour)
	return &fixture{
		relay:   relay,
		jwt:     jwtSvc,
		handler: New(relay, auth.NewJWTAuthenticator(jwtSvc), opts, nil),
	}
}

func (f *fixture) connect(userID string) (*session.Session, *testutil.Conn) {
	conn := testutil.NewConn()
	return f.handler.Connect(userID, conn), conn
}

func frame(t *testing.T, ev protocol.Inbound, ref string) []byte {
	t.Helper()
	data, err := protocol.EncodeInbound(ev, ref)
	require.NoError(t, err)
	return data
}

func lastError(t *testing.T, conn *testutil.Conn) (protocol.Error, string) {
	t.Helper()
	frames := conn.OfType(protocol.OutError)
	require.NotEmpty(t, frames, "expected an error frame")
	var ev protocol.Error
	require.NoError(t, frames[len(frames)-1].Decode(&ev))
	return ev, frames[len(frames)-1].Ref
}

func TestHandler_Authenticate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	pair, err := f.jwt.GenerateTokenPair("alice", "dev-1", auth.PlatformWeb)
	require.NoError(t, err)

	id, ref, err := f.handler.Authenticate(ctx, frame(t, &protocol.Connect{Token: pair.AccessToken}, "c1"))
	require.NoError(t, err)
	assert.Equal(t, "c1", ref)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "dev-1", id.DeviceID)

	_, _, err = f.handler.Authenticate(ctx, frame(t, &protocol.Ping{}, ""))
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthRequired))

	_, _, err = f.handler.Authenticate(ctx, frame(t, &protocol.Connect{Token: "bogus"}, ""))
	assert.True(t, apperrors.Is(err, apperrors.ErrTokenInvalid))

	_, _, err = f.handler.Authenticate(ctx, []byte("{"))
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthRequired))
}

func TestHandler_ConnectBootstrapsAndBroadcasts(t *testing.T) {
	f := newFixture(t, Options{})
	_, alice := f.connect("alice")
	_, bob := f.connect("bob")

	boot := bob.OfType(protocol.OutBootstrapOnlineSet)
	require.Len(t, boot, 1)
	var set protocol.BootstrapOnlineSet
	require.NoError(t, boot[0].Decode(&set))
	assert.Equal(t, []string{"alice", "bob"}, set.UserIDs)

	var online []string
	for _, fr := range alice.OfType(protocol.OutPresenceChanged) {
		var ev protocol.PresenceChanged
		require.NoError(t, fr.Decode(&ev))
		if ev.IsOnline {
			online = append(online, ev.UserID)
		}
	}
	assert.Equal(t, []string{"alice", "bob"}, online)
	assert.Len(t, alice.OfType(protocol.OutBootstrapOnlineSet), 1, "快照只发给新会话")
}

func TestHandler_RoomsAndRelay(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, aliceConn := f.connect("alice")
	bob, bobConn := f.connect("bob")
	_, carolConn := f.connect("carol")

	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.JoinRoom{RoomID: "lobby"}, ""))
	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.JoinRoom{RoomID: "lobby"}, ""))
	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.RelayMessage{
		RoomID: "lobby", SenderName: "Alice", Content: "hi all", Timestamp: 42,
	}, ""))

	for _, conn := range []*testutil.Conn{aliceConn, bobConn} {
		frames := conn.OfType(protocol.OutRoomMessage)
		require.Len(t, frames, 1)
		var msg protocol.RoomMessage
		require.NoError(t, frames[0].Decode(&msg))
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, "hi all", msg.Content)
		assert.Equal(t, int64(42), msg.Timestamp)
	}
	assert.Empty(t, carolConn.OfType(protocol.OutRoomMessage))

	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.LeaveRoom{RoomID: "lobby"}, ""))
	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.RelayMessage{RoomID: "lobby", Content: "again"}, ""))
	assert.Len(t, bobConn.OfType(protocol.OutRoomMessage), 1)
	assert.Len(t, aliceConn.OfType(protocol.OutRoomMessage), 2)

	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.JoinRoom{}, "j1"))
	ev, ref := lastError(t, aliceConn)
	assert.Equal(t, apperrors.CodeRoomIDRequired, ev.Code)
	assert.Equal(t, "join-room", ev.Event)
	assert.Equal(t, "j1", ref)

	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.RelayMessage{RoomID: "lobby", SenderID: "mallory"}, ""))
	ev, _ = lastError(t, aliceConn)
	assert.Equal(t, apperrors.CodeInvalidIdentity, ev.Code)
}

func TestHandler_MarkDeliveredAndRead(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, aliceConn := f.connect("alice")
	bob, bobConn := f.connect("bob")

	msg, err := f.relay.Chat.CreateMessage(ctx, service.CreateMessageRequest{
		ChatID: "chat-ab", SenderID: "alice", ReceiverID: "bob", Content: "hello",
	})
	require.NoError(t, err)

	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.MarkDelivered{MessageID: msg.ID, RecipientID: "bob", SenderID: "alice"}, ""))
	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.MarkRead{MessageID: msg.ID, ViewerID: "bob", SenderID: "alice"}, ""))
	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.MarkRead{MessageID: msg.ID, ViewerID: "bob"}, ""))

	var statuses []model.Status
	for _, fr := range aliceConn.OfType(protocol.OutDeliveryStatusChanged) {
		var ev protocol.DeliveryStatusChanged
		require.NoError(t, fr.Decode(&ev))
		assert.Equal(t, msg.ID, ev.MessageID)
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []model.Status{model.StatusDelivered, model.StatusRead}, statuses, "重复 read 不再通知")
	assert.Empty(t, bobConn.OfType(protocol.OutDeliveryStatusChanged))

	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.MarkRead{MessageID: msg.ID, ViewerID: "alice"}, "r1"))
	ev, ref := lastError(t, bobConn)
	assert.Equal(t, apperrors.CodeInvalidIdentity, ev.Code)
	assert.Equal(t, "r1", ref)

	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.MarkRead{MessageID: "nope"}, ""))
	ev, _ = lastError(t, bobConn)
	assert.Equal(t, apperrors.CodeMessageNotFound, ev.Code)
}

func TestHandler_TypingAndPing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, aliceConn := f.connect("alice")
	_, bobConn := f.connect("bob")

	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.TypingStart{ReceiverID: "bob", SenderName: "Alice"}, ""))
	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.TypingStop{ReceiverID: "bob"}, ""))

	typing := bobConn.OfType(protocol.OutUserTyping)
	require.Len(t, typing, 1)
	var ev protocol.UserTyping
	require.NoError(t, typing[0].Decode(&ev))
	assert.Equal(t, "alice", ev.SenderID)
	assert.Len(t, bobConn.OfType(protocol.OutUserStopTyping), 1)

	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.Ping{}, "p1"))
	pongs := aliceConn.OfType(protocol.OutPong)
	require.Len(t, pongs, 1)
	assert.Equal(t, "p1", pongs[0].Ref)
	assert.Empty(t, bobConn.OfType(protocol.OutPong))
}

func TestHandler_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, conn := f.connect("alice")

	f.handler.HandleFrame(ctx, alice, []byte(`{"type":"launch-rockets","ref":"u1"}`))
	ev, ref := lastError(t, conn)
	assert.Equal(t, apperrors.CodeUnknownEvent, ev.Code)
	assert.Equal(t, "u1", ref)

	f.handler.HandleFrame(ctx, alice, []byte(`not json`))
	ev, _ = lastError(t, conn)
	assert.Equal(t, apperrors.CodeBadRequest, ev.Code)

	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.Connect{Token: "x"}, ""))
	ev, _ = lastError(t, conn)
	assert.Equal(t, apperrors.CodeBadRequest, ev.Code)
}

func TestHandler_ServeRateLimits(t *testing.T) {
	f := newFixture(t, Options{EventsPerSecond: 0.001, Burst: 2})
	alice, conn := f.connect("alice")

	ping := frame(t, &protocol.Ping{}, "")
	remaining := 5
	read := func() ([]byte, error) {
		if remaining == 0 {
			return nil, io.EOF
		}
		remaining--
		return ping, nil
	}

	require.NoError(t, f.handler.Serve(context.Background(), alice, read))
	assert.Len(t, conn.OfType(protocol.OutPong), 2)

	errs := conn.OfType(protocol.OutError)
	require.Len(t, errs, 3)
	var ev protocol.Error
	require.NoError(t, errs[0].Decode(&ev))
	assert.Equal(t, apperrors.CodeRateLimited, ev.Code)
}

func TestHandler_ServeStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, Options{})
	alice, _ := f.connect("alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.handler.Serve(ctx, alice, func() ([]byte, error) {
		t.Fatal("read must not be called after cancel")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandler_DisconnectCleansUp(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, _ := f.connect("alice")
	_, bobConn := f.connect("bob")
	f.handler.HandleFrame(ctx, alice, frame(t, &protocol.JoinRoom{RoomID: "lobby"}, ""))
	require.Len(t, f.relay.Rooms.Members("lobby"), 1)

	f.handler.Disconnect(alice)
	f.handler.Disconnect(alice)

	assert.Empty(t, f.relay.Rooms.Members("lobby"))
	assert.False(t, f.relay.Sessions.IsOnline("alice"))

	var offline int
	for _, fr := range bobConn.OfType(protocol.OutPresenceChanged) {
		var ev protocol.PresenceChanged
		require.NoError(t, fr.Decode(&ev))
		if ev.UserID == "alice" && !ev.IsOnline {
			offline++
			assert.NotNil(t, ev.LastSeen)
		}
	}
	assert.Equal(t, 1, offline, "离线只广播一次")
}

func TestHandler_GroupRoomRequiresMembership(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.relay.Chat.AddGroupMember(ctx, "g1", "alice", "bob")
	require.NoError(t, err)

	bob, bobConn := f.connect("bob")
	mallory, malloryConn := f.connect("mallory")

	f.handler.HandleFrame(ctx, bob, frame(t, &protocol.JoinRoom{RoomID: "group:g1"}, ""))
	f.handler.HandleFrame(ctx, mallory, frame(t, &protocol.JoinRoom{RoomID: "group:g1"}, "j1"))
	ev, ref := lastError(t, malloryConn)
	assert.Equal(t, apperrors.CodeNotParticipant, ev.Code)
	assert.Equal(t, "j1", ref)

	_, err = f.relay.Chat.CreateMessage(ctx, service.CreateMessageRequest{
		Kind: model.KindGroup, GroupID: "g1", SenderID: "alice", Content: "members only",
	})
	require.NoError(t, err)
	assert.Len(t, bobConn.OfType(protocol.OutMessageCreated), 1)
	assert.Empty(t, malloryConn.OfType(protocol.OutMessageCreated))

	// 非成员也不能借房间转发混进群
	f.handler.HandleFrame(ctx, mallory, frame(t, &protocol.RelayMessage{RoomID: "group:g1", Content: "psst"}, "r1"))
	assert.Empty(t, bobConn.OfType(protocol.OutRoomMessage))
	ev, ref = lastError(t, malloryConn)
	assert.Equal(t, apperrors.CodeNotParticipant, ev.Code)
	assert.Equal(t, "r1", ref)
}
