package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/mocks"
	"chat-gateway/internal/models"
	"chat-gateway/internal/services"
)

const testSecret = "gateway-test-secret"

type testEnv struct {
	store  *mocks.MemoryStore
	authn  *auth.Authenticator
	hub    *Hub
	server *httptest.Server
}

type wireFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := mocks.NewMemoryStore()
	authn := auth.NewAuthenticator(testSecret, "", nil)
	hub := NewHub(nil)
	membership := services.NewMembership(store)
	chat := services.NewChatService(store, store, store, membership, services.NewConversationResolver(store, nil), nil, 0)
	receipts := services.NewReadReceiptTracker(store, store, nil, nil)
	presence := services.NewPresence(store, nil, nil)
	gateway := NewGateway(hub, authn, chat, receipts, membership, presence, nil, opts)

	router := gin.New()
	router.GET("/ws/chat", gateway.Handle)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return &testEnv{store: store, authn: authn, hub: hub, server: server}
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/chat"
}

func (e *testEnv) token(t *testing.T, userID, tokenType string) string {
	t.Helper()
	token, err := e.authn.Sign(userID, e.store.User(userID).Username, tokenType, time.Hour)
	require.NoError(t, err)
	return token
}

// connect dials as userID and waits until the server announced the user online,
// which happens after all room joins.
func (e *testEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, userID, auth.TypeAccess))
	conn, _, err := websocket.DefaultDialer.Dial(e.url(), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	for {
		f := readFrame(t, conn)
		if f.Event != models.EventUserStatusChanged {
			continue
		}
		var p models.PresencePayload
		require.NoError(t, json.Unmarshal(f.Data, &p))
		if p.UserID == userID && p.Status == models.StatusOnline {
			return conn
		}
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f wireFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readEvent skips presence traffic until the named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) wireFrame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Event == event {
			return f
		}
		require.Equal(t, models.EventUserStatusChanged, f.Event, "unexpected %s: %s", f.Event, f.Data)
	}
}

// expectNoEvent must be the last read on conn: a read timeout breaks the connection.
func expectNoEvent(t *testing.T, conn *websocket.Conn, event string, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wireFrame
		require.NoError(t, json.Unmarshal(data, &f))
		require.NotEqual(t, event, f.Event, "unexpected %s: %s", f.Event, f.Data)
	}
}

func send(t *testing.T, conn *websocket.Conn, id, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "id": id, "data": data}))
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func expectRejected(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, models.EventException, f.Event)
	assert.Equal(t, models.ExceptionPayload{Status: "error", Message: "Unauthorized"}, decode[models.ExceptionPayload](t, f.Data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConnectWithExpiredTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")

	past := auth.NewAuthenticator(testSecret, "", func() time.Time { return time.Now().Add(-2 * time.Hour) })
	expired, err := past.Sign(alice, "alice", auth.TypeAccess, time.Hour)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(env.url()+"?token="+expired, nil)
	require.NoError(t, err)
	defer conn.Close()

	expectRejected(t, conn)
	assert.Equal(t, 0, env.hub.ClientCount())
	assert.Equal(t, models.StatusOffline, env.store.User(alice).Status)
	assert.Nil(t, env.store.User(alice).LastSeenAt)
}

func TestConnectRejectsNonAccessTokens(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")

	for _, tokenType := range []string{auth.TypeRefresh, auth.TypeVerifyEmail} {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+env.token(t, alice, tokenType))
		conn, _, err := websocket.DefaultDialer.Dial(env.url(), header)
		require.NoError(t, err)
		expectRejected(t, conn)
		conn.Close()
	}
	assert.Nil(t, env.store.User(alice).LastSeenAt)
}

func TestConnectWithoutTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})

	conn, _, err := websocket.DefaultDialer.Dial(env.url(), nil)
	require.NoError(t, err)
	defer conn.Close()

	expectRejected(t, conn)
}

func TestConnectWithSubprotocolToken(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")

	dialer := websocket.Dialer{Subprotocols: []string{auth.Subprotocol, env.token(t, alice, auth.TypeAccess)}}
	conn, resp, err := dialer.Dial(env.url(), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, auth.Subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))

	f := readEvent(t, conn, models.EventUserStatusChanged)
	p := decode[models.PresencePayload](t, f.Data)
	assert.Equal(t, alice, p.UserID)
	assert.Equal(t, models.StatusOnline, env.store.User(alice).Status)
}

func TestSendDirectMessageReachesRecipient(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	aliceConn := env.connect(t, alice)
	bobConn := env.connect(t, bob)

	send(t, aliceConn, "1", models.EventSendMessage, map[string]any{"recipientId": bob, "content": "hi"})

	ack := readEvent(t, aliceConn, models.EventAck)
	assert.Equal(t, "1", ack.ID)
	acked := decode[models.Message](t, ack.Data)

	got := decode[models.Message](t, readEvent(t, bobConn, models.EventMessage).Data)
	assert.Equal(t, acked.ID, got.ID)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, alice, got.SenderID)
	assert.False(t, got.IsRead)
	require.NotNil(t, got.Sender)
	assert.Equal(t, "alice", got.Sender.Username)
	require.NotNil(t, got.ConversationID)
	assert.Nil(t, got.GroupID)

	convs := env.store.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, convs[0].ID, *got.ConversationID)

	expectNoEvent(t, aliceConn, models.EventMessage, 200*time.Millisecond)
}

func TestSendDirectMessageEchoesToOtherSenderConnections(t *testing.T) {
	env := newTestEnv(t, Options{EchoToSender: true})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	phone := env.connect(t, alice)
	laptop := env.connect(t, alice)
	env.connect(t, bob)

	send(t, phone, "1", models.EventSendMessage, map[string]any{"recipientId": bob, "content": "hi"})
	readEvent(t, phone, models.EventAck)

	echoed := decode[models.Message](t, readEvent(t, laptop, models.EventMessage).Data)
	assert.Equal(t, "hi", echoed.Content)

	expectNoEvent(t, phone, models.EventMessage, 200*time.Millisecond)
}

func TestSendGroupMessageAsNonMemberIsForbidden(t *testing.T) {
	env := newTestEnv(t, Options{})
	owner := env.store.AddUser("owner")
	outsider := env.store.AddUser("outsider")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, nil)
	require.NoError(t, err)

	ownerConn := env.connect(t, owner)
	outsiderConn := env.connect(t, outsider)

	send(t, outsiderConn, "7", models.EventSendMessage, map[string]any{"groupId": group.ID, "content": "hi"})
	f := readEvent(t, outsiderConn, models.EventException)
	assert.Equal(t, "7", f.ID)
	assert.Equal(t, models.ExceptionPayload{Status: "error", Message: "Not a member of this group", Event: models.EventSendMessage},
		decode[models.ExceptionPayload](t, f.Data))

	assert.Empty(t, env.store.Messages())
	expectNoEvent(t, ownerConn, models.EventMessage, 200*time.Millisecond)
}

func TestGroupRoomsJoinedOnConnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	owner := env.store.AddUser("owner")
	member := env.store.AddUser("member")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{member})
	require.NoError(t, err)

	ownerConn := env.connect(t, owner)
	memberConn := env.connect(t, member)

	send(t, ownerConn, "1", models.EventSendMessage, map[string]any{"groupId": group.ID, "content": "standup"})

	got := decode[models.Message](t, readEvent(t, memberConn, models.EventMessage).Data)
	assert.Equal(t, "standup", got.Content)
	require.NotNil(t, got.GroupID)
	assert.Equal(t, group.ID, *got.GroupID)
}

func TestGroupMessageReachesSenderBeforeAck(t *testing.T) {
	env := newTestEnv(t, Options{})
	owner := env.store.AddUser("owner")
	member := env.store.AddUser("member")
	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{member})
	require.NoError(t, err)

	phone := env.connect(t, owner)
	laptop := env.connect(t, owner)

	send(t, phone, "1", models.EventSendMessage, map[string]any{"groupId": group.ID, "content": "standup"})

	// the sender is in the group room, so the broadcast is queued ahead of the ack
	own := decode[models.Message](t, readEvent(t, phone, models.EventMessage).Data)
	ack := readEvent(t, phone, models.EventAck)
	assert.Equal(t, "1", ack.ID)
	assert.Equal(t, own.ID, decode[models.Message](t, ack.Data).ID)

	other := decode[models.Message](t, readEvent(t, laptop, models.EventMessage).Data)
	assert.Equal(t, own.ID, other.ID)
	assert.False(t, other.IsRead)
}

func TestJoinGroupAfterConnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	owner := env.store.AddUser("owner")
	late := env.store.AddUser("late")
	outsider := env.store.AddUser("outsider")

	ownerConn := env.connect(t, owner)
	lateConn := env.connect(t, late)
	outsiderConn := env.connect(t, outsider)

	group, err := env.store.CreateGroup(context.Background(), owner, "team", nil, []string{late})
	require.NoError(t, err)

	send(t, outsiderConn, "x", models.EventJoinGroup, map[string]any{"groupId": group.ID})
	denied := decode[models.ExceptionPayload](t, readEvent(t, outsiderConn, models.EventException).Data)
	assert.Equal(t, "Not a member of this group", denied.Message)

	send(t, lateConn, "j", models.EventJoinGroup, map[string]any{"groupId": group.ID})
	assert.Equal(t, "j", readEvent(t, lateConn, models.EventAck).ID)

	send(t, ownerConn, "1", models.EventSendMessage, map[string]any{"groupId": group.ID, "content": "welcome"})
	got := decode[models.Message](t, readEvent(t, lateConn, models.EventMessage).Data)
	assert.Equal(t, "welcome", got.Content)

	send(t, lateConn, "l", models.EventLeaveGroup, map[string]any{"groupId": group.ID})
	assert.Equal(t, "l", readEvent(t, lateConn, models.EventAck).ID)
	send(t, ownerConn, "2", models.EventSendMessage, map[string]any{"groupId": group.ID, "content": "bye"})
	expectNoEvent(t, lateConn, models.EventMessage, 200*time.Millisecond)
}

func TestMarkConversationAsReadNotifiesOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	aliceConn := env.connect(t, alice)

	var last models.Message
	for i, content := range []string{"one", "two", "three"} {
		send(t, aliceConn, string(rune('a'+i)), models.EventSendMessage, map[string]any{"recipientId": bob, "content": content})
		last = decode[models.Message](t, readEvent(t, aliceConn, models.EventAck).Data)
	}
	convID := *last.ConversationID

	bobConn := env.connect(t, bob)
	send(t, bobConn, "r1", models.EventMarkConversationAsRead, map[string]any{"conversationId": convID})
	ack := decode[map[string]any](t, readEvent(t, bobConn, models.EventAck).Data)
	assert.EqualValues(t, 3, ack["marked"])

	receipt := decode[models.ReadReceiptPayload](t, readEvent(t, aliceConn, models.EventMessageRead).Data)
	assert.Equal(t, models.ReadReceiptPayload{ConversationID: convID, ReadBy: bob, LastReadMessageID: last.ID}, receipt)
	for _, m := range env.store.Messages() {
		assert.True(t, m.IsRead)
		assert.NotNil(t, m.ReadAt)
	}

	send(t, bobConn, "r2", models.EventMarkConversationAsRead, map[string]any{"conversationId": convID})
	ack = decode[map[string]any](t, readEvent(t, bobConn, models.EventAck).Data)
	assert.EqualValues(t, 0, ack["marked"])

	expectNoEvent(t, aliceConn, models.EventMessageRead, 200*time.Millisecond)
}

func TestGetMessagesOverSocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	aliceConn := env.connect(t, alice)

	send(t, aliceConn, "h0", models.EventGetMessages, map[string]any{"recipientId": bob})
	empty := readEvent(t, aliceConn, models.EventAck)
	assert.JSONEq(t, `[]`, string(empty.Data))

	for _, content := range []string{"one", "two"} {
		send(t, aliceConn, content, models.EventSendMessage, map[string]any{"recipientId": bob, "content": content})
		readEvent(t, aliceConn, models.EventAck)
	}

	send(t, aliceConn, "h1", models.EventGetMessages, map[string]any{"recipientId": bob, "limit": 1})
	msgs := decode[[]models.Message](t, readEvent(t, aliceConn, models.EventAck).Data)
	require.Len(t, msgs, 1)
	assert.Equal(t, "two", msgs[0].Content)
}

func TestInvalidFramesKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	conn := env.connect(t, alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := decode[models.ExceptionPayload](t, readEvent(t, conn, models.EventException).Data)
	assert.Equal(t, "Invalid message format", f.Message)

	send(t, conn, "u", "deleteEverything", map[string]any{})
	f = decode[models.ExceptionPayload](t, readEvent(t, conn, models.EventException).Data)
	assert.Equal(t, "Unknown event", f.Message)

	send(t, conn, "v", models.EventSendMessage, map[string]any{"recipientId": bob, "content": strings.Repeat("x", models.MaxContentLength+1)})
	f = decode[models.ExceptionPayload](t, readEvent(t, conn, models.EventException).Data)
	assert.Contains(t, f.Message, "content")

	send(t, conn, "w", models.EventSendMessage, map[string]any{"recipientId": "not-a-uuid", "content": "hi"})
	f = decode[models.ExceptionPayload](t, readEvent(t, conn, models.EventException).Data)
	assert.Contains(t, f.Message, "recipientId")

	send(t, conn, "ok", models.EventSendMessage, map[string]any{"recipientId": bob, "content": "still here"})
	assert.Equal(t, "ok", readEvent(t, conn, models.EventAck).ID)
	assert.Len(t, env.store.Messages(), 1)
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	bobConn := env.connect(t, bob)
	aliceConn := env.connect(t, alice)

	require.NoError(t, aliceConn.Close())

	for {
		f := readEvent(t, bobConn, models.EventUserStatusChanged)
		p := decode[models.PresencePayload](t, f.Data)
		if p.UserID == alice && p.Status == models.StatusOffline {
			break
		}
	}
	assert.Equal(t, models.StatusOffline, env.store.User(alice).Status)
	assert.NotNil(t, env.store.User(alice).LastSeenAt)
}

func TestHubShutdownWaitsForOfflineWrites(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.store.AddUser("alice")
	bob := env.store.AddUser("bob")
	env.connect(t, alice)
	env.connect(t, bob)
	require.Equal(t, 2, env.hub.ClientCount())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, env.hub.Shutdown(ctx))

	for _, id := range []string{alice, bob} {
		assert.Equal(t, models.StatusOffline, env.store.User(id).Status)
		assert.NotNil(t, env.store.User(id).LastSeenAt)
	}
	assert.Equal(t, 0, env.hub.ClientCount())

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token(t, alice, auth.TypeAccess))
	conn, _, err := websocket.DefaultDialer.Dial(env.url(), header)
	require.NoError(t, err)
	defer conn.Close()
	f := readFrame(t, conn)
	assert.Equal(t, models.EventException, f.Event)
}
