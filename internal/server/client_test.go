package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *protocol.ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&protocol.ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *protocol.ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
		}

		c.send <- &protocol.ServerMessage{} // Pre-fill the send channel to simulate a full channel
		res := c.queueMessage(&protocol.ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")

		select {
		case <-c.stop:
		default:
			t.Error("expected a client that cannot keep up to be stopped")
		}
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{
			Id:        1,
			Timestamp: protocol.Now(),
		},
		Response: &protocol.Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected stopping twice to be safe")

	select {
	case <-c.stop:
		// Channel is closed as expected
	default:
		t.Error("expected stop channel to be closed")
	}
}

func Test_handleMessageUnknown(t *testing.T) {
	cs := newTestChatServer(t, accountRepo("u1"))
	c := admit(t, cs, "u1")
	drain(c)

	c.handleMessage(&protocol.ClientMessage{BaseMessage: protocol.BaseMessage{Id: 4}})

	frames := drain(c)
	require.Len(t, frames, 1)
	assert.Equal(t, 4, frames[0].Id)
	assert.Equal(t, http.StatusBadRequest, frames[0].Response.ResponseCode)
}

// newWsServer serves /ws the way the HTTP API does: upgrade, admit, run.
func newWsServer(t *testing.T, cs *ChatServer) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := NewClient(conn, cs, testutil.TestLogger(t))
		if err := cs.Admit(r.Context(), c, r.URL.Query().Get("token")); err != nil {
			return
		}
		c.Run()
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialAs(t *testing.T, url, userId string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=token-"+userId, nil)
	require.NoError(t, err, "failed to dial as %s", userId)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*protocol.ServerMessage) bool) *protocol.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg protocol.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg), "expected another frame")
		if match(&msg) {
			return &msg
		}
	}
}

func presenceIs(ids ...string) func(*protocol.ServerMessage) bool {
	return func(msg *protocol.ServerMessage) bool {
		return msg.Notification != nil && msg.Notification.OnlineUsers != nil &&
			assert.ObjectsAreEqual(ids, msg.Notification.OnlineUsers.UserIds)
	}
}

func TestDirectMessageOverWebsocket(t *testing.T) {
	repo := newSQLiteRepo(t, "u1", "u2")
	cs := newTestChatServer(t, repo)
	url := newWsServer(t, cs)

	alice := dialAs(t, url, "u1")
	readUntil(t, alice, presenceIs("u1"))
	bob := dialAs(t, url, "u2")
	readUntil(t, bob, presenceIs("u1", "u2"))
	readUntil(t, alice, presenceIs("u1", "u2"))

	require.NoError(t, alice.WriteJSON(map[string]any{
		"id":           1,
		"send_message": map[string]string{"recipient_id": "u2", "content": "hello"},
	}))

	sent := readUntil(t, alice, func(msg *protocol.ServerMessage) bool {
		return msg.Notification != nil && msg.Notification.MessageSent != nil
	})
	assert.Equal(t, 1, sent.Id)
	assert.Equal(t, "hello", sent.Notification.MessageSent.Content)
	assert.Equal(t, "u1", sent.Notification.MessageSent.Sender.Id)
	assert.Equal(t, "u2", sent.Notification.MessageSent.Recipient.Id)

	received := readUntil(t, bob, func(msg *protocol.ServerMessage) bool {
		return msg.Notification != nil && msg.Notification.ReceiveMessage != nil
	})
	assert.Equal(t, sent.Notification.MessageSent.Id, received.Notification.ReceiveMessage.Id)
	assert.Equal(t, "hello", received.Notification.ReceiveMessage.Content)

	for _, reader := range []string{"u1", "u2"} {
		history, err := repo.GetConversation(context.Background(), reader, map[string]string{"u1": "u2", "u2": "u1"}[reader], 0, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "hello", history[0].Content)
	}

	require.NoError(t, bob.WriteJSON(map[string]any{"typing": map[string]string{"recipient_id": "u1"}}))
	typing := readUntil(t, alice, func(msg *protocol.ServerMessage) bool {
		return msg.Notification != nil && msg.Notification.UserTyping != nil
	})
	assert.Equal(t, "u2", typing.Notification.UserTyping.UserId)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	invalid := readUntil(t, alice, func(msg *protocol.ServerMessage) bool { return msg.Response != nil })
	assert.Equal(t, http.StatusBadRequest, invalid.Response.ResponseCode)

	bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	bob.Close()
	readUntil(t, alice, presenceIs("u1"))
	assert.Eventually(t, func() bool { return !cs.IsOnline("u2") }, time.Second, 10*time.Millisecond)
}

func TestWebsocketAuthenticationFailure(t *testing.T) {
	cs := newTestChatServer(t, accountRepo())
	url := newWsServer(t, cs)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=bogus", nil)
	require.NoError(t, err, "expected the upgrade to succeed before admission")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, protocol.CloseAuthenticationFailed), "expected close code 4001, got %v", err)
}

func TestShutdownClosesConnections(t *testing.T) {
	cs := newTestChatServer(t, accountRepo("u1"))
	url := newWsServer(t, cs)

	conn := dialAs(t, url, "u1")
	readUntil(t, conn, presenceIs("u1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, cs.Shutdown(ctx))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected going away close, got %v", err)
			break
		}
	}
}
