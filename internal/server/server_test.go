package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-directchat/internal/database"
	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/stats"
	"github.com/npezzotti/go-directchat/internal/testutil"
	"github.com/npezzotti/go-directchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// tokenAuth accepts tokens of the form "token-<user id>".
type tokenAuth struct{}

func (tokenAuth) Authenticate(token string) (string, error) {
	userId, ok := strings.CutPrefix(token, "token-")
	if !ok || userId == "" {
		return "", errors.New("invalid token")
	}
	return userId, nil
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, db database.Repository) *ChatServer {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return().Times(3)
	su.On("Incr", mock.Anything).Return().Maybe()
	su.On("Decr", mock.Anything).Return().Maybe()

	cs, err := NewChatServer(testutil.TestLogger(t), db, su, tokenAuth{})
	require.NoError(t, err, "failed to create test ChatServer")
	return cs
}

// newTestClient returns a client without a transport. It can be admitted and
// receive frames on its send buffer but must never be rejected.
func newTestClient(t *testing.T, cs *ChatServer) *Client {
	return &Client{
		chatServer: cs,
		log:        testutil.TestLogger(t),
		send:       make(chan *protocol.ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

// newTestConn returns the server side of a real websocket connection along
// with the dialed client side.
func newTestConn(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverConn := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverConn <- conn
	}))
	t.Cleanup(srv.Close)

	clientConn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err, "failed to dial test server")
	t.Cleanup(func() { clientConn.Close() })

	select {
	case conn := <-serverConn:
		return conn, clientConn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil, nil
	}
}

func accountRepo(users ...string) *database.MockRepository {
	db := &database.MockRepository{}
	for _, id := range users {
		db.On("GetAccountById", id).Return(database.User{Id: id, Username: "user-" + id}, nil).Maybe()
	}
	return db
}

func admit(t *testing.T, cs *ChatServer, userId string) *Client {
	t.Helper()

	c := newTestClient(t, cs)
	require.NoError(t, cs.Admit(context.Background(), c, "token-"+userId), "failed to admit %s", userId)
	return c
}

// drain returns every frame currently buffered for the client.
func drain(c *Client) []*protocol.ServerMessage {
	var msgs []*protocol.ServerMessage
	for {
		select {
		case msg := <-c.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func lastPresence(t *testing.T, c *Client) []string {
	t.Helper()

	var ids []string
	found := false
	for _, msg := range drain(c) {
		if msg.Notification != nil && msg.Notification.OnlineUsers != nil {
			ids = msg.Notification.OnlineUsers.UserIds
			found = true
		}
	}
	require.True(t, found, "expected an online_users notification")
	return ids
}

func TestNewChatServer(t *testing.T) {
	db := &database.MockRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", stats.NumActiveClients).Return().Once()
	su.On("RegisterMetric", stats.NumOnlineUsers).Return().Once()
	su.On("RegisterMetric", stats.NumMessagesRelayed).Return().Once()

	logger := testutil.TestLogger(t)
	cs, err := NewChatServer(logger, db, su, tokenAuth{})
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, db, cs.db, "expected database repository to be set")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected userMap to be initialized")

	_, err = NewChatServer(logger, nil, su, tokenAuth{})
	assert.Error(t, err, "expected error without a repository")
}

func TestAdmit(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db := accountRepo("u1")
		defer db.AssertExpectations(t)
		cs := newTestChatServer(t, db)

		c := newTestClient(t, cs)
		err := cs.Admit(context.Background(), c, "token-u1")
		assert.NoError(t, err)
		assert.Equal(t, "u1", c.User().Id)
		assert.Equal(t, "user-u1", c.User().Username)
		assert.Empty(t, c.User().EmailAddress, "expected email to stay out of the connection user")
		assert.True(t, cs.IsOnline("u1"))
		assert.Equal(t, []*Client{c}, cs.ConnectionsFor("u1"))
		assert.Equal(t, []string{"u1"}, lastPresence(t, c), "expected admission frame to list the new user")
	})

	t.Run("invalid token closes with 4001", func(t *testing.T) {
		cs := newTestChatServer(t, &database.MockRepository{})
		serverConn, clientConn := newTestConn(t)

		c := NewClient(serverConn, cs, testutil.TestLogger(t))
		err := cs.Admit(context.Background(), c, "garbage")
		assert.ErrorIs(t, err, types.ErrAuthentication)
		assert.Empty(t, cs.OnlineUsers(), "expected rejected connection to stay unregistered")

		clientConn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err = clientConn.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr, "expected a close frame")
		assert.Equal(t, protocol.CloseAuthenticationFailed, closeErr.Code)
		assert.Equal(t, "authentication failed", closeErr.Text)
	})

	t.Run("unknown user", func(t *testing.T) {
		db := &database.MockRepository{}
		defer db.AssertExpectations(t)
		db.On("GetAccountById", "ghost").Return(database.User{}, sql.ErrNoRows).Once()
		cs := newTestChatServer(t, db)
		serverConn, _ := newTestConn(t)

		err := cs.Admit(context.Background(), NewClient(serverConn, cs, testutil.TestLogger(t)), "token-ghost")
		assert.ErrorIs(t, err, types.ErrAuthentication)
		assert.False(t, cs.IsOnline("ghost"))
	})

	t.Run("store failure", func(t *testing.T) {
		db := &database.MockRepository{}
		db.On("GetAccountById", "u1").Return(database.User{}, errors.New("connection refused")).Once()
		cs := newTestChatServer(t, db)
		serverConn, _ := newTestConn(t)

		err := cs.Admit(context.Background(), NewClient(serverConn, cs, testutil.TestLogger(t)), "token-u1")
		assert.ErrorIs(t, err, types.ErrPersistence)
	})

	t.Run("refused after shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, accountRepo("u1"))
		require.NoError(t, cs.Shutdown(context.Background()))

		serverConn, _ := newTestConn(t)
		err := cs.Admit(context.Background(), NewClient(serverConn, cs, testutil.TestLogger(t)), "token-u1")
		assert.ErrorIs(t, err, types.ErrServiceUnavailable)
		assert.False(t, cs.IsOnline("u1"))
	})
}

func TestRemove(t *testing.T) {
	cs := newTestChatServer(t, accountRepo("u1", "u2"))

	a1 := admit(t, cs, "u1")
	a2 := admit(t, cs, "u1")
	b := admit(t, cs, "u2")
	drain(a1)
	drain(a2)
	drain(b)

	cs.Remove(a1)
	assert.True(t, cs.IsOnline("u1"), "expected user to stay online while another connection remains")
	assert.Equal(t, []string{"u1", "u2"}, lastPresence(t, b))

	cs.Remove(a2)
	assert.False(t, cs.IsOnline("u1"))
	assert.Equal(t, []string{"u2"}, lastPresence(t, b), "expected presence to drop the user with no connections")

	cs.Remove(a2)
	assert.Empty(t, drain(b), "expected removing an unknown connection to broadcast nothing")
}

func TestRegistryPresenceInvariant(t *testing.T) {
	users := []string{"u1", "u2", "u3"}
	cs := newTestChatServer(t, accountRepo(users...))
	observer := admit(t, cs, "u3")

	rng := rand.New(rand.NewSource(7))
	live := make([]*Client, 0)
	for i := 0; i < 200; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			cs.Remove(live[idx])
			live = append(live[:idx], live[idx+1:]...)
		} else {
			live = append(live, admit(t, cs, users[rng.Intn(2)]))
		}

		expected := []string{}
		for _, id := range users {
			conns := cs.ConnectionsFor(id)
			assert.Equal(t, len(conns) > 0, cs.IsOnline(id), "step %d: online state of %s disagrees with its connections", i, id)
			if len(conns) > 0 {
				expected = append(expected, id)
			}
		}
		for _, c := range live {
			drain(c)
		}

		assert.Equal(t, expected, cs.OnlineUsers(), "step %d", i)
		assert.Equal(t, expected, lastPresence(t, observer), "step %d: expected latest presence frame to match the registry", i)
	}
}

func TestBackpressureDisconnectsSlowClient(t *testing.T) {
	cs := newTestChatServer(t, accountRepo("u1", "u2", "u3"))

	slow := admit(t, cs, "u1")
	fast := admit(t, cs, "u2")
	for len(slow.send) < cap(slow.send) {
		slow.send <- &protocol.ServerMessage{}
	}
	drain(fast)

	admit(t, cs, "u3")

	select {
	case <-slow.stop:
	default:
		t.Error("expected slow client to be stopped")
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, lastPresence(t, fast), "expected other connections to be unaffected")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("waits for connections to deregister", func(t *testing.T) {
		cs := newTestChatServer(t, accountRepo("u1", "u2"))
		clients := []*Client{admit(t, cs, "u1"), admit(t, cs, "u2")}

		for _, c := range clients {
			go func(c *Client) {
				<-c.stop
				cs.Remove(c)
			}(c)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		assert.NoError(t, cs.Shutdown(ctx), "expected successful shutdown without error")
		assert.Empty(t, cs.OnlineUsers())
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, accountRepo("u1"))
		admit(t, cs, "u1")

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected shutdown to give up when connections never leave")
	})
}

func TestConversationLock(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{})

	assert.Same(t, cs.conversationLock("u1", "u2"), cs.conversationLock("u2", "u1"),
		"expected both directions of a conversation to share a lock")

	distinct := make(map[any]struct{})
	for i := 0; i < 100; i++ {
		distinct[cs.conversationLock("u0", fmt.Sprintf("peer-%d", i))] = struct{}{}
	}
	assert.Greater(t, len(distinct), 1, "expected conversations to spread over stripes")
}

func TestConversationStripeStamp(t *testing.T) {
	cs := newTestChatServer(t, &database.MockRepository{})
	stripe := cs.conversationLock("u1", "u2")

	stripe.Lock()
	defer stripe.Unlock()

	first := stripe.stamp()
	assert.False(t, first.IsZero())

	// simulate the wall clock stepping back behind the last accepted message
	stripe.last = first.Add(time.Hour)
	second := stripe.stamp()
	assert.Equal(t, first.Add(time.Hour), second, "creation time must not go backwards")

	third := stripe.stamp()
	assert.False(t, third.Before(second))
}
