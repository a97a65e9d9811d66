package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-directchat/internal/database"
	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/stats"
	"github.com/npezzotti/go-directchat/internal/types"
)

const conversationStripes = 64

// Authenticator resolves a bearer credential to the id of the user it was
// issued for.
type Authenticator interface {
	Authenticate(token string) (string, error)
}

type ChatServer struct {
	log         *log.Logger
	db          database.Repository
	stats       stats.StatsProvider
	auth        Authenticator
	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientsLock sync.RWMutex
	closed      bool
	wg          sync.WaitGroup
	convLocks   [conversationStripes]conversationStripe
}

// conversationStripe serializes acceptance for the conversations hashed to
// it. last is the newest timestamp handed out under the lock.
type conversationStripe struct {
	sync.Mutex
	last time.Time
}

// stamp returns the creation time for the next accepted message. It never
// goes backwards, so creation order matches acceptance order even if the
// wall clock steps back. Must be called with the stripe locked.
func (s *conversationStripe) stamp() time.Time {
	now := protocol.Now()
	if now.Before(s.last) {
		now = s.last
	}
	s.last = now
	return now
}

func NewChatServer(logger *log.Logger, db database.Repository, su stats.StatsProvider, auth Authenticator) (*ChatServer, error) {
	if db == nil || su == nil || auth == nil {
		return nil, errors.New("chat server requires a repository, a stats provider and an authenticator")
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumOnlineUsers)
	su.RegisterMetric(stats.NumMessagesRelayed)

	return &ChatServer{
		log:     logger,
		db:      db,
		stats:   su,
		auth:    auth,
		clients: make(map[*Client]struct{}),
		userMap: make(map[string]map[*Client]struct{}),
	}, nil
}

// Admit authenticates a freshly upgraded connection and registers it under
// its user. A refused connection is closed before Admit returns.
func (cs *ChatServer) Admit(ctx context.Context, c *Client, token string) error {
	userId, err := cs.auth.Authenticate(token)
	if err != nil {
		cs.log.Println("admission refused:", err)
		c.reject(protocol.CloseAuthenticationFailed, "authentication failed")
		return fmt.Errorf("%w: %v", types.ErrAuthentication, err)
	}

	dbUser, err := cs.db.GetAccountById(ctx, userId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			cs.log.Printf("admission refused: unknown user %q", userId)
			c.reject(protocol.CloseAuthenticationFailed, "authentication failed")
			return fmt.Errorf("%w: unknown user %q", types.ErrAuthentication, userId)
		}

		cs.log.Println("admission failed loading user:", err)
		c.reject(websocket.CloseInternalServerErr, "internal error")
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	cs.clientsLock.Lock()
	if cs.closed {
		cs.clientsLock.Unlock()
		c.reject(websocket.CloseTryAgainLater, "server shutting down")
		return types.ErrServiceUnavailable
	}

	c.user = toUser(dbUser)
	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
		cs.stats.Incr(stats.NumOnlineUsers)
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.wg.Add(1)
	cs.stats.Incr(stats.NumActiveClients)

	cs.log.Printf("admitted connection for %q, %d connection(s) for user", c.user.Username, len(cs.userMap[c.user.Id]))
	cs.broadcastPresence()
	cs.clientsLock.Unlock()

	return nil
}

// Remove deregisters a connection. Removing an unknown connection is a no-op.
func (cs *ChatServer) Remove(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
			cs.stats.Decr(stats.NumOnlineUsers)
		}
	}
	cs.stats.Decr(stats.NumActiveClients)
	cs.wg.Done()

	cs.log.Printf("removed connection for %q", c.user.Username)
	cs.broadcastPresence()
}

func (cs *ChatServer) IsOnline(userId string) bool {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	return len(cs.userMap[userId]) > 0
}

func (cs *ChatServer) ConnectionsFor(userId string) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	conns := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		conns = append(conns, c)
	}

	return conns
}

// OnlineUsers returns the sorted ids of every user with a live connection.
func (cs *ChatServer) OnlineUsers() []string {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	return cs.onlineUsers()
}

func (cs *ChatServer) onlineUsers() []string {
	ids := make([]string, 0, len(cs.userMap))
	for id := range cs.userMap {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

// broadcastPresence must be called with clientsLock held for writing.
func (cs *ChatServer) broadcastPresence() {
	msg := protocol.OnlineUsersNotification(cs.onlineUsers())
	for c := range cs.clients {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) conversationLock(a, b string) *conversationStripe {
	if b < a {
		a, b = b, a
	}

	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))

	return &cs.convLocks[h.Sum32()%conversationStripes]
}

// Shutdown refuses further admissions, stops every connection and waits for
// them to deregister.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	cs.clientsLock.Lock()
	cs.closed = true
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	for _, c := range clients {
		c.stopClient()
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toUser(u database.User) types.User {
	return types.User{
		Id:        u.Id,
		Username:  u.Username,
		Avatar:    u.Avatar,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
