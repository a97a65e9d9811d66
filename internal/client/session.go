package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/types"
)

var ErrNotLoggedIn = errors.New("not logged in")

const resyncTimeout = 10 * time.Second

type SessionConfig struct {
	ServerURL    string
	TypingWindow time.Duration
	Conn         ConnOptions
	Logger       *log.Logger
}

// Session is one logged in user: the REST client, the websocket and the
// cache of the conversation on screen.
type Session struct {
	cfg    SessionConfig
	log    *log.Logger
	api    *APIClient
	wsURL  string
	update chan struct{}

	mu         sync.Mutex
	user       *types.User
	conn       *Conn
	cache      *ConversationCache
	typing     *TypingNotifier
	peerTyping map[string]bool
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewSession(cfg SessionConfig) (*Session, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Conn.Logger == nil {
		cfg.Conn.Logger = cfg.Logger
	}

	return &Session{
		cfg:        cfg,
		log:        cfg.Logger,
		api:        NewAPIClient(cfg.ServerURL, nil),
		wsURL:      u.String(),
		update:     make(chan struct{}, 1),
		peerTyping: make(map[string]bool),
	}, nil
}

// Updates signals whenever something visible changed. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.update
}

func (s *Session) changed() {
	select {
	case s.update <- struct{}{}:
	default:
	}
}

func (s *Session) API() *APIClient {
	return s.api
}

func (s *Session) Login(ctx context.Context, email, password string) error {
	token, user, err := s.api.Login(ctx, email, password)
	if err != nil {
		return err
	}

	var conn *Conn
	var last atomic.Int32
	opts := s.cfg.Conn
	notify := opts.OnStateChange
	opts.OnStateChange = func(st ConnState) {
		prev := ConnState(last.Swap(int32(st)))
		if notify != nil {
			notify(st)
		}
		if prev == Reconnecting && st == Open {
			// pushes sent while the socket was down are only in storage
			go s.resync(conn)
		}
		s.changed()
	}

	conn = NewConn(s.wsURL, opts)
	if err := conn.Connect(ctx, token); err != nil {
		s.api.SetToken("")
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.user = &user
	s.conn = conn
	s.cache = NewConversationCache(user.Id)
	s.peerTyping = make(map[string]bool)
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.pump(pumpCtx, conn, done)
	s.changed()

	return nil
}

// Logout tears the connection down before the credential is dropped.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	conn, typing, cancel, done := s.conn, s.typing, s.cancel, s.done
	s.mu.Unlock()

	if conn == nil {
		return ErrNotLoggedIn
	}

	if typing != nil {
		typing.Sent()
	}
	conn.Disconnect()
	cancel()
	<-done

	err := s.api.Logout(ctx)

	s.mu.Lock()
	s.user = nil
	s.conn = nil
	s.cache = nil
	s.typing = nil
	s.cancel = nil
	s.done = nil
	s.peerTyping = make(map[string]bool)
	s.mu.Unlock()
	s.changed()

	return err
}

func (s *Session) pump(ctx context.Context, conn *Conn, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-conn.Frames():
			s.handleFrame(msg)
		}
	}
}

func (s *Session) handleFrame(msg *protocol.ServerMessage) {
	if msg.Response != nil {
		if err := protocol.ResponseError(msg.Response); err != nil {
			s.log.Printf("server error: %v", err)
		}
		return
	}

	n := msg.Notification
	if n == nil {
		return
	}

	s.mu.Lock()
	cache := s.cache
	switch {
	case n.OnlineUsers != nil:
		s.prunePeerTyping(n.OnlineUsers.UserIds)
	case n.UserTyping != nil:
		s.peerTyping[n.UserTyping.UserId] = true
	case n.UserStopTyping != nil:
		delete(s.peerTyping, n.UserStopTyping.UserId)
	case n.ReceiveMessage != nil:
		// delivery ends the sender's burst
		delete(s.peerTyping, n.ReceiveMessage.Sender.Id)
	}
	s.mu.Unlock()

	switch {
	case n.MessageSent != nil:
		cache.ApplyIncoming(*n.MessageSent)
	case n.ReceiveMessage != nil:
		cache.ApplyIncoming(*n.ReceiveMessage)
	}

	s.changed()
}

// prunePeerTyping forgets typing state of users no longer online. Must be
// called with mu held.
func (s *Session) prunePeerTyping(online []string) {
	for id := range s.peerTyping {
		if !slices.Contains(online, id) {
			delete(s.peerTyping, id)
		}
	}
}

// resync fetches the open conversation again after the connection was
// re-established and merges whatever was missed.
func (s *Session) resync(conn *Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	cache := s.cache
	s.prunePeerTyping(conn.OnlineUsers())
	s.mu.Unlock()

	peer, gen, ok := cache.Current()
	if !ok {
		s.changed()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	history, err := s.api.FetchConversation(ctx, peer)
	if err != nil {
		s.log.Printf("failed to refresh conversation after reconnect: %v", err)
		return
	}
	if cache.Merge(gen, history) {
		s.changed()
	}
}

func (s *Session) loggedIn() (*Conn, *ConversationCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, nil, ErrNotLoggedIn
	}
	return s.conn, s.cache, nil
}

// OpenConversation switches to peerId, loads its history and marks it read.
func (s *Session) OpenConversation(ctx context.Context, peerId string) error {
	conn, cache, err := s.loggedIn()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.typing != nil {
		s.typing.Sent()
	}
	s.typing = NewTypingNotifier(s.cfg.TypingWindow, func(typing bool) {
		msg := &protocol.ClientMessage{}
		if typing {
			msg.Typing = &protocol.Typing{RecipientId: peerId}
		} else {
			msg.StopTyping = &protocol.Typing{RecipientId: peerId}
		}
		if err := conn.Send(msg); err != nil {
			s.log.Printf("failed to send typing state: %v", err)
		}
	})
	s.mu.Unlock()

	gen := cache.Open(peerId)
	s.changed()

	history, err := s.api.FetchConversation(ctx, peerId)
	if err != nil {
		cache.Fail(gen)
		s.changed()
		return err
	}

	if cache.Seed(gen, history) {
		s.changed()
		if _, err := s.api.MarkRead(ctx, peerId); err != nil {
			s.log.Printf("failed to mark conversation read: %v", err)
		}
	}
	return nil
}

func (s *Session) SendMessage(ctx context.Context, content, replyTo string) (*types.Message, error) {
	conn, cache, err := s.loggedIn()
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	peer := cache.Peer()
	if content == "" || peer == "" {
		return nil, types.ErrValidation
	}

	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()
	if typing != nil {
		typing.Sent()
	}

	resp, err := conn.Request(ctx, &protocol.ClientMessage{
		SendMessage: &protocol.SendMessage{
			RecipientId: peer,
			Content:     content,
			ReplyTo:     replyTo,
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.Notification == nil || resp.Notification.MessageSent == nil {
		return nil, fmt.Errorf("%w: unexpected reply to send", types.ErrTransport)
	}

	msg := resp.Notification.MessageSent
	cache.ApplyIncoming(*msg)
	s.changed()

	return msg, nil
}

// DeleteMessage removes the message locally at once and puts it back if the
// server refuses.
func (s *Session) DeleteMessage(ctx context.Context, messageId string) error {
	_, cache, err := s.loggedIn()
	if err != nil {
		return err
	}

	removed, ok := cache.ApplyLocalDelete(messageId)
	if ok {
		s.changed()
	}

	if err := s.api.DeleteMessage(ctx, messageId); err != nil {
		if ok && cache.Restore(removed) {
			s.changed()
		}
		return err
	}
	return nil
}

func (s *Session) Keystroke() {
	s.mu.Lock()
	typing := s.typing
	s.mu.Unlock()

	if typing != nil {
		typing.Keystroke()
	}
}

// PeerTyping reports whether the peer of the open conversation is typing.
func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		return false
	}
	return s.peerTyping[s.cache.Peer()]
}

func (s *Session) Messages() []types.Message {
	_, cache, err := s.loggedIn()
	if err != nil {
		return nil
	}
	return cache.Messages()
}

func (s *Session) ConversationState() CacheState {
	_, cache, err := s.loggedIn()
	if err != nil {
		return Unloaded
	}
	return cache.State()
}

func (s *Session) Peer() string {
	_, cache, err := s.loggedIn()
	if err != nil {
		return ""
	}
	return cache.Peer()
}

func (s *Session) User() *types.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.user
}

func (s *Session) ConnState() ConnState {
	conn, _, err := s.loggedIn()
	if err != nil {
		return Idle
	}
	return conn.State()
}

func (s *Session) IsOnline(userId string) bool {
	conn, _, err := s.loggedIn()
	if err != nil {
		return false
	}
	return conn.IsOnline(userId)
}

func (s *Session) OnlineUsers() []string {
	conn, _, err := s.loggedIn()
	if err != nil {
		return nil
	}
	return conn.OnlineUsers()
}

func (s *Session) Users(ctx context.Context) ([]types.User, error) {
	if _, _, err := s.loggedIn(); err != nil {
		return nil, err
	}
	return s.api.ListUsers(ctx)
}
