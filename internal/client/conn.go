package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/types"
)

const (
	writeWait        = 10 * time.Second
	readWait         = 70 * time.Second
	admissionTimeout = 10 * time.Second
	framesBufferSize = 256
)

type ConnState int

const (
	Idle ConnState = iota
	Connecting
	Open
	Reconnecting
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Backoff controls the delays between reconnect attempts. The delay starts
// at Initial and doubles after every failure up to Max.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

var DefaultBackoff = Backoff{
	Initial:  500 * time.Millisecond,
	Max:      30 * time.Second,
	Attempts: 8,
}

func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if d > b.Max {
		return b.Max
	}
	return d
}

type ConnOptions struct {
	Dialer        *websocket.Dialer
	Backoff       Backoff
	Logger        *log.Logger
	OnStateChange func(ConnState)
}

// Conn owns the websocket to the relay server. It tracks presence from
// online_users pushes, correlates responses with requests by id and
// reconnects with backoff when the transport drops.
type Conn struct {
	url     string
	dialer  *websocket.Dialer
	backoff Backoff
	log     *log.Logger
	notify  func(ConnState)

	mu      sync.Mutex
	state   ConnState
	ws      *websocket.Conn
	token   string
	online  map[string]struct{}
	nextId  int
	pending map[int]chan *protocol.ServerMessage
	cancel  context.CancelFunc
	err     error
	epoch   uint64

	writeMu sync.Mutex
	frames  chan *protocol.ServerMessage
	wg      sync.WaitGroup
}

func NewConn(url string, opts ConnOptions) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Conn{
		url:     url,
		dialer:  opts.Dialer,
		backoff: opts.Backoff,
		log:     opts.Logger,
		notify:  opts.OnStateChange,
		online:  make(map[string]struct{}),
		pending: make(map[int]chan *protocol.ServerMessage),
		frames:  make(chan *protocol.ServerMessage, framesBufferSize),
	}
}

// Frames delivers every pushed frame that is not the answer to a Request.
func (c *Conn) Frames() <-chan *protocol.ServerMessage {
	return c.frames
}

// Connect dials the server with token and returns once the server has
// admitted the connection, which it signals with the first online_users
// push. A 4001 close yields ErrAuthentication.
func (c *Conn) Connect(ctx context.Context, token string) error {
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()

	c.mu.Lock()
	if c.state != Idle && c.state != Closed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connection is %s", state)
	}
	c.epoch++
	epoch := c.epoch
	c.token = token
	c.err = nil
	c.cancel = dialCancel
	c.state = Connecting
	c.mu.Unlock()
	if c.notify != nil {
		c.notify(Connecting)
	}

	ws, err := c.dial(dialCtx)
	if err != nil {
		c.mu.Lock()
		superseded := c.epoch != epoch
		if !superseded {
			c.err = err
			c.cancel = nil
		}
		c.mu.Unlock()
		if !superseded {
			c.setState(Closed)
		}
		return err
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.epoch != epoch {
		// Disconnect ran while dialing
		if c.state != Open {
			c.online = make(map[string]struct{})
		}
		c.mu.Unlock()
		cancel()
		ws.Close()
		return fmt.Errorf("%w: disconnected while connecting", types.ErrTransport)
	}
	c.ws = ws
	c.cancel = cancel
	c.state = Open
	c.wg.Add(1)
	c.mu.Unlock()

	if c.notify != nil {
		c.notify(Open)
	}
	go c.run(lifeCtx, ws)

	return nil
}

// dial opens a websocket and waits for admission.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, types.ErrAuthentication
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	ws.SetReadDeadline(time.Now().Add(admissionTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		if websocket.IsCloseError(err, protocol.CloseAuthenticationFailed) {
			return nil, types.ErrAuthentication
		}
		return nil, fmt.Errorf("%w: %v", types.ErrTransport, err)
	}

	var msg protocol.ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Notification == nil || msg.Notification.OnlineUsers == nil {
		ws.Close()
		return nil, fmt.Errorf("%w: unexpected first frame", types.ErrTransport)
	}
	c.setOnline(msg.Notification.OnlineUsers.UserIds)

	ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	return ws, nil
}

func (c *Conn) run(ctx context.Context, ws *websocket.Conn) {
	defer c.wg.Done()

	for {
		err := c.readLoop(ctx, ws)
		ws.Close()
		if ctx.Err() != nil {
			return
		}

		c.failPending()
		if websocket.IsCloseError(err, protocol.CloseAuthenticationFailed) {
			c.terminate(types.ErrAuthentication)
			return
		}

		c.log.Printf("connection lost: %v", err)
		c.setState(Reconnecting)

		ws, err = c.reconnect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.terminate(err)
			}
			return
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()
		c.setState(Open)
	}
}

func (c *Conn) reconnect(ctx context.Context) (*websocket.Conn, error) {
	delay := c.backoff.Initial
	for attempt := 1; attempt <= c.backoff.Attempts; attempt++ {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		ws, err := c.dial(ctx)
		if err == nil {
			return ws, nil
		}
		if errors.Is(err, types.ErrAuthentication) {
			return nil, err
		}

		c.log.Printf("reconnect attempt %d failed: %v", attempt, err)
		delay = c.backoff.next(delay)
	}

	return nil, fmt.Errorf("%w: gave up after %d reconnect attempts", types.ErrTransport, c.backoff.Attempts)
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Printf("discarding malformed frame: %v", err)
			continue
		}

		c.dispatch(ctx, &msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg *protocol.ServerMessage) {
	if msg.Notification != nil && msg.Notification.OnlineUsers != nil {
		c.setOnline(msg.Notification.OnlineUsers.UserIds)
	}

	if msg.Id > 0 {
		c.mu.Lock()
		waiter, ok := c.pending[msg.Id]
		delete(c.pending, msg.Id)
		c.mu.Unlock()

		if ok {
			waiter <- msg
			return
		}
	}

	select {
	case c.frames <- msg:
	case <-ctx.Done():
	}
}

// Send writes msg without waiting for an answer.
func (c *Conn) Send(msg *protocol.ClientMessage) error {
	c.mu.Lock()
	ws, state := c.ws, c.state
	c.mu.Unlock()

	if state != Open || ws == nil {
		return fmt.Errorf("%w: connection is %s", types.ErrTransport, state)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = protocol.Now()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransport, err)
	}
	return nil
}

// Request sends msg under a fresh id and waits for the frame the server
// tags with the same id. An error response is returned as an error of the
// shared taxonomy.
func (c *Conn) Request(ctx context.Context, msg *protocol.ClientMessage) (*protocol.ServerMessage, error) {
	waiter := make(chan *protocol.ServerMessage, 1)

	c.mu.Lock()
	c.nextId++
	id := c.nextId
	c.pending[id] = waiter
	c.mu.Unlock()

	msg.Id = id
	if err := c.Send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-waiter:
		if resp == nil {
			return nil, fmt.Errorf("%w: connection lost before reply", types.ErrTransport)
		}
		if err := protocol.ResponseError(resp.Response); err != nil {
			return nil, err
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Disconnect closes the connection and stops any reconnect in progress.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == Idle || c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.epoch++
	cancel, ws := c.cancel, c.ws
	c.ws = nil
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		ws.Close()
	}

	c.wg.Wait()
	c.failPending()
	c.setOnline(nil)
	c.setState(Closed)
}

func (c *Conn) terminate(err error) {
	c.mu.Lock()
	c.err = err
	c.ws = nil
	c.mu.Unlock()

	c.log.Printf("connection closed: %v", err)
	c.setOnline(nil)
	c.setState(Closed)
}

// failPending wakes every outstanding Request with a transport failure.
func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, waiter := range c.pending {
		waiter <- nil
		delete(c.pending, id)
	}
}

func (c *Conn) setOnline(userIds []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.online = make(map[string]struct{}, len(userIds))
	for _, id := range userIds {
		c.online[id] = struct{}{}
	}
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.notify != nil {
		c.notify(s)
	}
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Err returns why the connection ended up Closed, if it did on its own.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *Conn) IsOnline(userId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.online[userId]
	return ok
}

func (c *Conn) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.online))
	for id := range c.online {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
