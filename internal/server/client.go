package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client is one live websocket connection. A user may hold several.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *protocol.ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		send:       make(chan *protocol.ServerMessage, sendBufferSize),
		stop:       make(chan struct{}),
	}
}

// User returns the user the connection was admitted for.
func (c *Client) User() types.User {
	return c.user
}

// Run starts the read and write pumps of an admitted connection.
func (c *Client) Run() {
	go c.Write()
	go c.Read()
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.chatServer.Remove(c)
		c.stopClient()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(protocol.ErrInvalidMessage(-1))
			continue
		}

		msg.Timestamp = protocol.Now()
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *protocol.ClientMessage) {
	var err error
	switch {
	case msg.SendMessage != nil:
		_, err = c.chatServer.SendMessage(context.Background(), c, msg)
	case msg.Typing != nil:
		err = c.chatServer.NotifyTyping(c, msg.Typing.RecipientId)
	case msg.StopTyping != nil:
		err = c.chatServer.NotifyStopTyping(c, msg.StopTyping.RecipientId)
	default:
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id))
		return
	}

	if err != nil {
		c.queueMessage(protocol.ErrResponse(msg.Id, err))
	}
}

// queueMessage never blocks. A connection that cannot keep up is stopped.
func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for %q, disconnecting", c.user.Username)
		c.stopClient()
		return false
	}

	return true
}

func serializeMessage(msg *protocol.ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// reject closes a connection that was never admitted. Only valid before the
// pumps start.
func (c *Client) reject(code int, reason string) {
	c.stopClient()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.conn.Close()
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}
