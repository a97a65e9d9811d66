package types

import (
	"time"
)

type User struct {
	Id           string    `json:"_id"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar,omitempty"`
	EmailAddress string    `json:"email_address,omitempty"`
	IsOnline     bool      `json:"is_online,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// MessageRef is the reduced form of a message embedded as a reply target.
// Only Id is guaranteed; the rest is empty when the target no longer exists.
type MessageRef struct {
	Id      string `json:"_id"`
	Content string `json:"content,omitempty"`
	Sender  *User  `json:"sender,omitempty"`
}

type Message struct {
	Id        string      `json:"_id"`
	Sender    User        `json:"sender"`
	Recipient User        `json:"recipient"`
	Content   string      `json:"content"`
	ReplyTo   *MessageRef `json:"reply_to,omitempty"`
	Read      bool        `json:"read"`
	CreatedAt time.Time   `json:"created_at"`
}

// Peer returns the id of the participant that is not userId.
func (m *Message) Peer(userId string) string {
	if m.Sender.Id == userId {
		return m.Recipient.Id
	}
	return m.Sender.Id
}

// Involves reports whether userId is the sender or the recipient.
func (m *Message) Involves(userId string) bool {
	return m.Sender.Id == userId || m.Recipient.Id == userId
}
