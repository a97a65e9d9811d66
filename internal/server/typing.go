package server

import (
	"fmt"

	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/types"
)

func (cs *ChatServer) NotifyTyping(sender *Client, recipientId string) error {
	return cs.relayTyping(sender, recipientId, true)
}

func (cs *ChatServer) NotifyStopTyping(sender *Client, recipientId string) error {
	return cs.relayTyping(sender, recipientId, false)
}

// relayTyping forwards a typing signal to every connection of the recipient.
// Nothing is stored and an offline recipient simply misses it.
func (cs *ChatServer) relayTyping(sender *Client, recipientId string, typing bool) error {
	if recipientId == "" || recipientId == sender.user.Id {
		return fmt.Errorf("%w: invalid typing recipient", types.ErrValidation)
	}

	msg := protocol.TypingNotification(sender.user.Id, typing)

	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userMap[recipientId] {
		c.queueMessage(msg)
	}

	return nil
}
