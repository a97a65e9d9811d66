package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-directchat/internal/database"
	"github.com/npezzotti/go-directchat/internal/protocol"
	"github.com/npezzotti/go-directchat/internal/stats"
	"github.com/npezzotti/go-directchat/internal/types"
)

// persistTimeout bounds store calls made while relaying. It is detached from
// the connection so a closing socket never aborts an accepted write.
const persistTimeout = 5 * time.Second

// SendMessage validates, persists and delivers a direct message. On success
// every connection of the sender receives message_sent and every connection
// of the recipient receives receive_message; on failure nothing is pushed.
func (cs *ChatServer) SendMessage(ctx context.Context, sender *Client, req *protocol.ClientMessage) (*types.Message, error) {
	if req == nil || req.SendMessage == nil {
		return nil, fmt.Errorf("%w: missing send_message", types.ErrValidation)
	}

	sm := req.SendMessage
	content := strings.TrimSpace(sm.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: message content is empty", types.ErrValidation)
	}
	if sm.RecipientId == "" {
		return nil, fmt.Errorf("%w: missing recipient", types.ErrValidation)
	}
	if sm.RecipientId == sender.user.Id {
		return nil, fmt.Errorf("%w: cannot message yourself", types.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	recipient, err := cs.db.GetAccountById(ctx, sm.RecipientId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: recipient %q", types.ErrNotFound, sm.RecipientId)
		}
		cs.log.Println("error loading recipient:", err)
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	replyTo := cs.resolveReply(ctx, sm.ReplyTo, sender.user.Id, recipient.Id)

	lock := cs.conversationLock(sender.user.Id, recipient.Id)
	lock.Lock()
	defer lock.Unlock()

	params := database.CreateMessageParams{
		Id:          uuid.NewString(),
		SenderId:    sender.user.Id,
		RecipientId: recipient.Id,
		Content:     content,
		ReplyToId:   sm.ReplyTo,
		CreatedAt:   lock.stamp(),
	}
	if _, err := cs.db.CreateMessage(ctx, params); err != nil {
		cs.log.Println("error saving message:", err)
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	msg := &types.Message{
		Id:        params.Id,
		Sender:    sender.user,
		Recipient: toUser(recipient),
		Content:   params.Content,
		ReplyTo:   replyTo,
		CreatedAt: params.CreatedAt,
	}

	cs.stats.Incr(stats.NumMessagesRelayed)
	cs.deliver(sender, req.Id, msg)

	return msg, nil
}

// resolveReply embeds the reply target when it belongs to the same
// conversation. A target that cannot be resolved keeps only its id.
func (cs *ChatServer) resolveReply(ctx context.Context, id, a, b string) *types.MessageRef {
	if id == "" {
		return nil
	}

	ref := &types.MessageRef{Id: id}
	target, err := cs.db.GetMessageById(ctx, id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			cs.log.Printf("error resolving reply target %q: %v", id, err)
		}
		return ref
	}

	samePair := (target.SenderId == a && target.RecipientId == b) ||
		(target.SenderId == b && target.RecipientId == a)
	if samePair {
		ref.Content = target.Content
		ref.Sender = &types.User{
			Id:       target.SenderId,
			Username: target.SenderUsername,
			Avatar:   target.SenderAvatar,
		}
	}

	return ref
}

func (cs *ChatServer) deliver(origin *Client, reqId int, msg *types.Message) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userMap[msg.Sender.Id] {
		id := 0
		if c == origin {
			id = reqId
		}
		c.queueMessage(protocol.MessageSentNotification(id, msg))
	}

	received := protocol.ReceiveMessageNotification(msg)
	for c := range cs.userMap[msg.Recipient.Id] {
		c.queueMessage(received)
	}
}

// DeleteMessage removes a message on behalf of its sender. Deletion is not
// pushed to either party.
func (cs *ChatServer) DeleteMessage(ctx context.Context, requesterId, messageId string) error {
	msg, err := cs.db.GetMessageById(ctx, messageId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %q", types.ErrNotFound, messageId)
		}
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	if msg.SenderId != requesterId {
		return fmt.Errorf("%w: only the sender can delete a message", types.ErrAuthorization)
	}

	if err := cs.db.DeleteMessage(ctx, messageId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: message %q", types.ErrNotFound, messageId)
		}
		cs.log.Println("error deleting message:", err)
		return fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}

	return nil
}
