package protocol

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-directchat/internal/types"
)

// CloseAuthenticationFailed is the websocket close code sent when a
// connection is refused at admission.
const CloseAuthenticationFailed = 4001

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	SendMessage *SendMessage `json:"send_message,omitempty"`
	Typing      *Typing      `json:"typing,omitempty"`
	StopTyping  *Typing      `json:"stop_typing,omitempty"`
}

type SendMessage struct {
	RecipientId string `json:"recipient_id"`
	Content     string `json:"content"`
	ReplyTo     string `json:"reply_to,omitempty"`
}

type Typing struct {
	RecipientId string `json:"recipient_id"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	OnlineUsers    *OnlineUsers   `json:"online_users,omitempty"`
	MessageSent    *types.Message `json:"message_sent,omitempty"`
	ReceiveMessage *types.Message `json:"receive_message,omitempty"`
	UserTyping     *TypingNotice  `json:"user_typing,omitempty"`
	UserStopTyping *TypingNotice  `json:"user_stop_typing,omitempty"`
}

type OnlineUsers struct {
	UserIds []string `json:"user_ids"`
}

type TypingNotice struct {
	UserId string `json:"user_id"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

// ErrResponse builds the response sent back to the originating connection
// when handling one of its messages failed.
func ErrResponse(id int, err error) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: types.StatusCode(err),
			Error:        err.Error(),
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return ErrResponse(id, types.ErrServiceUnavailable)
}

func OnlineUsersNotification(userIds []string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			OnlineUsers: &OnlineUsers{UserIds: userIds},
		},
	}
}

func MessageSentNotification(id int, msg *types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Id: id, Timestamp: Now()},
		Notification: &Notification{
			MessageSent: msg,
		},
	}
}

func ReceiveMessageNotification(msg *types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			ReceiveMessage: msg,
		},
	}
}

func TypingNotification(userId string, typing bool) *ServerMessage {
	n := &Notification{}
	if typing {
		n.UserTyping = &TypingNotice{UserId: userId}
	} else {
		n.UserStopTyping = &TypingNotice{UserId: userId}
	}

	return &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Notification: n,
	}
}

// ResponseError turns a failed response back into an error of the shared
// taxonomy so clients can match it with errors.Is.
func ResponseError(resp *Response) error {
	if resp == nil || resp.ResponseCode < http.StatusBadRequest {
		return nil
	}

	var base error
	switch resp.ResponseCode {
	case http.StatusBadRequest:
		base = types.ErrValidation
	case http.StatusUnauthorized:
		base = types.ErrAuthentication
	case http.StatusForbidden:
		base = types.ErrAuthorization
	case http.StatusNotFound:
		base = types.ErrNotFound
	case http.StatusServiceUnavailable:
		base = types.ErrServiceUnavailable
	default:
		base = types.ErrPersistence
	}

	if resp.Error == "" || resp.Error == base.Error() {
		return base
	}
	return &responseError{base: base, msg: resp.Error}
}

type responseError struct {
	base error
	msg  string
}

func (e *responseError) Error() string { return e.msg }

func (e *responseError) Unwrap() error { return e.base }

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
