package database

import "context"

// Repository is the durable store consumed by the chat server and the
// HTTP API. Lookups of missing rows return sql.ErrNoRows.
type Repository interface {
	Ping() error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id string) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	ListAccounts(ctx context.Context) ([]User, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetMessageById(ctx context.Context, id string) (Message, error)
	GetConversation(ctx context.Context, userId, peerId string, before int64, limit int) ([]Message, error)
	DeleteMessage(ctx context.Context, id string) error
	MarkConversationRead(ctx context.Context, readerId, peerId string) (int64, error)
}
