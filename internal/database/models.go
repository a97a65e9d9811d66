package database

import "time"

type User struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	Avatar       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	SeqId             int64
	Id                string
	SenderId          string
	SenderUsername    string
	SenderAvatar      string
	RecipientId       string
	RecipientUsername string
	RecipientAvatar   string
	Content           string
	ReplyToId         string
	ReplyContent      string
	ReplySenderId     string
	IsRead            bool
	CreatedAt         time.Time
}

type CreateAccountParams struct {
	Id           string
	Username     string
	EmailAddress string
	PasswordHash string
	Avatar       string
}

type CreateMessageParams struct {
	Id          string
	SenderId    string
	RecipientId string
	Content     string
	ReplyToId   string
	CreatedAt   time.Time
}
