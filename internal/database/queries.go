package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"slices"
	"time"
)

// Placeholders must first appear in ascending order in every query:
// sqlite numbers "$N" parameters by first appearance.
const messageSelect = `
	SELECT m.seq_id, m.id,
		m.sender_id, s.username, s.avatar,
		m.recipient_id, r.username, r.avatar,
		m.content, m.reply_to_id, rm.content, rm.sender_id,
		m.is_read, m.created_at
	FROM messages m
	JOIN accounts s ON s.id = m.sender_id
	JOIN accounts r ON r.id = m.recipient_id
	LEFT JOIN messages rm ON rm.id = m.reply_to_id AND rm.deleted_at IS NULL
		AND ((rm.sender_id = m.sender_id AND rm.recipient_id = m.recipient_id)
			OR (rm.sender_id = m.recipient_id AND rm.recipient_id = m.sender_id))`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg           Message
		replyToId     sql.NullString
		replyContent  sql.NullString
		replySenderId sql.NullString
	)

	err := row.Scan(
		&msg.SeqId,
		&msg.Id,
		&msg.SenderId,
		&msg.SenderUsername,
		&msg.SenderAvatar,
		&msg.RecipientId,
		&msg.RecipientUsername,
		&msg.RecipientAvatar,
		&msg.Content,
		&replyToId,
		&replyContent,
		&replySenderId,
		&msg.IsRead,
		&msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	msg.ReplyToId = replyToId.String
	msg.ReplyContent = replyContent.String
	msg.ReplySenderId = replySenderId.String
	msg.CreatedAt = msg.CreatedAt.UTC()

	return msg, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (db *SQLRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRowContext(ctx,
		"INSERT INTO accounts (id, username, email, password_hash, avatar, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, username, email, avatar",
		params.Id,
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		params.Avatar,
		now,
		now,
	)

	u := User{CreatedAt: now, UpdatedAt: now}
	err := res.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.Avatar,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		return User{}, err
	}

	return u, nil
}

func (db *SQLRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, avatar, created_at, updated_at FROM accounts "+
			"WHERE id = $1 LIMIT 1",
		id,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Avatar,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *SQLRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, avatar, password_hash, created_at, updated_at FROM accounts "+
			"WHERE email = $1 LIMIT 1",
		email,
	)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.Avatar,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	return user, err
}

func (db *SQLRepository) ListAccounts(ctx context.Context) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, username, avatar, created_at, updated_at FROM accounts ORDER BY username",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.Avatar, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (db *SQLRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO messages (id, sender_id, recipient_id, content, reply_to_id, is_read, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq_id",
		params.Id,
		params.SenderId,
		params.RecipientId,
		params.Content,
		nullString(params.ReplyToId),
		false,
		params.CreatedAt,
	)

	msg := Message{
		Id:          params.Id,
		SenderId:    params.SenderId,
		RecipientId: params.RecipientId,
		Content:     params.Content,
		ReplyToId:   params.ReplyToId,
		CreatedAt:   params.CreatedAt,
	}
	if err := row.Scan(&msg.SeqId); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *SQLRepository) GetMessageById(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		messageSelect+" WHERE m.id = $1 AND m.deleted_at IS NULL",
		id,
	)

	return scanMessage(row)
}

// GetConversation returns up to limit messages exchanged between userId and
// peerId with a seq_id below before, oldest first. A non-positive before or
// limit means no bound.
func (db *SQLRepository) GetConversation(ctx context.Context, userId, peerId string, before int64, limit int) ([]Message, error) {
	var upper int64 = math.MaxInt64
	if before > 0 {
		upper = before - 1
	}

	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := db.conn.QueryContext(ctx,
		messageSelect+
			" WHERE ((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))"+
			" AND m.deleted_at IS NULL AND m.seq_id <= $3"+
			" ORDER BY m.seq_id DESC LIMIT $4",
		userId,
		peerId,
		upper,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

// DeleteMessage tombstones a message. Deleting an unknown or already
// deleted message returns sql.ErrNoRows.
func (db *SQLRepository) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET deleted_at = $1 WHERE id = $2 AND deleted_at IS NULL",
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// MarkConversationRead flags every message peerId sent to readerId as read
// and returns how many changed.
func (db *SQLRepository) MarkConversationRead(ctx context.Context, readerId, peerId string) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE "+
			"WHERE recipient_id = $1 AND sender_id = $2 AND is_read = FALSE AND deleted_at IS NULL",
		readerId,
		peerId,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
