package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const selectMessage = `SELECT id, chat_id, role, content, attachments, meta, created_at FROM messages`

func scanMessage(row scanner) (*Message, error) {
	var (
		m           Message
		attachments sql.NullString
		meta        sql.NullString
		created     string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &attachments, &meta, &created); err != nil {
		return nil, err
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
		}
	}
	if meta.Valid && meta.String != "" {
		m.Meta = &Meta{}
		if err := json.Unmarshal([]byte(meta.String), m.Meta); err != nil {
			return nil, fmt.Errorf("decode meta of %s: %w", m.ID, err)
		}
	}
	m.CreatedAt, _ = time.Parse(timeFormat, created)
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Messages returns a chat's messages oldest first.
func (s *Store) Messages(ctx context.Context, chatID string) ([]Message, error) {
	msgs, err := s.queryMessages(ctx, selectMessage+` WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("messages of %s: %w", chatID, err)
	}
	return msgs, nil
}

// Message returns one message of a chat.
func (s *Store) Message(ctx context.Context, chatID, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		selectMessage+` WHERE chat_id = ? AND id = ?`, chatID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// CountMessages returns how many messages a chat holds.
func (s *Store) CountMessages(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages of %s: %w", chatID, err)
	}
	return n, nil
}

// AddMessage appends m to its chat, assigning ID and CreatedAt, and
// bumps the chat's updated_at.
func (s *Store) AddMessage(ctx context.Context, m *Message) error {
	attachments, err := marshalNullable(m.Attachments, len(m.Attachments) == 0)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	meta, err := marshalNullable(m.Meta, m.Meta == nil || len(m.Meta.WebSearch) == 0)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	now, ts := s.stamp()
	id := newID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, ts, m.ChatID)
	if err != nil {
		return fmt.Errorf("touch chat %s: %w", m.ChatID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, attachments, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, m.ChatID, m.Role, m.Content, attachments, meta, ts); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("add message: %w", err)
	}

	m.ID = id
	m.CreatedAt = now
	return nil
}

// EditMessage replaces a message's content and deletes every later
// message in the chat. It returns the remaining messages.
func (s *Store) EditMessage(ctx context.Context, chatID, id, content string) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE chat_id = ? AND id = ?`, chatID, id).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("edit message %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET content = ? WHERE seq = ?`, content, seq); err != nil {
		return nil, fmt.Errorf("edit message %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND seq > ?`, chatID, seq); err != nil {
		return nil, fmt.Errorf("truncate after %s: %w", id, err)
	}
	_, ts := s.stamp()
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at = ? WHERE id = ?`, ts, chatID); err != nil {
		return nil, fmt.Errorf("touch chat %s: %w", chatID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return s.Messages(ctx, chatID)
}

// History returns the messages of a chat up to and including the
// message with id upTo. An empty upTo returns everything.
func (s *Store) History(ctx context.Context, chatID, upTo string) ([]Message, error) {
	msgs, err := s.Messages(ctx, chatID)
	if err != nil || upTo == "" {
		return msgs, err
	}
	for i, m := range msgs {
		if m.ID == upTo {
			return msgs[:i+1], nil
		}
	}
	return nil, ErrNotFound
}
