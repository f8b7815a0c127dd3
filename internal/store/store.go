// Package store persists chats and their messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mandarin/internal/llm"
)

// ErrNotFound is returned when a chat or message does not exist.
var ErrNotFound = errors.New("not found")

// DefaultTitle is the title of a chat that has not been named yet.
const DefaultTitle = "New chat"

// MaxTitleRunes bounds stored chat titles.
const MaxTitleRunes = 80

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Chat is one conversation.
type Chat struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ContextIDs       []string  `json:"context_ids"`
	WebSearchEnabled bool      `json:"web_search_enabled"`
	WebSearchMode    string    `json:"web_search_mode,omitempty"`
}

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentText  = "text"
)

// Attachment is a file sent with a user message. Images keep their bytes
// base64 encoded; documents keep the extracted text.
type Attachment struct {
	Type          string `json:"type"`
	Filename      string `json:"filename"`
	MIMEType      string `json:"mime_type,omitempty"`
	ExtractedText string `json:"extracted_text,omitempty"`
	ImageData     string `json:"image_data,omitempty"`
}

// Meta is extra data stored with an assistant message.
type Meta struct {
	WebSearch []llm.WebSearchMeta `json:"web_search,omitempty"`
}

// Message is one stored turn.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Meta        *Meta        `json:"meta,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Store is a SQLite-backed chat store. All methods are safe for
// concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a chat store on db, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate chats: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id                 TEXT PRIMARY KEY,
			title              TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,
			context_ids        TEXT NOT NULL DEFAULT '[]',
			web_search_enabled INTEGER NOT NULL DEFAULT 0,
			web_search_mode    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			attachments TEXT,
			meta        TEXT,
			created_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
	`)
	return err
}

func (s *Store) stamp() (time.Time, string) {
	t := s.now().UTC()
	return t, t.Format(timeFormat)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// marshalNullable stores empty values as NULL.
func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func encodeIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// ChatOptions are the fields a new chat may start with.
type ChatOptions struct {
	ContextIDs       []string
	WebSearchEnabled bool
	WebSearchMode    string
}

// CreateChat inserts an untitled chat.
func (s *Store) CreateChat(ctx context.Context, opts ChatOptions) (*Chat, error) {
	now, ts := s.stamp()
	c := &Chat{
		ID:               newID(),
		Title:            DefaultTitle,
		CreatedAt:        now,
		UpdatedAt:        now,
		ContextIDs:       opts.ContextIDs,
		WebSearchEnabled: opts.WebSearchEnabled,
		WebSearchMode:    opts.WebSearchMode,
	}
	if c.ContextIDs == nil {
		c.ContextIDs = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, title, created_at, updated_at, context_ids, web_search_enabled, web_search_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, ts, ts, encodeIDs(c.ContextIDs), c.WebSearchEnabled, c.WebSearchMode)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return c, nil
}

const selectChat = `SELECT id, title, created_at, updated_at, context_ids, web_search_enabled, web_search_mode FROM chats`

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (*Chat, error) {
	var (
		c                Chat
		created, updated string
		ctxIDs           string
	)
	if err := row.Scan(&c.ID, &c.Title, &created, &updated, &ctxIDs, &c.WebSearchEnabled, &c.WebSearchMode); err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(timeFormat, created)
	c.UpdatedAt, _ = time.Parse(timeFormat, updated)
	if json.Unmarshal([]byte(ctxIDs), &c.ContextIDs) != nil || c.ContextIDs == nil {
		c.ContextIDs = []string{}
	}
	return &c, nil
}

// ListChats returns every chat, most recently updated first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, selectChat+` ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns one chat.
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx, selectChat+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	return c, nil
}

// ChatUpdate holds optional chat changes. Nil fields are left alone.
type ChatUpdate struct {
	Title            *string
	ContextIDs       *[]string
	WebSearchEnabled *bool
	WebSearchMode    *string
}

// UpdateChat applies u and bumps updated_at. A blank title keeps the
// current one; longer titles are cut to MaxTitleRunes.
func (s *Store) UpdateChat(ctx context.Context, id string, u ChatUpdate) (*Chat, error) {
	c, err := s.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		if t := ClampTitle(*u.Title); t != "" {
			c.Title = t
		}
	}
	if u.ContextIDs != nil {
		c.ContextIDs = *u.ContextIDs
		if c.ContextIDs == nil {
			c.ContextIDs = []string{}
		}
	}
	if u.WebSearchEnabled != nil {
		c.WebSearchEnabled = *u.WebSearchEnabled
	}
	if u.WebSearchMode != nil {
		c.WebSearchMode = *u.WebSearchMode
	}

	now, ts := s.stamp()
	c.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, context_ids = ?, web_search_enabled = ?, web_search_mode = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, encodeIDs(c.ContextIDs), c.WebSearchEnabled, c.WebSearchMode, ts, id)
	if err != nil {
		return nil, fmt.Errorf("update chat %s: %w", id, err)
	}
	return c, nil
}

// ClampTitle trims t and cuts it to MaxTitleRunes.
func ClampTitle(t string) string {
	r := []rune(strings.TrimSpace(t))
	if len(r) > MaxTitleRunes {
		r = r[:MaxTitleRunes]
	}
	return strings.TrimSpace(string(r))
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete chat %s messages: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}
