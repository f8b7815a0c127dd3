// Package memory keeps long-term facts about the user in SQLite and
// retrieves the ones relevant to a turn by embedding similarity.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nugget/mandarin/internal/embeddings"
)

// ErrNotFound is returned when a memory id does not exist.
var ErrNotFound = errors.New("memory not found")

// Memory is one stored fact.
type Memory struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is a memory returned by a similarity query.
type Hit struct {
	Memory
	Score float32 `json:"score"`
}

// Store persists memories and their embeddings.
type Store struct {
	db       *sql.DB
	embedder embeddings.Embedder
	logger   *slog.Logger
}

// NewStore creates a memory store on db, running migrations on first use.
// A nil embedder disables similarity queries; memories are still stored
// and Recent keeps working.
func NewStore(db *sql.DB, embedder embeddings.Embedder, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, embedder: embedder, logger: logger.With("component", "memory")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL,
			tags       TEXT NOT NULL DEFAULT '[]',
			embedding  BLOB,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`)
	return err
}

// Searchable reports whether similarity queries are available.
func (s *Store) Searchable() bool { return s.embedder != nil }

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const selectMemory = `SELECT id, content, tags, created_at FROM memories`

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*Memory, error) {
	var (
		m       Memory
		tags    string
		created string
	)
	if err := row.Scan(&m.ID, &m.Content, &tags, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil || m.Tags == nil {
		m.Tags = []string{}
	}
	m.CreatedAt, _ = time.Parse(timeFormat, created)
	return &m, nil
}

func (s *Store) queryMemories(ctx context.Context, query string, args ...any) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// List returns memories newest first. A non-empty tag keeps only
// memories carrying that tag.
func (s *Store) List(ctx context.Context, tag string) ([]Memory, error) {
	all, err := s.queryMemories(ctx, selectMemory+` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	if tag == "" {
		return all, nil
	}
	out := []Memory{}
	for _, m := range all {
		if slices.Contains(m.Tags, tag) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Recent returns the n newest memories.
func (s *Store) Recent(ctx context.Context, n int) ([]Memory, error) {
	mems, err := s.queryMemories(ctx, selectMemory+` ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	return mems, nil
}

// Get returns one memory.
func (s *Store) Get(ctx context.Context, id int64) (*Memory, error) {
	m, err := scanMemory(s.db.QueryRowContext(ctx, selectMemory+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %d: %w", id, err)
	}
	return m, nil
}

// embed returns the stored form of content's embedding, or nil when
// embedding is disabled or fails. A missing vector only removes the
// memory from similarity results until Reindex runs.
func (s *Store) embed(ctx context.Context, content string) []byte {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.logger.Warn("memory embedding failed", "error", err)
		return nil
	}
	return embeddings.Encode(vec)
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

// Create stores a new memory and indexes it.
func (s *Store) Create(ctx context.Context, content string, tags []string) (*Memory, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (content, tags, embedding, created_at) VALUES (?, ?, ?, ?)`,
		content, encodeTags(tags), s.embed(ctx, content), now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("create memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create memory: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	s.logger.Debug("memory stored", "id", id)
	return &Memory{ID: id, Content: content, Tags: tags, CreatedAt: now}, nil
}

// Update changes a memory's content, tags, or both. Nil arguments leave
// the field alone. New content is re-indexed.
func (s *Store) Update(ctx context.Context, id int64, content *string, tags []string) (*Memory, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if content != nil {
		m.Content = *content
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET content = ?, embedding = ? WHERE id = ?`,
			m.Content, s.embed(ctx, m.Content), id); err != nil {
			return nil, fmt.Errorf("update memory %d: %w", id, err)
		}
	}
	if tags != nil {
		m.Tags = tags
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET tags = ? WHERE id = ?`, encodeTags(tags), id); err != nil {
			return nil, fmt.Errorf("update memory %d: %w", id, err)
		}
	}
	return m, nil
}

// Delete removes a memory.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns up to topK memories whose cosine similarity to text is
// at least minSim, best first. It returns nothing when embeddings are
// disabled.
func (s *Store) Query(ctx context.Context, text string, topK int, minSim float32) ([]Hit, error) {
	if s.embedder == nil || topK <= 0 {
		return nil, nil
	}
	qvec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, tags, created_at, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var (
		mems    []Memory
		vectors [][]float32
	)
	for rows.Next() {
		var (
			m       Memory
			tags    string
			created string
			blob    []byte
		)
		if err := rows.Scan(&m.ID, &m.Content, &tags, &created, &blob); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if json.Unmarshal([]byte(tags), &m.Tags) != nil || m.Tags == nil {
			m.Tags = []string{}
		}
		m.CreatedAt, _ = time.Parse(timeFormat, created)
		mems = append(mems, m)
		vectors = append(vectors, embeddings.Decode(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	scored := embeddings.TopK(qvec, vectors, topK, minSim)
	hits := make([]Hit, 0, len(scored))
	for _, sc := range scored {
		hits = append(hits, Hit{Memory: mems[sc.Index], Score: sc.Score})
	}
	return hits, nil
}

// Reindex embeds every memory that has no stored vector, or every
// memory when all is set (after switching embedding models). It
// returns the number of memories indexed.
func (s *Store) Reindex(ctx context.Context, all bool) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	query := selectMemory + ` WHERE embedding IS NULL`
	if all {
		query = selectMemory
	}
	mems, err := s.queryMemories(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reindex: %w", err)
	}

	n := 0
	for _, m := range mems {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		blob := s.embed(ctx, m.Content)
		if blob == nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE memories SET embedding = ? WHERE id = ?`, blob, m.ID); err != nil {
			return n, fmt.Errorf("reindex memory %d: %w", m.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("memories indexed", "count", n, "total", len(mems))
	}
	return n, nil
}
