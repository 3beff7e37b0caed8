package chats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNotFound = errors.New("chat not found")

const cacheSize = 256

// Chat is one stored conversation. Messages is kept as raw JSON so the store
// stays agnostic of the message shape.
type Chat struct {
	ID          string          `json:"id"`
	URLID       string          `json:"urlId,omitempty"`
	Description string          `json:"description,omitempty"`
	Messages    json.RawMessage `json:"messages"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Summary is the listing view of a chat.
type Summary struct {
	ID          string    `json:"id"`
	URLID       string    `json:"urlId,omitempty"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store persists chats in Postgres when a DSN is configured and in memory
// otherwise. Reads go through a small LRU that Put and Delete invalidate.
type Store struct {
	db    *sql.DB
	cache *lru.Cache[string, Chat]

	mu   sync.Mutex
	byID map[string]Chat

	schemaOnce sync.Once
	schemaErr  error
}

func New() *Store {
	cache, _ := lru.New[string, Chat](cacheSize)
	return &Store{byID: make(map[string]Chat), cache: cache}
}

func NewPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	cache, err := lru.New[string, Chat](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, cache: cache}, nil
}

func NewFromEnv(dsn string) *Store {
	if strings.TrimSpace(dsn) == "" {
		return New()
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		return New()
	}
	return s
}

func (s *Store) ensureSchema() error {
	if s.db == nil {
		return nil
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS chats (
  id TEXT PRIMARY KEY,
  url_id TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  messages JSONB NOT NULL DEFAULT '[]',
  ts TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_chats_url_id ON chats (url_id);`)
	})
	return s.schemaErr
}

// Put creates or replaces a chat.
func (s *Store) Put(ctx context.Context, chat Chat) error {
	if chat.Timestamp.IsZero() {
		chat.Timestamp = time.Now().UTC()
	}
	if len(chat.Messages) == 0 {
		chat.Messages = json.RawMessage("[]")
	}
	s.cache.Remove(chat.ID)
	if chat.URLID != "" {
		s.cache.Remove(chat.URLID)
	}

	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.byID[chat.ID] = chat
		return nil
	}
	if err := s.ensureSchema(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chats (id, url_id, description, messages, ts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id)
DO UPDATE SET url_id=EXCLUDED.url_id,
  description=EXCLUDED.description,
  messages=EXCLUDED.messages,
  ts=EXCLUDED.ts`,
		chat.ID, chat.URLID, chat.Description, string(chat.Messages), chat.Timestamp)
	return err
}

// Get looks a chat up by id, falling back to url-id.
func (s *Store) Get(ctx context.Context, id string) (Chat, error) {
	if c, ok := s.cache.Get(id); ok {
		return c, nil
	}
	chat, err := s.lookup(ctx, id)
	if err != nil {
		return Chat{}, err
	}
	s.cache.Add(id, chat)
	return chat, nil
}

func (s *Store) lookup(ctx context.Context, id string) (Chat, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.byID[id]; ok {
			return c, nil
		}
		for _, c := range s.byID {
			if c.URLID == id {
				return c, nil
			}
		}
		return Chat{}, ErrNotFound
	}
	if err := s.ensureSchema(); err != nil {
		return Chat{}, err
	}
	var chat Chat
	var messages string
	err := s.db.QueryRowContext(ctx, `
SELECT id, url_id, description, messages, ts FROM chats
WHERE id = $1 OR url_id = $1
LIMIT 1`, id).Scan(&chat.ID, &chat.URLID, &chat.Description, &messages, &chat.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	if err != nil {
		return Chat{}, err
	}
	chat.Messages = json.RawMessage(messages)
	return chat, nil
}

// List returns summaries of all chats, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]Summary, 0, len(s.byID))
		for _, c := range s.byID {
			out = append(out, Summary{ID: c.ID, URLID: c.URLID, Description: c.Description, Timestamp: c.Timestamp})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
		return out, nil
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, url_id, description, ts FROM chats ORDER BY ts DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.URLID, &sm.Description, &sm.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Delete removes a chat by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.cache.Remove(id)
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.byID[id]; ok {
			s.cache.Remove(c.URLID)
			delete(s.byID, id)
			return nil
		}
		return ErrNotFound
	}
	if err := s.ensureSchema(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
