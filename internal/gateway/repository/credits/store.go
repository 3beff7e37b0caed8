package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrInsufficient means the user has no credits left (or no account).
var ErrInsufficient = errors.New("insufficient credits")

// Account is one user's credit balance.
type Account struct {
	Credits int
	Usage   int
}

// Store tracks per-user credit consumption. With a DSN it runs on Postgres;
// without one it keeps accounts in memory, which is enough for local
// development and tests.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	byUser map[string]*Account

	schemaOnce sync.Once
	schemaErr  error
}

func New() *Store {
	return &Store{byUser: make(map[string]*Account)}
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
	return &Store{db: db}, nil
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
CREATE TABLE IF NOT EXISTS credits (
  user_id TEXT PRIMARY KEY,
  credits INTEGER NOT NULL DEFAULT 0,
  usage INTEGER NOT NULL DEFAULT 0
);`)
	})
	return s.schemaErr
}

// Grant sets a user's credit allowance, creating the account if needed.
func (s *Store) Grant(ctx context.Context, userID string, amount int) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		acct, ok := s.byUser[userID]
		if !ok {
			acct = &Account{}
			s.byUser[userID] = acct
		}
		acct.Credits = amount
		return nil
	}
	if err := s.ensureSchema(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credits (user_id, credits) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET credits = EXCLUDED.credits`, userID, amount)
	return err
}

// Consume atomically charges one credit: usage is incremented only while
// credits - usage > 0. A user with nothing left (or no account) gets
// ErrInsufficient and no state change.
func (s *Store) Consume(ctx context.Context, userID string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		acct, ok := s.byUser[userID]
		if !ok || acct.Credits-acct.Usage <= 0 {
			return ErrInsufficient
		}
		acct.Usage++
		return nil
	}
	if err := s.ensureSchema(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE credits SET usage = usage + 1
WHERE user_id = $1 AND credits - usage > 0`, userID)
	if err != nil {
		return fmt.Errorf("consume credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsufficient
	}
	return nil
}

// Balance reports a user's account.
func (s *Store) Balance(ctx context.Context, userID string) (Account, bool) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		acct, ok := s.byUser[userID]
		if !ok {
			return Account{}, false
		}
		return *acct, true
	}
	if err := s.ensureSchema(); err != nil {
		return Account{}, false
	}
	var acct Account
	err := s.db.QueryRowContext(ctx,
		`SELECT credits, usage FROM credits WHERE user_id = $1`, userID).
		Scan(&acct.Credits, &acct.Usage)
	if err != nil {
		return Account{}, false
	}
	return acct, true
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
