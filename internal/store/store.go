package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrNoCredits is returned by ConsumeCredit when the balance is exhausted.
	ErrNoCredits = errors.New("no credits remaining")
)

// Conversation is the persisted record of one chat session.
type Conversation struct {
	ID           uuid.UUID         `json:"id"`
	OwnerID      string            `json:"owner_id"`
	ProjectLabel string            `json:"project_label"`
	Messages     chat.Transcript   `json:"messages"`
	Files        map[string]string `json:"files"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// FileVersion is an immutable snapshot of one file produced by a turn.
type FileVersion struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	FileName       string    `json:"file_name"`
	Content        string    `json:"content"`
	VersionNumber  int       `json:"version_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the Postgres backend.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
