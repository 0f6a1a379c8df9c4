package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/fabrom/internal/chat"
)

// CreateConversation inserts c, assigning its ID and timestamps.
func (s *Store) CreateConversation(ctx context.Context, c *Conversation) error {
	messages, files, err := encodeConversation(c)
	if err != nil {
		return err
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, owner_id, project_label, messages, files, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`,
		c.ID, c.OwnerID, c.ProjectLabel, messages, files, now,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// UpdateConversation overwrites the messages, file snapshot and label of an
// existing conversation.
func (s *Store) UpdateConversation(ctx context.Context, c *Conversation) error {
	messages, files, err := encodeConversation(c)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET project_label = $2, messages = $3, files = $4, updated_at = $5
		WHERE id = $1`,
		c.ID, c.ProjectLabel, messages, files, now,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}

// GetConversation fetches a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, project_label, messages, files, created_at, updated_at
		FROM conversations
		WHERE id = $1`,
		id,
	)

	var (
		c        Conversation
		messages []byte
		files    []byte
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.ProjectLabel, &messages, &files, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	if err := json.Unmarshal(messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	if err := json.Unmarshal(files, &c.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return &c, nil
}

func encodeConversation(c *Conversation) ([]byte, []byte, error) {
	msgs := c.Messages
	if msgs == nil {
		msgs = chat.Transcript{}
	}
	messages, err := json.Marshal(msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode messages: %w", err)
	}
	fs := c.Files
	if fs == nil {
		fs = map[string]string{}
	}
	files, err := json.Marshal(fs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode files: %w", err)
	}
	return messages, files, nil
}
