package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const appendRetries = 5

// AppendFileVersion inserts the next version of fileName within a
// conversation. The number is 1 + the current maximum, computed in the same
// statement; a concurrent writer claiming the same number trips the unique
// index and the insert is retried.
func (s *Store) AppendFileVersion(ctx context.Context, conversationID uuid.UUID, fileName, content string) (*FileVersion, error) {
	v := FileVersion{ConversationID: conversationID, FileName: fileName, Content: content}

	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		v.ID = uuid.New()
		err = s.pool.QueryRow(ctx, `
			INSERT INTO file_versions (id, conversation_id, file_name, content, version_number, created_at)
			SELECT $1::uuid, $2::uuid, $3::text, $4::text, COALESCE(MAX(version_number), 0) + 1, now()
			FROM file_versions
			WHERE conversation_id = $2::uuid AND file_name = $3::text
			RETURNING version_number, created_at`,
			v.ID, conversationID, fileName, content,
		).Scan(&v.VersionNumber, &v.CreatedAt)
		if err == nil {
			return &v, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("insert file version: %w", err)
		}
	}
	return nil, fmt.Errorf("insert file version after %d attempts: %w", appendRetries, err)
}

// ListFileVersions returns every version of fileName, newest first.
func (s *Store) ListFileVersions(ctx context.Context, conversationID uuid.UUID, fileName string) ([]FileVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, file_name, content, version_number, created_at
		FROM file_versions
		WHERE conversation_id = $1 AND file_name = $2
		ORDER BY version_number DESC`,
		conversationID, fileName,
	)
	if err != nil {
		return nil, fmt.Errorf("list file versions: %w", err)
	}
	defer rows.Close()

	var out []FileVersion
	for rows.Next() {
		var v FileVersion
		if err := rows.Scan(&v.ID, &v.ConversationID, &v.FileName, &v.Content, &v.VersionNumber, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetFileVersion fetches one version by number.
func (s *Store) GetFileVersion(ctx context.Context, conversationID uuid.UUID, fileName string, number int) (*FileVersion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, file_name, content, version_number, created_at
		FROM file_versions
		WHERE conversation_id = $1 AND file_name = $2 AND version_number = $3`,
		conversationID, fileName, number,
	)

	var v FileVersion
	err := row.Scan(&v.ID, &v.ConversationID, &v.FileName, &v.Content, &v.VersionNumber, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get file version: %w", err)
	}
	return &v, nil
}
