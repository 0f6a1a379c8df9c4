package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/fabrom/internal/credits"
)

// EnsureCredits returns the owner's balance, creating it on first sight and
// applying the periodic top-up when one is due.
func (s *Store) EnsureCredits(ctx context.Context, ownerID string) (credits.Balance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return credits.Balance{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	fresh := credits.New(ownerID, now)
	_, err = tx.Exec(ctx, `
		INSERT INTO user_credits (user_id, credits_remaining, subscription_active, last_reset_date)
		VALUES ($1, $2, false, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		ownerID, fresh.Remaining, fresh.LastReset,
	)
	if err != nil {
		return credits.Balance{}, fmt.Errorf("init credits: %w", err)
	}

	b := credits.Balance{OwnerID: ownerID}
	err = tx.QueryRow(ctx, `
		SELECT credits_remaining, subscription_active, last_reset_date
		FROM user_credits
		WHERE user_id = $1
		FOR UPDATE`,
		ownerID,
	).Scan(&b.Remaining, &b.SubscriptionActive, &b.LastReset)
	if err != nil {
		return credits.Balance{}, fmt.Errorf("read credits: %w", err)
	}

	if refreshed, ok := credits.Refresh(b, now); ok {
		_, err = tx.Exec(ctx, `
			UPDATE user_credits SET credits_remaining = $2, last_reset_date = $3
			WHERE user_id = $1`,
			ownerID, refreshed.Remaining, refreshed.LastReset,
		)
		if err != nil {
			return credits.Balance{}, fmt.Errorf("refresh credits: %w", err)
		}
		b = refreshed
	}

	if err := tx.Commit(ctx); err != nil {
		return credits.Balance{}, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// ConsumeCredit takes exactly one credit, failing with ErrNoCredits rather
// than going negative.
func (s *Store) ConsumeCredit(ctx context.Context, ownerID string) (int, error) {
	var remaining int
	err := s.pool.QueryRow(ctx, `
		UPDATE user_credits SET credits_remaining = credits_remaining - 1
		WHERE user_id = $1 AND credits_remaining > 0
		RETURNING credits_remaining`,
		ownerID,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNoCredits
	}
	if err != nil {
		return 0, fmt.Errorf("consume credit: %w", err)
	}
	return remaining, nil
}
