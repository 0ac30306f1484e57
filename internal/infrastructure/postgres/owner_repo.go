package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

// OwnerRepository maps account identifiers to the notification addresses the
// API layer records when a strategy owner opts into alerts.
type OwnerRepository struct {
	pool *pgxpool.Pool
}

func NewOwnerRepository(pool *pgxpool.Pool) *OwnerRepository {
	return &OwnerRepository{pool: pool}
}

func (r *OwnerRepository) FindNotificationEmail(ctx context.Context, owner string) (string, error) {
	var email string
	err := r.pool.QueryRow(ctx,
		`SELECT notification_email FROM owners
		WHERE account = $1 AND notification_email IS NOT NULL`, owner).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.ErrOwnerNotSubscribed
	}
	if err != nil {
		return "", fmt.Errorf("find notification email: %w", err)
	}
	return email, nil
}

func (r *OwnerRepository) Upsert(ctx context.Context, owner string, email *string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO owners (account, notification_email)
		VALUES ($1, $2)
		ON CONFLICT (account) DO UPDATE
		SET notification_email = COALESCE(EXCLUDED.notification_email, owners.notification_email),
		    updated_at = NOW()`, owner, email)
	if err != nil {
		return fmt.Errorf("upsert owner: %w", err)
	}
	return nil
}
