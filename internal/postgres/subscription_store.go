package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// SubscriptionStore implements CRUD access to the subscriptions table.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates a SubscriptionStore backed by the given pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

func (s *SubscriptionStore) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	if !domain.ValidSubscriptionEntityType(string(sub.EntityType)) {
		return fmt.Errorf("%w: unknown entity_type %q", domain.ErrValidation, sub.EntityType)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO subscriptions (entity_type, entity_id, email) VALUES ($1, $2, $3)
		 ON CONFLICT (entity_type, entity_id, email) DO UPDATE SET entity_type = EXCLUDED.entity_type
		 RETURNING id, created_at`,
		string(sub.EntityType), sub.EntityID, sub.Email)
	if err := row.Scan(&sub.ID, &sub.CreatedAt); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) DeleteSubscription(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// EmailsFor returns every subscriber address for the given entity, used by
// the notification dispatcher to enumerate recipients for a run's pipeline,
// template, and test (spec.md §4.7).
func (s *SubscriptionStore) EmailsFor(ctx context.Context, entityType domain.SubscriptionEntityType, entityID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT email FROM subscriptions WHERE entity_type = $1 AND entity_id = $2`,
		string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("list subscription emails: %w", err)
	}
	defer rows.Close()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan subscription email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}
