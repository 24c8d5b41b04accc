package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// WDLHashStore implements access to wdl_hashes — a content-hash cache keyed
// by WDL storage location, backing the round-trip testable property
// (spec.md §8 property 7).
type WDLHashStore struct {
	pool *pgxpool.Pool
}

// NewWDLHashStore creates a WDLHashStore backed by the given pool.
func NewWDLHashStore(pool *pgxpool.Pool) *WDLHashStore {
	return &WDLHashStore{pool: pool}
}

// Upsert records the content hash last observed at location.
func (s *WDLHashStore) Upsert(ctx context.Context, location, hash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wdl_hashes (location, hash) VALUES ($1, $2)
		 ON CONFLICT (location) DO UPDATE SET hash = EXCLUDED.hash, cached_at = now()`,
		location, hash)
	if err != nil {
		return fmt.Errorf("upsert wdl_hash: %w", err)
	}
	return nil
}

// Get returns the cached hash for location, or nil if never observed.
func (s *WDLHashStore) Get(ctx context.Context, location string) (*domain.WDLHash, error) {
	var h domain.WDLHash
	err := s.pool.QueryRow(ctx,
		`SELECT location, hash, cached_at FROM wdl_hashes WHERE location = $1`, location,
	).Scan(&h.Location, &h.Hash, &h.CachedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get wdl_hash: %w", err)
	}
	return &h, nil
}
