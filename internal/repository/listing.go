package repository

import (
	"context"
	"fmt"

	"steammarket/parser/internal/domain"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createListingsTable = `
CREATE TABLE IF NOT EXISTS market_listings (
	app_id      TEXT NOT NULL,
	hash_name   TEXT NOT NULL,
	item_nameid TEXT,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (app_id, hash_name)
)`

type ListingRepository interface {
	SaveListing(ctx context.Context, appID string, rec domain.EnrichedRecord) error
}

type listingRepository struct {
	db *pgxpool.Pool
}

func NewListingRepository(db *pgxpool.Pool) ListingRepository {
	return &listingRepository{
		db: db,
	}
}

// EnsureSchema creates the listings table when missing.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, createListingsTable); err != nil {
		return fmt.Errorf("failed to create market_listings table: %w", err)
	}
	return nil
}

// SaveListing upserts rec. A known id is never overwritten by a nil one.
func (r *listingRepository) SaveListing(ctx context.Context, appID string, rec domain.EnrichedRecord) error {
	query := `
	INSERT INTO market_listings (app_id, hash_name, item_nameid)
	VALUES ($1, $2, $3)
	ON CONFLICT (app_id, hash_name)
	DO UPDATE SET item_nameid = COALESCE(EXCLUDED.item_nameid, market_listings.item_nameid), updated_at = now()`
	_, err := r.db.Exec(ctx, query, appID, rec.DisplayName, rec.InternalID)
	if err != nil {
		return fmt.Errorf("failed to save listing %q: %w", rec.DisplayName, err)
	}

	return nil
}
