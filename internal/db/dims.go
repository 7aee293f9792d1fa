package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onebullex/risk-engine/pkg/models"
)

// Enrichment dimension access for the async worker. Both tables are keyed
// by (chain, destination_address) and upsert-only.

// SanctionsDim reads the sanctions dimension row, or nil when absent.
func (s *PostgresStore) SanctionsDim(ctx context.Context, chain, address string) (*models.SanctionsDim, error) {
	var dim models.SanctionsDim
	var lastErr *string
	err := s.pool.QueryRow(ctx,
		`SELECT chain, destination_address, is_sanctioned, sanctions_status, last_checked_at, last_error
		 FROM dim_sanctions_address
		 WHERE chain = $1 AND destination_address = $2`,
		chain, address).Scan(&dim.Chain, &dim.Address, &dim.IsSanctioned, &dim.Status, &dim.LastCheckedAt, &lastErr)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dim_sanctions_address: %v", err)
	}
	if lastErr != nil {
		dim.LastError = *lastErr
	}
	return &dim, nil
}

// UpsertSanctionsDim writes the outcome of a sanctions check. On ERROR the
// caller passes the previous is_sanctioned value so it is preserved.
func (s *PostgresStore) UpsertSanctionsDim(ctx context.Context, chain, address string, sanctioned bool, status, lastError string) error {
	var errVal *string
	if lastError != "" {
		errVal = &lastError
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dim_sanctions_address
		 (chain, destination_address, is_sanctioned, sanctions_status, last_checked_at, last_error)
		 VALUES ($1, $2, $3, $4, now(), $5)
		 ON CONFLICT (chain, destination_address)
		 DO UPDATE SET
		     is_sanctioned    = EXCLUDED.is_sanctioned,
		     sanctions_status = EXCLUDED.sanctions_status,
		     last_checked_at  = EXCLUDED.last_checked_at,
		     last_error       = EXCLUDED.last_error`,
		chain, address, sanctioned, status, errVal)
	if err != nil {
		return fmt.Errorf("upsert dim_sanctions_address: %v", err)
	}
	return nil
}

// AgeDim reads the destination-age dimension row, or nil when absent.
func (s *PostgresStore) AgeDim(ctx context.Context, chain, address string) (*models.AgeDim, error) {
	var dim models.AgeDim
	var lastErr *string
	err := s.pool.QueryRow(ctx,
		`SELECT chain, destination_address, destination_age_hours, age_status, first_seen_at, last_checked_at, last_error
		 FROM dim_destination_age
		 WHERE chain = $1 AND destination_address = $2`,
		chain, address).Scan(&dim.Chain, &dim.Address, &dim.AgeHours, &dim.Status, &dim.FirstSeenAt, &dim.LastCheckedAt, &lastErr)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dim_destination_age: %v", err)
	}
	if lastErr != nil {
		dim.LastError = *lastErr
	}
	return &dim, nil
}

// UpsertAgeDim writes the outcome of an age check. first_seen_at is
// write-once: the COALESCE keeps the existing value over any later one.
func (s *PostgresStore) UpsertAgeDim(ctx context.Context, chain, address string, ageHours *float64, status string, firstSeen *time.Time, lastError string) error {
	var errVal *string
	if lastError != "" {
		errVal = &lastError
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dim_destination_age
		 (chain, destination_address, destination_age_hours, age_status, first_seen_at, last_checked_at, last_error)
		 VALUES ($1, $2, $3, $4, $5, now(), $6)
		 ON CONFLICT (chain, destination_address)
		 DO UPDATE SET
		     destination_age_hours = EXCLUDED.destination_age_hours,
		     age_status            = EXCLUDED.age_status,
		     first_seen_at         = COALESCE(dim_destination_age.first_seen_at, EXCLUDED.first_seen_at),
		     last_checked_at       = EXCLUDED.last_checked_at,
		     last_error            = EXCLUDED.last_error`,
		chain, address, ageHours, status, firstSeen, errVal)
	if err != nil {
		return fmt.Errorf("upsert dim_destination_age: %v", err)
	}
	return nil
}
