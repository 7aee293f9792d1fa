package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/onebullex/risk-engine/pkg/models"
)

// rowToBag converts a SELECT * row into a feature bag keyed by column name.
// The feature schema is owned by the upstream streaming job, so the engine
// never enumerates columns.
func rowToBag(rows pgx.Rows) (models.FeatureBag, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	bag := make(models.FeatureBag, len(values))
	for i, fd := range rows.FieldDescriptions() {
		bag[fd.Name] = values[i]
	}
	return bag, nil
}

// FetchRiskFeatures reads the feature row for (user_code, txn_id).
// Returns (nil, nil) when no row exists yet.
func (s *PostgresStore) FetchRiskFeatures(ctx context.Context, userCode, txnID string) (models.FeatureBag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM risk_features WHERE user_code = $1 AND txn_id = $2`,
		userCode, txnID)
	if err != nil {
		return nil, fmt.Errorf("fetch risk_features: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return rowToBag(rows)
}

// LatestRiskFeatures reads the user's most recent feature row, used as the
// fallback when the per-transaction row lost the race against the upstream
// streaming job.
func (s *PostgresStore) LatestRiskFeatures(ctx context.Context, userCode string) (models.FeatureBag, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM risk_features WHERE user_code = $1 ORDER BY update_time DESC LIMIT 1`,
		userCode)
	if err != nil {
		return nil, fmt.Errorf("fetch latest risk_features: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return rowToBag(rows)
}

// UpdateImpossibleTravel patches the derived flag into the feature row.
func (s *PostgresStore) UpdateImpossibleTravel(ctx context.Context, userCode, txnID string, flag bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE risk_features SET is_impossible_travel = $1 WHERE user_code = $2 AND txn_id = $3`,
		flag, userCode, txnID)
	return err
}

// UpdateTimeSinceLogin patches the derived login-gap minutes into the feature row.
func (s *PostgresStore) UpdateTimeSinceLogin(ctx context.Context, userCode, txnID string, minutes int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE risk_features SET time_since_user_login = $1 WHERE user_code = $2 AND txn_id = $3`,
		minutes, userCode, txnID)
	return err
}

// UpdateDestinationAge persists the enriched destination age.
func (s *PostgresStore) UpdateDestinationAge(ctx context.Context, userCode, txnID string, ageHours int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE risk_features SET destination_age_hours = $1 WHERE user_code = $2 AND txn_id = $3`,
		ageHours, userCode, txnID)
	return err
}

// UpdateSanctionStatus persists the sanctions screening outcome.
func (s *PostgresStore) UpdateSanctionStatus(ctx context.Context, userCode, txnID string, sanctioned bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE risk_features SET is_sanctioned = $1 WHERE user_code = $2 AND txn_id = $3`,
		sanctioned, userCode, txnID)
	return err
}
