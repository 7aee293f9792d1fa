package db

import (
	"context"
	"fmt"

	"github.com/onebullex/risk-engine/pkg/models"
)

// InsertDecision appends one row to the decision log. Multiple rows per
// (user_code, txn_id) are expected on grey paths; readers aggregate by
// decision_source and treat the latest AI-stage row as effective.
func (s *PostgresStore) InsertDecision(ctx context.Context, rec models.DecisionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_withdraw_decision
		 (user_code, txn_id, decision, primary_threat, confidence, narrative, features_snapshot, decision_source, llm_reasoning)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.UserCode, rec.TxnID, rec.Decision, rec.PrimaryThreat, rec.Confidence,
		rec.Narrative, rec.FeaturesSnapshot, rec.DecisionSource, rec.LLMReasoning)
	if err != nil {
		return fmt.Errorf("insert decision: %v", err)
	}
	return nil
}

// RecentDecisions returns the latest decision rows for dashboard queries.
func (s *PostgresStore) RecentDecisions(ctx context.Context, limit int) ([]models.DecisionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_code, COALESCE(txn_id, ''), decision, COALESCE(primary_threat, ''),
		        COALESCE(confidence, 0), COALESCE(narrative, ''), COALESCE(features_snapshot::text, '{}'),
		        decision_source, COALESCE(llm_reasoning, ''), created_at
		 FROM risk_withdraw_decision
		 ORDER BY created_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %v", err)
	}
	defer rows.Close()

	records := make([]models.DecisionRecord, 0, limit)
	for rows.Next() {
		var rec models.DecisionRecord
		if err := rows.Scan(&rec.UserCode, &rec.TxnID, &rec.Decision, &rec.PrimaryThreat,
			&rec.Confidence, &rec.Narrative, &rec.FeaturesSnapshot,
			&rec.DecisionSource, &rec.LLMReasoning, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
