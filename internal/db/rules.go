package db

import (
	"context"
	"fmt"

	"github.com/onebullex/risk-engine/pkg/models"
)

// LoadActiveRules reads the live ruleset ordered by ascending priority,
// with rule_id as the stable tiebreak.
func (s *PostgresStore) LoadActiveRules(ctx context.Context) ([]models.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT rule_id, rule_name, priority, status, logic_expression, action, COALESCE(narrative, '')
		 FROM risk_rules
		 WHERE status = 'ACTIVE'
		 ORDER BY priority ASC, rule_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("load risk_rules: %v", err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var r models.Rule
		if err := rows.Scan(&r.RuleID, &r.RuleName, &r.Priority, &r.Status,
			&r.LogicExpression, &r.Action, &r.Narrative); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
