package rules

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/onebullex/risk-engine/pkg/models"
)

// Dynamic rule engine.
//
// Rules live in risk_rules and are cached in-process for a TTL (default 5
// minutes). Each rule carries a boolean logic_expression over feature
// names. Expressions are untrusted: they are compiled with CEL into a
// cost-limited program with no host capabilities — identifiers, literals,
// arithmetic, comparisons and boolean connectives only. A rule whose
// expression fails to compile or evaluate is skipped, never terminal.
//
// Evaluation is first-match-wins in the stored order (priority ascending,
// rule_id tiebreak, enforced by the loader's ORDER BY).

// Loader fetches the live ruleset from storage.
type Loader interface {
	LoadActiveRules(ctx context.Context) ([]models.Rule, error)
}

// Engine caches rules and evaluates them against feature bags.
type Engine struct {
	loader Loader
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    []models.Rule
	hasCache  bool
	fetchedAt time.Time

	progMu   sync.RWMutex
	programs map[string]cel.Program
}

func NewEngine(loader Loader, ttl time.Duration) *Engine {
	return &Engine{
		loader:   loader,
		ttl:      ttl,
		now:      time.Now,
		programs: make(map[string]cel.Program),
	}
}

// Rules returns the cached ruleset, refreshing it when the TTL has lapsed.
// On refresh failure the previous cache is served; with no cache at all the
// engine behaves as if no rules are defined.
func (e *Engine) Rules(ctx context.Context) []models.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasCache && e.now().Sub(e.fetchedAt) < e.ttl {
		return e.cached
	}

	rules, err := e.loader.LoadActiveRules(ctx)
	if err != nil {
		log.Printf("[Rules] Failed to load rules, serving cached set: %v", err)
		if e.hasCache {
			return e.cached
		}
		return nil
	}

	e.cached = rules
	e.hasCache = true
	e.fetchedAt = e.now()
	log.Printf("[Rules] Loaded %d active rules", len(rules))
	return e.cached
}

// Evaluate runs the cached rules against the feature bag and returns the
// first hit, or nil when no rule matches.
func (e *Engine) Evaluate(ctx context.Context, features models.FeatureBag) *models.RuleHit {
	for _, rule := range e.Rules(ctx) {
		matched, err := e.evalExpression(rule.LogicExpression, features)
		if err != nil {
			log.Printf("[Rules] Skipping rule %d (%s): %v", rule.RuleID, rule.RuleName, err)
			continue
		}
		if !matched {
			continue
		}
		log.Printf("[Rules] Rule HIT: %s", rule.RuleName)
		return &models.RuleHit{
			Verdict: models.Verdict{
				Decision:      rule.Action,
				PrimaryThreat: "RULE_HIT",
				RiskScore:     100,
				Narrative:     fmt.Sprintf("[Rule #%d] %s", rule.RuleID, rule.Narrative),
			},
			RuleID:   rule.RuleID,
			RuleName: rule.RuleName,
		}
	}
	return nil
}

// evalExpression compiles (with caching) and runs one expression. Every
// feature name binds to its value, with nil mapped to 0. An identifier the
// bag does not carry fails compilation and skips the rule.
func (e *Engine) evalExpression(expr string, features models.FeatureBag) (bool, error) {
	normalized := NormalizeExpression(expr)

	prg, err := e.compile(normalized, features)
	if err != nil {
		return false, err
	}

	activation := make(map[string]any, len(features))
	for k, v := range features {
		if v == nil {
			activation[k] = 0
		} else {
			activation[k] = v
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("eval: %v", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression result is %T, not bool", out.Value())
	}
	return result, nil
}

func (e *Engine) compile(expr string, features models.FeatureBag) (cel.Program, error) {
	e.progMu.RLock()
	prg, hit := e.programs[expr]
	e.progMu.RUnlock()
	if hit {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(features))
	for name := range features {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("env: %v", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %v", issues.Err())
	}
	prg, err = env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %v", err)
	}

	e.progMu.Lock()
	e.programs[expr] = prg
	e.progMu.Unlock()
	return prg, nil
}
