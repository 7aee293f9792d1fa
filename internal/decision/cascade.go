package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/onebullex/risk-engine/internal/notify"
	"github.com/onebullex/risk-engine/pkg/models"
)

// The decision cascade. Stages run in a fixed order; the first terminal
// verdict wins and is returned to the caller. Failures inside a non-terminal
// stage are logged and the cascade continues: enrichment and derived
// features are best-effort, only terminal verdicts halt the pipeline.
//
//	1. user allow-list            -> PASS
//	2. address allow-list         -> PASS
//	3. low-risk behavior shortcut -> PASS
//	4. derived features (non-terminal)
//	5. sanctions + destination age -> REJECT on sanction hit
//	6. blacklists                 -> REJECT
//	7. greylist                   -> HOLD, then AI review
//	8. dynamic rules              -> rule action, AI review on HOLD
//	9. default                    -> PASS

// Decision source tags written to the decision log.
const (
	SourceWhitelistUser    = "RULE_ENGINE_WHITELIST_USER"
	SourceWhitelistAddress = "RULE_ENGINE_WHITELIST_ADDRESS"
	SourceLowRisk          = "RULE_ENGINE_LOW_RISK"
	SourceSanctions        = "SANCTIONS_ENGINE"
	SourceBlacklist        = "RULE_ENGINE_BLACKLIST"
	SourceGreylist         = "RULE_ENGINE_GREYLIST"
	SourceAIGreylist       = "AI_AGENT_GREYLIST"
	SourceRules            = "RULE_ENGINE_RULES"
	SourceAIRuleHold       = "AI_AGENT_RULE_HOLD"
	SourceDefaultPass      = "RULE_ENGINE_DEFAULT_PASS"
	SourceNoData           = "NO_DATA"
)

// Store is the storage surface the cascade depends on.
type Store interface {
	EventStore

	FetchRiskFeatures(ctx context.Context, userCode, txnID string) (models.FeatureBag, error)
	LatestRiskFeatures(ctx context.Context, userCode string) (models.FeatureBag, error)

	UserAllowed(ctx context.Context, userCode string) (models.ListEntry, error)
	AddressAllowed(ctx context.Context, address, chain string) (models.ListEntry, error)
	UserDenied(ctx context.Context, userCode string) (models.ListEntry, error)
	AddressDenied(ctx context.Context, address, chain string) (models.ListEntry, error)
	FingerprintDenied(ctx context.Context, fingerprint string) (models.ListEntry, error)
	IPDenied(ctx context.Context, ip string) (models.ListEntry, error)
	EmailDomainDenied(ctx context.Context, domain string) (models.ListEntry, error)
	Greylisted(ctx context.Context, entityType, entityValue string) (models.ListEntry, error)

	UpdateImpossibleTravel(ctx context.Context, userCode, txnID string, flag bool) error
	UpdateTimeSinceLogin(ctx context.Context, userCode, txnID string, minutes int64) error
	UpdateDestinationAge(ctx context.Context, userCode, txnID string, ageHours int64) error
	UpdateSanctionStatus(ctx context.Context, userCode, txnID string, sanctioned bool) error

	InsertDecision(ctx context.Context, rec models.DecisionRecord) error
}

// SanctionsChecker is the fail-open online sanctions screen.
type SanctionsChecker interface {
	CheckSanctions(ctx context.Context, address string) bool
}

// AgeFetcher resolves a destination address to its on-chain age.
type AgeFetcher interface {
	FetchDestinationAgeHours(ctx context.Context, address string) *int64
}

// RuleEvaluator runs the dynamic ruleset against a feature bag.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, features models.FeatureBag) *models.RuleHit
}

// Reviewer is the second-phase AI agent for grey cases.
type Reviewer interface {
	Review(ctx context.Context, features models.FeatureBag, ruleHit *models.RuleHit) models.Verdict
}

// Alerter surfaces HOLD/REJECT decisions to operators.
type Alerter interface {
	Emit(alert notify.Alert)
}

type Cascade struct {
	store     Store
	sanctions SanctionsChecker
	destAge   AgeFetcher
	rules     RuleEvaluator
	agent     Reviewer
	alerts    Alerter

	fetchRetries int
	fetchDelay   time.Duration
	sleep        func(time.Duration)
}

func NewCascade(store Store, sanctions SanctionsChecker, destAge AgeFetcher,
	rules RuleEvaluator, agent Reviewer, alerts Alerter,
	fetchRetries int, fetchDelay time.Duration) *Cascade {
	if fetchRetries < 1 {
		fetchRetries = 1
	}
	return &Cascade{
		store:        store,
		sanctions:    sanctions,
		destAge:      destAge,
		rules:        rules,
		agent:        agent,
		alerts:       alerts,
		fetchRetries: fetchRetries,
		fetchDelay:   fetchDelay,
		sleep:        time.Sleep,
	}
}

// Decide runs the full cascade for one withdrawal attempt and always
// returns a usable response.
func (c *Cascade) Decide(ctx context.Context, userCode, txnID string) models.DecisionResponse {
	features := c.fetchFeatures(ctx, userCode, txnID)
	if features == nil {
		return c.noDataVerdict(ctx, userCode, txnID)
	}

	// The feature row's txn_id wins over the request's: on fallback the
	// latest row may belong to a different transaction.
	finalTxnID := txnID
	if features.Has("txn_id") {
		finalTxnID = fmt.Sprint(features.Get("txn_id"))
	}
	if finalTxnID == "" {
		finalTxnID = "unknown"
	}
	features["user_code"] = userCode
	features["txn_id"] = finalTxnID

	destAddr := features.String("destination_address")
	chain := features.String("chain")

	// Stage 1: user allow-list.
	if entry, err := c.store.UserAllowed(ctx, userCode); err != nil {
		log.Printf("[Cascade] User whitelist check failed for %s/%s: %v", userCode, finalTxnID, err)
	} else if entry.Found {
		v := models.Verdict{
			Decision:      models.DecisionPass,
			PrimaryThreat: "NONE",
			RiskScore:     0,
			Narrative:     "Direct PASS: user_code is in the user whitelist.",
		}
		return c.finish(ctx, userCode, finalTxnID, v, features, SourceWhitelistUser, false)
	}

	// Stage 2: address allow-list.
	if destAddr != "" {
		if entry, err := c.store.AddressAllowed(ctx, destAddr, chain); err != nil {
			log.Printf("[Cascade] Address whitelist check failed for %s/%s: %v", userCode, finalTxnID, err)
		} else if entry.Found {
			v := models.Verdict{
				Decision:      models.DecisionPass,
				PrimaryThreat: "NONE",
				RiskScore:     0,
				Narrative:     "Direct PASS: destination address is in the address whitelist.",
			}
			return c.finish(ctx, userCode, finalTxnID, v, features, SourceWhitelistAddress, false)
		}
	}

	// Stage 3: consistent & low-risk behavior shortcut.
	if v := lowRiskVerdict(features); v != nil {
		return c.finish(ctx, userCode, finalTxnID, *v, features, SourceLowRisk, false)
	}

	// Stage 4: derived features. Non-terminal; failures degrade to safe values.
	travel := computeImpossibleTravel(ctx, c.store, userCode)
	features["is_impossible_travel"] = travel
	if err := c.store.UpdateImpossibleTravel(ctx, userCode, finalTxnID, travel); err != nil {
		log.Printf("[Cascade] Failed to persist is_impossible_travel for %s/%s: %v", userCode, finalTxnID, err)
	}

	loginGap := computeLoginGapMinutes(ctx, c.store, userCode, finalTxnID)
	features["time_since_user_login"] = loginGap
	if err := c.store.UpdateTimeSinceLogin(ctx, userCode, finalTxnID, loginGap); err != nil {
		log.Printf("[Cascade] Failed to persist time_since_user_login for %s/%s: %v", userCode, finalTxnID, err)
	}

	// Stage 5: destination age + sanctions.
	if destAddr != "" {
		if age, ok := features.Float("destination_age_hours"); !ok || age == 0 {
			if hours := c.destAge.FetchDestinationAgeHours(ctx, destAddr); hours != nil {
				features["destination_age_hours"] = *hours
				if err := c.store.UpdateDestinationAge(ctx, userCode, finalTxnID, *hours); err != nil {
					log.Printf("[Cascade] Failed to persist destination_age_hours for %s/%s: %v", userCode, finalTxnID, err)
				}
			}
		}

		sanctioned := c.sanctions.CheckSanctions(ctx, destAddr)
		features["is_sanctioned"] = sanctioned
		if sanctioned {
			log.Printf("[Cascade] SANCTION HIT for %s/%s", userCode, finalTxnID)
			if err := c.store.UpdateSanctionStatus(ctx, userCode, finalTxnID, true); err != nil {
				log.Printf("[Cascade] Failed to persist is_sanctioned for %s/%s: %v", userCode, finalTxnID, err)
			}
			v := models.Verdict{
				Decision:      models.DecisionReject,
				PrimaryThreat: "SANCTIONS",
				RiskScore:     100,
				Narrative:     fmt.Sprintf("CRITICAL: Destination address %s is SANCTIONED.", destAddr),
			}
			return c.finish(ctx, userCode, finalTxnID, v, features, SourceSanctions, true)
		}
	}

	// Stage 6: blacklists.
	if v := c.blacklistVerdict(ctx, features); v != nil {
		return c.finish(ctx, userCode, finalTxnID, *v, features, SourceBlacklist, true)
	}

	// Stage 7: greylist. Rule HOLD is logged and alerted before the AI call.
	if grey := c.greylistVerdict(ctx, features); grey != nil {
		c.logDecision(ctx, userCode, finalTxnID, *grey, features, SourceGreylist)
		c.alert(c.response(userCode, finalTxnID, *grey, SourceGreylist), features)

		ai := c.agent.Review(ctx, features, nil)
		c.logDecision(ctx, userCode, finalTxnID, ai, features, SourceAIGreylist)
		return c.response(userCode, finalTxnID, ai, SourceAIGreylist)
	}

	// Stage 8: dynamic rules.
	if hit := c.rules.Evaluate(ctx, features); hit != nil {
		c.logDecision(ctx, userCode, finalTxnID, hit.Verdict, features, SourceRules)

		switch hit.Verdict.Decision {
		case models.DecisionPass:
			return c.response(userCode, finalTxnID, hit.Verdict, SourceRules)
		case models.DecisionReject:
			resp := c.response(userCode, finalTxnID, hit.Verdict, SourceRules)
			c.alert(resp, features)
			return resp
		default: // HOLD: alert, then escalate to the AI agent.
			c.alert(c.response(userCode, finalTxnID, hit.Verdict, SourceRules), features)

			ai := c.agent.Review(ctx, features, hit)
			c.logDecision(ctx, userCode, finalTxnID, ai, features, SourceAIRuleHold)
			return c.response(userCode, finalTxnID, ai, SourceAIRuleHold)
		}
	}

	// Stage 9: default PASS.
	v := models.Verdict{
		Decision:      models.DecisionPass,
		PrimaryThreat: "NONE",
		RiskScore:     0,
		Narrative:     "No whitelist/blacklist/greylist or dynamic rule triggered. Default PASS.",
	}
	return c.finish(ctx, userCode, finalTxnID, v, features, SourceDefaultPass, false)
}

// fetchFeatures reads the feature row with bounded retry (the upstream
// streaming job races the CDC trigger), falling back to the user's latest
// row. Returns nil when no usable row exists.
func (c *Cascade) fetchFeatures(ctx context.Context, userCode, txnID string) models.FeatureBag {
	if txnID != "" {
		for attempt := 0; attempt < c.fetchRetries; attempt++ {
			if attempt > 0 {
				c.sleep(c.fetchDelay)
			}
			bag, err := c.store.FetchRiskFeatures(ctx, userCode, txnID)
			if err != nil {
				log.Printf("[Cascade] Feature fetch attempt %d failed for %s/%s: %v",
					attempt+1, userCode, txnID, err)
				continue
			}
			if bag != nil {
				return bag
			}
		}
	}

	bag, err := c.store.LatestRiskFeatures(ctx, userCode)
	if err != nil {
		log.Printf("[Cascade] Fallback feature fetch failed for %s: %v", userCode, err)
		return nil
	}
	if bag != nil {
		log.Printf("[Cascade] Fallback to latest risk_features for %s", userCode)
	}
	return bag
}

// noDataVerdict is the terminal HOLD for a missing feature row.
func (c *Cascade) noDataVerdict(ctx context.Context, userCode, txnID string) models.DecisionResponse {
	log.Printf("[Cascade] No risk_features found for %s/%s", userCode, txnID)
	v := models.Verdict{
		Decision:      models.DecisionHold,
		PrimaryThreat: "UNKNOWN",
		RiskScore:     0,
		Narrative:     "Risk data not found in risk_features.",
	}
	c.logDecision(ctx, userCode, txnID, v, models.FeatureBag{}, SourceNoData)

	resp := models.DecisionResponse{
		UserCode:      userCode,
		TxnID:         txnID,
		Decision:      models.DecisionHold,
		Reasons:       []string{"Risk Data Not Found"},
		PrimaryThreat: "UNKNOWN",
		RiskScore:     0,
		Source:        SourceNoData,
	}
	c.alert(resp, nil)
	return resp
}

// lowRiskVerdict implements the consistent & low-risk shortcut: stable
// device/IP/address, account older than 7 days, amount under 5000 USD.
// Missing maturity or amount disables the shortcut rather than holding.
func lowRiskVerdict(features models.FeatureBag) *models.Verdict {
	maturity, ok := features.FirstFloat("account_maturity_days", "account_maturity")
	if !ok {
		return nil
	}
	amount, ok := features.FirstFloat("withdrawal_amount_usd", "withdrawal_amount")
	if !ok {
		return nil
	}

	if !features.Bool("is_new_device") &&
		!features.Bool("is_new_ip") &&
		!features.Bool("is_new_destination_address") &&
		maturity > 7 &&
		amount < 5000 {
		return &models.Verdict{
			Decision:      models.DecisionPass,
			PrimaryThreat: "NONE",
			RiskScore:     0,
			Narrative:     "Consistent & low-risk behavior: stable device/IP/address, mature account, small amount.",
		}
	}
	return nil
}

// blacklistVerdict probes the five deny lists in order; first hit wins.
// Lookup errors skip that list.
func (c *Cascade) blacklistVerdict(ctx context.Context, features models.FeatureBag) *models.Verdict {
	userCode := features.String("user_code")
	destAddr := features.String("destination_address")
	chain := features.String("chain")
	deviceFP := features.String("device_fingerprint")
	ipAddr := features.FirstString("ip_address", "client_ip")
	emailDomain := features.EmailDomain()

	reject := func(narrative string) *models.Verdict {
		return &models.Verdict{
			Decision:      models.DecisionReject,
			PrimaryThreat: "BLACKLIST",
			RiskScore:     100,
			Narrative:     narrative,
		}
	}
	probe := func(name string, entry models.ListEntry, err error, fallback, format string) *models.Verdict {
		if err != nil {
			log.Printf("[Cascade] Blacklist %s lookup failed: %v", name, err)
			return nil
		}
		if !entry.Found {
			return nil
		}
		reason := entry.Reason
		if reason == "" {
			reason = fallback
		}
		return reject(fmt.Sprintf(format, reason))
	}

	if userCode != "" {
		entry, err := c.store.UserDenied(ctx, userCode)
		if v := probe("user", entry, err, "User in blacklist.", "Blacklisted user_code: %s"); v != nil {
			return v
		}
	}
	if destAddr != "" {
		entry, err := c.store.AddressDenied(ctx, destAddr, chain)
		if v := probe("address", entry, err, "Destination address in blacklist.", "Blacklisted destination address: %s"); v != nil {
			return v
		}
	}
	if deviceFP != "" {
		entry, err := c.store.FingerprintDenied(ctx, deviceFP)
		if v := probe("fingerprint", entry, err, "Device fingerprint in blacklist.", "Blacklisted device fingerprint: %s"); v != nil {
			return v
		}
	}
	if ipAddr != "" {
		entry, err := c.store.IPDenied(ctx, ipAddr)
		if v := probe("ip", entry, err, "IP address in blacklist.", "Blacklisted IP address: %s"); v != nil {
			return v
		}
	}
	if emailDomain != "" {
		entry, err := c.store.EmailDomainDenied(ctx, emailDomain)
		if err != nil {
			log.Printf("[Cascade] Blacklist email lookup failed: %v", err)
		} else if entry.Found {
			reason := entry.Reason
			if reason == "" {
				reason = "Email domain in blacklist."
			}
			return reject(fmt.Sprintf("Blacklisted email domain (%s): %s", emailDomain, reason))
		}
	}
	return nil
}

// greylistVerdict probes the generic greylist in entity order
// user -> IP -> fingerprint -> address -> email domain.
func (c *Cascade) greylistVerdict(ctx context.Context, features models.FeatureBag) *models.Verdict {
	type probe struct {
		entityType  string
		entityValue string
	}
	probes := make([]probe, 0, 5)
	if v := features.String("user_code"); v != "" {
		probes = append(probes, probe{models.EntityUserCode, v})
	}
	if v := features.FirstString("ip_address", "client_ip"); v != "" {
		probes = append(probes, probe{models.EntityIPAddress, v})
	}
	if v := features.String("device_fingerprint"); v != "" {
		probes = append(probes, probe{models.EntityDeviceFingerprint, v})
	}
	if v := features.String("destination_address"); v != "" {
		probes = append(probes, probe{models.EntityDestinationAddress, v})
	}
	if v := features.EmailDomain(); v != "" {
		probes = append(probes, probe{models.EntityEmailDomain, v})
	}

	for _, p := range probes {
		entry, err := c.store.Greylisted(ctx, p.entityType, p.entityValue)
		if err != nil {
			log.Printf("[Cascade] Greylist lookup failed for %s: %v", p.entityType, err)
			continue
		}
		if !entry.Found {
			continue
		}
		reason := entry.Reason
		if reason == "" {
			reason = "Entity in greylist."
		}
		return &models.Verdict{
			Decision:      models.DecisionHold,
			PrimaryThreat: "GREYLIST",
			RiskScore:     80,
			Narrative: fmt.Sprintf("Greylist hit on %s: %s. Reason: %s",
				p.entityType, p.entityValue, reason),
		}
	}
	return nil
}

// finish logs a terminal verdict, optionally alerts, and builds the response.
func (c *Cascade) finish(ctx context.Context, userCode, txnID string, v models.Verdict,
	features models.FeatureBag, source string, alerted bool) models.DecisionResponse {
	c.logDecision(ctx, userCode, txnID, v, features, source)
	resp := c.response(userCode, txnID, v, source)
	if alerted {
		c.alert(resp, features)
	}
	return resp
}

func (c *Cascade) response(userCode, txnID string, v models.Verdict, source string) models.DecisionResponse {
	return models.DecisionResponse{
		UserCode:      userCode,
		TxnID:         txnID,
		Decision:      v.Decision,
		Reasons:       []string{v.Narrative},
		PrimaryThreat: v.PrimaryThreat,
		RiskScore:     v.RiskScore,
		Source:        source,
	}
}

// logDecision writes one decision-log row. Best-effort: a storage failure
// is logged with its stage context and the verdict still stands.
func (c *Cascade) logDecision(ctx context.Context, userCode, txnID string,
	v models.Verdict, features models.FeatureBag, source string) {
	snapshot, err := json.Marshal(features)
	if err != nil {
		snapshot = []byte("{}")
	}

	rec := models.DecisionRecord{
		UserCode:         userCode,
		TxnID:            txnID,
		Decision:         v.Decision,
		PrimaryThreat:    v.PrimaryThreat,
		Confidence:       deriveConfidence(v),
		Narrative:        v.Narrative,
		FeaturesSnapshot: string(snapshot),
		DecisionSource:   source,
		LLMReasoning:     v.Narrative,
	}
	if err := c.store.InsertDecision(ctx, rec); err != nil {
		log.Printf("[Cascade] Failed to log decision (user=%s txn=%s stage=%s): %v",
			userCode, txnID, source, err)
		return
	}
	log.Printf("[Cascade] Decision logged. Source: %s, decision=%s", source, v.Decision)
}

// deriveConfidence maps a verdict to the logged confidence: an explicit
// value clamped to [0,1], otherwise risk_score/100. A negative score means
// "hard rule, not probabilistic" and maps to full confidence.
func deriveConfidence(v models.Verdict) float64 {
	if v.Confidence != nil {
		conf := *v.Confidence
		if conf < 0 {
			return 0
		}
		if conf > 1 {
			return 1
		}
		return conf
	}
	if v.RiskScore < 0 {
		return 1.0
	}
	return float64(v.RiskScore) / 100.0
}

func (c *Cascade) alert(resp models.DecisionResponse, features models.FeatureBag) {
	if c.alerts == nil {
		return
	}
	reason := ""
	if len(resp.Reasons) > 0 {
		reason = resp.Reasons[0]
	}
	a := notify.Alert{
		UserCode:      resp.UserCode,
		TxnID:         resp.TxnID,
		Decision:      resp.Decision,
		PrimaryThreat: resp.PrimaryThreat,
		RiskScore:     resp.RiskScore,
		Source:        resp.Source,
		Reason:        reason,
	}
	if features != nil {
		a.Token = features.FirstString("withdraw_currency", "token")
		if amount, ok := features.FirstFloat("withdrawal_amount_usd", "withdrawal_amount"); ok {
			a.Amount = fmt.Sprintf("%g", amount)
		}
	}
	c.alerts.Emit(a)
}
