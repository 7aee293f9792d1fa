package models

import "time"

// Decision values produced by the cascade.
const (
	DecisionPass   = "PASS"
	DecisionHold   = "HOLD"
	DecisionReject = "REJECT"
)

// Verdict is the outcome of a single cascade stage. A terminal verdict
// halts the cascade and is returned to the caller.
type Verdict struct {
	Decision      string   `json:"decision"` // PASS / HOLD / REJECT
	PrimaryThreat string   `json:"primary_threat"`
	RiskScore     int      `json:"risk_score"` // -1 = unknown (AI fallback)
	Confidence    *float64 `json:"confidence,omitempty"`
	Narrative     string   `json:"narrative"`
	RuleAlignment string   `json:"rule_alignment,omitempty"`
}

// DecisionResponse is the HTTP response body for a produced verdict.
type DecisionResponse struct {
	UserCode      string   `json:"user_code"`
	TxnID         string   `json:"txn_id"`
	Decision      string   `json:"decision"`
	Reasons       []string `json:"reasons"`
	PrimaryThreat string   `json:"primary_threat"`
	RiskScore     int      `json:"risk_score"`
	Source        string   `json:"source"`
}

// Rule is a dynamic rule row from risk_rules. Evaluation is first-match-wins
// by ascending priority; ties are stable by rule_id.
type Rule struct {
	RuleID          int64  `json:"rule_id"`
	RuleName        string `json:"rule_name"`
	Priority        int    `json:"priority"`
	Status          string `json:"status"`
	LogicExpression string `json:"logic_expression"`
	Action          string `json:"action"` // PASS / HOLD / REJECT
	Narrative       string `json:"narrative"`
}

// RuleHit carries the matched rule's verdict plus the metadata the AI agent
// receives as case context on HOLD escalations.
type RuleHit struct {
	Verdict  Verdict
	RuleID   int64
	RuleName string
}

// ListEntry is the uniform shape of allow/deny/grey list lookups. Callers
// synthesize the verdict from (Found, Reason).
type ListEntry struct {
	Found  bool
	Reason string
}

// Greylist entity types, in the probe order the cascade uses.
const (
	EntityUserCode           = "USER_CODE"
	EntityIPAddress          = "IP_ADDRESS"
	EntityDeviceFingerprint  = "DEVICE_FINGERPRINT"
	EntityDestinationAddress = "DESTINATION_ADDRESS"
	EntityEmailDomain        = "EMAIL_DOMAIN"
)

// DecisionRecord is one row of the decision log. Greylist and rule-HOLD
// paths produce two records per request with distinct DecisionSource values.
type DecisionRecord struct {
	UserCode         string    `json:"user_code"`
	TxnID            string    `json:"txn_id"`
	Decision         string    `json:"decision"`
	PrimaryThreat    string    `json:"primary_threat"`
	Confidence       float64   `json:"confidence"`
	Narrative        string    `json:"narrative"`
	FeaturesSnapshot string    `json:"features_snapshot"`
	DecisionSource   string    `json:"decision_source"`
	LLMReasoning     string    `json:"llm_reasoning"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// DeviceEvent is one row of user_device, used for impossible-travel
// detection. EventTime is epoch milliseconds.
type DeviceEvent struct {
	CountryCode string
	IsVPN       bool
	EventTime   int64
}

// Enrichment dimension statuses (worker state machine).
const (
	StatusPending = "PENDING"
	StatusChecked = "CHECKED"
	StatusError   = "ERROR"
)

// SanctionsDim is a row of dim_sanctions_address keyed by (chain, address).
type SanctionsDim struct {
	Chain         string     `json:"chain"`
	Address       string     `json:"destination_address"`
	IsSanctioned  bool       `json:"is_sanctioned"`
	Status        string     `json:"sanctions_status"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	LastError     string     `json:"last_error,omitempty"`
}

// AgeDim is a row of dim_destination_age keyed by (chain, address).
// FirstSeenAt is write-once: upserts keep the older value.
type AgeDim struct {
	Chain         string     `json:"chain"`
	Address       string     `json:"destination_address"`
	AgeHours      *float64   `json:"destination_age_hours"`
	Status        string     `json:"age_status"`
	FirstSeenAt   *time.Time `json:"first_seen_at"`
	LastCheckedAt *time.Time `json:"last_checked_at"`
	LastError     string     `json:"last_error,omitempty"`
}
