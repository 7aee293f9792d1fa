package decision

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/onebullex/risk-engine/internal/notify"
	"github.com/onebullex/risk-engine/pkg/models"
)

// fakeStore is an in-memory Store for cascade tests.
type fakeStore struct {
	features map[string]models.FeatureBag // keyed user/txn
	latest   map[string]models.FeatureBag // keyed user

	allowUsers  map[string]string
	allowAddrs  map[string]string
	denyUsers   map[string]string
	denyAddrs   map[string]string
	denyFPs     map[string]string
	denyIPs     map[string]string
	denyDomains map[string]string
	grey        map[string]string // keyed type|value

	latestWithdraw *models.DeviceEvent
	prevEvent      *models.DeviceEvent
	withdrawMs     int64
	loginMs        int64

	inserted []models.DecisionRecord
	updates  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		features:    make(map[string]models.FeatureBag),
		latest:      make(map[string]models.FeatureBag),
		allowUsers:  make(map[string]string),
		allowAddrs:  make(map[string]string),
		denyUsers:   make(map[string]string),
		denyAddrs:   make(map[string]string),
		denyFPs:     make(map[string]string),
		denyIPs:     make(map[string]string),
		denyDomains: make(map[string]string),
		grey:        make(map[string]string),
	}
}

func entryFrom(m map[string]string, key string) (models.ListEntry, error) {
	if reason, ok := m[key]; ok {
		return models.ListEntry{Found: true, Reason: reason}, nil
	}
	return models.ListEntry{}, nil
}

func (f *fakeStore) FetchRiskFeatures(ctx context.Context, userCode, txnID string) (models.FeatureBag, error) {
	if bag, ok := f.features[userCode+"/"+txnID]; ok {
		return bag.Clone(), nil
	}
	return nil, nil
}

func (f *fakeStore) LatestRiskFeatures(ctx context.Context, userCode string) (models.FeatureBag, error) {
	if bag, ok := f.latest[userCode]; ok {
		return bag.Clone(), nil
	}
	return nil, nil
}

func (f *fakeStore) UserAllowed(ctx context.Context, userCode string) (models.ListEntry, error) {
	return entryFrom(f.allowUsers, userCode)
}
func (f *fakeStore) AddressAllowed(ctx context.Context, address, chain string) (models.ListEntry, error) {
	return entryFrom(f.allowAddrs, address)
}
func (f *fakeStore) UserDenied(ctx context.Context, userCode string) (models.ListEntry, error) {
	return entryFrom(f.denyUsers, userCode)
}
func (f *fakeStore) AddressDenied(ctx context.Context, address, chain string) (models.ListEntry, error) {
	return entryFrom(f.denyAddrs, address)
}
func (f *fakeStore) FingerprintDenied(ctx context.Context, fp string) (models.ListEntry, error) {
	return entryFrom(f.denyFPs, fp)
}
func (f *fakeStore) IPDenied(ctx context.Context, ip string) (models.ListEntry, error) {
	return entryFrom(f.denyIPs, ip)
}
func (f *fakeStore) EmailDomainDenied(ctx context.Context, domain string) (models.ListEntry, error) {
	return entryFrom(f.denyDomains, domain)
}
func (f *fakeStore) Greylisted(ctx context.Context, entityType, entityValue string) (models.ListEntry, error) {
	return entryFrom(f.grey, entityType+"|"+entityValue)
}

func (f *fakeStore) LatestWithdrawEvent(ctx context.Context, userCode string) (*models.DeviceEvent, error) {
	return f.latestWithdraw, nil
}
func (f *fakeStore) PreviousDeviceEvent(ctx context.Context, userCode string, beforeMs int64) (*models.DeviceEvent, error) {
	return f.prevEvent, nil
}
func (f *fakeStore) WithdrawTimestampMs(ctx context.Context, userCode, txnID string) (int64, error) {
	return f.withdrawMs, nil
}
func (f *fakeStore) LastLoginBeforeMs(ctx context.Context, userCode string, withdrawMs int64) (int64, error) {
	return f.loginMs, nil
}

func (f *fakeStore) UpdateImpossibleTravel(ctx context.Context, userCode, txnID string, flag bool) error {
	f.updates = append(f.updates, fmt.Sprintf("travel=%v", flag))
	return nil
}
func (f *fakeStore) UpdateTimeSinceLogin(ctx context.Context, userCode, txnID string, minutes int64) error {
	f.updates = append(f.updates, fmt.Sprintf("login_gap=%d", minutes))
	return nil
}
func (f *fakeStore) UpdateDestinationAge(ctx context.Context, userCode, txnID string, ageHours int64) error {
	f.updates = append(f.updates, fmt.Sprintf("age=%d", ageHours))
	return nil
}
func (f *fakeStore) UpdateSanctionStatus(ctx context.Context, userCode, txnID string, sanctioned bool) error {
	f.updates = append(f.updates, fmt.Sprintf("sanctioned=%v", sanctioned))
	return nil
}

func (f *fakeStore) InsertDecision(ctx context.Context, rec models.DecisionRecord) error {
	f.inserted = append(f.inserted, rec)
	return nil
}

type fakeSanctions struct {
	sanctioned bool
	calls      int
}

func (f *fakeSanctions) CheckSanctions(ctx context.Context, address string) bool {
	f.calls++
	return f.sanctioned
}

type fakeAge struct {
	hours *int64
	calls int
}

func (f *fakeAge) FetchDestinationAgeHours(ctx context.Context, address string) *int64 {
	f.calls++
	return f.hours
}

type fakeRules struct {
	hit *models.RuleHit
}

func (f *fakeRules) Evaluate(ctx context.Context, features models.FeatureBag) *models.RuleHit {
	return f.hit
}

type fakeAgent struct {
	verdict       models.Verdict
	calls         int
	gotHit        *models.RuleHit
	recordsBefore int // decision-log length observed when called
	store         *fakeStore
}

func (f *fakeAgent) Review(ctx context.Context, features models.FeatureBag, hit *models.RuleHit) models.Verdict {
	f.calls++
	f.gotHit = hit
	if f.store != nil {
		f.recordsBefore = len(f.store.inserted)
	}
	return f.verdict
}

type fakeAlerts struct {
	alerts []notify.Alert
}

func (f *fakeAlerts) Emit(a notify.Alert) { f.alerts = append(f.alerts, a) }

type harness struct {
	store     *fakeStore
	sanctions *fakeSanctions
	age       *fakeAge
	rules     *fakeRules
	agent     *fakeAgent
	alerts    *fakeAlerts
	cascade   *Cascade
}

func newHarness() *harness {
	h := &harness{
		store:     newFakeStore(),
		sanctions: &fakeSanctions{},
		age:       &fakeAge{},
		rules:     &fakeRules{},
		agent:     &fakeAgent{verdict: models.Verdict{Decision: models.DecisionHold, PrimaryThreat: "NONE", Narrative: "AI evaluation."}},
		alerts:    &fakeAlerts{},
	}
	h.agent.store = h.store
	h.cascade = NewCascade(h.store, h.sanctions, h.age, h.rules, h.agent, h.alerts, 1, 0)
	h.cascade.sleep = func(time.Duration) {}
	return h
}

func (h *harness) seedFeatures(userCode, txnID string, bag models.FeatureBag) {
	h.store.features[userCode+"/"+txnID] = bag
}

func TestWhitelistedUserPasses(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{"destination_address": "bc1qx"})
	h.store.allowUsers["U1"] = "VIP"
	h.sanctions.sanctioned = true // must never be consulted

	resp := h.cascade.Decide(context.Background(), "U1", "T1")

	if resp.Decision != models.DecisionPass || resp.Source != SourceWhitelistUser {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if h.sanctions.calls != 0 {
		t.Error("sanctions API must not be called for allow-listed users")
	}
	if len(h.alerts.alerts) != 0 {
		t.Error("PASS must not alert")
	}
	if len(h.store.inserted) != 1 || h.store.inserted[0].DecisionSource != SourceWhitelistUser {
		t.Errorf("decision log: %+v", h.store.inserted)
	}
}

func TestWhitelistedAddressPasses(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{"destination_address": "bc1qok"})
	h.store.allowAddrs["bc1qok"] = "treasury wallet"

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionPass || resp.Source != SourceWhitelistAddress {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
}

func TestLowRiskShortcut(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{
		"is_new_device":              false,
		"is_new_ip":                  false,
		"is_new_destination_address": false,
		"account_maturity":           float64(30),
		"withdrawal_amount":          float64(100),
	})

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionPass || resp.Source != SourceLowRisk {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	// Shortcut fires before derived features are computed.
	if len(h.store.updates) != 0 {
		t.Errorf("unexpected feature writes: %v", h.store.updates)
	}
}

func TestLowRiskRequiresMaturityAndAmount(t *testing.T) {
	bag := models.FeatureBag{
		"is_new_device":              false,
		"is_new_ip":                  false,
		"is_new_destination_address": false,
		"withdrawal_amount":          float64(100),
	}
	if v := lowRiskVerdict(bag); v != nil {
		t.Error("missing maturity must disable the shortcut")
	}
	bag["account_maturity"] = float64(30)
	delete(bag, "withdrawal_amount")
	if v := lowRiskVerdict(bag); v != nil {
		t.Error("missing amount must disable the shortcut")
	}
}

func TestNoDataHold(t *testing.T) {
	h := newHarness()

	resp := h.cascade.Decide(context.Background(), "U2", "T2")
	if resp.Decision != models.DecisionHold || resp.Source != SourceNoData {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if resp.PrimaryThreat != "UNKNOWN" || resp.RiskScore != 0 {
		t.Errorf("payload: %+v", resp)
	}
	if len(resp.Reasons) != 1 || resp.Reasons[0] != "Risk Data Not Found" {
		t.Errorf("reasons: %v", resp.Reasons)
	}
	if len(h.alerts.alerts) != 1 {
		t.Error("NO_DATA must alert")
	}
	if len(h.store.inserted) != 1 || h.store.inserted[0].DecisionSource != SourceNoData {
		t.Errorf("decision log: %+v", h.store.inserted)
	}
}

func TestFallbackToLatestFeatures(t *testing.T) {
	h := newHarness()
	h.store.latest["U1"] = models.FeatureBag{"txn_id": "T99"}

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	// The feature row's txn_id wins over the requested one.
	if resp.TxnID != "T99" {
		t.Errorf("TxnID = %q, want T99", resp.TxnID)
	}
	if resp.Source != SourceDefaultPass {
		t.Errorf("source = %s", resp.Source)
	}
}

func TestSanctionedAddressRejected(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{"destination_address": "19D8PHBjZH29uS1uPZ4m3sVyqqfF8UFG9o"})
	h.sanctions.sanctioned = true

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionReject || resp.Source != SourceSanctions {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if resp.PrimaryThreat != "SANCTIONS" || resp.RiskScore != 100 {
		t.Errorf("payload: %+v", resp)
	}
	wantNarrative := "CRITICAL: Destination address 19D8PHBjZH29uS1uPZ4m3sVyqqfF8UFG9o is SANCTIONED."
	if resp.Reasons[0] != wantNarrative {
		t.Errorf("narrative = %q", resp.Reasons[0])
	}
	if len(h.alerts.alerts) != 1 || h.alerts.alerts[0].Decision != models.DecisionReject {
		t.Errorf("alerts: %+v", h.alerts.alerts)
	}
	found := false
	for _, u := range h.store.updates {
		if u == "sanctioned=true" {
			found = true
		}
	}
	if !found {
		t.Error("is_sanctioned=true must be written back to risk_features")
	}
}

func TestDestinationAgeEnrichedWhenMissing(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{"destination_address": "bc1qx"})
	hours := int64(3)
	h.age.hours = &hours

	h.cascade.Decide(context.Background(), "U1", "T1")
	if h.age.calls != 1 {
		t.Errorf("age fetch calls = %d, want 1", h.age.calls)
	}
	found := false
	for _, u := range h.store.updates {
		if u == "age=3" {
			found = true
		}
	}
	if !found {
		t.Errorf("destination_age_hours not persisted: %v", h.store.updates)
	}
}

func TestDestinationAgeSkippedWhenPresent(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{
		"destination_address":   "bc1qx",
		"destination_age_hours": float64(500),
	})

	h.cascade.Decide(context.Background(), "U1", "T1")
	if h.age.calls != 0 {
		t.Errorf("age fetch calls = %d, want 0 for a present non-zero age", h.age.calls)
	}
}

func TestBlacklistedUserRejected(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{})
	h.store.denyUsers["U1"] = "chargeback fraud"

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionReject || resp.Source != SourceBlacklist {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if resp.Reasons[0] != "Blacklisted user_code: chargeback fraud" {
		t.Errorf("narrative = %q", resp.Reasons[0])
	}
	if len(h.alerts.alerts) != 1 {
		t.Error("blacklist REJECT must alert")
	}
}

func TestBlacklistEmailDomain(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{"user_email": "Mule@Tempmail.XYZ"})
	h.store.denyDomains["tempmail.xyz"] = "disposable provider"

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionReject {
		t.Fatalf("decision = %s", resp.Decision)
	}
	if resp.Reasons[0] != "Blacklisted email domain (tempmail.xyz): disposable provider" {
		t.Errorf("narrative = %q", resp.Reasons[0])
	}
}

func TestGreylistHoldThenAIVerdict(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{"ip_address": "10.1.2.3"})
	h.store.grey[models.EntityIPAddress+"|10.1.2.3"] = "seen in mule ring"
	conf := 0.9
	h.agent.verdict = models.Verdict{
		Decision: models.DecisionPass, PrimaryThreat: "NONE", RiskScore: 30,
		Confidence: &conf, Narrative: "Looks organic.",
	}

	resp := h.cascade.Decide(context.Background(), "U1", "T1")

	// Caller receives the AI verdict.
	if resp.Decision != models.DecisionPass || resp.Source != SourceAIGreylist {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}

	// Two decision records: rule stage then AI stage.
	if len(h.store.inserted) != 2 {
		t.Fatalf("decision records = %d, want 2", len(h.store.inserted))
	}
	if h.store.inserted[0].DecisionSource != SourceGreylist || h.store.inserted[1].DecisionSource != SourceAIGreylist {
		t.Errorf("sources: %s, %s", h.store.inserted[0].DecisionSource, h.store.inserted[1].DecisionSource)
	}
	if !strings.Contains(h.store.inserted[0].Narrative, "Greylist hit on IP_ADDRESS: 10.1.2.3") {
		t.Errorf("rule narrative = %q", h.store.inserted[0].Narrative)
	}

	// The rule HOLD was logged and alerted before the AI call.
	if h.agent.recordsBefore != 1 {
		t.Errorf("records before AI call = %d, want 1", h.agent.recordsBefore)
	}
	if len(h.alerts.alerts) != 1 || h.alerts.alerts[0].Source != SourceGreylist {
		t.Errorf("alerts: %+v", h.alerts.alerts)
	}
	if h.agent.gotHit != nil {
		t.Error("greylist escalation must not carry rule context")
	}
}

func TestRuleHoldEscalatesToAI(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{})
	h.rules.hit = &models.RuleHit{
		Verdict: models.Verdict{
			Decision: models.DecisionHold, PrimaryThreat: "RULE_HIT", RiskScore: 100,
			Narrative: "[Rule #2] Large amount to a new address.",
		},
		RuleID: 2, RuleName: "big withdrawal",
	}

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Source != SourceAIRuleHold {
		t.Errorf("source = %s", resp.Source)
	}
	if len(h.store.inserted) != 2 {
		t.Fatalf("decision records = %d, want 2", len(h.store.inserted))
	}
	if h.store.inserted[0].DecisionSource != SourceRules || h.store.inserted[1].DecisionSource != SourceAIRuleHold {
		t.Errorf("sources: %s, %s", h.store.inserted[0].DecisionSource, h.store.inserted[1].DecisionSource)
	}
	if h.agent.gotHit == nil || h.agent.gotHit.RuleID != 2 {
		t.Errorf("AI must receive the triggering rule, got %+v", h.agent.gotHit)
	}
	if len(h.alerts.alerts) != 1 {
		t.Errorf("alerts = %d, want 1 (rule HOLD only)", len(h.alerts.alerts))
	}
}

func TestRuleRejectIsTerminal(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{})
	h.rules.hit = &models.RuleHit{
		Verdict: models.Verdict{Decision: models.DecisionReject, PrimaryThreat: "RULE_HIT", RiskScore: 100, Narrative: "[Rule #5] velocity"},
		RuleID:  5,
	}

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionReject || resp.Source != SourceRules {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if h.agent.calls != 0 {
		t.Error("rule REJECT must not consult the AI")
	}
	if len(h.store.inserted) != 1 {
		t.Errorf("decision records = %d, want 1", len(h.store.inserted))
	}
	if len(h.alerts.alerts) != 1 {
		t.Error("rule REJECT must alert")
	}
}

func TestRulePassIsTerminalWithoutAlert(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{})
	h.rules.hit = &models.RuleHit{
		Verdict: models.Verdict{Decision: models.DecisionPass, PrimaryThreat: "RULE_HIT", RiskScore: 100, Narrative: "[Rule #9] trusted flow"},
		RuleID:  9,
	}

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionPass || resp.Source != SourceRules {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if len(h.alerts.alerts) != 0 {
		t.Error("rule PASS must not alert")
	}
}

func TestDefaultPass(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{})

	resp := h.cascade.Decide(context.Background(), "U1", "T1")
	if resp.Decision != models.DecisionPass || resp.Source != SourceDefaultPass {
		t.Errorf("got %s/%s", resp.Decision, resp.Source)
	}
	if resp.RiskScore != 0 || len(h.alerts.alerts) != 0 {
		t.Errorf("payload: %+v alerts: %d", resp, len(h.alerts.alerts))
	}
}

func TestDerivedFeaturesStamped(t *testing.T) {
	h := newHarness()
	h.seedFeatures("U1", "T1", models.FeatureBag{})
	h.store.latestWithdraw = &models.DeviceEvent{CountryCode: "SG", EventTime: 10_000_000}
	h.store.prevEvent = &models.DeviceEvent{CountryCode: "GB", EventTime: 10_000_000 - 30*60*1000}
	h.store.withdrawMs = 10_000_000
	h.store.loginMs = 10_000_000 - 5*60*1000

	h.cascade.Decide(context.Background(), "U1", "T1")

	wantTravel, wantGap := false, false
	for _, u := range h.store.updates {
		if u == "travel=true" {
			wantTravel = true
		}
		if u == "login_gap=5" {
			wantGap = true
		}
	}
	if !wantTravel {
		t.Errorf("impossible travel not persisted: %v", h.store.updates)
	}
	if !wantGap {
		t.Errorf("login gap not persisted: %v", h.store.updates)
	}
}

func TestDeriveConfidence(t *testing.T) {
	explicit := 0.42
	if got := deriveConfidence(models.Verdict{Confidence: &explicit, RiskScore: 100}); got != 0.42 {
		t.Errorf("explicit = %v", got)
	}
	over := 3.5
	if got := deriveConfidence(models.Verdict{Confidence: &over}); got != 1 {
		t.Errorf("clamped = %v", got)
	}
	if got := deriveConfidence(models.Verdict{RiskScore: 80}); got != 0.8 {
		t.Errorf("derived = %v", got)
	}
	if got := deriveConfidence(models.Verdict{RiskScore: -1}); got != 1.0 {
		t.Errorf("hard-rule sentinel = %v", got)
	}
}
