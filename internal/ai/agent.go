package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/onebullex/risk-engine/pkg/models"
)

// Second-phase reviewer for grey cases. The cascade only calls this after a
// greylist hit or a rule HOLD, so the agent's job is judging intent on
// borderline withdrawals, not re-running the hard checks. Every failure mode
// degrades to a HOLD verdict; the agent never blocks a decision.

const (
	llmTimeout  = 30 * time.Second
	llmAttempts = 3
	llmBackoff  = time.Second

	defaultBaseURL = "https://generativelanguage.googleapis.com/v1/models"
)

const reasoningPrompt = `You are the Senior Risk Officer for a crypto exchange. The user has PASSED the hard validation rules (the obvious "Black/White" checks).
Your job is to detect SUBTLE ANOMALIES and NON-HUMAN PATTERNS in the "Gray Area".

1. Feature Interpretation Guide (Contextual, not Mechanical):
You will receive a JSON object containing ALL available risk features.
Do not limit yourself to specific fields. Use ANY data point in the JSON that helps form a risk narrative, and infer the meaning of features from their names.

2. Assessment Pillars (Evaluate the INTENT):

Pillar A: Anomalous Access (Is this the real user?)
Detect subtle ATO signals. Look for consistency breaks: even if the IP is not new, is the combination of device, time and location logical?

Pillar B: Illicit Flow (Is this money laundering?)
Detect mule/layering activity. Look at the velocity and direction of funds. Is the user acting as a pass-through node? Is the destination a fresh wallet?

Pillar C: Integrity & Exploitation (Is this a scam or a hack?)
Does the transaction make financial sense, or does it look like a script exploiting a pricing bug, or a scam victim following instructions?

3. Final Decision Logic (the "One-Strike" rule):
Score each pillar 0-100 by the intensity of the anomaly. Your final risk_score is the HIGHEST pillar score.
HOLD when risk_score >= 75 or meaningful suspicion exists in ANY pillar; PASS when behavior looks organic and human.

4. Output Format - return a single JSON object:
{
  "decision": "PASS" | "HOLD" | "REJECT",
  "primary_threat": "ATO" | "AML" | "FRAUD" | "SCAM" | "INTEGRITY" | "NONE",
  "risk_score": 0-100,
  "confidence": 0.0-1.0,
  "narrative": "Synthesize the story. Don't just list values.",
  "rule_alignment": "AGREES_WITH_RULE" | "OVERRIDES_TO_PASS" | "OVERRIDES_TO_REJECT"
}`

type Agent struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	sleep   func(time.Duration)
}

func NewAgent(apiKey, model string) *Agent {
	return &Agent{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: llmTimeout},
		sleep:   time.Sleep,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type aiReply struct {
	Decision      string   `json:"decision"`
	FinalDecision string   `json:"final_decision"`
	PrimaryThreat string   `json:"primary_threat"`
	RiskScore     *float64 `json:"risk_score"`
	Confidence    *float64 `json:"confidence"`
	Narrative     string   `json:"narrative"`
	RuleAlignment string   `json:"rule_alignment"`
}

// Review submits the case to the model and returns a validated verdict.
// ruleHit is the triggering rule for rule-HOLD escalations, nil for greylist
// cases. The returned verdict is always usable; on any failure it is a HOLD.
func (a *Agent) Review(ctx context.Context, features models.FeatureBag, ruleHit *models.RuleHit) models.Verdict {
	if a.apiKey == "" {
		return fallbackVerdict("NONE", 0, "AI config missing. Keeping HOLD for manual review.")
	}

	casePayload := map[string]any{"features": features}
	ruleEngine := map[string]any{"initial_decision": models.DecisionHold}
	if ruleHit != nil {
		ruleEngine["initial_decision"] = ruleHit.Verdict.Decision
		ruleEngine["rule_id"] = ruleHit.RuleID
		ruleEngine["rule_name"] = ruleHit.RuleName
		ruleEngine["rule_narrative"] = ruleHit.Verdict.Narrative
	}
	casePayload["rule_engine"] = ruleEngine

	caseJSON, err := json.MarshalIndent(casePayload, "", "  ")
	if err != nil {
		log.Printf("[AI] Failed to encode case payload: %v", err)
		return fallbackVerdict("AI_ERR", -1, fmt.Sprintf("AI exception: %v", err))
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{
			Text: reasoningPrompt + "\n\nCase JSON:\n" + string(caseJSON),
		}}}},
	})
	if err != nil {
		return fallbackVerdict("AI_ERR", -1, fmt.Sprintf("AI exception: %v", err))
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", a.baseURL, a.model, a.apiKey)
	for attempt := 0; attempt < llmAttempts; attempt++ {
		if attempt > 0 {
			a.sleep(llmBackoff)
		}
		verdict, retriable := a.callOnce(ctx, url, body)
		if verdict != nil {
			return *verdict
		}
		if !retriable {
			break
		}
	}

	return fallbackVerdict("AI_NET_ERR", -1, "AI unavailable or invalid response. Keeping HOLD for manual review.")
}

// callOnce performs one generateContent round trip. Returns (verdict, _) on
// success, (nil, true) on a retriable failure and (nil, false) when the
// response came back well-formed but unusable.
func (a *Agent) callOnce(ctx context.Context, url string, body []byte) (*models.Verdict, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[AI] Request build failed: %v", err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		log.Printf("[AI] Network error: %v", err)
		return nil, true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[AI] HTTP error: %d", resp.StatusCode)
		return nil, true
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[AI] Read error: %v", err)
		return nil, true
	}

	var parsed generateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		log.Printf("[AI] Response decode failed: %v", err)
		return nil, true
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		log.Printf("[AI] Empty candidates in response")
		return nil, false
	}

	clean := stripCodeFences(parsed.Candidates[0].Content.Parts[0].Text)
	var reply aiReply
	if err := json.Unmarshal([]byte(clean), &reply); err != nil {
		log.Printf("[AI] Verdict JSON parse failed: %v", err)
		return nil, true
	}

	verdict := normalizeReply(reply)
	return &verdict, false
}

// stripCodeFences removes markdown ```json fences models wrap output in.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func normalizeReply(reply aiReply) models.Verdict {
	decision := reply.Decision
	if decision == "" {
		decision = reply.FinalDecision
	}
	switch decision {
	case models.DecisionPass, models.DecisionHold, models.DecisionReject:
	default:
		decision = models.DecisionHold
	}

	threat := reply.PrimaryThreat
	if threat == "" {
		threat = "NONE"
	}

	score := 0
	if reply.RiskScore != nil {
		score = int(*reply.RiskScore)
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
	}

	confidence := 0.7
	if reply.Confidence != nil {
		confidence = *reply.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
	}

	narrative := reply.Narrative
	if narrative == "" {
		narrative = "AI evaluation."
	}

	alignment := reply.RuleAlignment
	if alignment == "" {
		alignment = "AGREES_WITH_RULE"
	}

	return models.Verdict{
		Decision:      decision,
		PrimaryThreat: threat,
		RiskScore:     score,
		Confidence:    &confidence,
		Narrative:     narrative,
		RuleAlignment: alignment,
	}
}

func fallbackVerdict(threat string, score int, narrative string) models.Verdict {
	confidence := 0.5
	return models.Verdict{
		Decision:      models.DecisionHold,
		PrimaryThreat: threat,
		RiskScore:     score,
		Confidence:    &confidence,
		Narrative:     narrative,
		RuleAlignment: "AGREES_WITH_RULE",
	}
}
