package notify

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Lark webhook delivery. Only HOLD and REJECT decisions produce a card;
// PASS decisions are silent. Errors are logged and ignored.

const larkTimeout = 2 * time.Second

type LarkClient struct {
	webhookURL string
	client     *http.Client
}

func NewLarkClient(webhookURL string) *LarkClient {
	return &LarkClient{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: larkTimeout},
	}
}

// Send posts an interactive card for the alert. No-op when the webhook is
// unconfigured or the decision is PASS.
func (c *LarkClient) Send(alert Alert) {
	if c.webhookURL == "" {
		return
	}
	if alert.Decision != "HOLD" && alert.Decision != "REJECT" {
		return
	}

	payload, err := json.Marshal(buildCard(alert))
	if err != nil {
		log.Printf("[Lark] Failed to marshal card (ignored): %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, c.webhookURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[Lark] Failed to create request (ignored): %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		log.Printf("[Lark] Notification error (ignored): %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		log.Printf("[Lark] Notification sent for %s/%s", alert.UserCode, alert.TxnID)
	} else {
		log.Printf("[Lark] Webhook returned status %d (ignored)", resp.StatusCode)
	}
}

func mdField(label, value string) map[string]any {
	return map[string]any{
		"is_short": true,
		"text": map[string]any{
			"tag":     "lark_md",
			"content": "**" + label + ":**\n" + value,
		},
	}
}

func buildCard(alert Alert) map[string]any {
	reason := alert.Reason
	if reason == "" {
		reason = "No details provided"
	}

	return map[string]any{
		"msg_type": "interactive",
		"card": map[string]any{
			"config": map[string]any{"wide_screen_mode": true},
			"header": map[string]any{
				"title": map[string]any{
					"tag":     "plain_text",
					"content": "🚨 Risk Decision: " + alert.Decision,
				},
				"template": "red",
			},
			"elements": []any{
				map[string]any{
					"tag": "div",
					"fields": []any{
						mdField("User", alert.UserCode),
						mdField("Txn ID", alert.TxnID),
						mdField("Token", alert.Token),
						mdField("Amount", alert.Amount),
						mdField("Threat", alert.PrimaryThreat),
						mdField("Score", strconv.Itoa(alert.RiskScore)),
					},
				},
				map[string]any{"tag": "hr"},
				map[string]any{
					"tag": "div",
					"text": map[string]any{
						"tag":     "lark_md",
						"content": "**Reasoning:**\n" + reason,
					},
				},
				map[string]any{
					"tag": "note",
					"elements": []any{
						map[string]any{
							"tag":     "plain_text",
							"content": "Source: " + alert.Source,
						},
					},
				},
			},
		},
	}
}
