package notify

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert & webhook system for risk operations. Alerts are:
//   1. Broadcast via WebSocket to connected dashboards
//   2. Pushed to the Lark webhook (HOLD/REJECT only)
//   3. Stored in memory for recent alert history
//
// Webhook errors are swallowed and the wait is bounded by the client
// timeout: a dead webhook never changes a verdict.

// Alert is one HOLD/REJECT decision surfaced to operators.
type Alert struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	UserCode      string    `json:"user_code"`
	TxnID         string    `json:"txn_id"`
	Decision      string    `json:"decision"`
	PrimaryThreat string    `json:"primary_threat"`
	RiskScore     int       `json:"risk_score"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	Token         string    `json:"token,omitempty"`
	Amount        string    `json:"amount,omitempty"`
}

// AlertManager stores alert history and fans alerts out to the dashboard
// broadcast callback and the Lark webhook.
type AlertManager struct {
	mu           sync.RWMutex
	recentAlerts []Alert
	maxHistory   int

	lark          *LarkClient
	alertCallback func(Alert)
}

func NewAlertManager(lark *LarkClient, broadcastFn func(Alert)) *AlertManager {
	return &AlertManager{
		recentAlerts:  make([]Alert, 0),
		maxHistory:    1000,
		lark:          lark,
		alertCallback: broadcastFn,
	}
}

// Emit stores, broadcasts and delivers one alert.
func (am *AlertManager) Emit(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	am.mu.Lock()
	am.recentAlerts = append(am.recentAlerts, alert)
	if len(am.recentAlerts) > am.maxHistory {
		am.recentAlerts = am.recentAlerts[len(am.recentAlerts)-am.maxHistory:]
	}
	am.mu.Unlock()

	if am.alertCallback != nil {
		am.alertCallback(alert)
	}

	// Synchronous: a rule-HOLD alert must reach the channel before the
	// cascade moves on to the AI review. Send caps the wait at its own
	// 2s timeout and swallows errors.
	if am.lark != nil {
		am.lark.Send(alert)
	}

	log.Printf("[Alert] [%s] %s %s/%s via %s", alert.Decision, alert.PrimaryThreat,
		alert.UserCode, alert.TxnID, alert.Source)
}

// Recent returns the most recent alerts, newest first.
func (am *AlertManager) Recent(limit int) []Alert {
	am.mu.RLock()
	defer am.mu.RUnlock()

	if limit <= 0 || limit > len(am.recentAlerts) {
		limit = len(am.recentAlerts)
	}

	start := len(am.recentAlerts) - limit
	result := make([]Alert, limit)
	for i := 0; i < limit; i++ {
		result[i] = am.recentAlerts[start+limit-1-i]
	}
	return result
}
