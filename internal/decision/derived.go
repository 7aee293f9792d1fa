package decision

import (
	"context"
	"log"

	"github.com/onebullex/risk-engine/pkg/models"
)

// Derived features computed at decision time from raw event history and
// stamped into the feature bag (and persisted back to risk_features) before
// the rule stages run.

// noLoginGap is the safe sentinel when the login gap cannot be computed:
// large enough that "recent login" rules never fire on missing data.
const noLoginGap = 999999

// EventStore is the event-history slice of the storage layer.
type EventStore interface {
	LatestWithdrawEvent(ctx context.Context, userCode string) (*models.DeviceEvent, error)
	PreviousDeviceEvent(ctx context.Context, userCode string, beforeMs int64) (*models.DeviceEvent, error)
	WithdrawTimestampMs(ctx context.Context, userCode, txnID string) (int64, error)
	LastLoginBeforeMs(ctx context.Context, userCode string, withdrawMs int64) (int64, error)
}

// computeImpossibleTravel flags a country change within one hour between the
// latest withdraw event and the event before it. VPN sessions are excluded:
// VPN exit hops look like impossible travel but are not.
func computeImpossibleTravel(ctx context.Context, store EventStore, userCode string) bool {
	latest, err := store.LatestWithdrawEvent(ctx, userCode)
	if err != nil {
		log.Printf("[Derived] Error reading withdraw event for %s: %v", userCode, err)
		return false
	}
	if latest == nil || latest.CountryCode == "" || latest.EventTime == 0 {
		return false
	}

	prev, err := store.PreviousDeviceEvent(ctx, userCode, latest.EventTime)
	if err != nil {
		log.Printf("[Derived] Error reading previous device event for %s: %v", userCode, err)
		return false
	}
	if prev == nil || prev.CountryCode == "" || prev.EventTime == 0 {
		return false
	}

	if latest.IsVPN || prev.IsVPN {
		return false
	}

	dtMs := latest.EventTime - prev.EventTime
	if dtMs <= 0 {
		return false
	}
	dtHours := float64(dtMs) / 3600000.0

	if prev.CountryCode != latest.CountryCode && dtHours < 1.0 {
		log.Printf("[Derived] Impossible travel detected: %s->%s in %.2fh",
			prev.CountryCode, latest.CountryCode, dtHours)
		return true
	}
	return false
}

// computeLoginGapMinutes returns minutes between the last login and the
// withdraw for this txn. Missing withdraw or login data maps to the safe
// sentinel, never to 0.
func computeLoginGapMinutes(ctx context.Context, store EventStore, userCode, txnID string) int64 {
	if txnID == "" {
		return noLoginGap
	}

	withdrawMs, err := store.WithdrawTimestampMs(ctx, userCode, txnID)
	if err != nil {
		log.Printf("[Derived] Error fetching withdraw timestamp for %s/%s: %v", userCode, txnID, err)
		return noLoginGap
	}
	if withdrawMs == 0 {
		log.Printf("[Derived] No withdraw timestamp for %s/%s", userCode, txnID)
		return noLoginGap
	}

	loginMs, err := store.LastLoginBeforeMs(ctx, userCode, withdrawMs)
	if err != nil {
		log.Printf("[Derived] Error fetching last login for %s: %v", userCode, err)
		return noLoginGap
	}
	if loginMs == 0 {
		log.Printf("[Derived] No login before withdraw for %s/%s", userCode, txnID)
		return noLoginGap
	}

	diffMs := withdrawMs - loginMs
	if diffMs <= 0 {
		return noLoginGap
	}
	return diffMs / 60000
}
