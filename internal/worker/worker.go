package worker

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/onebullex/risk-engine/internal/cdc"
	"github.com/onebullex/risk-engine/pkg/models"
)

// Async enrichment worker. Consumes the withdraw_record CDC stream and
// keeps the (chain, address) sanctions and age dimensions warm, so the
// online cascade mostly reads instead of calling external APIs.
//
// Each dimension has a freshness state machine: a row is refreshed when it
// is missing, PENDING, ERROR, never checked, or older than the recheck
// interval. A failed refresh moves the row to ERROR but preserves the last
// known value.

// Row outcome codes.
const (
	RowOK         = "OK"
	RowError      = "ERROR_ROW"
	SkipNoAddress = "SKIP_NO_ADDRESS"
)

// DimStore is the dimension-table slice of the storage layer.
type DimStore interface {
	SanctionsDim(ctx context.Context, chain, address string) (*models.SanctionsDim, error)
	UpsertSanctionsDim(ctx context.Context, chain, address string, sanctioned bool, status, lastError string) error
	AgeDim(ctx context.Context, chain, address string) (*models.AgeDim, error)
	UpsertAgeDim(ctx context.Context, chain, address string, ageHours *float64, status string, firstSeen *time.Time, lastError string) error
}

// SanctionsScreener is the uncached, error-surfacing screening call.
type SanctionsScreener interface {
	Screen(ctx context.Context, address string) (bool, error)
}

// AgeProber resolves (chainCode, address) to an on-chain age. The returned
// error string feeds last_error; "" means the call succeeded.
type AgeProber interface {
	AgeForChain(ctx context.Context, chainCode, address string) (*float64, *time.Time, string)
}

type Worker struct {
	store     DimStore
	sanctions SanctionsScreener
	ages      AgeProber
	recheck   time.Duration
	now       func() time.Time
}

func New(store DimStore, sanctions SanctionsScreener, ages AgeProber, recheck time.Duration) *Worker {
	return &Worker{
		store:     store,
		sanctions: sanctions,
		ages:      ages,
		recheck:   recheck,
		now:       time.Now,
	}
}

// ProcessBatch consumes one CDC batch body and enriches every insert row.
// Returns the per-row outcome codes.
func (w *Worker) ProcessBatch(ctx context.Context, body []byte) ([]string, error) {
	records, err := cdc.ParseBatch(body)
	if err != nil {
		return nil, err
	}

	var results []string
	for _, rec := range records {
		doc, ok := cdc.DecodeValue(rec.Value)
		if !ok {
			results = append(results, cdc.SkipInvalidValue)
			continue
		}
		rows, skip := cdc.Rows(doc)
		if skip != "" {
			results = append(results, skip)
			continue
		}
		for _, row := range rows {
			results = append(results, w.EnrichRow(ctx, row))
		}
	}
	log.Printf("[Worker] Processed %d rows", len(results))
	return results, nil
}

// EnrichRow refreshes both dimensions for one withdraw row.
func (w *Worker) EnrichRow(ctx context.Context, row map[string]any) string {
	address := cdc.RowString(row, "address", "withdraw_address")
	if address == "" {
		log.Printf("[Worker] No address in row, skipping")
		return SkipNoAddress
	}

	chain := strings.ToUpper(cdc.RowString(row, "chain", "network", "withdraw_chain", "withdraw_currency"))
	if chain == "" {
		chain = "UNKNOWN"
	}

	log.Printf("[Worker] Processing (%s, %s)", chain, address)

	outcome := RowOK
	if err := w.refreshSanctions(ctx, chain, address); err != nil {
		log.Printf("[Worker] Sanctions refresh failed for (%s, %s): %v", chain, address, err)
		outcome = RowError
	}
	if err := w.refreshAge(ctx, chain, address); err != nil {
		log.Printf("[Worker] Age refresh failed for (%s, %s): %v", chain, address, err)
		outcome = RowError
	}
	return outcome
}

// stale implements the shared freshness rule. A storage read error counts
// as stale: when in doubt, re-check.
func (w *Worker) stale(status string, lastChecked *time.Time) bool {
	if status == "" {
		status = models.StatusPending
	}
	if status == models.StatusPending || status == models.StatusError {
		return true
	}
	if lastChecked == nil {
		return true
	}
	return w.now().Sub(*lastChecked) > w.recheck
}

func (w *Worker) refreshSanctions(ctx context.Context, chain, address string) error {
	dim, err := w.store.SanctionsDim(ctx, chain, address)
	if err != nil {
		log.Printf("[Worker] should_refresh sanctions read error, re-checking: %v", err)
		dim = nil
	}
	if dim != nil && !w.stale(dim.Status, dim.LastCheckedAt) {
		log.Printf("[Worker] Sanctions info fresh for (%s, %s), skipping API", chain, address)
		return nil
	}

	sanctioned, screenErr := w.sanctions.Screen(ctx, address)
	if screenErr != nil {
		// Keep the last known value on failure.
		prev := false
		if dim != nil {
			prev = dim.IsSanctioned
		}
		return w.store.UpsertSanctionsDim(ctx, chain, address, prev, models.StatusError, screenErr.Error())
	}
	log.Printf("[Worker] Upsert sanctions (%s, %s) is_sanctioned=%v", chain, address, sanctioned)
	return w.store.UpsertSanctionsDim(ctx, chain, address, sanctioned, models.StatusChecked, "")
}

func (w *Worker) refreshAge(ctx context.Context, chain, address string) error {
	dim, err := w.store.AgeDim(ctx, chain, address)
	if err != nil {
		log.Printf("[Worker] should_refresh age read error, re-checking: %v", err)
		dim = nil
	}
	if dim != nil && !w.stale(dim.Status, dim.LastCheckedAt) {
		log.Printf("[Worker] Age info fresh for (%s, %s), skipping API", chain, address)
		return nil
	}

	ageHours, firstSeen, errStr := w.ages.AgeForChain(ctx, chain, address)
	if errStr != "" {
		var prev *float64
		if dim != nil {
			prev = dim.AgeHours
		}
		return w.store.UpsertAgeDim(ctx, chain, address, prev, models.StatusError, nil, errStr)
	}
	if ageHours != nil {
		log.Printf("[Worker] Upsert age (%s, %s) age_hours=%.1f", chain, address, *ageHours)
	}
	return w.store.UpsertAgeDim(ctx, chain, address, ageHours, models.StatusChecked, firstSeen, "")
}
