package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Sanctions screening client (Chainalysis-shaped API).
//
// The online check is deliberately fail-open: any HTTP or network error is
// treated as "not sanctioned" and logged. The async enrichment worker is
// the source of truth; this client is only the low-latency short-circuit.
// Positive and negative results are both cached so a screened address costs
// one upstream call per TTL window, and concurrent misses for the same
// address collapse into a single outbound call.

const sanctionsTimeout = 5 * time.Second

type sanctionsEntry struct {
	sanctioned bool
	fetchedAt  time.Time
}

type SanctionsClient struct {
	apiKey  string
	baseURL string
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	cache  map[string]sanctionsEntry
	flight singleflight.Group
}

func NewSanctionsClient(apiKey, baseURL string, ttl time.Duration) *SanctionsClient {
	return &SanctionsClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: sanctionsTimeout},
		now:     time.Now,
		cache:   make(map[string]sanctionsEntry),
	}
}

type sanctionsResponse struct {
	Identifications []json.RawMessage `json:"identifications"`
}

// CheckSanctions reports whether the address is sanctioned. With no API key
// configured the check is skipped entirely (false, no call).
func (c *SanctionsClient) CheckSanctions(ctx context.Context, address string) bool {
	if address == "" || c.apiKey == "" {
		return false
	}

	c.mu.Lock()
	if entry, ok := c.cache[address]; ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		log.Printf("[Sanctions] Cache hit for %s: %v", address, entry.sanctioned)
		return entry.sanctioned
	}
	c.mu.Unlock()

	result, _, _ := c.flight.Do(address, func() (any, error) {
		sanctioned, err := c.Screen(ctx, address)
		if err != nil {
			// Fail-open: missing risk signal, not a verdict.
			log.Printf("[Sanctions] API error for %s (fail-open): %v", address, err)
			sanctioned = false
		}
		c.mu.Lock()
		c.cache[address] = sanctionsEntry{sanctioned: sanctioned, fetchedAt: c.now()}
		c.mu.Unlock()
		return sanctioned, nil
	})
	return result.(bool)
}

// Screen performs one uncached screening call and surfaces the error, for
// callers (the worker's state machine) that need to distinguish ERROR from
// a clean negative.
func (c *SanctionsClient) Screen(ctx context.Context, address string) (bool, error) {
	if c.apiKey == "" {
		return false, fmt.Errorf("API_KEY_MISSING")
	}
	if address == "" {
		return false, fmt.Errorf("NO_ADDRESS")
	}

	url := fmt.Sprintf("%s/%s", c.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("EXC_%v", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("EXC_%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("HTTP_%d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("EXC_%v", err)
	}
	var parsed sanctionsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("EXC_%v", err)
	}

	sanctioned := len(parsed.Identifications) > 0
	if sanctioned {
		log.Printf("[Sanctions] SANCTION HIT: %s", address)
	}
	return sanctioned, nil
}
