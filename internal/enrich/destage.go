package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Destination-address age client (Blockchair dashboards API).
//
// Age is the hours since the address was first seen on-chain. A brand-new
// destination is a strong fraud signal, so rules key on it. Failures yield
// a null age and are NOT cached — the next request retries.

const destAgeTimeout = 8 * time.Second

// blockchairChains maps the exchange's chain codes to Blockchair path
// segments for the worker path.
var blockchairChains = map[string]string{
	"BTC": "bitcoin",
	"ETH": "ethereum",
	"TRX": "tron",
	"LTC": "litecoin",
	"BCH": "bitcoin-cash",
}

type ageEntry struct {
	hours     int64
	fetchedAt time.Time
}

type AgeClient struct {
	apiKey  string
	baseURL string
	ttl     time.Duration
	client  *http.Client
	now     func() time.Time

	mu     sync.Mutex
	cache  map[string]ageEntry
	flight singleflight.Group
}

func NewAgeClient(apiKey, baseURL string, ttl time.Duration) *AgeClient {
	return &AgeClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		ttl:     ttl,
		client:  &http.Client{Timeout: destAgeTimeout},
		now:     time.Now,
		cache:   make(map[string]ageEntry),
	}
}

// DetectChain guesses the chain from the address shape for the online path,
// where the feature row may not carry a chain code.
func DetectChain(address string) string {
	addr := strings.TrimSpace(address)
	switch {
	case strings.HasPrefix(addr, "0x") && len(addr) == 42:
		return "ethereum"
	case strings.HasPrefix(addr, "1"), strings.HasPrefix(addr, "3"), strings.HasPrefix(addr, "bc1"):
		return "bitcoin"
	case strings.HasPrefix(addr, "T") && len(addr) >= 30 && len(addr) <= 36:
		return "tron"
	default:
		return ""
	}
}

// FetchDestinationAgeHours returns the cached or freshly fetched address
// age in whole hours, or nil when the age cannot be determined.
func (c *AgeClient) FetchDestinationAgeHours(ctx context.Context, address string) *int64 {
	if address == "" || c.apiKey == "" {
		return nil
	}

	c.mu.Lock()
	if entry, ok := c.cache[address]; ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		log.Printf("[DestAge] Cache hit for %s: %dh", address, entry.hours)
		hours := entry.hours
		return &hours
	}
	c.mu.Unlock()

	result, _, _ := c.flight.Do(address, func() (any, error) {
		chain := DetectChain(address)
		if chain == "" {
			log.Printf("[DestAge] Could not detect chain for address: %s", address)
			return (*int64)(nil), nil
		}

		firstSeen, errStr := c.fetchFirstSeen(ctx, chain, address)
		if errStr != "" {
			log.Printf("[DestAge] Lookup failed for %s: %s", address, errStr)
			return (*int64)(nil), nil
		}
		if firstSeen == nil {
			log.Printf("[DestAge] No first_seen timestamp for %s", address)
			return (*int64)(nil), nil
		}

		hours := int64(c.now().Sub(*firstSeen).Hours())
		if hours < 0 {
			hours = 0
		}
		c.mu.Lock()
		c.cache[address] = ageEntry{hours: hours, fetchedAt: c.now()}
		c.mu.Unlock()
		log.Printf("[DestAge] Destination age for %s: %d hours", address, hours)
		return &hours, nil
	})
	return result.(*int64)
}

// AgeForChain is the worker-path variant keyed by the exchange's chain
// code. It returns the age, the parsed first-seen timestamp, and an error
// string for the dimension state machine ("" means CHECKED).
// A reachable but unseen address yields age 0 with no error.
func (c *AgeClient) AgeForChain(ctx context.Context, chainCode, address string) (*float64, *time.Time, string) {
	if c.apiKey == "" {
		return nil, nil, "API_KEY_MISSING"
	}
	if address == "" {
		return nil, nil, "NO_ADDRESS"
	}
	chain, ok := blockchairChains[strings.ToUpper(chainCode)]
	if !ok {
		return nil, nil, fmt.Sprintf("UNMAPPED_CHAIN_%s", chainCode)
	}

	firstSeen, errStr := c.fetchFirstSeen(ctx, chain, address)
	if errStr != "" {
		return nil, nil, errStr
	}
	if firstSeen == nil {
		zero := 0.0
		return &zero, nil, ""
	}

	hours := c.now().Sub(*firstSeen).Hours()
	if hours < 0 {
		hours = 0
	}
	return &hours, firstSeen, ""
}

// fetchFirstSeen calls the dashboards endpoint and extracts the first-seen
// timestamp. Returns (nil, "") when the address record carries none.
func (c *AgeClient) fetchFirstSeen(ctx context.Context, chain, address string) (*time.Time, string) {
	url := fmt.Sprintf("%s/%s/dashboards/address/%s?key=%s", c.baseURL, chain, address, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Sprintf("EXC_%v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Sprintf("EXC_%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Sprintf("EXC_%v", err)
	}

	var parsed struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Sprintf("EXC_%v", err)
	}
	if len(parsed.Data) == 0 {
		return nil, ""
	}

	// The data map is keyed by the queried address; take the first record.
	var record map[string]any
	for _, raw := range parsed.Data {
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, fmt.Sprintf("EXC_%v", err)
		}
		break
	}

	// Address metadata may be nested one level down.
	meta := record
	for _, key := range []string{"address", "address_data"} {
		if nested, ok := record[key].(map[string]any); ok {
			meta = nested
			break
		}
	}

	var firstSeenStr string
	for _, key := range []string{"first_seen_receiving", "first_seen_spending", "first_seen", "created_at"} {
		if v, ok := meta[key].(string); ok && v != "" {
			firstSeenStr = v
			break
		}
	}
	if firstSeenStr == "" {
		return nil, ""
	}

	ts, err := parseFirstSeen(firstSeenStr)
	if err != nil {
		return nil, fmt.Sprintf("EXC_%v", err)
	}
	return &ts, ""
}

// parseFirstSeen handles Blockchair's "YYYY-MM-DD HH:MM:SS" UTC format,
// with RFC3339 as a fallback for chains that return ISO timestamps.
func parseFirstSeen(s string) (time.Time, error) {
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, strings.Replace(s, "Z", "+00:00", 1))
}
