package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckSanctionsHitAndCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("X-API-Key") != "key" {
			t.Errorf("missing X-API-Key header")
		}
		w.Write([]byte(`{"identifications":[{"category":"sanctions"}]}`))
	}))
	defer srv.Close()

	client := NewSanctionsClient("key", srv.URL, time.Hour)
	ctx := context.Background()

	if !client.CheckSanctions(ctx, "bc1qbad") {
		t.Error("expected sanctioned = true")
	}
	// Second lookup within TTL must be served from cache.
	if !client.CheckSanctions(ctx, "bc1qbad") {
		t.Error("expected cached sanctioned = true")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestCheckSanctionsCleanAddress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"identifications":[]}`))
	}))
	defer srv.Close()

	client := NewSanctionsClient("key", srv.URL, time.Hour)
	if client.CheckSanctions(context.Background(), "bc1qok") {
		t.Error("expected sanctioned = false")
	}
}

func TestCheckSanctionsFailOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewSanctionsClient("key", srv.URL, time.Hour)
	if client.CheckSanctions(context.Background(), "bc1qerr") {
		t.Error("expected fail-open false on HTTP 500")
	}
}

func TestCheckSanctionsNoKeySkips(t *testing.T) {
	client := NewSanctionsClient("", "http://unused.invalid", time.Hour)
	if client.CheckSanctions(context.Background(), "bc1qany") {
		t.Error("expected false with no API key configured")
	}
}

func TestCheckSanctionsTTLExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"identifications":[]}`))
	}))
	defer srv.Close()

	client := NewSanctionsClient("key", srv.URL, time.Hour)
	now := time.Unix(5000, 0)
	client.now = func() time.Time { return now }

	ctx := context.Background()
	client.CheckSanctions(ctx, "addr")
	now = now.Add(2 * time.Hour)
	client.CheckSanctions(ctx, "addr")
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("upstream calls = %d, want 2 after TTL expiry", got)
	}
}

func TestCheckSanctionsCoalescesConcurrentMisses(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"identifications":[]}`))
	}))
	defer srv.Close()

	client := NewSanctionsClient("key", srv.URL, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.CheckSanctions(ctx, "bc1qsame")
		}()
	}
	// Let the goroutines pile up on the in-flight call, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream calls = %d, want 1 (coalesced)", got)
	}
}

func TestScreenErrorStrings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewSanctionsClient("key", srv.URL, time.Hour)

	if _, err := client.Screen(context.Background(), "addr"); err == nil || err.Error() != "HTTP_403" {
		t.Errorf("err = %v, want HTTP_403", err)
	}

	noKey := NewSanctionsClient("", srv.URL, time.Hour)
	if _, err := noKey.Screen(context.Background(), "addr"); err == nil || err.Error() != "API_KEY_MISSING" {
		t.Errorf("err = %v, want API_KEY_MISSING", err)
	}
	if _, err := client.Screen(context.Background(), ""); err == nil || err.Error() != "NO_ADDRESS" {
		t.Errorf("err = %v, want NO_ADDRESS", err)
	}
}
