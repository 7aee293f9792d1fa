package notify

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestLarkSendsCardForHold(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	client := NewLarkClient(srv.URL)
	client.Send(Alert{
		UserCode:      "U1",
		TxnID:         "T1",
		Decision:      "HOLD",
		PrimaryThreat: "GREYLIST",
		RiskScore:     80,
		Source:        "RULE_ENGINE_GREYLIST",
		Reason:        "Greylist hit on USER_CODE: U1. Reason: chargebacks",
		Token:         "USDT",
		Amount:        "1200",
	})

	for _, want := range []string{
		`"msg_type":"interactive"`,
		"Risk Decision: HOLD",
		"**Score:**\\n80",
		"Greylist hit on USER_CODE",
		"Source: RULE_ENGINE_GREYLIST",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("card missing %q in %s", want, body)
		}
	}
}

func TestLarkSkipsPass(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	client := NewLarkClient(srv.URL)
	client.Send(Alert{Decision: "PASS"})
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("PASS decisions must not notify")
	}
}

func TestLarkUnconfiguredIsNoop(t *testing.T) {
	client := NewLarkClient("")
	// Must not panic or block.
	client.Send(Alert{Decision: "REJECT"})
}

func TestBuildCardEmptyReason(t *testing.T) {
	card := buildCard(Alert{Decision: "REJECT"})
	elements := card["card"].(map[string]any)["elements"].([]any)
	reasoning := elements[2].(map[string]any)["text"].(map[string]any)["content"].(string)
	if !strings.Contains(reasoning, "No details provided") {
		t.Errorf("reasoning = %q", reasoning)
	}
}
