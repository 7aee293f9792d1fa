package cdc

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestDecodeValueInlineObject(t *testing.T) {
	raw := json.RawMessage(`{"type":"INSERT","data":[{"user_code":"U1","code":"T1"}]}`)
	doc, ok := DecodeValue(raw)
	if !ok {
		t.Fatal("expected inline object to decode")
	}
	if doc.Type != "INSERT" || len(doc.Data) != 1 {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestDecodeValueBase64String(t *testing.T) {
	inner := `{"type":"INSERT","data":[{"user_code":"U2"}]}`
	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString([]byte(inner)))

	doc, ok := DecodeValue(json.RawMessage(encoded))
	if !ok {
		t.Fatal("expected base64 string to decode")
	}
	if got := doc.Data[0]["user_code"]; got != "U2" {
		t.Errorf("user_code = %v, want U2", got)
	}
}

func TestDecodeValuePlainJSONString(t *testing.T) {
	encoded, _ := json.Marshal(`{"type":"INSERT","data":[{"user_code":"U3"}]}`)
	doc, ok := DecodeValue(json.RawMessage(encoded))
	if !ok {
		t.Fatal("expected plain JSON string to decode")
	}
	if got := doc.Data[0]["user_code"]; got != "U3" {
		t.Errorf("user_code = %v, want U3", got)
	}
}

func TestDecodeValueGarbage(t *testing.T) {
	if _, ok := DecodeValue(json.RawMessage(`"not json at all"`)); ok {
		t.Error("expected garbage string to fail decoding")
	}
	if _, ok := DecodeValue(nil); ok {
		t.Error("expected empty value to fail decoding")
	}
}

func TestRowsSkipReasons(t *testing.T) {
	cases := []struct {
		name string
		doc  *Document
		skip string
	}{
		{"nil document", nil, SkipInvalidValue},
		{"update event", &Document{Type: "UPDATE", Data: []map[string]any{{"a": 1}}}, SkipNonInsert},
		{"delete event", &Document{Type: "DELETE"}, SkipNonInsert},
		{"empty data", &Document{Type: "INSERT"}, SkipEmptyData},
		{"missing type is insert", &Document{Data: []map[string]any{{"a": 1}}}, ""},
		{"explicit insert", &Document{Type: "INSERT", Data: []map[string]any{{"a": 1}}}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, skip := Rows(tc.doc)
			if skip != tc.skip {
				t.Errorf("skip = %q, want %q", skip, tc.skip)
			}
			if skip == "" && len(rows) == 0 {
				t.Error("expected rows for non-skipped document")
			}
		})
	}
}

func TestRowStringNumericID(t *testing.T) {
	row := map[string]any{"id": float64(123456789)}
	if got := RowString(row, "code", "id"); got != "123456789" {
		t.Errorf("RowString = %q, want 123456789", got)
	}
}

func TestExtractKeys(t *testing.T) {
	userCode, txnID, skip := ExtractKeys(map[string]any{"user_code": "U1", "code": "T9"})
	if skip != "" || userCode != "U1" || txnID != "T9" {
		t.Errorf("got (%q, %q, %q)", userCode, txnID, skip)
	}

	// camelCase fallback and alternate txn keys
	userCode, txnID, skip = ExtractKeys(map[string]any{"userCode": "U2", "transaction_id": "T2"})
	if skip != "" || userCode != "U2" || txnID != "T2" {
		t.Errorf("got (%q, %q, %q)", userCode, txnID, skip)
	}

	_, _, skip = ExtractKeys(map[string]any{"code": "T3"})
	if skip != SkipNoUserCode {
		t.Errorf("skip = %q, want %q", skip, SkipNoUserCode)
	}
}

func TestParseBatch(t *testing.T) {
	records, err := ParseBatch([]byte(`[{"value":{"type":"INSERT","data":[]}},{"value":"abc"}]`))
	if err != nil {
		t.Fatalf("ParseBatch: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len = %d, want 2", len(records))
	}

	if _, err := ParseBatch([]byte(`{"not":"a list"}`)); err == nil {
		t.Error("expected error for non-array envelope")
	}
}
