package cdc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
)

// Canal-style CDC envelope handling, shared by the decision engine's CDC
// ingress and the enrichment worker. A Kafka trigger delivers a batch of
// records whose "value" is either an object, a plain-JSON string, or a
// base64-encoded JSON string wrapping a {type, data:[...]} document.

// Skip reason codes returned for CDC records that carry no processable row.
const (
	SkipInvalidValue = "SKIPPED_INVALID_VALUE"
	SkipNonInsert    = "SKIPPED_NON_INSERT"
	SkipEmptyData    = "SKIPPED_EMPTY_DATA"
	SkipNoUserCode   = "SKIPPED_NO_USER_CODE"
)

// Record is one element of the Kafka batch envelope.
type Record struct {
	Value json.RawMessage `json:"value"`
}

// Document is the decoded Canal change document.
type Document struct {
	Type string           `json:"type"`
	Data []map[string]any `json:"data"`
}

// ParseBatch decodes a raw batch body into its records. An empty or
// non-array body is a parse error surfaced to the caller.
func ParseBatch(body []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("envelope is not a record array: %v", err)
	}
	return records, nil
}

// DecodeValue unwraps a record's value into a Document. String values are
// tried as base64-encoded JSON first, then as plain JSON, matching the
// upstream trigger's two delivery modes.
func DecodeValue(raw json.RawMessage) (*Document, bool) {
	if len(raw) == 0 {
		return nil, false
	}

	var doc Document
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &doc); err != nil {
			log.Printf("[CDC] Failed to parse inline value: %v", err)
			return nil, false
		}
		return &doc, true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		log.Printf("[CDC] Value is neither object nor string: %v", err)
		return nil, false
	}

	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		if err := json.Unmarshal(decoded, &doc); err == nil {
			return &doc, true
		}
	}
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		log.Printf("[CDC] Failed to parse value string: %v", err)
		return nil, false
	}
	return &doc, true
}

// Rows returns the document's data rows when it represents an insert.
// Documents with a non-INSERT type (UPDATE, DELETE, DDL heartbeats) are
// skipped; a missing type is treated as INSERT.
func Rows(doc *Document) ([]map[string]any, string) {
	if doc == nil {
		return nil, SkipInvalidValue
	}
	if doc.Type != "" && doc.Type != "INSERT" {
		return nil, SkipNonInsert
	}
	if len(doc.Data) == 0 {
		return nil, SkipEmptyData
	}
	return doc.Data, ""
}

// RowString reads the first present key from a data row as a string,
// normalizing numeric IDs delivered as JSON numbers.
func RowString(row map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			// JSON numbers: render integral IDs without a fraction.
			if t == float64(int64(t)) {
				return fmt.Sprintf("%d", int64(t))
			}
			return fmt.Sprintf("%v", t)
		default:
			return fmt.Sprintf("%v", t)
		}
	}
	return ""
}

// ExtractKeys pulls (user_code, txn_id) from a withdraw data row.
// A missing user_code yields SKIPPED_NO_USER_CODE.
func ExtractKeys(row map[string]any) (userCode, txnID, skip string) {
	userCode = RowString(row, "user_code", "userCode")
	if userCode == "" {
		return "", "", SkipNoUserCode
	}
	txnID = RowString(row, "code", "transaction_id", "id")
	return userCode, txnID, ""
}
