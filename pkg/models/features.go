package models

import "strings"

// FeatureBag is the opaque attribute map for a single withdrawal attempt,
// read from risk_features. The schema is owned by the upstream streaming
// job; the cascade only reads keys by name and must treat an absent or nil
// key as the neutral value, never as an error.
type FeatureBag map[string]any

// Get returns the raw value, or nil if absent.
func (f FeatureBag) Get(key string) any {
	if f == nil {
		return nil
	}
	return f[key]
}

// Has reports whether the key exists with a non-nil value.
func (f FeatureBag) Has(key string) bool {
	if f == nil {
		return false
	}
	v, ok := f[key]
	return ok && v != nil
}

// String returns the value as a string, or "" when absent or not stringy.
func (f FeatureBag) String(key string) string {
	switch v := f.Get(key).(type) {
	case string:
		return v
	default:
		return ""
	}
}

// Bool coerces the value to bool. Numeric values follow truthiness
// (non-zero = true) because upstream writes flags as 0/1 in places.
func (f FeatureBag) Bool(key string) bool {
	switch v := f.Get(key).(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		return v == "true" || v == "1"
	default:
		return false
	}
}

// Float coerces the value to float64, returning (value, true) only when a
// numeric interpretation exists.
func (f FeatureBag) Float(key string) (float64, bool) {
	switch v := f.Get(key).(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// FirstFloat returns the first key with a numeric value, for feature pairs
// with alternate names (withdrawal_amount_usd / withdrawal_amount).
func (f FeatureBag) FirstFloat(keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := f.Float(k); ok {
			return v, true
		}
	}
	return 0, false
}

// FirstString returns the first key with a non-empty string value.
func (f FeatureBag) FirstString(keys ...string) string {
	for _, k := range keys {
		if s := f.String(k); s != "" {
			return s
		}
	}
	return ""
}

// EmailDomain extracts the lowercased domain from user_email/email,
// or "" when no usable address is present.
func (f FeatureBag) EmailDomain() string {
	email := f.FirstString("user_email", "email")
	at := strings.Index(email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

// Clone returns a shallow copy so a stage can snapshot the bag before
// derived features are stamped in.
func (f FeatureBag) Clone() FeatureBag {
	out := make(FeatureBag, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
