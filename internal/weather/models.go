package weather

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the normalized, validated representation of one weather observation.
// It is constructed by a provider from a single API response and is immutable
// from then on.
type Record struct {
	Location     string
	ObservedAt   time.Time // always UTC
	TemperatureC float64
	HumidityPct  float64
	Condition    string

	// Raw is the unmodified source payload, retained for traceability.
	Raw json.RawMessage
}

// canonicalRecord fixes the field order of the persisted document.
type canonicalRecord struct {
	Location     string          `json:"location"`
	ObservedAt   string          `json:"observed_at"`
	TemperatureC float64         `json:"temperature_c"`
	HumidityPct  float64         `json:"humidity_pct"`
	Condition    string          `json:"condition"`
	Raw          json.RawMessage `json:"raw"`
}

// MarshalCanonical encodes the record as the canonical stored document:
// stable key order, RFC 3339 UTC timestamp, unit-tagged field names.
// Encoding the same record twice yields identical bytes.
func (r Record) MarshalCanonical() ([]byte, error) {
	raw := r.Raw
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(canonicalRecord{
		Location:     r.Location,
		ObservedAt:   r.ObservedAt.UTC().Format(time.RFC3339),
		TemperatureC: r.TemperatureC,
		HumidityPct:  r.HumidityPct,
		Condition:    r.Condition,
		Raw:          raw,
	})
}

// Validate reports whether the record is complete enough to persist.
// A record failing validation is rejected whole; nothing partial is stored.
func (r Record) Validate() error {
	if r.Location == "" {
		return fmt.Errorf("record has no location")
	}
	if r.ObservedAt.IsZero() {
		return fmt.Errorf("record has no observation timestamp")
	}
	if r.HumidityPct < 0 || r.HumidityPct > 100 {
		return fmt.Errorf("humidity %.1f%% out of range [0,100]", r.HumidityPct)
	}
	return nil
}
