package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawTransaction is a transaction record as supplied by the caller.
// Optional fields may be absent; absence is never an error.
type RawTransaction struct {
	ID              string          `json:"id"`
	FromAccountID   string          `json:"fromAccountId"`
	ToAccountID     string          `json:"toAccountId,omitempty"`
	ToAccountNumber string          `json:"toAccountNumber,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Timestamp       string          `json:"timestamp"`

	// Device and network context
	DeviceID            string     `json:"deviceId,omitempty"`
	DeviceFingerprintID string     `json:"deviceFingerprintId,omitempty"`
	IPAddress           string     `json:"ipAddress,omitempty"`
	ASN                 FlexString `json:"asn,omitempty"`
	IsVPN               *bool      `json:"isVpn,omitempty"`

	// SessionAnomalyScore is an externally computed biometric/session anomaly score in [0,1].
	SessionAnomalyScore *float64 `json:"sessionAnomalyScore,omitempty"`
}

// UnmarshalJSON decodes a transaction, treating malformed optional
// context fields as absent rather than failing the whole record.
func (t *RawTransaction) UnmarshalJSON(data []byte) error {
	type plain RawTransaction
	aux := struct {
		*plain
		DeviceID            FlexString `json:"deviceId"`
		DeviceFingerprintID FlexString `json:"deviceFingerprintId"`
		IPAddress           FlexString `json:"ipAddress"`
		IsVPN               FlexBool   `json:"isVpn"`
		SessionAnomalyScore FlexFloat  `json:"sessionAnomalyScore"`
	}{plain: (*plain)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.DeviceID = string(aux.DeviceID)
	t.DeviceFingerprintID = string(aux.DeviceFingerprintID)
	t.IPAddress = string(aux.IPAddress)
	t.IsVPN = aux.IsVPN.Ptr()
	t.SessionAnomalyScore = aux.SessionAnomalyScore.Ptr()
	return nil
}

// FlexString accepts either a JSON string or a JSON number.
// ASNs arrive as both depending on the upstream enrichment service.
// Any other JSON value decodes to the empty string.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	*f = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch {
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*f = FlexString(s)
		}
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			*f = FlexString(n.String())
		}
	}
	return nil
}

// FlexBool accepts a JSON bool, a boolean string ("true", "0", ...) or
// the numbers 0 and 1. Anything else leaves it unset.
type FlexBool struct {
	Value bool
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexBool) UnmarshalJSON(data []byte) error {
	*f = FlexBool{}
	data = bytes.TrimSpace(data)
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
	}
	if b, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
		*f = FlexBool{Value: b, Valid: true}
	}
	return nil
}

// Ptr returns nil when unset.
func (f FlexBool) Ptr() *bool {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// FlexFloat accepts a JSON number or a numeric string. Non-finite or
// unparseable values leave it unset.
type FlexFloat struct {
	Value float64
	Valid bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	*f = FlexFloat{}
	data = bytes.TrimSpace(data)
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*f = FlexFloat{Value: v, Valid: true}
	return nil
}

// Ptr returns nil when unset.
func (f FlexFloat) Ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// TransactionEvent is the canonical, immutable event shape used by the engine.
// One event per transaction, keyed by the sending account.
type TransactionEvent struct {
	ID             string
	AccountID      string // sender
	CounterpartyID string
	Amount         float64
	Timestamp      time.Time // zero when the source timestamp was unparseable

	DeviceID            string
	DeviceFingerprintID string
	IPAddress           string
	IPSubnet            string // derived a.b.c.0/24 for IPv4
	ASN                 string
	VPN                 bool

	SessionAnomaly *float64
}

// HasTimestamp reports whether the event can take part in time-based rules.
func (e TransactionEvent) HasTimestamp() bool {
	return !e.Timestamp.IsZero()
}

// DefaultTenant is used when a snapshot carries no tenant.
const DefaultTenant = "default"

// Snapshot is the finite input of one engine invocation.
type Snapshot struct {
	TenantID     string            `json:"tenantId"`
	Transactions []RawTransaction  `json:"transactions"`
	AccountNames map[string]string `json:"accountNames,omitempty"`
}
