// Package normalizer maps raw transaction records into canonical events.
package normalizer

import (
	"net/netip"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// timestampLayouts are tried in order. Sources without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
}

// Normalize converts one raw record into a TransactionEvent.
// Missing optional fields become empty values. It never fails.
func Normalize(raw domain.RawTransaction) domain.TransactionEvent {
	ip := strings.TrimSpace(raw.IPAddress)

	counterparty := strings.TrimSpace(raw.ToAccountID)
	if counterparty == "" {
		counterparty = strings.TrimSpace(raw.ToAccountNumber)
	}

	amount, _ := raw.Amount.Float64()

	ev := domain.TransactionEvent{
		ID:                  strings.TrimSpace(raw.ID),
		AccountID:           strings.TrimSpace(raw.FromAccountID),
		CounterpartyID:      counterparty,
		Amount:              amount,
		Timestamp:           ParseTimestamp(raw.Timestamp),
		DeviceID:            strings.TrimSpace(raw.DeviceID),
		DeviceFingerprintID: strings.TrimSpace(raw.DeviceFingerprintID),
		IPAddress:           ip,
		IPSubnet:            Subnet24(ip),
		ASN:                 strings.TrimSpace(string(raw.ASN)),
	}
	if raw.IsVPN != nil {
		ev.VPN = *raw.IsVPN
	}
	if raw.SessionAnomalyScore != nil {
		s := clamp01(*raw.SessionAnomalyScore)
		ev.SessionAnomaly = &s
	}
	return ev
}

// NormalizeAll converts a batch, preserving order. Records without a sender are dropped.
func NormalizeAll(raws []domain.RawTransaction) []domain.TransactionEvent {
	events := make([]domain.TransactionEvent, 0, len(raws))
	for _, raw := range raws {
		ev := Normalize(raw)
		if ev.AccountID == "" {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Subnet24 returns "a.b.c.0/24" for a dotted-decimal IPv4 address, else "".
func Subnet24(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return ""
	}
	prefix, err := addr.Prefix(24)
	if err != nil {
		return ""
	}
	return prefix.String()
}

// ParseTimestamp parses an ISO-8601 timestamp. Unparseable input yields the zero time.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
