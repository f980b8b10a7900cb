package domain

import (
	"encoding/json"
	"testing"
)

func TestRawTransactionOptionalFields(t *testing.T) {
	t.Run("WellFormed", func(t *testing.T) {
		var tx RawTransaction
		data := `{"id":"t1","fromAccountId":"A","amount":"12.50","timestamp":"2026-03-01T10:00:00Z",` +
			`"deviceId":"d1","ipAddress":"10.0.0.1","asn":64512,"isVpn":true,"sessionAnomalyScore":0.8}`
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.ID != "t1" || tx.FromAccountID != "A" {
			t.Errorf("expected id t1 from A, got %s from %s", tx.ID, tx.FromAccountID)
		}
		if tx.Amount.String() != "12.5" {
			t.Errorf("expected amount 12.5, got %s", tx.Amount)
		}
		if tx.DeviceID != "d1" || tx.IPAddress != "10.0.0.1" || tx.ASN != "64512" {
			t.Errorf("unexpected context fields: %+v", tx)
		}
		if tx.IsVPN == nil || !*tx.IsVPN {
			t.Error("expected isVpn true")
		}
		if tx.SessionAnomalyScore == nil || *tx.SessionAnomalyScore != 0.8 {
			t.Errorf("expected session score 0.8, got %v", tx.SessionAnomalyScore)
		}
	})

	t.Run("MalformedTreatedAsAbsent", func(t *testing.T) {
		var tx RawTransaction
		data := `{"id":"t1","fromAccountId":"A","amount":1,"timestamp":"x",` +
			`"deviceId":{"a":1},"deviceFingerprintId":[1],"asn":true,"isVpn":"maybe","sessionAnomalyScore":"NaN"}`
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.DeviceID != "" || tx.DeviceFingerprintID != "" || tx.ASN != "" {
			t.Errorf("expected empty identifiers, got %+v", tx)
		}
		if tx.IsVPN != nil {
			t.Errorf("expected isVpn absent, got %v", *tx.IsVPN)
		}
		if tx.SessionAnomalyScore != nil {
			t.Errorf("expected session score absent, got %v", *tx.SessionAnomalyScore)
		}
	})

	t.Run("Coerced", func(t *testing.T) {
		var tx RawTransaction
		data := `{"id":"t1","fromAccountId":"A","amount":1,"timestamp":"x",` +
			`"deviceId":42,"isVpn":"1","sessionAnomalyScore":"0.25"}`
		if err := json.Unmarshal([]byte(data), &tx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.DeviceID != "42" {
			t.Errorf("expected device 42, got %s", tx.DeviceID)
		}
		if tx.IsVPN == nil || !*tx.IsVPN {
			t.Error("expected isVpn true from \"1\"")
		}
		if tx.SessionAnomalyScore == nil || *tx.SessionAnomalyScore != 0.25 {
			t.Errorf("expected session score 0.25, got %v", tx.SessionAnomalyScore)
		}
	})
}
