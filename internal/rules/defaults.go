package rules

import "github.com/opensource-finance/kestrel/internal/domain"

// DefaultFlagRules returns the built-in explanation flags.
func DefaultFlagRules() []domain.FlagRule {
	return []domain.FlagRule{
		{
			ID:         "flag-supervised-high",
			Flag:       "supervised model rates this cluster as high risk",
			Expression: "supervised_risk >= 0.7",
			Enabled:    true,
		},
		{
			ID:         "flag-anomaly-high",
			Flag:       "cluster behaviour is anomalous compared to the training population",
			Expression: "anomaly_score >= 0.65",
			Enabled:    true,
		},
		{
			ID:         "flag-shared-device-burst",
			Flag:       "shared devices combined with bursty activity",
			Expression: "(fingerprint_reuse > 0.5 || device_reuse > 0.5) && burst_rate > 0.5",
			Enabled:    true,
		},
		{
			ID:         "flag-money-movement",
			Flag:       "funds are aggregated or cycled between members",
			Expression: "funnel > 0.4 || circular_flow > 0.4 || pass_through > 0.6",
			Enabled:    true,
		},
		{
			ID:         "flag-scripted",
			Flag:       "transaction timing and amounts look scripted",
			Expression: "automation >= 0.5 && velocity > 0.2",
			Enabled:    true,
		},
		{
			ID:         "flag-anonymised-network",
			Flag:       "members route traffic through VPNs",
			Expression: "vpn_ratio > 0.5 && vpn_presence > 0.7",
			Enabled:    true,
		},
	}
}
