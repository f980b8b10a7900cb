// Package features builds the normalized model input vector of a cluster.
package features

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Scaling caps that map raw quantities into [0,1].
const (
	velocityCap    = 5.0  // transactions per minute
	logVarianceCap = 4.0  // variance of ln(1+amount)
	clusterSizeCap = 20.0 // accounts
)

// Extractor builds FeatureVectors.
type Extractor struct {
	burstWindow time.Duration
}

// NewExtractor creates an extractor using the burst window of the signal config.
func NewExtractor(cfg domain.SignalConfig) *Extractor {
	return &Extractor{burstWindow: cfg.BurstWindow}
}

// Extract returns the 18-dimensional feature vector. Every value is in [0,1].
// Inputs are read only.
func (x *Extractor) Extract(members []string, events []domain.TransactionEvent, links []domain.IdentityLink, m domain.ClusterMetrics) domain.FeatureVector {
	var fv domain.FeatureVector

	n := len(members)
	pairs := float64(n) * float64(n-1) / 2
	if pairs < 1 {
		pairs = 1
	}

	times := make([]time.Time, 0, len(events))
	for _, e := range events {
		if e.HasTimestamp() {
			times = append(times, e.Timestamp)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	fv[0] = velocity(times)
	fv[1] = clamp(logAmountVariance(events) / logVarianceCap)
	fv[2] = x.burstRate(times)
	fv[3] = distinctRatio(events, func(e domain.TransactionEvent) string { return e.IPAddress })
	fv[4] = distinctRatio(events, func(e domain.TransactionEvent) string { return e.DeviceID })
	fv[5] = vpnRatio(events)
	fv[6] = clamp(float64(len(links)) / pairs)
	fv[7] = clamp(float64(n) / clusterSizeCap)
	fv[8] = m.FingerprintReuse
	fv[9] = m.DeviceIDReuse
	fv[10] = m.IPReuse
	fv[11] = m.VPNPresence
	fv[12] = m.TimeSync
	fv[13] = m.SynchronizedActivity
	fv[14] = m.Funnel
	fv[15] = m.CircularFlow
	fv[16] = m.PassThrough
	fv[17] = m.Automation

	for i := range fv {
		fv[i] = clamp(fv[i])
	}
	return fv
}

func velocity(times []time.Time) float64 {
	if len(times) < 2 {
		return 0
	}
	span := times[len(times)-1].Sub(times[0]).Minutes()
	if span < 1 {
		span = 1
	}
	return clamp(float64(len(times)) / span / velocityCap)
}

func logAmountVariance(events []domain.TransactionEvent) float64 {
	if len(events) < 2 {
		return 0
	}
	var sum float64
	logs := make([]float64, len(events))
	for i, e := range events {
		logs[i] = math.Log1p(math.Max(e.Amount, 0))
		sum += logs[i]
	}
	mean := sum / float64(len(logs))
	var variance float64
	for _, v := range logs {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(logs))
}

// burstRate is the share of consecutive gaps that fall inside the burst window.
func (x *Extractor) burstRate(times []time.Time) float64 {
	if len(times) < 2 {
		return 0
	}
	short := 0
	for i := 1; i < len(times); i++ {
		if times[i].Sub(times[i-1]) <= x.burstWindow {
			short++
		}
	}
	return float64(short) / float64(len(times)-1)
}

func distinctRatio(events []domain.TransactionEvent, value func(domain.TransactionEvent) string) float64 {
	seen := make(map[string]struct{})
	total := 0
	for _, e := range events {
		v := value(e)
		if v == "" {
			continue
		}
		total++
		seen[v] = struct{}{}
	}
	if total == 0 {
		return 0
	}
	return float64(len(seen)) / float64(total)
}

func vpnRatio(events []domain.TransactionEvent) float64 {
	if len(events) == 0 {
		return 0
	}
	vpn := 0
	for _, e := range events {
		if e.VPN {
			vpn++
		}
	}
	return float64(vpn) / float64(len(events))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
