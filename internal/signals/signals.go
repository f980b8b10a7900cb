// Package signals computes the normalized suspicion metrics of a cluster.
package signals

import (
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Calculator computes ClusterMetrics from a cluster's members, events and links.
type Calculator struct {
	cfg domain.SignalConfig
}

// NewCalculator creates a calculator with the given configuration.
func NewCalculator(cfg domain.SignalConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Compute returns the fourteen signals for one cluster. events must be the
// events sent by the members; links the links inside the cluster.
func (c *Calculator) Compute(members []string, events []domain.TransactionEvent, links []domain.IdentityLink) domain.ClusterMetrics {
	n := len(members)
	pairs := maxPairs(n)

	linkCounts := make(map[domain.LinkType]int)
	for _, l := range links {
		linkCounts[l.Type]++
	}

	timed := timeOrdered(events)

	ipReuse := c.cfg.IPWeight*float64(linkCounts[domain.LinkIP]) +
		c.cfg.SubnetWeight*float64(linkCounts[domain.LinkSubnet]) +
		c.cfg.ASNWeight*float64(linkCounts[domain.LinkASN])

	m := domain.ClusterMetrics{
		FingerprintReuse:     c.reuse(events, n, c.cfg.FingerprintBase, fingerprintOf),
		DeviceIDReuse:        c.reuse(events, n, c.cfg.DeviceBase, deviceOf),
		IPReuse:              clamp(ipReuse / pairs),
		VPNPresence:          c.vpnPresence(events, n),
		TimeSync:             math.Sqrt(clamp(float64(linkCounts[domain.LinkTime]) / pairs)),
		GraphDensity:         math.Pow(clamp(float64(len(links))/pairs), c.cfg.DensityExponent),
		BurstWindow:          clamp(float64(c.burstWindows(timed)) / c.cfg.BurstDivisor),
		SynchronizedActivity: clamp(float64(c.synchronizedPairs(timed)) / c.cfg.SyncDivisor),
		Funnel:               clamp(float64(c.funnelAccounts(events)) / c.cfg.FunnelDivisor),
		CircularFlow:         clamp(float64(countCycles(events)) / c.cfg.CycleDivisor),
		PassThrough:          clamp(float64(c.passThroughPairs(timed)) / c.cfg.PassDivisor),
		Automation:           c.automation(timed, events),
		PhysicalConflict:     clamp(float64(c.physicalConflicts(timed)) / c.cfg.ConflictDivisor),
	}
	m.BiometricAnomaly, m.BiometricAvailable = biometric(events)
	return m
}

func fingerprintOf(e domain.TransactionEvent) string { return e.DeviceFingerprintID }
func deviceOf(e domain.TransactionEvent) string      { return e.DeviceID }

func maxPairs(n int) float64 {
	p := float64(n) * float64(n-1) / 2
	if p < 1 {
		return 1
	}
	return p
}

// reuse scores the largest group of members sharing one attribute value.
func (c *Calculator) reuse(events []domain.TransactionEvent, n int, base float64, value func(domain.TransactionEvent) string) float64 {
	groups := make(map[string]map[string]struct{})
	for _, e := range events {
		v := value(e)
		if v == "" {
			continue
		}
		if groups[v] == nil {
			groups[v] = make(map[string]struct{})
		}
		groups[v][e.AccountID] = struct{}{}
	}

	largest := 0
	for _, accounts := range groups {
		if len(accounts) > 1 && len(accounts) > largest {
			largest = len(accounts)
		}
	}
	if largest == 0 || n == 0 {
		return 0
	}
	return clamp(base + c.cfg.ReuseSpan*float64(largest)/float64(n))
}

func (c *Calculator) vpnPresence(events []domain.TransactionEvent, n int) float64 {
	vpn := make(map[string]struct{})
	for _, e := range events {
		if e.VPN {
			vpn[e.AccountID] = struct{}{}
		}
	}
	if len(vpn) == 0 || n == 0 {
		return 0
	}
	return clamp(c.cfg.VPNBase + c.cfg.VPNSpan*float64(len(vpn))/float64(n))
}

// burstWindows counts start positions whose window holds at least BurstMinTx events.
func (c *Calculator) burstWindows(timed []domain.TransactionEvent) int {
	count := 0
	j := 0
	for i := range timed {
		if j < i {
			j = i
		}
		for j+1 < len(timed) && timed[j+1].Timestamp.Sub(timed[i].Timestamp) <= c.cfg.BurstWindow {
			j++
		}
		if j-i+1 >= c.cfg.BurstMinTx {
			count++
		}
	}
	return count
}

// synchronizedPairs counts cross-account event pairs within SyncWindow.
func (c *Calculator) synchronizedPairs(timed []domain.TransactionEvent) int {
	count := 0
	for i := range timed {
		for j := i + 1; j < len(timed); j++ {
			if timed[j].Timestamp.Sub(timed[i].Timestamp) > c.cfg.SyncWindow {
				break
			}
			if timed[i].AccountID != timed[j].AccountID {
				count++
			}
		}
	}
	return count
}

// funnelAccounts counts accounts with high fan-in and minimal fan-out.
func (c *Calculator) funnelAccounts(events []domain.TransactionEvent) int {
	in := make(map[string]map[string]struct{})
	out := make(map[string]map[string]struct{})
	add := func(m map[string]map[string]struct{}, k, v string) {
		if m[k] == nil {
			m[k] = make(map[string]struct{})
		}
		m[k][v] = struct{}{}
	}
	for _, e := range events {
		if e.CounterpartyID == "" || e.CounterpartyID == e.AccountID {
			continue
		}
		add(out, e.AccountID, e.CounterpartyID)
		add(in, e.CounterpartyID, e.AccountID)
	}

	count := 0
	for account, senders := range in {
		if len(senders) >= c.cfg.FunnelMinIn && len(out[account]) <= c.cfg.FunnelMaxOut {
			count++
		}
	}
	return count
}

// countCycles counts 2-cycles as unordered pairs and directed 3-cycles rooted at
// their smallest account. Longer cycles are not detected.
func countCycles(events []domain.TransactionEvent) int {
	adj := make(map[string]map[string]struct{})
	for _, e := range events {
		if e.CounterpartyID == "" || e.CounterpartyID == e.AccountID {
			continue
		}
		if adj[e.AccountID] == nil {
			adj[e.AccountID] = make(map[string]struct{})
		}
		adj[e.AccountID][e.CounterpartyID] = struct{}{}
	}
	has := func(a, b string) bool {
		_, ok := adj[a][b]
		return ok
	}

	count := 0
	for a, next := range adj {
		for b := range next {
			if a < b && has(b, a) {
				count++
			}
			if b <= a {
				continue
			}
			for c := range adj[b] {
				if c <= a || c == b {
					continue
				}
				if has(c, a) {
					count++
				}
			}
		}
	}
	return count
}

// passThroughPairs counts (inflow, outflow) pairs at the same account where the
// outflow follows the inflow within PassWindow.
func (c *Calculator) passThroughPairs(timed []domain.TransactionEvent) int {
	inflows := make(map[string][]time.Time)
	outflows := make(map[string][]time.Time)
	for _, e := range timed {
		outflows[e.AccountID] = append(outflows[e.AccountID], e.Timestamp)
		if e.CounterpartyID != "" && e.CounterpartyID != e.AccountID {
			inflows[e.CounterpartyID] = append(inflows[e.CounterpartyID], e.Timestamp)
		}
	}

	count := 0
	for account, ins := range inflows {
		outs := outflows[account]
		if len(outs) == 0 {
			continue
		}
		for _, in := range ins {
			lo := sort.Search(len(outs), func(i int) bool { return !outs[i].Before(in) })
			hi := sort.Search(len(outs), func(i int) bool { return outs[i].Sub(in) > c.cfg.PassWindow })
			count += hi - lo
		}
	}
	return count
}

// automation scores machine-like regularity of timing and amounts.
func (c *Calculator) automation(timed, events []domain.TransactionEvent) float64 {
	if len(events) < c.cfg.AutomationMinTx {
		return 0
	}
	score := 0.0

	regularTiming := false
	if len(timed) >= c.cfg.AutomationMinTx {
		gaps := make([]float64, 0, len(timed)-1)
		subSecond := false
		for i := 1; i < len(timed); i++ {
			gap := timed[i].Timestamp.Sub(timed[i-1].Timestamp)
			if gap < time.Second {
				subSecond = true
			}
			gaps = append(gaps, gap.Seconds())
		}
		mean, std := meanStd(gaps)
		if mean > 0 {
			cv := std / mean
			switch {
			case cv < c.cfg.AutomationRegularCV:
				score += c.cfg.AutomationRegularScore
				regularTiming = true
			case cv < c.cfg.AutomationSteadyCV:
				score += c.cfg.AutomationSteadyScore
			}
		}
		if subSecond {
			score += c.cfg.AutomationSubSecondScore
		}
	}

	amounts := make(map[int64]int)
	top := 0
	for _, e := range events {
		k := int64(math.Round(e.Amount * 100))
		amounts[k]++
		if amounts[k] > top {
			top = amounts[k]
		}
	}
	repeat := float64(top) / float64(len(events))
	switch {
	case repeat > c.cfg.AutomationRepeatHigh:
		score += c.cfg.AutomationRepeatHighScore
		if regularTiming {
			score += c.cfg.AutomationRegularBonus
		}
	case repeat > c.cfg.AutomationRepeatLow:
		score += c.cfg.AutomationRepeatLowScore
	}

	return clamp(score)
}

// physicalConflicts counts same-account event pairs within ConflictWindow that used different IPs.
func (c *Calculator) physicalConflicts(timed []domain.TransactionEvent) int {
	byAccount := make(map[string][]domain.TransactionEvent)
	for _, e := range timed {
		if e.IPAddress != "" {
			byAccount[e.AccountID] = append(byAccount[e.AccountID], e)
		}
	}

	count := 0
	for _, evs := range byAccount {
		for i := range evs {
			for j := i + 1; j < len(evs); j++ {
				if evs[j].Timestamp.Sub(evs[i].Timestamp) > c.cfg.ConflictWindow {
					break
				}
				if evs[i].IPAddress != evs[j].IPAddress {
					count++
				}
			}
		}
	}
	return count
}

// biometric averages the supplied session anomaly scores.
func biometric(events []domain.TransactionEvent) (float64, bool) {
	sum, count := 0.0, 0
	for _, e := range events {
		if e.SessionAnomaly != nil {
			sum += *e.SessionAnomaly
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return clamp(sum / float64(count)), true
}

func timeOrdered(events []domain.TransactionEvent) []domain.TransactionEvent {
	out := make([]domain.TransactionEvent, 0, len(events))
	for _, e := range events {
		if e.HasTimestamp() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(variance / float64(len(xs)))
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
