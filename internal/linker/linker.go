// Package linker discovers identity links between sending accounts.
package linker

import (
	"sort"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Linker applies the pairwise linking rules to a batch of events.
// Only the sending account of an event takes part in linking.
type Linker struct {
	cfg domain.LinkingConfig
}

// New creates a linker with the given configuration.
func New(cfg domain.LinkingConfig) *Linker {
	return &Linker{cfg: cfg}
}

// attribute extracts one shared-attribute value from an event.
type attribute struct {
	linkType domain.LinkType
	metaKey  string
	value    func(domain.TransactionEvent) string
}

var attributes = []attribute{
	{domain.LinkFingerprint, "fingerprint", func(e domain.TransactionEvent) string { return e.DeviceFingerprintID }},
	{domain.LinkDeviceID, "deviceId", func(e domain.TransactionEvent) string { return e.DeviceID }},
	{domain.LinkIP, "ip", func(e domain.TransactionEvent) string { return e.IPAddress }},
	{domain.LinkSubnet, "subnet", func(e domain.TransactionEvent) string { return e.IPSubnet }},
	{domain.LinkASN, "asn", func(e domain.TransactionEvent) string { return e.ASN }},
}

// Link returns the deduplicated link set, sorted by (accountA, accountB, type).
func (l *Linker) Link(events []domain.TransactionEvent) []domain.IdentityLink {
	set := newLinkSet()

	for _, attr := range attributes {
		l.linkShared(set, events, attr)
	}

	timed := timeOrdered(events)
	l.linkWindow(set, timed, domain.LinkTime)

	vpn := make([]domain.TransactionEvent, 0)
	for _, e := range timed {
		if e.VPN {
			vpn = append(vpn, e)
		}
	}
	l.linkWindow(set, vpn, domain.LinkVPN)

	l.linkBehavior(set, events)

	return set.sorted()
}

// linkShared groups accounts by attribute value and links every pair in a group.
func (l *Linker) linkShared(set *linkSet, events []domain.TransactionEvent, attr attribute) {
	groups := make(map[string]map[string]struct{})
	for _, e := range events {
		v := attr.value(e)
		if v == "" {
			continue
		}
		accounts, ok := groups[v]
		if !ok {
			accounts = make(map[string]struct{})
			groups[v] = accounts
		}
		accounts[e.AccountID] = struct{}{}
	}

	values := make([]string, 0, len(groups))
	for v, accounts := range groups {
		if len(accounts) > 1 {
			values = append(values, v)
		}
	}
	sort.Strings(values)

	strength := l.cfg.Strength(attr.linkType)
	for _, v := range values {
		members := sortedKeys(groups[v])
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				set.add(members[i], members[j], attr.linkType, strength, map[string]string{attr.metaKey: v})
			}
		}
	}
}

// linkWindow links accounts whose events fall within the configured window of each other.
// events must be sorted by timestamp. The scan advances a second pointer while the gap is
// within the window, so the cost is bounded by window occupancy rather than n².
func (l *Linker) linkWindow(set *linkSet, events []domain.TransactionEvent, linkType domain.LinkType) {
	strength := l.cfg.Strength(linkType)
	window := l.cfg.TimeWindow

	for i := range events {
		for j := i + 1; j < len(events); j++ {
			delta := events[j].Timestamp.Sub(events[i].Timestamp)
			if delta > window {
				break
			}
			if events[i].AccountID == events[j].AccountID {
				continue
			}
			set.add(events[i].AccountID, events[j].AccountID, linkType, strength, map[string]string{
				"deltaSeconds": strconv.FormatFloat(delta.Seconds(), 'f', -1, 64),
			})
		}
	}
}

type behaviorStats struct {
	account string
	avg     float64
}

// linkBehavior links accounts whose average amounts are similar, considering only accounts
// with enough transactions that all stay below the reporting threshold.
func (l *Linker) linkBehavior(set *linkSet, events []domain.TransactionEvent) {
	type acc struct {
		count int
		sum   decimal.Decimal
		below bool
	}
	accounts := make(map[string]*acc)
	threshold := decimal.NewFromFloat(l.cfg.ReportingThreshold)

	for _, e := range events {
		a, ok := accounts[e.AccountID]
		if !ok {
			a = &acc{below: true}
			accounts[e.AccountID] = a
		}
		amount := decimal.NewFromFloat(e.Amount)
		a.count++
		a.sum = a.sum.Add(amount)
		if !amount.LessThan(threshold) {
			a.below = false
		}
	}

	minCount := l.cfg.MinBehaviorTxCount
	if minCount < 2 {
		minCount = 2
	}

	stats := make([]behaviorStats, 0, len(accounts))
	for id, a := range accounts {
		if a.count < minCount || !a.below {
			continue
		}
		avg, _ := a.sum.Div(decimal.NewFromInt(int64(a.count))).Float64()
		if avg <= 0 {
			continue
		}
		stats = append(stats, behaviorStats{account: id, avg: avg})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].avg != stats[j].avg {
			return stats[i].avg < stats[j].avg
		}
		return stats[i].account < stats[j].account
	})

	strength := l.cfg.Strength(domain.LinkBehavior)
	for i := range stats {
		for j := i + 1; j < len(stats); j++ {
			ratio := stats[i].avg / stats[j].avg
			if ratio < l.cfg.BehaviorSimilarity {
				break
			}
			set.add(stats[i].account, stats[j].account, domain.LinkBehavior, strength, map[string]string{
				"similarity": strconv.FormatFloat(ratio, 'f', 4, 64),
			})
		}
	}
}

// timeOrdered returns the events that carry a timestamp, sorted by time.
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

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type linkKey struct {
	pair     domain.PairKey
	linkType domain.LinkType
}

// linkSet holds at most one link per unordered pair and type. The first match wins.
type linkSet struct {
	seen  map[linkKey]struct{}
	links []domain.IdentityLink
}

func newLinkSet() *linkSet {
	return &linkSet{seen: make(map[linkKey]struct{})}
}

func (s *linkSet) add(a, b string, t domain.LinkType, strength float64, meta map[string]string) {
	if a == b {
		return
	}
	pair := domain.NewPairKey(a, b)
	key := linkKey{pair: pair, linkType: t}
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.links = append(s.links, domain.IdentityLink{
		AccountA: pair.A,
		AccountB: pair.B,
		Type:     t,
		Strength: strength,
		Metadata: meta,
	})
}

func (s *linkSet) sorted() []domain.IdentityLink {
	sort.Slice(s.links, func(i, j int) bool {
		a, b := s.links[i], s.links[j]
		if a.AccountA != b.AccountA {
			return a.AccountA < b.AccountA
		}
		if a.AccountB != b.AccountB {
			return a.AccountB < b.AccountB
		}
		return a.Type < b.Type
	})
	return s.links
}
