package linker

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestLinker() *Linker {
	return New(domain.DefaultEngineConfig().Linking)
}

func event(id, account string, offset time.Duration) domain.TransactionEvent {
	return domain.TransactionEvent{
		ID:             id,
		AccountID:      account,
		CounterpartyID: "merchant",
		Amount:         20000,
		Timestamp:      base.Add(offset),
	}
}

func hasLink(links []domain.IdentityLink, a, b string, t domain.LinkType) bool {
	pair := domain.NewPairKey(a, b)
	for _, l := range links {
		if l.Pair() == pair && l.Type == t {
			return true
		}
	}
	return false
}

func TestSharedAttributeRules(t *testing.T) {
	tests := []struct {
		name     string
		linkType domain.LinkType
		strength float64
		set      func(*domain.TransactionEvent)
	}{
		{"fingerprint", domain.LinkFingerprint, 0.9, func(e *domain.TransactionEvent) { e.DeviceFingerprintID = "fp-1" }},
		{"device", domain.LinkDeviceID, 0.6, func(e *domain.TransactionEvent) { e.DeviceID = "dev-1" }},
		{"ip", domain.LinkIP, 0.5, func(e *domain.TransactionEvent) { e.IPAddress = "10.0.0.1" }},
		{"subnet", domain.LinkSubnet, 0.4, func(e *domain.TransactionEvent) { e.IPSubnet = "10.0.0.0/24" }},
		{"asn", domain.LinkASN, 0.35, func(e *domain.TransactionEvent) { e.ASN = "64512" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := event("1", "acc-a", 0)
			b := event("2", "acc-b", 24*time.Hour)
			tt.set(&a)
			tt.set(&b)

			links := newTestLinker().Link([]domain.TransactionEvent{a, b})

			if len(links) != 1 {
				t.Fatalf("expected 1 link, got %d: %+v", len(links), links)
			}
			if links[0].Type != tt.linkType {
				t.Errorf("expected type %s, got %s", tt.linkType, links[0].Type)
			}
			if links[0].Strength != tt.strength {
				t.Errorf("expected strength %f, got %f", tt.strength, links[0].Strength)
			}
		})
	}
}

func TestTimeWindowInclusive(t *testing.T) {
	l := newTestLinker()

	links := l.Link([]domain.TransactionEvent{
		event("1", "acc-a", 0),
		event("2", "acc-b", 5*time.Minute),
	})
	if !hasLink(links, "acc-a", "acc-b", domain.LinkTime) {
		t.Error("expected time link at exactly the window boundary")
	}

	links = l.Link([]domain.TransactionEvent{
		event("1", "acc-a", 0),
		event("2", "acc-b", 5*time.Minute+time.Second),
	})
	if len(links) != 0 {
		t.Errorf("expected no links outside the window, got %d", len(links))
	}
}

func TestVPNOverlapRequiresBothFlags(t *testing.T) {
	a := event("1", "acc-a", 0)
	b := event("2", "acc-b", time.Minute)
	c := event("3", "acc-c", 2*time.Minute)
	a.VPN = true
	b.VPN = true

	links := newTestLinker().Link([]domain.TransactionEvent{a, b, c})

	if !hasLink(links, "acc-a", "acc-b", domain.LinkVPN) {
		t.Error("expected vpn link between VPN users")
	}
	if hasLink(links, "acc-a", "acc-c", domain.LinkVPN) {
		t.Error("expected no vpn link to non-VPN account")
	}
	if !hasLink(links, "acc-a", "acc-c", domain.LinkTime) {
		t.Error("expected time link regardless of VPN")
	}
}

func TestUntimedEventsSkipTimeRules(t *testing.T) {
	a := event("1", "acc-a", 0)
	b := event("2", "acc-b", 0)
	b.Timestamp = time.Time{}

	links := newTestLinker().Link([]domain.TransactionEvent{a, b})
	if len(links) != 0 {
		t.Errorf("expected no links for untimed event, got %+v", links)
	}
}

func TestBehaviorRule(t *testing.T) {
	l := newTestLinker()
	day := 24 * time.Hour

	mk := func(id, account string, amount float64, offset time.Duration) domain.TransactionEvent {
		e := event(id, account, offset)
		e.Amount = amount
		return e
	}

	t.Run("similar averages link", func(t *testing.T) {
		links := l.Link([]domain.TransactionEvent{
			mk("1", "acc-a", 9000, 0), mk("2", "acc-a", 9000, day),
			mk("3", "acc-b", 8500, 2*day), mk("4", "acc-b", 8500, 3*day),
		})
		if !hasLink(links, "acc-a", "acc-b", domain.LinkBehavior) {
			t.Error("expected behavior link")
		}
	})

	t.Run("dissimilar averages do not link", func(t *testing.T) {
		links := l.Link([]domain.TransactionEvent{
			mk("1", "acc-a", 9000, 0), mk("2", "acc-a", 9000, day),
			mk("3", "acc-b", 5000, 2*day), mk("4", "acc-b", 5000, 3*day),
		})
		if hasLink(links, "acc-a", "acc-b", domain.LinkBehavior) {
			t.Error("expected no behavior link")
		}
	})

	t.Run("single transaction does not qualify", func(t *testing.T) {
		links := l.Link([]domain.TransactionEvent{
			mk("1", "acc-a", 9000, 0),
			mk("3", "acc-b", 9000, 2*day), mk("4", "acc-b", 9000, 3*day),
		})
		if hasLink(links, "acc-a", "acc-b", domain.LinkBehavior) {
			t.Error("expected no behavior link")
		}
	})

	t.Run("amount at reporting threshold disqualifies", func(t *testing.T) {
		links := l.Link([]domain.TransactionEvent{
			mk("1", "acc-a", 10000, 0), mk("2", "acc-a", 9000, day),
			mk("3", "acc-b", 9500, 2*day), mk("4", "acc-b", 9500, 3*day),
		})
		if hasLink(links, "acc-a", "acc-b", domain.LinkBehavior) {
			t.Error("expected no behavior link")
		}
	})
}

func TestSymmetryAndDeduplication(t *testing.T) {
	var events []domain.TransactionEvent
	for i, account := range []string{"acc-b", "acc-a", "acc-b", "acc-a"} {
		e := event(string(rune('1'+i)), account, time.Duration(i)*time.Second)
		e.DeviceID = "dev-1"
		events = append(events, e)
	}

	links := newTestLinker().Link(events)

	seen := make(map[string]bool)
	for _, l := range links {
		if l.AccountA >= l.AccountB {
			t.Errorf("expected canonical ordering, got %s/%s", l.AccountA, l.AccountB)
		}
		key := l.AccountA + "|" + l.AccountB + "|" + string(l.Type)
		if seen[key] {
			t.Errorf("duplicate link %s", key)
		}
		seen[key] = true
	}
	if len(links) != 2 {
		t.Errorf("expected device and time links only, got %d", len(links))
	}
}

func TestSenderOnlyBoundary(t *testing.T) {
	a := event("1", "acc-a", 0)
	a.CounterpartyID = "acc-b"
	a.DeviceID = "D1"
	c := event("2", "acc-c", time.Hour)
	c.CounterpartyID = "acc-b"
	c.DeviceID = "D1"

	links := newTestLinker().Link([]domain.TransactionEvent{a, c})

	for _, l := range links {
		if l.AccountA == "acc-b" || l.AccountB == "acc-b" {
			t.Errorf("receiver acc-b must not be linked, got %+v", l)
		}
	}
	if !hasLink(links, "acc-a", "acc-c", domain.LinkDeviceID) {
		t.Error("expected device link between the senders")
	}
}

func TestSameAccountNeverSelfLinks(t *testing.T) {
	a1 := event("1", "acc-a", 0)
	a2 := event("2", "acc-a", time.Second)
	a1.DeviceID, a2.DeviceID = "dev-1", "dev-1"

	if links := newTestLinker().Link([]domain.TransactionEvent{a1, a2}); len(links) != 0 {
		t.Errorf("expected no links, got %+v", links)
	}
}

func TestOutputSorted(t *testing.T) {
	var events []domain.TransactionEvent
	for i, account := range []string{"acc-d", "acc-c", "acc-b", "acc-a"} {
		e := event(string(rune('1'+i)), account, time.Duration(i)*time.Second)
		e.IPAddress = "10.0.0.1"
		events = append(events, e)
	}

	links := newTestLinker().Link(events)
	for i := 1; i < len(links); i++ {
		prev, cur := links[i-1], links[i]
		if prev.AccountA > cur.AccountA ||
			(prev.AccountA == cur.AccountA && prev.AccountB > cur.AccountB) ||
			(prev.AccountA == cur.AccountA && prev.AccountB == cur.AccountB && prev.Type > cur.Type) {
			t.Fatalf("links not sorted at %d: %+v then %+v", i, prev, cur)
		}
	}
}

func TestEmptyInput(t *testing.T) {
	if links := newTestLinker().Link(nil); len(links) != 0 {
		t.Errorf("expected no links, got %d", len(links))
	}
}
