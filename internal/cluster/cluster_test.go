package cluster

import (
	"fmt"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func link(a, b string, t domain.LinkType) domain.IdentityLink {
	p := domain.NewPairKey(a, b)
	return domain.IdentityLink{AccountA: p.A, AccountB: p.B, Type: t}
}

func TestUnionFind(t *testing.T) {
	uf := NewUnionFind(4)
	a, b, c, d := uf.Intern("a"), uf.Intern("b"), uf.Intern("c"), uf.Intern("d")

	if uf.Intern("a") != a {
		t.Error("expected interning to be stable")
	}
	if !uf.Union(a, b) {
		t.Error("expected first union to merge")
	}
	if uf.Union(b, a) {
		t.Error("expected repeated union to be a no-op")
	}
	uf.Union(c, d)

	if uf.Find(a) != uf.Find(b) {
		t.Error("expected a and b in the same set")
	}
	if uf.Find(a) == uf.Find(c) {
		t.Error("expected a and c in different sets")
	}
	if uf.Connected("a", "zzz") {
		t.Error("expected unknown id to be unconnected")
	}
}

func TestUnionFindLongChain(t *testing.T) {
	uf := NewUnionFind(10000)
	prev := uf.Intern("n0")
	for i := 1; i < 10000; i++ {
		cur := uf.Intern(fmt.Sprintf("n%d", i))
		uf.Union(prev, cur)
		prev = cur
	}
	if !uf.Connected("n0", "n9999") {
		t.Error("expected chain ends to be connected")
	}
}

func TestBuildTransitivity(t *testing.T) {
	comps := Build([]domain.IdentityLink{
		link("a", "b", domain.LinkDeviceID),
		link("b", "c", domain.LinkTime),
		link("x", "y", domain.LinkIP),
	})

	if len(comps) != 2 {
		t.Fatalf("expected 2 components, got %d", len(comps))
	}
	if got := comps[0].AccountIDs; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("expected [a b c], got %v", got)
	}
	if len(comps[0].Links) != 2 {
		t.Errorf("expected 2 links in first component, got %d", len(comps[0].Links))
	}
	if got := comps[1].AccountIDs; len(got) != 2 || got[0] != "x" {
		t.Errorf("expected [x y], got %v", got)
	}
}

func TestBuildPartition(t *testing.T) {
	links := []domain.IdentityLink{
		link("a", "b", domain.LinkFingerprint),
		link("c", "d", domain.LinkASN),
		link("d", "e", domain.LinkSubnet),
		link("a", "b", domain.LinkTime),
		link("f", "g", domain.LinkVPN),
		link("g", "a", domain.LinkBehavior),
	}

	comps := Build(links)

	owner := make(map[string]int)
	for i, c := range comps {
		for _, id := range c.AccountIDs {
			if prev, ok := owner[id]; ok {
				t.Errorf("account %s in components %d and %d", id, prev, i)
			}
			owner[id] = i
		}
	}
	for _, l := range links {
		ca, okA := owner[l.AccountA]
		cb, okB := owner[l.AccountB]
		if !okA || !okB {
			t.Errorf("linked account missing from partition: %+v", l)
		}
		if ca != cb {
			t.Errorf("link endpoints in different components: %+v", l)
		}
	}

	total := 0
	for _, c := range comps {
		total += len(c.Links)
	}
	if total != len(links) {
		t.Errorf("expected %d links assigned, got %d", len(links), total)
	}
}

func TestBuildEmpty(t *testing.T) {
	if comps := Build(nil); len(comps) != 0 {
		t.Errorf("expected no components, got %d", len(comps))
	}
}
