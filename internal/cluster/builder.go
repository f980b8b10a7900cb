package cluster

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Component is one maximal set of linked accounts together with its links.
type Component struct {
	AccountIDs []string              // sorted
	Links      []domain.IdentityLink // links with both endpoints in AccountIDs
}

// Build unions the endpoints of every link and returns the connected components.
// Accounts that appear in no link are not part of any component.
// Components are ordered by their smallest member.
func Build(links []domain.IdentityLink) []Component {
	uf := NewUnionFind(len(links))
	for _, l := range links {
		uf.Union(uf.Intern(l.AccountA), uf.Intern(l.AccountB))
	}

	byRoot := make(map[int]int)
	var comps []Component
	for i := 0; i < uf.Len(); i++ {
		root := uf.Find(i)
		c, ok := byRoot[root]
		if !ok {
			c = len(comps)
			byRoot[root] = c
			comps = append(comps, Component{})
		}
		comps[c].AccountIDs = append(comps[c].AccountIDs, uf.ID(i))
	}

	for _, l := range links {
		c := byRoot[uf.Find(uf.Intern(l.AccountA))]
		comps[c].Links = append(comps[c].Links, l)
	}

	for i := range comps {
		sort.Strings(comps[i].AccountIDs)
	}
	sort.Slice(comps, func(i, j int) bool {
		return comps[i].AccountIDs[0] < comps[j].AccountIDs[0]
	})
	return comps
}
