// Package cluster partitions linked accounts into connected components.
package cluster

// UnionFind is a disjoint-set forest over interned account ids.
// Ids are mapped to dense indices once; all set operations work on int slices.
type UnionFind struct {
	index  map[string]int
	ids    []string
	parent []int
	rank   []uint8
}

// NewUnionFind creates an empty structure sized for n accounts.
func NewUnionFind(n int) *UnionFind {
	return &UnionFind{
		index:  make(map[string]int, n),
		ids:    make([]string, 0, n),
		parent: make([]int, 0, n),
		rank:   make([]uint8, 0, n),
	}
}

// Intern returns the dense index of id, adding it as a singleton set if unseen.
func (u *UnionFind) Intern(id string) int {
	if i, ok := u.index[id]; ok {
		return i
	}
	i := len(u.ids)
	u.index[id] = i
	u.ids = append(u.ids, id)
	u.parent = append(u.parent, i)
	u.rank = append(u.rank, 0)
	return i
}

// Len returns the number of interned ids.
func (u *UnionFind) Len() int {
	return len(u.ids)
}

// ID returns the account id of index i.
func (u *UnionFind) ID(i int) string {
	return u.ids[i]
}

// Find returns the root of i, compressing the path iteratively.
func (u *UnionFind) Find(i int) int {
	root := i
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[i] != root {
		next := u.parent[i]
		u.parent[i] = root
		i = next
	}
	return root
}

// Union merges the sets of i and j by rank. It reports whether a merge happened.
func (u *UnionFind) Union(i, j int) bool {
	ri, rj := u.Find(i), u.Find(j)
	if ri == rj {
		return false
	}
	switch {
	case u.rank[ri] < u.rank[rj]:
		u.parent[ri] = rj
	case u.rank[ri] > u.rank[rj]:
		u.parent[rj] = ri
	default:
		u.parent[rj] = ri
		u.rank[ri]++
	}
	return true
}

// Connected reports whether two account ids are in the same set.
// Unknown ids are never connected.
func (u *UnionFind) Connected(a, b string) bool {
	i, ok := u.index[a]
	if !ok {
		return false
	}
	j, ok := u.index[b]
	if !ok {
		return false
	}
	return u.Find(i) == u.Find(j)
}
