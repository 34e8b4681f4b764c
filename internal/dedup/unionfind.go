package dedup

// UnionFind is a disjoint-set forest over the indices 0..n-1, stored as flat
// parent and rank slices.
type UnionFind struct {
	parent []int
	rank   []uint8
}

func NewUnionFind(n int) *UnionFind {
	u := &UnionFind{parent: make([]int, n), rank: make([]uint8, n)}
	for i := range u.parent {
		u.parent[i] = i
	}
	return u
}

func (u *UnionFind) Find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

// Union merges the sets of a and b and reports whether they were distinct.
func (u *UnionFind) Union(a, b int) bool {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return false
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
	return true
}

// Components returns every set as ascending indices, ordered by their
// smallest member.
func (u *UnionFind) Components() [][]int {
	byRoot := make(map[int]int)
	var components [][]int
	for i := range u.parent {
		root := u.Find(i)
		pos, ok := byRoot[root]
		if !ok {
			pos = len(components)
			byRoot[root] = pos
			components = append(components, nil)
		}
		components[pos] = append(components[pos], i)
	}
	return components
}
