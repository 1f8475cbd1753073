package cluster

import (
	"cmp"
	"math/rand/v2"
	"slices"
)

const gainEpsilon = 1e-12

type weightedEdge struct {
	a, b   int
	weight float64
}

type neighbor struct {
	node   int
	weight float64
}

// level is one layer of the Louvain hierarchy. selfLoop holds the weight
// already internal to each node; adjacency lists exclude self loops and are
// kept in ascending node order.
type level struct {
	adj      [][]neighbor
	selfLoop []float64
	degree   []float64
	total    float64
}

func newLevel(n int, edges []weightedEdge) *level {
	l := &level{
		adj:      make([][]neighbor, n),
		selfLoop: make([]float64, n),
		degree:   make([]float64, n),
	}
	for _, e := range edges {
		i, j, w := e.a, e.b, e.weight
		if i == j {
			l.selfLoop[i] += w
			l.degree[i] += 2 * w
		} else {
			l.adj[i] = append(l.adj[i], neighbor{j, w})
			l.adj[j] = append(l.adj[j], neighbor{i, w})
			l.degree[i] += w
			l.degree[j] += w
		}
		l.total += w
	}
	for i := range l.adj {
		slices.SortFunc(l.adj[i], func(a, b neighbor) int { return cmp.Compare(a.node, b.node) })
	}
	return l
}

// louvain partitions nodes 0..n-1 and returns the community of each node.
// The result depends only on the edge list and the rng state.
func louvain(n int, edges []weightedEdge, rng *rand.Rand, maxPasses int) []int {
	membership := make([]int, n)
	for i := range membership {
		membership[i] = i
	}
	if n == 0 {
		return membership
	}

	l := newLevel(n, edges)
	for pass := 0; pass < maxPasses; pass++ {
		if l.total == 0 {
			break
		}
		comm, moved := l.localMoving(rng)
		if !moved {
			break
		}
		comm, count := renumber(comm)
		for i, c := range membership {
			membership[i] = comm[c]
		}
		l = l.aggregate(comm, count)
	}
	return membership
}

// localMoving greedily moves nodes to the neighboring community with the
// best modularity gain until a full sweep moves nothing.
func (l *level) localMoving(rng *rand.Rand) ([]int, bool) {
	n := len(l.adj)
	comm := make([]int, n)
	tot := make([]float64, n)
	for i := range comm {
		comm[i] = i
		tot[i] = l.degree[i]
	}
	twoM := 2 * l.total
	order := rng.Perm(n)

	weightTo := make([]float64, n)
	seen := make([]bool, n)
	var candidates []int

	movedAny := false
	for sweep := 0; sweep < 1000; sweep++ {
		moved := false
		for _, i := range order {
			ci := comm[i]
			ki := l.degree[i]

			candidates = candidates[:0]
			for _, nb := range l.adj[i] {
				c := comm[nb.node]
				if !seen[c] {
					seen[c] = true
					weightTo[c] = 0
					candidates = append(candidates, c)
				}
				weightTo[c] += nb.weight
			}

			tot[ci] -= ki
			best := ci
			bestGain := 0.0
			if seen[ci] {
				bestGain = weightTo[ci] - tot[ci]*ki/twoM
			} else {
				bestGain = -tot[ci] * ki / twoM
			}
			for _, c := range candidates {
				if c == ci {
					continue
				}
				gain := weightTo[c] - tot[c]*ki/twoM
				if gain > bestGain+gainEpsilon {
					best, bestGain = c, gain
				}
			}
			tot[best] += ki
			comm[i] = best

			for _, c := range candidates {
				seen[c] = false
			}
			if best != ci {
				moved = true
				movedAny = true
			}
		}
		if !moved {
			break
		}
	}
	return comm, movedAny
}

// renumber maps community labels to 0..k-1 in order of first appearance.
func renumber(comm []int) ([]int, int) {
	ids := make(map[int]int)
	out := make([]int, len(comm))
	for i, c := range comm {
		id, ok := ids[c]
		if !ok {
			id = len(ids)
			ids[c] = id
		}
		out[i] = id
	}
	return out, len(ids)
}

// aggregate collapses each community into a single node.
func (l *level) aggregate(comm []int, count int) *level {
	weights := make(map[[2]int]float64)
	for i, nbs := range l.adj {
		ci := comm[i]
		if l.selfLoop[i] > 0 {
			weights[[2]int{ci, ci}] += l.selfLoop[i]
		}
		for _, nb := range nbs {
			if nb.node < i {
				continue
			}
			cj := comm[nb.node]
			a, b := min(ci, cj), max(ci, cj)
			weights[[2]int{a, b}] += nb.weight
		}
	}

	keys := make([][2]int, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y [2]int) int {
		return cmp.Or(cmp.Compare(x[0], y[0]), cmp.Compare(x[1], y[1]))
	})
	edges := make([]weightedEdge, 0, len(keys))
	for _, k := range keys {
		edges = append(edges, weightedEdge{k[0], k[1], weights[k]})
	}
	return newLevel(count, edges)
}
