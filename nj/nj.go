// Package nj builds starting trees from pairwise distance matrices
// with the BIONJ agglomerative method, a variance-weighted extension
// of neighbor joining.
package nj

import (
	"errors"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/goiqp/tree"
)

var log = logging.MustGetLogger("nj")

// ErrFewTaxa is returned for matrices of fewer than three taxa.
var ErrFewTaxa = errors.New("nj: at least three taxa required")

// BioNJ builds an unrooted binary tree from the symmetric n x n
// distance matrix over the named taxa. The first taxon becomes the
// root leaf.
func BioNJ(names []string, dist []float64) (*tree.Tree, error) {
	n := len(names)
	if n < 3 {
		return nil, ErrFewTaxa
	}
	if len(dist) != n*n {
		return nil, errors.New("nj: distance matrix size does not match the taxa")
	}
	log.Debugf("BIONJ over %d taxa", n)

	t := tree.New()
	// Active cluster roots with their live distance and variance
	// matrices; joined clusters are compacted away.
	nodes := make([]*tree.Node, n)
	for i, name := range names {
		nodes[i] = t.NewLeaf(name)
	}
	d := append([]float64(nil), dist...)
	v := append([]float64(nil), dist...)

	idx := func(i, j int) int { return i*n + j }
	active := make([]int, n)
	for i := range active {
		active[i] = i
	}

	for len(active) > 3 {
		m := len(active)
		// Net divergence of every active cluster.
		sum := make([]float64, m)
		for a := 0; a < m; a++ {
			for b := 0; b < m; b++ {
				sum[a] += d[idx(active[a], active[b])]
			}
		}
		// The pair minimizing the Q criterion.
		bi, bj := 0, 1
		best := 0.0
		first := true
		for a := 0; a < m; a++ {
			for b := a + 1; b < m; b++ {
				q := float64(m-2)*d[idx(active[a], active[b])] - sum[a] - sum[b]
				if first || q < best {
					best = q
					bi, bj = a, b
					first = false
				}
			}
		}
		i, j := active[bi], active[bj]
		dij := d[idx(i, j)]

		li := dij/2 + (sum[bi]-sum[bj])/(2*float64(m-2))
		lj := dij - li
		if li < 0 {
			li = 0
		}
		if lj < 0 {
			lj = 0
		}

		// Variance-optimal weight of cluster i in the new node.
		lambda := 0.5
		if vij := v[idx(i, j)]; vij > 0 {
			s := 0.0
			for a := 0; a < m; a++ {
				k := active[a]
				if k == i || k == j {
					continue
				}
				s += v[idx(j, k)] - v[idx(i, k)]
			}
			lambda = 0.5 + s/(2*float64(m-2)*vij)
			if lambda < 0 {
				lambda = 0
			} else if lambda > 1 {
				lambda = 1
			}
		}

		u := t.NewNode()
		tree.Connect(u, nodes[i], li)
		tree.Connect(u, nodes[j], lj)
		nodes[i] = u

		// Reduce: cluster i becomes the new node, cluster j dies.
		for a := 0; a < m; a++ {
			k := active[a]
			if k == i || k == j {
				continue
			}
			nd := lambda*(d[idx(i, k)]-li) + (1-lambda)*(d[idx(j, k)]-lj)
			d[idx(i, k)], d[idx(k, i)] = nd, nd
			nv := lambda*v[idx(i, k)] + (1-lambda)*v[idx(j, k)] - lambda*(1-lambda)*v[idx(i, j)]
			v[idx(i, k)], v[idx(k, i)] = nv, nv
		}
		active = append(active[:bj], active[bj+1:]...)
	}

	// Join the last three clusters on a central node.
	a, b, c := active[0], active[1], active[2]
	la := (d[idx(a, b)] + d[idx(a, c)] - d[idx(b, c)]) / 2
	lb := d[idx(a, b)] - la
	lc := d[idx(a, c)] - la
	center := t.NewNode()
	tree.Connect(center, nodes[a], clampLen(la))
	tree.Connect(center, nodes[b], clampLen(lb))
	tree.Connect(center, nodes[c], clampLen(lc))

	t.Root = t.Leaves()[0]
	t.Renumber()
	return t, nil
}

func clampLen(l float64) float64 {
	if l < 0 {
		return 0
	}
	return l
}
