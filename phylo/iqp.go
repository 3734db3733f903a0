package phylo

import (
	"fmt"
	"math"
	"sort"

	"bitbucket.org/Davydov/goiqp/tree"
)

// Important-quartet puzzling perturbation: a random fraction of the
// leaves is deleted, and each one is reinserted on the edge that wins
// the most quartet votes against representative leaves of the three
// subtrees around every internal node.

// iqpImprovement is the minimal gain over the best known tree for a
// perturbed-and-refined tree to be kept.
const iqpImprovement = 1e-6

// repLeaf is a representative leaf with its depth below the half-edge
// it represents.
type repLeaf struct {
	leaf   *tree.Node
	height int
}

// repSets computes for every half-edge at most k representative
// leaves of the subtree behind it, preferring the shallowest ones.
// Ties at the cutoff depth are thinned at random.
func (pt *PhyloTree) repSets(k int) map[*tree.Neighbor][]repLeaf {
	sets := make(map[*tree.Neighbor][]repLeaf)
	var build func(nei *tree.Neighbor, dad *tree.Node) []repLeaf
	build = func(nei *tree.Neighbor, dad *tree.Node) []repLeaf {
		if set, ok := sets[nei]; ok {
			return set
		}
		var set []repLeaf
		if nei.Node.IsLeaf() {
			set = []repLeaf{{nei.Node, 0}}
		} else {
			for _, next := range nei.Node.Neighbors {
				if next.Node == dad {
					continue
				}
				for _, rl := range build(next, nei.Node) {
					set = append(set, repLeaf{rl.leaf, rl.height + 1})
				}
			}
			set = pt.thinRepSet(set, k)
		}
		sets[nei] = set
		return set
	}
	for _, node := range pt.Nodes() {
		for _, nei := range node.Neighbors {
			build(nei, node)
		}
	}
	return sets
}

// thinRepSet keeps the k shallowest representatives, choosing among
// equally deep ones at random.
func (pt *PhyloTree) thinRepSet(set []repLeaf, k int) []repLeaf {
	if len(set) <= k {
		return set
	}
	sort.Slice(set, func(i, j int) bool { return set[i].height < set[j].height })
	cut := set[k-1].height
	keep := 0
	for keep < len(set) && set[keep].height < cut {
		keep++
	}
	ties := set[keep:]
	for len(ties) > 1 && ties[len(ties)-1].height > cut {
		ties = ties[:len(ties)-1]
	}
	pt.Params.Rand.Shuffle(len(ties), func(i, j int) {
		ties[i], ties[j] = ties[j], ties[i]
	})
	return set[:k]
}

// taxonDist returns the corrected distance between two alignment
// rows, computing the full matrix on first use.
func (pt *PhyloTree) taxonDist(i, j int) float64 {
	n := pt.Aln.NTaxa()
	if pt.iqpDists == nil {
		pt.iqpDists = make([]float64, n*n)
		for a := 0; a < n; a++ {
			for b := a + 1; b < n; b++ {
				d := pt.Aln.JCDist(a, b)
				pt.iqpDists[a*n+b] = d
				pt.iqpDists[b*n+a] = d
			}
		}
	}
	return pt.iqpDists[i*n+j]
}

// assessQuartet decides which of the three leaves the deleted taxon
// pairs with, by the minimum-evolution pairing of the quartet: the
// partition with the smallest sum of the two within-pair distances
// wins.
func (pt *PhyloTree) assessQuartet(a, b, c *tree.Node, row int) int {
	s0 := pt.taxonDist(b.LeafId, c.LeafId) + pt.taxonDist(a.LeafId, row)
	s1 := pt.taxonDist(a.LeafId, c.LeafId) + pt.taxonDist(b.LeafId, row)
	s2 := pt.taxonDist(a.LeafId, b.LeafId) + pt.taxonDist(c.LeafId, row)
	switch {
	case s0 <= s1 && s0 <= s2:
		return 0
	case s1 <= s2:
		return 1
	}
	return 2
}

// bestIQPEdge votes over all quartets of representative leaves around
// every internal node and returns a random edge among the most voted.
func (pt *PhyloTree) bestIQPEdge(row int) (*tree.Node, *tree.Node) {
	sets := pt.repSets(pt.Params.KRepresent)
	bonus := make(map[branchKey]float64)
	for _, node := range pt.Nodes() {
		if len(node.Neighbors) != 3 {
			continue
		}
		n0, n1, n2 := node.Neighbors[0], node.Neighbors[1], node.Neighbors[2]
		for _, a := range sets[n0] {
			for _, b := range sets[n1] {
				for _, c := range sets[n2] {
					switch pt.assessQuartet(a.leaf, b.leaf, c.leaf, row) {
					case 0:
						bonus[keyFor(node, n0.Node)]++
					case 1:
						bonus[keyFor(node, n1.Node)]++
					case 2:
						bonus[keyFor(node, n2.Node)]++
					}
				}
			}
		}
	}
	best := math.Inf(-1)
	var picks []edge
	for _, e := range allEdges(pt.Tree) {
		b := bonus[keyFor(e.u, e.v)]
		if b > best {
			best = b
			picks = picks[:0]
		}
		if b == best {
			picks = append(picks, e)
		}
	}
	e := picks[pt.Params.Rand.Intn(len(picks))]
	return e.u, e.v
}

// deleteLeaves removes each leaf independently with probability
// PDelete, keeping at least three, and returns the removed taxon
// names.
func (pt *PhyloTree) deleteLeaves() []string {
	// A negative fraction disables the perturbation entirely.
	if pt.Params.PDelete < 0 {
		return nil
	}
	leaves := pt.Leaves()
	remaining := len(leaves)
	deleted := make(map[*tree.Node]bool)
	for _, leaf := range leaves {
		if remaining <= 3 {
			break
		}
		if pt.Params.Rand.Float64() < pt.Params.PDelete {
			deleted[leaf] = true
			remaining--
		}
	}
	if len(deleted) == 0 {
		return nil
	}
	if deleted[pt.Root] {
		for _, leaf := range leaves {
			if !deleted[leaf] {
				pt.Root = leaf
				break
			}
		}
	}
	names := make([]string, 0, len(deleted))
	for _, leaf := range leaves {
		if !deleted[leaf] {
			continue
		}
		pt.removeLeaf(leaf, leaf.Neighbors[0].Node)
		names = append(names, leaf.Name)
	}
	pt.Tree.Compact()
	return names
}

// DoIQP perturbs the tree by one deletion-reinsertion round.
func (pt *PhyloTree) DoIQP() error {
	names := pt.deleteLeaves()
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		row := pt.Aln.RowIndex(name)
		if row < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownTaxon, name)
		}
		u, v := pt.bestIQPEdge(row)
		pt.insertLeaf(name, u, v)
	}
	pt.Tree.Compact()
	pt.ClearAllPartial()
	return nil
}

// DoIQPNNI runs the full search: the starting tree is refined with
// batched NNI, then perturbation and refinement alternate for the
// configured number of iterations, keeping the best tree seen. The
// callback, when set, observes every iteration. The tree is left at
// the best topology and its log-likelihood is returned.
func (pt *PhyloTree) DoIQPNNI(onIter func(iter int, score float64, accepted bool)) (float64, error) {
	pt.OptimizeAllBranches(100)
	bestScore := pt.OptimizeFastNNI()
	bestTree := pt.Tree.String()
	log.Infof("initial tree log-likelihood %.6f", bestScore)

	n := pt.Params.NIterations
	if n <= 0 {
		n = pt.NLeaves()
		if n < 100 {
			n = 100
		}
	}
	for it := 1; it <= n; it++ {
		if err := pt.DoIQP(); err != nil {
			return bestScore, err
		}
		score := pt.OptimizeFastNNI()
		accepted := score > bestScore+iqpImprovement
		if accepted {
			bestScore = score
			bestTree = pt.Tree.String()
			log.Infof("iteration %d: better tree found, log-likelihood %.6f", it, score)
		} else {
			log.Debugf("iteration %d: log-likelihood %.6f, keeping the best tree", it, score)
			if err := pt.restoreTree(bestTree); err != nil {
				return bestScore, err
			}
		}
		if onIter != nil {
			onIter(it, score, accepted)
		}
	}
	if err := pt.restoreTree(bestTree); err != nil {
		return bestScore, err
	}
	return bestScore, pt.Err()
}
