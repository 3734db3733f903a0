package phylo

import (
	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/model"
	"bitbucket.org/Davydov/goiqp/tree"
)

// Stepwise addition: leaves are added one by one, each on the edge
// where the tree score is best.

// newStarTree builds the three-taxon tree on the first three
// alignment rows.
func newStarTree(aln *align.Alignment, branchLen float64) *tree.Tree {
	t := tree.New()
	a := t.NewLeaf(aln.Names[0])
	b := t.NewLeaf(aln.Names[1])
	c := t.NewLeaf(aln.Names[2])
	center := t.NewNode()
	tree.Connect(center, a, branchLen)
	tree.Connect(center, b, branchLen)
	tree.Connect(center, c, branchLen)
	t.Root = a
	return t
}

type edge struct {
	u, v *tree.Node
}

// allEdges lists every edge once, parent side first.
func allEdges(t *tree.Tree) []edge {
	edges := make([]edge, 0, 2*t.NLeaves())
	tree.Walk(t.Root, nil, func(node, dad *tree.Node) {
		if dad != nil {
			edges = append(edges, edge{dad, node})
		}
	})
	return edges
}

// GrowTreeMP builds a tree by parsimony stepwise addition over the
// alignment rows in order. It returns the tree with the final
// parsimony score.
func GrowTreeMP(aln *align.Alignment, m model.Model, rate model.SiteRate, params *Params) (*PhyloTree, int, error) {
	t := newStarTree(aln, 1)
	pt, err := NewPhyloTree(t, aln, m, rate, params)
	if err != nil {
		return nil, 0, err
	}
	width := pt.NStates()
	nPtn := aln.NPatterns()

	for row := 3; row < aln.NTaxa(); row++ {
		// All directional partials of the current tree are shared
		// by every candidate insertion.
		for _, node := range t.Nodes() {
			for _, nei := range node.Neighbors {
				pt.computePartialParsimony(nei, node)
			}
		}
		leafSets := make([]uint32, nPtn)
		for p := 0; p < nPtn; p++ {
			leafSets[p] = aln.Alphabet.AmbiguityMask(aln.Patterns[p][row])
		}

		var bestEdge edge
		bestScore := -1
		for _, e := range allEdges(t) {
			toV := e.u.FindNeighbor(e.v)
			toU := e.v.FindNeighbor(e.u)
			score := int(toV.PartialPars[len(toV.PartialPars)-1] +
				toU.PartialPars[len(toU.PartialPars)-1])
			for p := 0; p < nPtn; p++ {
				su := getBits(toU.PartialPars, p, width)
				sv := getBits(toV.PartialPars, p, width)
				set := su & sv
				if set == 0 {
					set = su | sv
					score += aln.Freq[p]
				}
				if set&leafSets[p] == 0 {
					score += aln.Freq[p]
				}
			}
			if bestScore < 0 || score < bestScore {
				bestScore = score
				bestEdge = e
			}
		}
		pt.insertLeaf(aln.Names[row], bestEdge.u, bestEdge.v)
	}
	t.Renumber()
	return pt, pt.ComputeParsimony(), nil
}

// insertLeaf bisects the u-v edge with a new internal node carrying
// the named leaf, and invalidates the caches pointing towards the new
// edge.
func (pt *PhyloTree) insertLeaf(name string, u, v *tree.Node) (*tree.Node, *tree.Node) {
	length := u.FindNeighbor(v).Length
	leaf := pt.Tree.NewLeaf(name)
	leaf.LeafId = pt.Aln.RowIndex(name)
	m := pt.Tree.NewNode()
	u.UpdateNeighbor(v, m, length/2)
	v.UpdateNeighbor(u, m, length/2)
	m.AddNeighbor(u, length/2)
	m.AddNeighbor(v, length/2)
	tree.Connect(m, leaf, 0.9)
	u.ClearReversePartialLh(m)
	v.ClearReversePartialLh(m)
	return leaf, m
}

// removeLeaf reverses insertLeaf: the leaf and its attachment node
// are spliced out and the u-v edge restored with the summed length.
func (pt *PhyloTree) removeLeaf(leaf, m *tree.Node) {
	var u, v *tree.Node
	var lu, lv float64
	for _, nei := range m.Neighbors {
		if nei.Node == leaf {
			continue
		}
		if u == nil {
			u, lu = nei.Node, nei.Length
		} else {
			v, lv = nei.Node, nei.Length
		}
	}
	u.UpdateNeighbor(m, v, lu+lv)
	v.UpdateNeighbor(m, u, lu+lv)
	u.ClearReversePartialLh(v)
	v.ClearReversePartialLh(u)
	pt.curIt, pt.curItBack = nil, nil
	pt.curNode, pt.curBack = nil, nil
}

// GrowTreeML builds a tree by likelihood stepwise addition: each new
// leaf is tried on every edge, with the three branches around the
// attachment optimized, and kept on the best one. It returns the tree
// with its final log-likelihood after a full branch optimization.
func GrowTreeML(aln *align.Alignment, m model.Model, rate model.SiteRate, params *Params) (*PhyloTree, float64, error) {
	t := newStarTree(aln, 0.1)
	pt, err := NewPhyloTree(t, aln, m, rate, params)
	if err != nil {
		return nil, 0, err
	}
	pt.OptimizeAllBranches(10)

	for row := 3; row < aln.NTaxa(); row++ {
		// A floating leaf-plus-attachment pair is tried on every
		// edge; only the winner is registered with the tree.
		leaf := tree.NewNode(-1)
		leaf.Name = aln.Names[row]
		leaf.LeafId = aln.RowIndex(aln.Names[row])
		mid := tree.NewNode(-1)
		tree.Connect(mid, leaf, 0.9)

		var bestEdge edge
		bestScore := 0.0
		first := true
		for _, e := range allEdges(t) {
			saved := pt.attachTrial(mid, e.u, e.v)
			score := pt.optimizeChildBranches(mid)
			pt.detachTrial(mid, leaf, saved)
			if first || score > bestScore {
				bestScore = score
				bestEdge = e
				first = false
			}
		}
		pt.attachTrial(mid, bestEdge.u, bestEdge.v)
		t.AddNode(mid)
		t.AddNode(leaf)
		pt.OptimizeAllBranches(10)
		pt.OptimizeNNI()
	}
	t.Compact()
	lh := pt.OptimizeAllBranches(100)
	return pt, lh, nil
}

// attachTrial bisects the u-v edge with mid (which already carries
// its leaf), invalidates caches pointing towards the new edge and
// returns the original u-v length for detachTrial.
func (pt *PhyloTree) attachTrial(mid, u, v *tree.Node) float64 {
	length := u.FindNeighbor(v).Length
	u.UpdateNeighbor(v, mid, length/2)
	v.UpdateNeighbor(u, mid, length/2)
	mid.AddNeighbor(u, length/2)
	mid.AddNeighbor(v, length/2)
	u.ClearReversePartialLh(mid)
	v.ClearReversePartialLh(mid)
	return length
}

// detachTrial reverses attachTrial, restoring the bisected edge to
// its saved length so repeated trials do not drift the tree.
func (pt *PhyloTree) detachTrial(mid, leaf *tree.Node, saved float64) {
	var u, v *tree.Node
	for _, nei := range mid.Neighbors {
		if nei.Node == leaf {
			nei.Length = 0.9
			leaf.FindNeighbor(mid).Length = 0.9
			continue
		}
		if u == nil {
			u = nei.Node
		} else {
			v = nei.Node
		}
	}
	u.UpdateNeighbor(mid, v, saved)
	v.UpdateNeighbor(mid, u, saved)
	tree.Disconnect(mid, u)
	tree.Disconnect(mid, v)
	u.ClearReversePartialLh(v)
	v.ClearReversePartialLh(u)
	pt.curIt, pt.curItBack = nil, nil
	pt.curNode, pt.curBack = nil, nil
}

// optimizeChildBranches optimizes the branches around node once and
// returns the resulting log-likelihood.
func (pt *PhyloTree) optimizeChildBranches(node *tree.Node) float64 {
	best := 0.0
	for _, nei := range node.Neighbors {
		best = pt.OptimizeOneBranch(node, nei.Node, true)
	}
	return best
}
