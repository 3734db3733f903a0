package phylo

import (
	"sort"

	"bitbucket.org/Davydov/goiqp/tree"
)

// Radius-bounded subtree pruning and regrafting. The subtree behind
// pruneNode is spliced out together with its attachment node and
// tried on every edge within SPRDepth of the pruning point; each
// candidate is assessed with the four surrounding branches
// re-optimized. Moves that do not immediately improve go into a
// bounded best-move buffer and are retried with a full branch
// optimization after the sweep.

// SPRMove is one prune-regraft candidate with its assessed
// log-likelihood.
type SPRMove struct {
	PruneNode, PruneDad *tree.Node
	RegraftU, RegraftV  *tree.Node
	Score               float64
}

// sprMoves keeps at most MaxSPRMoves candidates, best (largest
// likelihood) first.
type sprMoves []SPRMove

func (s *sprMoves) add(mv SPRMove) {
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].Score < mv.Score })
	*s = append(*s, SPRMove{})
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = mv
	if len(*s) > MaxSPRMoves {
		*s = (*s)[:MaxSPRMoves]
	}
}

// spliceOut removes dad from between its two other neighbors,
// leaving the pruned subtree (node plus dad) dangling. It returns
// the two former neighbors with their original branch lengths.
func (pt *PhyloTree) spliceOut(node, dad *tree.Node) (s1, s2 *tree.Node, l1, l2 float64) {
	for _, nei := range dad.Neighbors {
		if nei.Node == node {
			continue
		}
		if s1 == nil {
			s1, l1 = nei.Node, nei.Length
		} else {
			s2, l2 = nei.Node, nei.Length
		}
	}
	s1.UpdateNeighbor(dad, s2, l1+l2)
	s2.UpdateNeighbor(dad, s1, l1+l2)
	tree.Disconnect(dad, s1)
	tree.Disconnect(dad, s2)
	s1.ClearReversePartialLh(s2)
	s2.ClearReversePartialLh(s1)
	pt.curIt, pt.curItBack = nil, nil
	pt.curNode, pt.curBack = nil, nil
	return s1, s2, l1, l2
}

// graftIn inserts dad (still carrying the pruned subtree) into the
// middle of the u-v edge. The attachment branch is reset to a default
// length before optimization.
func (pt *PhyloTree) graftIn(node, dad, u, v *tree.Node) (savedUV float64) {
	savedUV = u.FindNeighbor(v).Length
	u.UpdateNeighbor(v, dad, savedUV/2)
	v.UpdateNeighbor(u, dad, savedUV/2)
	dad.AddNeighbor(u, savedUV/2)
	dad.AddNeighbor(v, savedUV/2)
	tree.SetLength(node, dad, 0.9)
	u.ClearReversePartialLh(dad)
	v.ClearReversePartialLh(dad)
	node.ClearReversePartialLh(dad)
	return savedUV
}

// graftOut reverses graftIn, restoring the u-v edge.
func (pt *PhyloTree) graftOut(dad, u, v *tree.Node, savedUV float64) {
	u.UpdateNeighbor(dad, v, savedUV)
	v.UpdateNeighbor(dad, u, savedUV)
	tree.Disconnect(dad, u)
	tree.Disconnect(dad, v)
	u.ClearReversePartialLh(v)
	v.ClearReversePartialLh(u)
	pt.curIt, pt.curItBack = nil, nil
	pt.curNode, pt.curBack = nil, nil
}

// regraftTargets lists edges within depth edges of the pruning point,
// excluding the collapsed edge itself.
func regraftTargets(s1, s2 *tree.Node, depth int) []edge {
	var edges []edge
	var walk func(node, dad *tree.Node, left int)
	walk = func(node, dad *tree.Node, left int) {
		if left == 0 {
			return
		}
		for _, nei := range node.Neighbors {
			if nei.Node == dad {
				continue
			}
			edges = append(edges, edge{node, nei.Node})
			walk(nei.Node, node, left-1)
		}
	}
	walk(s1, s2, depth)
	walk(s2, s1, depth)
	return edges
}

// trySPR assesses all regraft targets for the subtree behind node
// (pruned together with dad). On the first improving move the tree is
// left rearranged and the new score returned; otherwise the tree is
// restored and the candidates are remembered in the move buffer.
func (pt *PhyloTree) trySPR(node, dad *tree.Node, curScore float64) (float64, bool) {
	lenND := node.FindNeighbor(dad).Length
	s1, s2, l1, l2 := pt.spliceOut(node, dad)

	for _, e := range regraftTargets(s1, s2, SPRDepth) {
		savedUV := pt.graftIn(node, dad, e.u, e.v)
		pt.OptimizeOneBranch(node, dad, true)
		pt.OptimizeOneBranch(e.u, dad, true)
		pt.OptimizeOneBranch(e.v, dad, true)
		score := pt.OptimizeOneBranch(s1, s2, true)
		if score > curScore+TolLikelihood {
			return score, true
		}
		pt.sprBuf.add(SPRMove{
			PruneNode: node, PruneDad: dad,
			RegraftU: e.u, RegraftV: e.v,
			Score: score,
		})
		pt.graftOut(dad, e.u, e.v, savedUV)
	}

	// Reattach at the original position.
	s1.UpdateNeighbor(s2, dad, l1)
	s2.UpdateNeighbor(s1, dad, l2)
	dad.AddNeighbor(s1, l1)
	dad.AddNeighbor(s2, l2)
	tree.SetLength(node, dad, lenND)
	s1.ClearReversePartialLh(dad)
	s2.ClearReversePartialLh(dad)
	node.ClearReversePartialLh(dad)
	return curScore, false
}

// applySPRMove replays a buffered move and fully re-optimizes the
// branch lengths. On regression the move is undone structurally and
// all lengths restored.
func (pt *PhyloTree) applySPRMove(mv SPRMove, curScore float64) (float64, bool) {
	lens := pt.snapshotLengths()
	lenND := mv.PruneNode.FindNeighbor(mv.PruneDad).Length
	s1, s2, l1, l2 := pt.spliceOut(mv.PruneNode, mv.PruneDad)
	savedUV := pt.graftIn(mv.PruneNode, mv.PruneDad, mv.RegraftU, mv.RegraftV)
	score := pt.OptimizeAllBranches(2)
	if score > curScore+TolLikelihood {
		return score, true
	}
	pt.graftOut(mv.PruneDad, mv.RegraftU, mv.RegraftV, savedUV)
	s1.UpdateNeighbor(s2, mv.PruneDad, l1)
	s2.UpdateNeighbor(s1, mv.PruneDad, l2)
	mv.PruneDad.AddNeighbor(s1, l1)
	mv.PruneDad.AddNeighbor(s2, l2)
	tree.SetLength(mv.PruneNode, mv.PruneDad, lenND)
	tree.Walk(pt.Root, nil, func(n, d *tree.Node) {
		if d == nil {
			return
		}
		if l, ok := lens[keyFor(n, d)]; ok {
			tree.SetLength(n, d, l)
		}
	})
	pt.ClearAllPartial()
	return curScore, false
}

// sprRound sweeps all prune candidates once, then retries the best
// buffered moves.
func (pt *PhyloTree) sprRound(curScore float64) (float64, bool) {
	pt.sprBuf = pt.sprBuf[:0]
	for _, n := range pt.Nodes() {
		for _, nei := range n.Neighbors {
			dad := nei.Node
			if dad.IsLeaf() {
				continue
			}
			if score, ok := pt.trySPR(n, dad, curScore); ok {
				return score, true
			}
		}
	}
	for _, mv := range pt.sprBuf {
		if score, ok := pt.applySPRMove(mv, curScore); ok {
			return score, true
		}
	}
	return curScore, false
}

// OptimizeSPR repeats SPR sweeps until none improves the likelihood
// and returns the final score.
func (pt *PhyloTree) OptimizeSPR() float64 {
	curScore := pt.ComputeLikelihood()
	for {
		score, improved := pt.sprRound(curScore)
		if !improved {
			return curScore
		}
		curScore = pt.OptimizeAllBranches(1)
		if score > curScore {
			curScore = score
		}
	}
}
