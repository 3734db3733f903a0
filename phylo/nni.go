package phylo

import (
	"bitbucket.org/Davydov/goiqp/tree"
)

// NNIMove is one nearest-neighbor interchange on the internal edge
// node1-node2: the subtrees behind node1Nei and node2Nei change
// places.
type NNIMove struct {
	Node1, Node2       *tree.Node
	Node1Nei, Node2Nei *tree.Neighbor
	// Score is the log-likelihood of the rearranged tree with the
	// central branch re-optimized.
	Score float64
	// NewLen is that optimized central branch length.
	NewLen float64
}

// reverse describes the move undoing an applied NNI.
func (move *NNIMove) reverse() *NNIMove {
	return &NNIMove{
		Node1:    move.Node1,
		Node2:    move.Node2,
		Node1Nei: move.Node2Nei,
		Node2Nei: move.Node1Nei,
	}
}

// DoNNI applies the swap. The Neighbor objects migrate between the
// two nodes, so the subtree caches they carry stay valid; the back
// edges of the moved subtrees and the central edge are invalidated.
func (pt *PhyloTree) DoNNI(move *NNIMove) {
	node1, node2 := move.Node1, move.Node2
	i1, i2 := -1, -1
	for i, nei := range node1.Neighbors {
		if nei == move.Node1Nei {
			i1 = i
		}
	}
	for i, nei := range node2.Neighbors {
		if nei == move.Node2Nei {
			i2 = i
		}
	}
	if i1 < 0 || i2 < 0 {
		panic("NNI move does not match the tree")
	}
	node1.Neighbors[i1] = move.Node2Nei
	node2.Neighbors[i2] = move.Node1Nei
	move.Node1Nei.Node.UpdateNeighborKeepLength(node1, node2)
	move.Node2Nei.Node.UpdateNeighborKeepLength(node2, node1)
	node1.FindNeighbor(node2).ClearComputed()
	node2.FindNeighbor(node1).ClearComputed()
	// The remembered entry edge may sit on a moved subtree.
	pt.curIt, pt.curItBack = nil, nil
	pt.curNode, pt.curBack = nil, nil
}

// nniMovesForEdge lists the two possible swaps on an internal edge.
func nniMovesForEdge(node1, node2 *tree.Node) []*NNIMove {
	var n1 []*tree.Neighbor
	for _, nei := range node1.Neighbors {
		if nei.Node != node2 {
			n1 = append(n1, nei)
		}
	}
	var n2 []*tree.Neighbor
	for _, nei := range node2.Neighbors {
		if nei.Node != node1 {
			n2 = append(n2, nei)
		}
	}
	if len(n1) < 2 || len(n2) < 2 {
		return nil
	}
	return []*NNIMove{
		{Node1: node1, Node2: node2, Node1Nei: n1[0], Node2Nei: n2[0]},
		{Node1: node1, Node2: node2, Node1Nei: n1[0], Node2Nei: n2[1]},
	}
}

// internalEdges lists all internal edges of the tree.
func (pt *PhyloTree) internalEdges() []edge {
	var edges []edge
	tree.Walk(pt.Root, nil, func(node, dad *tree.Node) {
		if dad != nil && !node.IsLeaf() && !dad.IsLeaf() {
			edges = append(edges, edge{dad, node})
		}
	})
	return edges
}

// SearchNNIParsimony applies the first parsimony-improving swap found
// and reports the new score, or the current one if no swap improves.
func (pt *PhyloTree) SearchNNIParsimony(curScore int) (int, bool) {
	for _, e := range pt.internalEdges() {
		for _, move := range nniMovesForEdge(e.u, e.v) {
			pt.DoNNI(move)
			score := pt.ComputeParsimonyBranch(e.u.FindNeighbor(e.v), e.u)
			if score < curScore {
				e.u.ClearReversePartialLh(e.v)
				e.v.ClearReversePartialLh(e.u)
				return score, true
			}
			pt.DoNNI(move.reverse())
		}
	}
	return curScore, false
}

// OptimizeNNIParsimony repeats first-improvement parsimony NNI until
// no swap helps.
func (pt *PhyloTree) OptimizeNNIParsimony() int {
	score := pt.ComputeParsimony()
	for {
		newScore, improved := pt.SearchNNIParsimony(score)
		if !improved {
			return score
		}
		score = newScore
	}
}

// searchNNI tries both swaps on every internal edge, each evaluated
// with only the central branch re-optimized, and applies the single
// best improving one; on acceptance every cache pointing towards the
// edge is dropped.
func (pt *PhyloTree) searchNNI(curScore float64) (float64, bool) {
	var best *NNIMove
	var bestEdge edge
	for _, e := range pt.internalEdges() {
		savedLen := e.u.FindNeighbor(e.v).Length
		for _, move := range nniMovesForEdge(e.u, e.v) {
			pt.DoNNI(move)
			move.Score = pt.OptimizeOneBranch(e.u, e.v, false)
			move.NewLen = e.u.FindNeighbor(e.v).Length
			pt.DoNNI(move.reverse())
			tree.SetLength(e.u, e.v, savedLen)
			if move.Score > curScore+TolLikelihood &&
				(best == nil || move.Score > best.Score) {
				best = move
				bestEdge = e
			}
		}
	}
	if best == nil {
		return curScore, false
	}
	pt.DoNNI(best)
	tree.SetLength(bestEdge.u, bestEdge.v, best.NewLen)
	bestEdge.u.ClearReversePartialLh(bestEdge.v)
	bestEdge.v.ClearReversePartialLh(bestEdge.u)
	return best.Score, true
}

// OptimizeNNI repeats best-improvement likelihood NNI until no swap
// helps, re-optimizing all branches after each accepted move and once
// more on convergence.
func (pt *PhyloTree) OptimizeNNI() float64 {
	curScore := pt.ComputeLikelihood()
	for {
		score, improved := pt.searchNNI(curScore)
		if !improved {
			return pt.OptimizeAllBranches(100)
		}
		curScore = pt.OptimizeAllBranches(1)
		if score > curScore {
			curScore = score
		}
	}
}
