package phylo

import (
	"math"
	"sort"

	"bitbucket.org/Davydov/goiqp/tree"
)

// Fast NNI: all internal edges are evaluated against the same tree,
// the improving moves are sorted, a non-conflicting subset is applied
// at once, and on a likelihood regression the tree is rolled back and
// the batch fraction halved.

// branchKey identifies an edge by its ordered node ids.
type branchKey [2]int

func keyFor(a, b *tree.Node) branchKey {
	if a.Id < b.Id {
		return branchKey{a.Id, b.Id}
	}
	return branchKey{b.Id, a.Id}
}

// evaluateNNIMoves scores both swaps of every internal edge against
// the current tree and also records the one-dimensional optimum of
// every branch length. The tree is left unchanged.
func (pt *PhyloTree) evaluateNNIMoves(curScore float64) (moves []*NNIMove, optLens map[branchKey]float64) {
	optLens = make(map[branchKey]float64)
	// Independently optimized branch lengths, for the simultaneous
	// update of branches not touched by any applied move.
	tree.Walk(pt.Root, nil, func(node, dad *tree.Node) {
		if dad == nil {
			return
		}
		saved := node.FindNeighbor(dad).Length
		pt.OptimizeOneBranch(node, dad, false)
		optLens[keyFor(node, dad)] = node.FindNeighbor(dad).Length
		tree.SetLength(node, dad, saved)
		node.FindNeighbor(dad).ClearComputed()
		dad.FindNeighbor(node).ClearComputed()
	})

	for _, e := range pt.internalEdges() {
		savedLen := e.u.FindNeighbor(e.v).Length
		for _, move := range nniMovesForEdge(e.u, e.v) {
			pt.DoNNI(move)
			move.Score = pt.OptimizeOneBranch(e.u, e.v, false)
			move.NewLen = e.u.FindNeighbor(e.v).Length
			pt.DoNNI(move.reverse())
			tree.SetLength(e.u, e.v, savedLen)
			if move.Score > curScore+TolLikelihood {
				moves = append(moves, move)
			}
		}
	}
	return moves, optLens
}

// nonConflictingMoves greedily keeps the best-scoring moves whose
// central-edge endpoints are pairwise disjoint.
func nonConflictingMoves(moves []*NNIMove) []*NNIMove {
	sort.Slice(moves, func(i, j int) bool {
		return moves[i].Score > moves[j].Score
	})
	used := make(map[*tree.Node]bool)
	var picked []*NNIMove
	for _, move := range moves {
		if used[move.Node1] || used[move.Node2] {
			continue
		}
		used[move.Node1] = true
		used[move.Node2] = true
		picked = append(picked, move)
	}
	return picked
}

// applyNNIMoves applies the first k moves, setting the optimized
// central lengths. When phyml blending is on, every remaining branch
// moves a lambda fraction towards its independent optimum.
func (pt *PhyloTree) applyNNIMoves(moves []*NNIMove, k int, optLens map[branchKey]float64, lambda float64) {
	applied := make(map[branchKey]bool)
	for _, move := range moves[:k] {
		pt.DoNNI(move)
		tree.SetLength(move.Node1, move.Node2, move.NewLen)
		move.Node1.ClearReversePartialLh(move.Node2)
		move.Node2.ClearReversePartialLh(move.Node1)
		applied[keyFor(move.Node1, move.Node2)] = true
	}
	if pt.Params.NNIPhyml {
		tree.Walk(pt.Root, nil, func(node, dad *tree.Node) {
			if dad == nil {
				return
			}
			key := keyFor(node, dad)
			if applied[key] {
				return
			}
			opt, ok := optLens[key]
			if !ok {
				return
			}
			old := node.FindNeighbor(dad).Length
			tree.SetLength(node, dad, old+lambda*(opt-old))
		})
		pt.ClearAllPartial()
	}
}

// snapshotLengths records every branch length by edge key.
func (pt *PhyloTree) snapshotLengths() map[branchKey]float64 {
	lens := make(map[branchKey]float64)
	tree.Walk(pt.Root, nil, func(node, dad *tree.Node) {
		if dad != nil {
			lens[keyFor(node, dad)] = node.FindNeighbor(dad).Length
		}
	})
	return lens
}

// undoNNIMoves reverses the first k applied moves in reverse order
// and restores all branch lengths from the snapshot.
func (pt *PhyloTree) undoNNIMoves(moves []*NNIMove, k int, lens map[branchKey]float64) {
	for i := k - 1; i >= 0; i-- {
		pt.DoNNI(moves[i].reverse())
	}
	tree.Walk(pt.Root, nil, func(node, dad *tree.Node) {
		if dad == nil {
			return
		}
		if l, ok := lens[keyFor(node, dad)]; ok {
			tree.SetLength(node, dad, l)
		}
	})
	pt.ClearAllPartial()
}

// OptimizeFastNNI runs batched NNI rounds until no improving move is
// left and returns the final log-likelihood.
func (pt *PhyloTree) OptimizeFastNNI() float64 {
	lambda := pt.Params.Lambda
	curScore := pt.ComputeLikelihood()
	for {
		moves, optLens := pt.evaluateNNIMoves(curScore)
		if len(moves) == 0 {
			return curScore
		}
		picked := nonConflictingMoves(moves)
		savedLens := pt.snapshotLengths()
		for {
			k := int(math.Ceil(lambda * float64(len(picked))))
			if k < 1 {
				k = 1
			}
			if k > len(picked) {
				k = len(picked)
			}
			pt.applyNNIMoves(picked, k, optLens, lambda)
			newScore := pt.OptimizeAllBranches(1)
			if newScore > curScore+TolLikelihood {
				curScore = newScore
				break
			}
			// Regression: roll back and halve the batch.
			pt.undoNNIMoves(picked, k, savedLens)
			if k == 1 {
				return curScore
			}
			lambda /= 2
		}
		lambda = pt.Params.Lambda
	}
}

// restoreTree replaces the topology with a previously serialized one.
func (pt *PhyloTree) restoreTree(newick string) error {
	t, err := tree.ParseNewickString(newick)
	if err != nil {
		return err
	}
	return pt.SetTree(t)
}
