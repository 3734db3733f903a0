package phylo

import (
	"bitbucket.org/Davydov/goiqp/tree"
	"bitbucket.org/Davydov/goiqp/minimize"
)

// OptimizeOneBranch optimizes the length of the node1-node2 edge by
// one-dimensional minimization of the negative log-likelihood. The
// partials on both sides do not depend on this length, so the scan
// reuses them; caches pointing towards the edge are invalidated
// afterwards when clearLh is set. It returns the log-likelihood at
// the optimum.
func (pt *PhyloTree) OptimizeOneBranch(node1, node2 *tree.Node, clearLh bool) float64 {
	nei1 := node1.FindNeighbor(node2)
	nei2 := node2.FindNeighbor(node1)
	pt.computePartialLh(nei1, node1)
	pt.computePartialLh(nei2, node2)
	pt.setEntryEdge(node1, node2)

	currentLen := nei1.Length
	var optx, negLh float64
	if pt.Params.OptimizeByNewton {
		optx, negLh = minimize.Newton(func(t float64) (float64, float64, float64) {
			nei1.Length = t
			nei2.Length = t
			lh, df, ddf := pt.ComputeLikelihoodDerv(nei1, node1)
			return -lh, -df, -ddf
		}, MinBranchLen, currentLen, MaxBranchLen, TolBranchLen)
	} else {
		optx, negLh = minimize.Brent(func(t float64) float64 {
			nei1.Length = t
			nei2.Length = t
			return -pt.ComputeLikelihoodBranch(nei1, node1, nil)
		}, MinBranchLen, currentLen, MaxBranchLen, TolBranchLen)
	}
	nei1.Length = optx
	nei2.Length = optx
	if optx != currentLen && clearLh {
		node1.ClearReversePartialLh(node2)
		node2.ClearReversePartialLh(node1)
	}
	return -negLh
}

func (pt *PhyloTree) optimizeAllBranchesFrom(node, dad *tree.Node) {
	for _, nei := range node.Neighbors {
		if nei.Node != dad {
			pt.optimizeAllBranchesFrom(nei.Node, node)
		}
	}
	if dad != nil {
		pt.OptimizeOneBranch(node, dad, true)
	}
}

// OptimizeAllBranches sweeps all edges repeatedly until the tree
// log-likelihood improves by less than TolLikelihood or maxIter
// sweeps are done. It returns the final log-likelihood.
func (pt *PhyloTree) OptimizeAllBranches(maxIter int) float64 {
	treeLh := pt.ComputeLikelihood()
	for i := 0; i < maxIter; i++ {
		pt.optimizeAllBranchesFrom(pt.Root, nil)
		newLh := pt.ComputeLikelihood()
		if newLh <= treeLh+TolLikelihood {
			return newLh
		}
		treeLh = newLh
	}
	return treeLh
}
