package phylo

import (
	"bitbucket.org/Davydov/goiqp/tree"
)

// Directional Fitch parsimony on bit-packed state sets. Each
// half-edge cache stores one packed state set per pattern plus a
// trailing word holding the cumulative substitution count of the
// subtree behind the edge.

// computePartialParsimony fills the parsimony cache of dadBranch, the
// half-edge from dad towards dadBranch.Node.
func (pt *PhyloTree) computePartialParsimony(dadBranch *tree.Neighbor, dad *tree.Node) {
	if dadBranch.Computed&tree.ParsComputed != 0 {
		return
	}
	node := dadBranch.Node
	width := pt.NStates()
	nPtn := pt.Aln.NPatterns()
	if dadBranch.PartialPars == nil {
		dadBranch.PartialPars = pt.parsArena.alloc()
	}
	pars := dadBranch.PartialPars
	for i := range pars {
		pars[i] = 0
	}

	if node.IsLeaf() {
		row := node.LeafId
		for p := 0; p < nPtn; p++ {
			setBits(pars, p, width, pt.Aln.Alphabet.AmbiguityMask(pt.Aln.Patterns[p][row]))
		}
		dadBranch.Computed |= tree.ParsComputed
		return
	}

	// Fold the children pairwise: intersect where possible,
	// otherwise union and count a substitution.
	score := uint64(0)
	first := true
	for _, nei := range node.Neighbors {
		if nei.Node == dad {
			continue
		}
		pt.computePartialParsimony(nei, node)
		score += nei.PartialPars[len(nei.PartialPars)-1]
		if first {
			copy(pars[:len(pars)-1], nei.PartialPars[:len(nei.PartialPars)-1])
			first = false
			continue
		}
		for p := 0; p < nPtn; p++ {
			a := getBits(pars, p, width)
			b := getBits(nei.PartialPars, p, width)
			if a&b != 0 {
				setBits(pars, p, width, a&b)
			} else {
				setBits(pars, p, width, a|b)
				score += uint64(pt.Aln.Freq[p])
			}
		}
	}
	pars[len(pars)-1] = score
	dadBranch.Computed |= tree.ParsComputed
}

// ComputeParsimonyBranch returns the Fitch parsimony score of the
// whole tree evaluated across the edge dad - dadBranch.Node.
func (pt *PhyloTree) ComputeParsimonyBranch(dadBranch *tree.Neighbor, dad *tree.Node) int {
	nodeBranch := dadBranch.Node.FindNeighbor(dad)
	pt.computePartialParsimony(dadBranch, dad)
	pt.computePartialParsimony(nodeBranch, dadBranch.Node)

	width := pt.NStates()
	nPtn := pt.Aln.NPatterns()
	score := dadBranch.PartialPars[len(dadBranch.PartialPars)-1] +
		nodeBranch.PartialPars[len(nodeBranch.PartialPars)-1]
	for p := 0; p < nPtn; p++ {
		a := getBits(dadBranch.PartialPars, p, width)
		b := getBits(nodeBranch.PartialPars, p, width)
		if a&b == 0 {
			score += uint64(pt.Aln.Freq[p])
		}
	}
	return int(score)
}

// ComputeParsimony returns the parsimony score at the default entry
// edge next to Root.
func (pt *PhyloTree) ComputeParsimony() int {
	return pt.ComputeParsimonyBranch(pt.Root.Neighbors[0], pt.Root)
}

// ComputeParsimonyScore recomputes the parsimony score pattern by
// pattern with plain recursion, without the packed caches. It serves
// as a cross-check of the cached computation.
func (pt *PhyloTree) ComputeParsimonyScore() int {
	total := 0
	for p := 0; p < pt.Aln.NPatterns(); p++ {
		total += pt.Aln.Freq[p] * pt.parsimonyPattern(p)
	}
	return total
}

func (pt *PhyloTree) parsimonyPattern(p int) int {
	root := pt.Root
	set, score := pt.fitchSet(root.Neighbors[0].Node, root, p)
	rootSet := pt.Aln.Alphabet.AmbiguityMask(pt.Aln.Patterns[p][root.LeafId])
	if set&rootSet == 0 {
		score++
	}
	return score
}

func (pt *PhyloTree) fitchSet(node, dad *tree.Node, p int) (uint32, int) {
	if node.IsLeaf() {
		return pt.Aln.Alphabet.AmbiguityMask(pt.Aln.Patterns[p][node.LeafId]), 0
	}
	var set uint32
	score := 0
	first := true
	for _, nei := range node.Neighbors {
		if nei.Node == dad {
			continue
		}
		s, sc := pt.fitchSet(nei.Node, node, p)
		score += sc
		if first {
			set = s
			first = false
		} else if set&s != 0 {
			set &= s
		} else {
			set |= s
			score++
		}
	}
	return set, score
}
