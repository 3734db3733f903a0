package phylo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"bitbucket.org/Davydov/goiqp/tree"
)

// Likelihood engine. Partial likelihoods are cached per half-edge:
// leaves carry a single patterns x states row of indicator values,
// internal directions carry patterns x categories x states. Patterns
// whose partial block drops below ScalingThreshold are rescaled; the
// count per pattern lives in ScaleNum and the frequency-weighted log
// of all scalings in LhScaleFactor.

// partialRow returns the states-long row of a half-edge cache for a
// pattern and category.
func (pt *PhyloTree) partialRow(nei *tree.Neighbor, ptn, cat int) []float64 {
	ns := pt.NStates()
	if nei.Node.IsLeaf() {
		return nei.PartialLh[ptn*ns : (ptn+1)*ns]
	}
	base := (ptn*pt.NCats() + cat) * ns
	return nei.PartialLh[base : base+ns]
}

// computePartialLh fills the likelihood cache of dadBranch, the
// half-edge from dad towards dadBranch.Node.
func (pt *PhyloTree) computePartialLh(dadBranch *tree.Neighbor, dad *tree.Node) {
	if dadBranch.Computed&tree.LhComputed != 0 {
		return
	}
	node := dadBranch.Node
	ns := pt.NStates()
	nPtn := pt.Aln.NPatterns()
	dadBranch.LhScaleFactor = 0

	if node.IsLeaf() {
		if dadBranch.PartialLh == nil {
			dadBranch.PartialLh = pt.lhArena.allocLh(pt.leafBlockSize())
			dadBranch.ScaleNum = pt.lhArena.allocScale(nPtn)
		}
		row := node.LeafId
		for p := 0; p < nPtn; p++ {
			mask := pt.Aln.Alphabet.AmbiguityMask(pt.Aln.Patterns[p][row])
			for x := 0; x < ns; x++ {
				v := 0.0
				if mask&(1<<uint(x)) != 0 {
					v = 1
				}
				dadBranch.PartialLh[p*ns+x] = v
			}
			// Leaf rows are never scaled.
			dadBranch.ScaleNum[p] = -1
		}
		dadBranch.Computed |= tree.LhComputed
		return
	}

	nCat := pt.NCats()
	if dadBranch.PartialLh == nil {
		dadBranch.PartialLh = pt.lhArena.allocLh(pt.lhBlockSize())
		dadBranch.ScaleNum = pt.lhArena.allocScale(nPtn)
	}
	partial := dadBranch.PartialLh
	for i := range partial {
		partial[i] = 1
	}
	for p := 0; p < nPtn; p++ {
		dadBranch.ScaleNum[p] = 0
	}

	siteSpecific := pt.Rate.IsSiteSpecific()
	trans := make([]float64, ns*ns)
	for _, nei := range node.Neighbors {
		if nei.Node == dad {
			continue
		}
		pt.computePartialLh(nei, node)
		dadBranch.LhScaleFactor += nei.LhScaleFactor
		for p := 0; p < nPtn; p++ {
			if nei.ScaleNum[p] > 0 {
				dadBranch.ScaleNum[p] += nei.ScaleNum[p]
			}
		}
		for cat := 0; cat < nCat; cat++ {
			if !siteSpecific {
				pt.Model.TransMatrix(nei.Length*pt.Rate.Rate(cat), trans)
			}
			for p := 0; p < nPtn; p++ {
				if siteSpecific {
					pt.Model.TransMatrix(nei.Length*pt.Rate.PtnRate(p), trans)
				}
				child := pt.partialRow(nei, p, cat)
				out := partial[(p*nCat+cat)*ns : (p*nCat+cat+1)*ns]
				for x := 0; x < ns; x++ {
					sum := 0.0
					for y := 0; y < ns; y++ {
						sum += trans[x*ns+y] * child[y]
					}
					out[x] *= sum
				}
			}
		}
	}

	// Rescale patterns whose whole block underflowed.
	for p := 0; p < nPtn; p++ {
		block := partial[p*nCat*ns : (p+1)*nCat*ns]
		small := true
		for _, v := range block {
			if v >= ScalingThreshold {
				small = false
				break
			}
		}
		if small {
			for i := range block {
				block[i] /= ScalingThreshold
			}
			dadBranch.ScaleNum[p]++
			dadBranch.LhScaleFactor += LogScalingThreshold * float64(pt.Aln.Freq[p])
		}
	}
	dadBranch.Computed |= tree.LhComputed
}

// scaleTotal is the per-pattern scaling count across both directions
// of an edge; leaf sentinels count as zero.
func scaleTotal(a, b []int16, p int) float64 {
	s := 0.0
	if a[p] > 0 {
		s += float64(a[p])
	}
	if b[p] > 0 {
		s += float64(b[p])
	}
	return s
}

// ComputeLikelihoodBranch returns the tree log-likelihood evaluated
// across the edge dad - dadBranch.Node. When patternLh is non-nil it
// receives per-pattern log-likelihoods including scaling corrections.
func (pt *PhyloTree) ComputeLikelihoodBranch(dadBranch *tree.Neighbor, dad *tree.Node, patternLh []float64) float64 {
	node := dadBranch.Node
	nodeBranch := node.FindNeighbor(dad)
	pt.computePartialLh(dadBranch, dad)
	pt.computePartialLh(nodeBranch, node)
	pt.setEntryEdge(dad, node)

	ns := pt.NStates()
	nCat := pt.NCats()
	nPtn := pt.Aln.NPatterns()
	freqs := pt.Model.StateFreqs()
	pInvar := pt.Rate.PropInvar()
	pVarCat := (1 - pInvar) / float64(nCat)
	siteSpecific := pt.Rate.IsSiteSpecific()

	var trans []float64
	if !siteSpecific {
		trans = make([]float64, nCat*ns*ns)
		for cat := 0; cat < nCat; cat++ {
			pt.Model.TransMatrix(dadBranch.Length*pt.Rate.Rate(cat), trans[cat*ns*ns:(cat+1)*ns*ns])
		}
	}

	patternFn := func(p int, ssTrans []float64) float64 {
		if siteSpecific {
			rate := pt.Rate.PtnRate(p)
			if pt.Params.DiscardSaturated && rate >= MaxSiteRate {
				return 0
			}
			pt.Model.TransMatrix(dadBranch.Length*rate, ssTrans)
		}
		lhPtn := 0.0
		for cat := 0; cat < nCat; cat++ {
			tr := ssTrans
			if !siteSpecific {
				tr = trans[cat*ns*ns : (cat+1)*ns*ns]
			}
			dadRow := pt.partialRow(nodeBranch, p, cat)
			nodeRow := pt.partialRow(dadBranch, p, cat)
			for x := 0; x < ns; x++ {
				if dadRow[x] == 0 {
					continue
				}
				sum := 0.0
				for y := 0; y < ns; y++ {
					sum += tr[x*ns+y] * nodeRow[y]
				}
				lhPtn += freqs[x] * dadRow[x] * sum
			}
		}
		lhPtn *= pVarCat
		if pt.Aln.IsConst[p] && pt.Aln.Alphabet.IsUnambiguous(pt.Aln.ConstState[p]) {
			lhPtn += pInvar * freqs[pt.Aln.ConstState[p]]
		}
		if lhPtn <= 0 {
			log.Warningf("non-positive pattern likelihood %g at pattern %d", lhPtn, p)
			pt.recordNumericFailure("likelihood", p, lhPtn)
			lhPtn = ScalingThreshold
		}
		return math.Log(lhPtn) +
			scaleTotal(dadBranch.ScaleNum, nodeBranch.ScaleNum, p)*LogScalingThreshold
	}

	ptnLh := patternLh
	if ptnLh == nil {
		ptnLh = make([]float64, nPtn)
	}

	nWorkers := pt.Params.NThreads
	if nWorkers > 1 && nPtn >= 4*nWorkers {
		tasks := make(chan [2]int, nWorkers)
		done := make(chan struct{}, nWorkers)
		chunk := (nPtn + nWorkers - 1) / nWorkers
		for w := 0; w < nWorkers; w++ {
			go func() {
				ssTrans := make([]float64, ns*ns)
				for rng := range tasks {
					for p := rng[0]; p < rng[1]; p++ {
						ptnLh[p] = patternFn(p, ssTrans)
					}
				}
				done <- struct{}{}
			}()
		}
		for lo := 0; lo < nPtn; lo += chunk {
			hi := lo + chunk
			if hi > nPtn {
				hi = nPtn
			}
			tasks <- [2]int{lo, hi}
		}
		close(tasks)
		for w := 0; w < nWorkers; w++ {
			<-done
		}
	} else {
		ssTrans := make([]float64, ns*ns)
		for p := 0; p < nPtn; p++ {
			ptnLh[p] = patternFn(p, ssTrans)
		}
	}

	treeLh := 0.0
	for p := 0; p < nPtn; p++ {
		treeLh += ptnLh[p] * float64(pt.Aln.Freq[p])
	}
	return treeLh
}

// ComputeLikelihood returns the tree log-likelihood at the current
// entry edge (the edge next to Root on first use).
func (pt *PhyloTree) ComputeLikelihood() float64 {
	nei, dad := pt.entryEdge()
	return pt.ComputeLikelihoodBranch(nei, dad, nil)
}

// ComputePatternLikelihood fills patternLh with per-pattern
// log-likelihoods at the current entry edge and returns the tree
// log-likelihood.
func (pt *PhyloTree) ComputePatternLikelihood(patternLh []float64) float64 {
	nei, dad := pt.entryEdge()
	return pt.ComputeLikelihoodBranch(nei, dad, patternLh)
}

// ComputeLikelihoodZeroBranch evaluates the log-likelihood across the
// edge with its length collapsed to zero, so the transition matrix is
// the identity.
func (pt *PhyloTree) ComputeLikelihoodZeroBranch(dadBranch *tree.Neighbor, dad *tree.Node) float64 {
	node := dadBranch.Node
	nodeBranch := node.FindNeighbor(dad)
	pt.computePartialLh(dadBranch, dad)
	pt.computePartialLh(nodeBranch, node)

	ns := pt.NStates()
	nCat := pt.NCats()
	freqs := pt.Model.StateFreqs()
	pInvar := pt.Rate.PropInvar()
	pVarCat := (1 - pInvar) / float64(nCat)

	treeLh := 0.0
	for p := 0; p < pt.Aln.NPatterns(); p++ {
		lhPtn := 0.0
		for cat := 0; cat < nCat; cat++ {
			dadRow := pt.partialRow(nodeBranch, p, cat)
			nodeRow := pt.partialRow(dadBranch, p, cat)
			for x := 0; x < ns; x++ {
				lhPtn += freqs[x] * dadRow[x] * nodeRow[x]
			}
		}
		lhPtn *= pVarCat
		if pt.Aln.IsConst[p] && pt.Aln.Alphabet.IsUnambiguous(pt.Aln.ConstState[p]) {
			lhPtn += pInvar * freqs[pt.Aln.ConstState[p]]
		}
		if lhPtn <= 0 {
			pt.recordNumericFailure("zero-branch likelihood", p, lhPtn)
			lhPtn = ScalingThreshold
		}
		treeLh += (math.Log(lhPtn) +
			scaleTotal(dadBranch.ScaleNum, nodeBranch.ScaleNum, p)*LogScalingThreshold) *
			float64(pt.Aln.Freq[p])
	}
	return treeLh
}

// ComputeLikelihoodDerv returns the log-likelihood across the edge
// dad - dadBranch.Node together with its first and second derivatives
// in the branch length.
func (pt *PhyloTree) ComputeLikelihoodDerv(dadBranch *tree.Neighbor, dad *tree.Node) (lh, df, ddf float64) {
	node := dadBranch.Node
	nodeBranch := node.FindNeighbor(dad)
	pt.computePartialLh(dadBranch, dad)
	pt.computePartialLh(nodeBranch, node)
	pt.setEntryEdge(dad, node)

	ns := pt.NStates()
	nCat := pt.NCats()
	freqs := pt.Model.StateFreqs()
	pInvar := pt.Rate.PropInvar()
	pVarCat := (1 - pInvar) / float64(nCat)
	siteSpecific := pt.Rate.IsSiteSpecific()

	trans := make([]float64, ns*ns)
	trans1 := make([]float64, ns*ns)
	trans2 := make([]float64, ns*ns)

	catTrans := make([][]float64, 0, nCat)
	catTrans1 := make([][]float64, 0, nCat)
	catTrans2 := make([][]float64, 0, nCat)
	if !siteSpecific {
		for cat := 0; cat < nCat; cat++ {
			p0 := make([]float64, ns*ns)
			p1 := make([]float64, ns*ns)
			p2 := make([]float64, ns*ns)
			pt.Model.TransMatrixDerv(dadBranch.Length*pt.Rate.Rate(cat), p0, p1, p2)
			catTrans = append(catTrans, p0)
			catTrans1 = append(catTrans1, p1)
			catTrans2 = append(catTrans2, p2)
		}
	}

	for p := 0; p < pt.Aln.NPatterns(); p++ {
		rate := 1.0
		if siteSpecific {
			rate = pt.Rate.PtnRate(p)
			if pt.Params.DiscardSaturated && rate >= MaxSiteRate {
				continue
			}
			pt.Model.TransMatrixDerv(dadBranch.Length*rate, trans, trans1, trans2)
		}
		var lhPtn, dfPtn, ddfPtn float64
		for cat := 0; cat < nCat; cat++ {
			t0, t1, t2 := trans, trans1, trans2
			catRate := rate
			if !siteSpecific {
				t0, t1, t2 = catTrans[cat], catTrans1[cat], catTrans2[cat]
				catRate = pt.Rate.Rate(cat)
			}
			dadRow := pt.partialRow(nodeBranch, p, cat)
			nodeRow := pt.partialRow(dadBranch, p, cat)
			for x := 0; x < ns; x++ {
				if dadRow[x] == 0 {
					continue
				}
				var s0, s1, s2 float64
				for y := 0; y < ns; y++ {
					s0 += t0[x*ns+y] * nodeRow[y]
					s1 += t1[x*ns+y] * nodeRow[y]
					s2 += t2[x*ns+y] * nodeRow[y]
				}
				w := freqs[x] * dadRow[x]
				lhPtn += w * s0
				// Chain rule: d/dt P(t*r) = r P'(t*r).
				dfPtn += w * s1 * catRate
				ddfPtn += w * s2 * catRate * catRate
			}
		}
		lhPtn *= pVarCat
		dfPtn *= pVarCat
		ddfPtn *= pVarCat
		if pt.Aln.IsConst[p] && pt.Aln.Alphabet.IsUnambiguous(pt.Aln.ConstState[p]) {
			lhPtn += pInvar * freqs[pt.Aln.ConstState[p]]
		}
		if lhPtn <= 0 {
			pt.recordNumericFailure("likelihood derivatives", p, lhPtn)
			lhPtn = ScalingThreshold
		}
		freq := float64(pt.Aln.Freq[p])
		dfFrac := dfPtn / lhPtn
		lh += (math.Log(lhPtn) +
			scaleTotal(dadBranch.ScaleNum, nodeBranch.ScaleNum, p)*LogScalingThreshold) * freq
		df += dfFrac * freq
		ddf += (ddfPtn/lhPtn - dfFrac*dfFrac) * freq
	}
	return lh, df, ddf
}

// LogLVariance estimates the variance of the tree log-likelihood from
// per-pattern log-likelihoods.
func (pt *PhyloTree) LogLVariance(patternLh []float64, treeLh float64) float64 {
	nSite := float64(pt.Aln.NSites())
	mean := treeLh / nSite
	variance := 0.0
	for p, lh := range patternLh {
		d := lh - mean
		variance += d * d * float64(pt.Aln.Freq[p])
	}
	if nSite <= 1 {
		return variance
	}
	return variance * nSite / (nSite - 1)
}

// LogLDiffVariance estimates the variance of the per-site
// log-likelihood difference between two trees.
func (pt *PhyloTree) LogLDiffVariance(patternLh1, patternLh2 []float64) float64 {
	nSite := float64(pt.Aln.NSites())
	freqs := make([]float64, len(patternLh1))
	diff := make([]float64, len(patternLh1))
	for p := range diff {
		freqs[p] = float64(pt.Aln.Freq[p])
		diff[p] = patternLh1[p] - patternLh2[p]
	}
	mean := floats.Dot(freqs, diff) / nSite
	variance := 0.0
	for p, d := range diff {
		dev := d - mean
		variance += dev * dev * freqs[p]
	}
	if nSite <= 1 {
		return variance
	}
	return variance * nSite / (nSite - 1)
}

// SanityCheckLikelihood recomputes the likelihood at a different edge
// and compares. A mismatch beyond tolerance means corrupted caches.
func (pt *PhyloTree) SanityCheckLikelihood() error {
	if err := pt.Err(); err != nil {
		return err
	}
	nei, dad := pt.entryEdge()
	lh1 := pt.ComputeLikelihoodBranch(nei, dad, nil)
	// Any other edge must yield the same tree likelihood.
	for _, node := range pt.Nodes() {
		if node.IsLeaf() || node == dad {
			continue
		}
		lh2 := pt.ComputeLikelihoodBranch(node.Neighbors[0], node, nil)
		if math.Abs(lh1-lh2) > TolLikelihood {
			return &NumericError{
				Op:  "sanity check",
				Err: fmt.Errorf("likelihood differs across edges: %g vs %g", lh1, lh2),
			}
		}
		break
	}
	pt.setEntryEdge(dad, nei.Node)
	return nil
}
