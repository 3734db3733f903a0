package phylo

import (
	"math"
	"runtime"
	"sync"

	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/minimize"
)

// Pairwise distance matrices. The upper triangle is split by rows
// over a worker pool; afterwards the Floyd shortest-path correction
// replaces saturated entries with the best detour through a third
// taxon.

// distMatrix fills a symmetric n x n matrix from the pair function,
// computing rows of the upper triangle in parallel.
func distMatrix(n, nthreads int, pair func(i, j int) float64) []float64 {
	if nthreads <= 0 {
		nthreads = runtime.GOMAXPROCS(0)
	}
	dist := make([]float64, n*n)
	rows := make(chan int, n)
	var wg sync.WaitGroup
	for w := 0; w < nthreads; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range rows {
				for j := i + 1; j < n; j++ {
					d := pair(i, j)
					dist[i*n+j] = d
					dist[j*n+i] = d
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		rows <- i
	}
	close(rows)
	wg.Wait()
	return dist
}

// ObsDistMatrix computes all observed (p) distances.
func ObsDistMatrix(aln *align.Alignment, nthreads int) []float64 {
	return distMatrix(aln.NTaxa(), nthreads, aln.ObsDist)
}

// JCDistMatrix computes all Juke-Cantor corrected distances.
func JCDistMatrix(aln *align.Alignment, nthreads int) []float64 {
	return distMatrix(aln.NTaxa(), nthreads, aln.JCDist)
}

// CorrectDist runs the Floyd shortest-path algorithm over the matrix,
// so saturated entries drop to their best detour, and returns the
// longest corrected distance.
func CorrectDist(dist []float64, n int) float64 {
	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				detour := dist[i*n+k] + dist[k*n+j]
				if dist[i*n+j] > detour {
					dist[i*n+j] = detour
				}
			}
		}
	}
	longest := 0.0
	for _, d := range dist {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// pairCounts aggregates the substitution count matrix of two rows
// over unambiguous sites.
func (pt *PhyloTree) pairCounts(seq1, seq2 int) []float64 {
	ns := pt.NStates()
	counts := make([]float64, ns*ns)
	for p, ptn := range pt.Aln.Patterns {
		s1, s2 := ptn[seq1], ptn[seq2]
		if !pt.Aln.Alphabet.IsUnambiguous(s1) || !pt.Aln.Alphabet.IsUnambiguous(s2) {
			continue
		}
		counts[int(s1)*ns+int(s2)] += float64(pt.Aln.Freq[p])
	}
	return counts
}

// pairLogLh is the log-likelihood of a substitution count matrix at
// distance t under the tree's model and rate mixture.
func (pt *PhyloTree) pairLogLh(counts []float64, t float64) float64 {
	ns := pt.NStates()
	ncat := pt.NCats()
	pInvar := pt.Rate.PropInvar()
	pVarCat := (1 - pInvar) / float64(ncat)
	trans := make([]float64, ns*ns)
	mix := make([]float64, ns*ns)
	for cat := 0; cat < ncat; cat++ {
		pt.Model.TransMatrix(t*pt.Rate.Rate(cat), trans)
		for k, v := range trans {
			mix[k] += pVarCat * v
		}
	}
	freqs := pt.Model.StateFreqs()
	lh := 0.0
	for i := 0; i < ns; i++ {
		for j := 0; j < ns; j++ {
			c := counts[i*ns+j]
			if c == 0 {
				continue
			}
			p := freqs[i] * mix[i*ns+j]
			if i == j {
				p += pInvar * freqs[i]
			}
			if p < ScalingThreshold {
				p = ScalingThreshold
			}
			lh += c * math.Log(p)
		}
	}
	return lh
}

// MLPairDist maximizes the pairwise likelihood over the distance,
// starting from initDist. Pairs with no unambiguous sites keep the
// initial estimate.
func (pt *PhyloTree) MLPairDist(seq1, seq2 int, initDist float64) float64 {
	counts := pt.pairCounts(seq1, seq2)
	sum := 0.0
	for _, c := range counts {
		sum += c
	}
	if sum == 0 {
		return initDist
	}
	if initDist <= MinBranchLen {
		initDist = MinBranchLen * 2
	}
	if initDist >= align.MaxGeneticDist {
		initDist = align.MaxGeneticDist * 0.9
	}
	x, _ := minimize.Brent(func(t float64) float64 {
		return -pt.pairLogLh(counts, t)
	}, MinBranchLen, initDist, align.MaxGeneticDist, TolBranchLen)
	return x
}

// ComputeDistMatrix computes the corrected pairwise distance matrix:
// model-based maximum-likelihood distances seeded by the Jukes-Cantor
// estimate when a model is attached, plain Jukes-Cantor otherwise.
// It returns the matrix with the longest corrected distance.
func (pt *PhyloTree) ComputeDistMatrix() ([]float64, float64) {
	n := pt.Aln.NTaxa()
	pair := pt.Aln.JCDist
	if pt.Model != nil {
		pair = func(i, j int) float64 {
			return pt.MLPairDist(i, j, pt.Aln.JCDist(i, j))
		}
	}
	dist := distMatrix(n, pt.Params.NThreads, pair)
	longest := CorrectDist(dist, n)
	if longest > align.MaxGeneticDist*0.99 {
		log.Warning("some distances are saturated, please check the alignment")
	}
	return dist, longest
}
