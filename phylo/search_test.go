package phylo

import (
	"math"
	"sort"
	"testing"

	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/bio"
	"bitbucket.org/Davydov/goiqp/model"
)

// Three pairs of close taxa; any tree mixing the pairs is clearly
// worse.
var seqs6 = bio.Sequences{
	{Name: "A", Sequence: "AAAAAAAACCCCCCCCGGGGGGGG"},
	{Name: "B", Sequence: "AAAAAAAACCCCCCCCGGGGGGGA"},
	{Name: "E", Sequence: "CAAAAAAACCCCCCCCGGGGGGGG"},
	{Name: "C", Sequence: "TTTTTTTTGGGGGGGGAAAAAAAA"},
	{Name: "D", Sequence: "TTTTTTTTGGGGGGGGAAAAAAAT"},
	{Name: "F", Sequence: "GTTTTTTTGGGGGGGGAAAAAAAA"},
}

const (
	goodTree6 = "((A:0.1,B:0.1):0.1,E:0.1,((C:0.1,D:0.1):0.1,F:0.1):0.3);"
	badTree6  = "((A:0.1,C:0.1):0.1,E:0.1,((B:0.1,D:0.1):0.1,F:0.1):0.3);"
)

func bestLh4(tst *testing.T) float64 {
	ref := mustPT(tst, goodTree4, seqs4, nil)
	return ref.OptimizeAllBranches(100)
}

func TestDoNNIReversible(tst *testing.T) {
	pt := mustPT(tst, goodTree4, seqs4, nil)
	before := pt.ComputeParsimony()
	var e edge
	for _, cand := range pt.internalEdges() {
		e = cand
	}
	move := nniMovesForEdge(e.u, e.v)[0]
	pt.DoNNI(move)
	e.u.ClearReversePartialLh(e.v)
	e.v.ClearReversePartialLh(e.u)
	changed := pt.ComputeParsimony()
	if changed == before {
		tst.Error("swap did not change the tree score")
	}
	pt.DoNNI(move.reverse())
	e.u.ClearReversePartialLh(e.v)
	e.v.ClearReversePartialLh(e.u)
	if after := pt.ComputeParsimony(); after != before {
		tst.Errorf("undo did not restore the tree: %d != %d", after, before)
	}
}

func TestNNIParsimonyRecovery(tst *testing.T) {
	pt := mustPT(tst, badTree4, seqs4, nil)
	if score := pt.OptimizeNNIParsimony(); score != 25 {
		tst.Error("expecting parsimony 25 after NNI, got", score)
	}
}

func TestNNILikelihoodRecovery(tst *testing.T) {
	want := bestLh4(tst)
	pt := mustPT(tst, badTree4, seqs4, nil)
	got := pt.OptimizeNNI()
	if math.Abs(got-want) > 0.1 {
		tst.Errorf("NNI ended at %v, best tree gives %v", got, want)
	}
}

func TestFastNNIRecovery(tst *testing.T) {
	want := bestLh4(tst)
	for _, phyml := range []bool{false, true} {
		pt := mustPT(tst, badTree4, seqs4, nil)
		pt.Params.NNIPhyml = phyml
		got := pt.OptimizeFastNNI()
		if math.Abs(got-want) > 0.1 {
			tst.Errorf("phyml=%v: fast NNI ended at %v, best tree gives %v",
				phyml, got, want)
		}
	}
}

func TestFastNNIKeepsGoodTree(tst *testing.T) {
	pt := mustPT(tst, goodTree6, seqs6, nil)
	before := pt.OptimizeAllBranches(100)
	after := pt.OptimizeFastNNI()
	if after < before-TolLikelihood {
		tst.Errorf("fast NNI made the tree worse: %v -> %v", before, after)
	}
}

func TestSPRRecovery(tst *testing.T) {
	want := bestLh4(tst)
	pt := mustPT(tst, badTree4, seqs4, nil)
	got := pt.OptimizeSPR()
	if math.Abs(got-want) > 0.1 {
		tst.Errorf("SPR ended at %v, best tree gives %v", got, want)
	}
}

func TestSPRKeepsLeaves(tst *testing.T) {
	pt := mustPT(tst, badTree6, seqs6, nil)
	pt.OptimizeSPR()
	if pt.NLeaves() != 6 {
		tst.Error("leaves lost during SPR:", pt.NLeaves())
	}
}

func leafNames(pt *PhyloTree) []string {
	names := make([]string, 0, pt.NLeaves())
	for _, l := range pt.Leaves() {
		names = append(names, l.Name)
	}
	sort.Strings(names)
	return names
}

func TestDoIQPKeepsTaxa(tst *testing.T) {
	pt := mustPT(tst, goodTree6, seqs6, nil)
	before := leafNames(pt)
	for i := 0; i < 5; i++ {
		if err := pt.DoIQP(); err != nil {
			tst.Fatal("perturbation failed:", err)
		}
		after := leafNames(pt)
		if len(after) != len(before) {
			tst.Fatal("taxon count changed:", after)
		}
		for j := range after {
			if after[j] != before[j] {
				tst.Fatal("taxon set changed:", after)
			}
		}
		lh := pt.ComputeLikelihood()
		if math.IsNaN(lh) || lh >= 0 {
			tst.Fatal("bad likelihood after perturbation:", lh)
		}
	}
}

func TestDoIQPNNI(tst *testing.T) {
	pt := mustPT(tst, badTree6, seqs6, nil)
	pt.Params.NIterations = 3
	pt.Params.KRepresent = 2
	iters := 0
	best, err := pt.DoIQPNNI(func(iter int, score float64, accepted bool) {
		iters++
	})
	if err != nil {
		tst.Fatal("search failed:", err)
	}
	if iters != 3 {
		tst.Error("expecting 3 iterations, got", iters)
	}
	// The final tree must carry the reported likelihood.
	got := pt.OptimizeAllBranches(10)
	if math.Abs(got-best) > 0.05 {
		tst.Errorf("final tree gives %v, search reported %v", got, best)
	}
	// The mixed-pair start must be left behind.
	ref := mustPT(tst, goodTree6, seqs6, nil)
	want := ref.OptimizeAllBranches(100)
	if math.Abs(best-want) > 0.5 {
		tst.Errorf("search ended at %v, best tree gives %v", best, want)
	}
}

func TestBranchSupport(tst *testing.T) {
	pt := mustPT(tst, goodTree6, seqs6, nil)
	pt.OptimizeAllBranches(100)
	supports, nLow := pt.TestAllBranches(0.9, 100)
	if len(supports) != 3 {
		tst.Fatal("expecting 3 internal branches, got", len(supports))
	}
	if nLow < 0 || nLow > len(supports) {
		tst.Error("low-support count out of range:", nLow)
	}
	for node, sup := range supports {
		if sup.ALRT < 0 || sup.ALRT > 1 || sup.LBP < 0 || sup.LBP > 1 {
			tst.Errorf("support out of range: %+v", sup)
		}
		if sup.Stat < -TolLikelihood {
			tst.Errorf("best tree loses to its own NNI alternative: %v", sup.Stat)
		}
		if node.Name == "" {
			tst.Error("internal node not annotated")
		}
	}
}

func TestBranchSupportResolved(tst *testing.T) {
	// The deep split between the two triples dominates the data;
	// after centering the resampled scores it must come out strongly
	// supported by both measures.
	pt := mustPT(tst, goodTree6, seqs6, nil)
	pt.OptimizeAllBranches(100)
	supports, nLow := pt.TestAllBranches(0.9, 200)
	best := BranchSupport{Stat: math.Inf(-1)}
	for _, sup := range supports {
		if sup.Stat > best.Stat {
			best = sup
		}
	}
	if best.ALRT < 0.9 {
		tst.Errorf("strongest branch (aLRT stat %v) got support %v",
			best.Stat, best.ALRT)
	}
	if best.LBP < 0.9 {
		tst.Errorf("strongest branch got local bootstrap %v", best.LBP)
	}
	if nLow >= len(supports) {
		tst.Error("every branch reported as low support:", nLow)
	}
}

func TestDistMatrices(tst *testing.T) {
	aln := mustAln(tst, seqs6)
	n := aln.NTaxa()
	jc := JCDistMatrix(aln, 2)
	obs := ObsDistMatrix(aln, 2)
	for i := 0; i < n; i++ {
		if jc[i*n+i] != 0 || obs[i*n+i] != 0 {
			tst.Fatal("non-zero diagonal")
		}
		for j := i + 1; j < n; j++ {
			if jc[i*n+j] != jc[j*n+i] {
				tst.Fatal("matrix not symmetric")
			}
			if got, want := jc[i*n+j], aln.JCDist(i, j); got != want {
				tst.Errorf("distance %d-%d: got %v, want %v", i, j, got, want)
			}
			if obs[i*n+j] > jc[i*n+j] {
				tst.Error("observed distance above the corrected one")
			}
		}
	}
}

func TestCorrectDist(tst *testing.T) {
	// The saturated pair 0-1 has a short detour through taxon 2.
	dist := []float64{
		0, 9, 1,
		9, 0, 1,
		1, 1, 0,
	}
	longest := CorrectDist(dist, 3)
	if dist[1] != 2 || dist[3] != 2 {
		tst.Error("saturated distance not corrected:", dist)
	}
	if longest != 2 {
		tst.Error("expecting longest distance 2, got", longest)
	}
}

func TestMLPairDist(tst *testing.T) {
	pt := mustPT(tst, goodTree6, seqs6, nil)
	n := pt.Aln.NTaxa()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			jc := pt.Aln.JCDist(i, j)
			ml := pt.MLPairDist(i, j, jc)
			// Under this model the two estimates coincide.
			if jc < align.MaxGeneticDist && math.Abs(ml-jc) > 1e-3 {
				tst.Errorf("pair %d-%d: ML %v, JC %v", i, j, ml, jc)
			}
		}
	}
}

func TestComputeDistMatrix(tst *testing.T) {
	pt := mustPT(tst, goodTree6, seqs6, nil)
	dist, longest := pt.ComputeDistMatrix()
	n := pt.Aln.NTaxa()
	if len(dist) != n*n {
		tst.Fatal("wrong matrix size")
	}
	if longest <= 0 {
		tst.Error("expecting a positive longest distance, got", longest)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if dist[i*n+j] != dist[j*n+i] {
				tst.Fatal("matrix not symmetric")
			}
		}
	}
}

func TestSiteSpecificRates(tst *testing.T) {
	aln := mustAln(tst, seqs4)
	nPtn := aln.NPatterns()
	rates := make([]float64, nPtn)
	cats := make([]int, nPtn)
	for p := range rates {
		rates[p] = 1
	}
	rate := model.NewSiteSpecific(rates, cats)
	pt := mustPT(tst, goodTree4, seqs4, rate)
	uniform := mustPT(tst, goodTree4, seqs4, nil)
	got := pt.ComputeLikelihood()
	want := uniform.ComputeLikelihood()
	if math.Abs(got-want) > 1e-6 {
		tst.Errorf("unit site rates give %v, uniform model %v", got, want)
	}
}
