package phylo

import (
	"math"
	"testing"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/bio"
	"bitbucket.org/Davydov/goiqp/model"
	"bitbucket.org/Davydov/goiqp/tree"
)

func init() {
	logging.SetLevel(logging.WARNING, "phylo")
}

// Two pairs of close taxa separated by a long internal branch.
var seqs4 = bio.Sequences{
	{Name: "A", Sequence: "AAAAAAAACCCCCCCCGGGGGGGG"},
	{Name: "B", Sequence: "AAAAAAAACCCCCCCCGGGGGGGA"},
	{Name: "C", Sequence: "TTTTTTTTGGGGGGGGAAAAAAAA"},
	{Name: "D", Sequence: "TTTTTTTTGGGGGGGGAAAAAAAT"},
}

const (
	goodTree4 = "(A:0.1,B:0.1,(C:0.1,D:0.1):0.3);"
	badTree4  = "(A:0.1,C:0.1,(B:0.1,D:0.1):0.3);"
)

func mustAln(tst *testing.T, seqs bio.Sequences) *align.Alignment {
	aln, err := align.New(seqs, bio.DNA)
	if err != nil {
		tst.Fatal("cannot build alignment:", err)
	}
	return aln
}

func mustPT(tst *testing.T, newick string, seqs bio.Sequences, rate model.SiteRate) *PhyloTree {
	aln := mustAln(tst, seqs)
	t, err := tree.ParseNewickString(newick)
	if err != nil {
		tst.Fatal("cannot parse tree:", err)
	}
	pt, err := NewPhyloTree(t, aln, model.NewJC(4), rate, &Params{Seed: 1, NThreads: 2})
	if err != nil {
		tst.Fatal("cannot build tree:", err)
	}
	return pt
}

func TestParsimonyKnownScore(tst *testing.T) {
	pt := mustPT(tst, goodTree4, seqs4, nil)
	if s := pt.ComputeParsimony(); s != 25 {
		tst.Error("expecting parsimony 25, got", s)
	}
	pt = mustPT(tst, badTree4, seqs4, nil)
	if s := pt.ComputeParsimony(); s != 48 {
		tst.Error("expecting parsimony 48, got", s)
	}
}

func TestParsimonyMatchesReference(tst *testing.T) {
	for _, newick := range []string{goodTree4, badTree4} {
		pt := mustPT(tst, newick, seqs4, nil)
		fast := pt.ComputeParsimony()
		slow := pt.ComputeParsimonyScore()
		if fast != slow {
			tst.Errorf("cached %d != reference %d for %s", fast, slow, newick)
		}
	}
}

func TestLikelihoodBranchIndependent(tst *testing.T) {
	pt := mustPT(tst, goodTree4, seqs4, nil)
	ref := pt.ComputeLikelihood()
	if !(ref < 0) {
		tst.Fatal("log-likelihood should be negative, got", ref)
	}
	tree.Walk(pt.Root, nil, func(node, dad *tree.Node) {
		if dad == nil {
			return
		}
		lh := pt.ComputeLikelihoodBranch(dad.FindNeighbor(node), dad, nil)
		if math.Abs(lh-ref) > 1e-6 {
			tst.Errorf("likelihood from edge %d-%d: got %v, want %v",
				dad.Id, node.Id, lh, ref)
		}
	})
	if err := pt.SanityCheckLikelihood(); err != nil {
		tst.Error("sanity check failed:", err)
	}
}

func TestPatternLikelihoodSum(tst *testing.T) {
	pt := mustPT(tst, goodTree4, seqs4, nil)
	ptnLh := make([]float64, pt.Aln.NPatterns())
	lh := pt.ComputePatternLikelihood(ptnLh)
	sum := 0.0
	for p, l := range ptnLh {
		sum += l * float64(pt.Aln.Freq[p])
	}
	if math.Abs(lh-sum) > 1e-6 {
		tst.Errorf("pattern sum %v != total %v", sum, lh)
	}
}

// lhAt evaluates the likelihood with the n1-n2 branch set to t.
func lhAt(pt *PhyloTree, n1, n2 *tree.Node, t float64) float64 {
	tree.SetLength(n1, n2, t)
	return pt.ComputeLikelihoodBranch(n2.FindNeighbor(n1), n2, nil)
}

func TestLikelihoodDerivatives(tst *testing.T) {
	for _, rate := range []model.SiteRate{nil, model.NewGamma(0.7, 4)} {
		pt := mustPT(tst, goodTree4, seqs4, rate)
		n1 := pt.Root
		n2 := n1.Neighbors[0].Node
		t0 := 0.15
		tree.SetLength(n1, n2, t0)
		lh, df, ddf := pt.ComputeLikelihoodDerv(n2.FindNeighbor(n1), n2)
		if math.Abs(lh-lhAt(pt, n1, n2, t0)) > 1e-6 {
			tst.Error("derivative call disagrees on the likelihood")
		}
		h := 1e-5
		up := lhAt(pt, n1, n2, t0+h)
		down := lhAt(pt, n1, n2, t0-h)
		numDf := (up - down) / (2 * h)
		numDdf := (up - 2*lh + down) / (h * h)
		if math.Abs(df-numDf) > 1e-3*(1+math.Abs(numDf)) {
			tst.Errorf("first derivative: got %v, numeric %v", df, numDf)
		}
		if math.Abs(ddf-numDdf) > 1e-2*(1+math.Abs(numDdf)) {
			tst.Errorf("second derivative: got %v, numeric %v", ddf, numDdf)
		}
	}
}

func TestRateModelsFinite(tst *testing.T) {
	rates := []model.SiteRate{
		nil,
		model.NewGamma(0.5, 4),
		model.NewInvar(model.UniformRate{}, 0.2),
		model.NewInvar(model.NewGamma(1.0, 4), 0.1),
	}
	for i, rate := range rates {
		pt := mustPT(tst, goodTree4, seqs4, rate)
		lh := pt.ComputeLikelihood()
		if math.IsNaN(lh) || math.IsInf(lh, 0) || lh >= 0 {
			tst.Errorf("rate model %d: bad likelihood %v", i, lh)
		}
	}
}

func TestOptimizeOneBranch(tst *testing.T) {
	for _, newton := range []bool{false, true} {
		pt := mustPT(tst, goodTree4, seqs4, nil)
		pt.Params.OptimizeByNewton = newton
		before := pt.ComputeLikelihood()
		n1 := pt.Root
		n2 := n1.Neighbors[0].Node
		after := pt.OptimizeOneBranch(n1, n2, true)
		if after < before-1e-9 {
			tst.Errorf("newton=%v: optimization decreased likelihood %v -> %v",
				newton, before, after)
		}
		l := n1.FindNeighbor(n2).Length
		if l < MinBranchLen || l > MaxBranchLen {
			tst.Error("branch length out of bounds:", l)
		}
	}
}

func TestOptimizeAllBranches(tst *testing.T) {
	pt := mustPT(tst, goodTree4, seqs4, nil)
	before := pt.ComputeLikelihood()
	after := pt.OptimizeAllBranches(10)
	if after < before {
		tst.Errorf("optimization decreased likelihood %v -> %v", before, after)
	}
	// A second run should change almost nothing.
	again := pt.OptimizeAllBranches(10)
	if math.Abs(again-after) > 10*TolLikelihood {
		tst.Errorf("optimum not stable: %v then %v", after, again)
	}
}

func TestFixNegativeBranch(tst *testing.T) {
	pt := mustPT(tst, "(A:0.1,B:-1,(C:0.1,D:0):0.3);", seqs4, nil)
	if fixed := pt.FixNegativeBranch(0.1); fixed != 2 {
		tst.Error("expecting 2 fixed branches, got", fixed)
	}
	if pt.FixNegativeBranch(0.1) != 0 {
		tst.Error("second pass should fix nothing")
	}
}

func TestGrowTreeMP(tst *testing.T) {
	aln := mustAln(tst, seqs4)
	pt, score, err := GrowTreeMP(aln, model.NewJC(4), nil, &Params{Seed: 1})
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	if pt.NLeaves() != 4 {
		tst.Fatal("expecting 4 leaves, got", pt.NLeaves())
	}
	if score != 25 {
		tst.Error("expecting the most parsimonious tree (25), got", score)
	}
}

func TestGrowTreeML(tst *testing.T) {
	aln := mustAln(tst, seqs4)
	pt, lh, err := GrowTreeML(aln, model.NewJC(4), nil, &Params{Seed: 1, NThreads: 2})
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	if pt.NLeaves() != 4 {
		tst.Fatal("expecting 4 leaves, got", pt.NLeaves())
	}
	ref := mustPT(tst, goodTree4, seqs4, nil)
	want := ref.OptimizeAllBranches(100)
	if math.Abs(lh-want) > 0.1 {
		tst.Errorf("stepwise likelihood %v, best tree gives %v", lh, want)
	}
}

func TestUnknownTaxon(tst *testing.T) {
	aln := mustAln(tst, seqs4)
	t, err := tree.ParseNewickString("(A:0.1,B:0.1,(C:0.1,X:0.1):0.3);")
	if err != nil {
		tst.Fatal("cannot parse tree:", err)
	}
	if _, err := NewPhyloTree(t, aln, model.NewJC(4), nil, nil); err == nil {
		tst.Error("expecting an unknown taxon error")
	}
}
