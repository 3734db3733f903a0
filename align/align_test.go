package align

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/goiqp/bio"
)

func init() {
	logging.SetLevel(logging.WARNING, "align")
}

var seqsSmall = bio.Sequences{
	{Name: "A", Sequence: "ACGTACGT"},
	{Name: "B", Sequence: "ACGTACGA"},
	{Name: "C", Sequence: "ACGAACGA"},
	{Name: "D", Sequence: "ACG-ACGA"},
}

func TestCompression(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	if a.NTaxa() != 4 || a.NSites() != 8 {
		tst.Fatal("wrong dimensions:", a.NTaxa(), a.NSites())
	}
	// Columns: AAAA CCCC GGGG TTA- AAAA CCCC GGGG TAAA -> 5 unique.
	if a.NPatterns() != 5 {
		tst.Error("expecting 5 patterns, got", a.NPatterns())
	}
	total := 0
	for _, f := range a.Freq {
		total += f
	}
	if total != a.NSites() {
		tst.Error("pattern frequencies must sum to site count")
	}
	for site, p := range a.SitePattern {
		for row := range a.Names {
			st, _ := bio.DNA.EncodeState(seqsSmall[row].Sequence[site])
			if a.Patterns[p][row] != st {
				tst.Error("site/pattern map broken at site", site)
			}
		}
	}
}

func TestIsConst(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	nConst := 0
	for p, c := range a.IsConst {
		if c {
			nConst += a.Freq[p]
			if a.ConstState[p] == bio.StateUnknown {
				tst.Error("constant pattern without a state")
			}
		}
	}
	// Sites 1,2,3,5,6,7 are constant (site 4 is TTA-, site 8 TAAA).
	if nConst != 6 {
		tst.Error("expecting 6 constant sites, got", nConst)
	}
	if got := a.PropInvariant(); math.Abs(got-0.75) > 1e-9 {
		tst.Error("expecting 0.75 invariant fraction, got", got)
	}
}

func TestStateFreqs(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	freqs := a.StateFreqs()
	sum := 0.0
	for _, f := range freqs {
		sum += f
	}
	if math.Abs(sum-1) > 1e-12 {
		tst.Error("frequencies must sum to one, got", sum)
	}
	// 31 unambiguous characters: 12 A, 8 C, 8 G, 3 T.
	want := []float64{12.0 / 31, 8.0 / 31, 8.0 / 31, 3.0 / 31}
	for i := range want {
		if math.Abs(freqs[i]-want[i]) > 1e-12 {
			tst.Error("wrong frequency for state", i, freqs[i], want[i])
		}
	}
}

func TestDistances(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	if d := a.ObsDist(0, 0); d != 0 {
		tst.Error("self distance must be zero, got", d)
	}
	// A vs B differ at one of eight sites.
	if d := a.ObsDist(0, 1); math.Abs(d-0.125) > 1e-12 {
		tst.Error("wrong observed distance:", d)
	}
	// A vs D: the gap site is excluded, one difference in seven.
	if d := a.ObsDist(0, 3); math.Abs(d-1.0/7) > 1e-12 {
		tst.Error("wrong observed distance with gaps:", d)
	}
	obs := a.ObsDist(0, 1)
	wantJC := -0.75 * math.Log(1-4.0/3*obs)
	if d := a.JCDist(0, 1); math.Abs(d-wantJC) > 1e-12 {
		tst.Error("wrong JC distance:", d, wantJC)
	}
	if d := a.JCDist(0, 1); d <= a.ObsDist(0, 1) {
		tst.Error("JC correction must increase the distance")
	}
}

func TestBootstrapFreq(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	rnd := rand.New(rand.NewSource(1))
	freq := a.BootstrapFreq(rnd)
	sum := 0.0
	for _, f := range freq {
		if f < 0 {
			tst.Error("negative bootstrap frequency")
		}
		sum += f
	}
	if sum != float64(a.NSites()) {
		tst.Error("bootstrap frequencies must sum to site count, got", sum)
	}
}

func TestExtract(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	sub, err := a.Extract([]int{0, 1, 2})
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	if sub.NTaxa() != 3 || sub.NSites() != a.NSites() {
		tst.Error("wrong sub-alignment dimensions")
	}
	if math.Abs(sub.ObsDist(0, 1)-a.ObsDist(0, 1)) > 1e-12 {
		tst.Error("distances must survive extraction")
	}
}

func TestDistRoundTrip(tst *testing.T) {
	a, err := New(seqsSmall, bio.DNA)
	if err != nil {
		tst.Fatal("unexpected error:", err)
	}
	n := a.NTaxa()
	dist := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dist[i*n+j] = a.JCDist(i, j)
		}
	}
	var buf bytes.Buffer
	if err := a.WriteDist(&buf, dist); err != nil {
		tst.Fatal("write error:", err)
	}
	got, err := a.ReadDist(&buf)
	if err != nil {
		tst.Fatal("read error:", err)
	}
	for i := range dist {
		if math.Abs(got[i]-dist[i]) > 1e-6 {
			tst.Error("distance round trip mismatch at", i)
		}
	}
}
