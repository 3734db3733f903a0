// Package phylo implements likelihood and parsimony computations on
// unrooted trees together with the tree search: branch-length
// optimization, stepwise addition, NNI and SPR rearrangements, IQP
// perturbation and branch support estimation.
package phylo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/op/go-logging"

	"bitbucket.org/Davydov/goiqp/align"
	"bitbucket.org/Davydov/goiqp/model"
	"bitbucket.org/Davydov/goiqp/tree"
)

var log = logging.MustGetLogger("phylo")

const (
	// MinBranchLen is the lower bound of any branch length.
	MinBranchLen = 1e-6
	// MaxBranchLen is the upper bound of any branch length.
	MaxBranchLen = 9.0
	// TolBranchLen stops the one-dimensional branch optimization.
	TolBranchLen = 1e-6
	// TolLikelihood is the minimal log-likelihood improvement
	// considered real.
	TolLikelihood = 1e-3
	// ScalingThreshold triggers numerical rescaling of partial
	// likelihoods.
	ScalingThreshold = 1e-100
	// MaxSiteRate marks saturated sites under site-specific rates.
	MaxSiteRate = 100.0
	// MaxSPRMoves bounds the SPR candidate buffer.
	MaxSPRMoves = 20
	// SPRDepth bounds the SPR regraft radius in edges.
	SPRDepth = 2
)

// LogScalingThreshold is ln(ScalingThreshold).
var LogScalingThreshold = math.Log(ScalingThreshold)

// Typed errors of the search entry points.
var (
	ErrFewTaxa      = errors.New("phylo: at least three taxa required")
	ErrNoAlignment  = errors.New("phylo: tree has no alignment attached")
	ErrUnknownTaxon = errors.New("phylo: tree taxon missing from alignment")
)

// NumericError reports a likelihood underflow or another numerical
// failure that scaling could not prevent.
type NumericError struct {
	Op  string
	Err error
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("phylo: numeric failure in %s: %v", e.Op, e.Err)
}

func (e *NumericError) Unwrap() error { return e.Err }

// Params collects search settings. The zero value is completed by
// SetDefaults.
type Params struct {
	// OptimizeByNewton selects Newton-Raphson over Brent for
	// branch lengths.
	OptimizeByNewton bool
	// NThreads bounds likelihood worker goroutines; 0 uses
	// GOMAXPROCS.
	NThreads int
	// PDelete is the fraction of leaves removed by one IQP step.
	PDelete float64
	// KRepresent is the number of representative leaves per
	// subtree side used by quartet voting.
	KRepresent int
	// NIterations is the number of IQPNNI iterations; 0 derives it
	// from the number of taxa.
	NIterations int
	// Lambda is the initial fraction of simultaneous NNI moves.
	Lambda float64
	// NNIPhyml blends unchanged branch lengths towards their
	// per-move optima.
	NNIPhyml bool
	// DiscardSaturated drops sites at MaxSiteRate under
	// site-specific rates.
	DiscardSaturated bool
	// Seed initializes the random source when Rand is nil.
	Seed int64
	// Rand is the random source for deletion, tie-breaking and
	// RELL resampling.
	Rand *rand.Rand
}

// SetDefaults fills unset fields.
func (p *Params) SetDefaults() {
	if p.NThreads <= 0 {
		p.NThreads = runtime.GOMAXPROCS(0)
	}
	if p.PDelete == 0 {
		p.PDelete = 0.3
	}
	if p.KRepresent == 0 {
		p.KRepresent = 4
	}
	if p.Lambda == 0 {
		p.Lambda = 0.75
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(p.Seed))
	}
}

// PhyloTree couples a tree topology with an alignment, a substitution
// model and a site-rate model, and owns the cache arena behind the
// half-edge partial buffers.
type PhyloTree struct {
	*tree.Tree
	Aln    *align.Alignment
	Model  model.Model
	Rate   model.SiteRate
	Params *Params

	// Entry edge of the last likelihood computation.
	curIt     *tree.Neighbor
	curItBack *tree.Neighbor
	curNode   *tree.Node
	curBack   *tree.Node

	lhArena   *arena
	parsArena *parsArena

	// Deferred SPR candidates of the current sweep.
	sprBuf sprMoves

	// Pairwise taxon distances used by quartet voting, computed on
	// first use.
	iqpDists []float64

	// First numeric failure observed by a likelihood sweep; sticky
	// until the caller checks Err.
	numMu  sync.Mutex
	numErr error
}

// NewPhyloTree couples t with the alignment and models. Leaf ids are
// remapped to alignment rows; every leaf must be present there.
func NewPhyloTree(t *tree.Tree, aln *align.Alignment, m model.Model, rate model.SiteRate, params *Params) (*PhyloTree, error) {
	if aln == nil {
		return nil, ErrNoAlignment
	}
	if t != nil && t.NLeaves() > 0 && t.NLeaves() < 3 {
		return nil, ErrFewTaxa
	}
	if params == nil {
		params = &Params{}
	}
	params.SetDefaults()
	if rate == nil {
		rate = model.UniformRate{}
	}
	pt := &PhyloTree{
		Tree:   t,
		Aln:    aln,
		Model:  m,
		Rate:   rate,
		Params: params,
	}
	if t != nil {
		if err := pt.mapLeaves(); err != nil {
			return nil, err
		}
	}
	pt.lhArena = newArena(pt.lhBlockSize(), pt.leafBlockSize())
	pt.parsArena = newParsArena(pt.parsBlockSize())
	return pt, nil
}

// mapLeaves assigns every leaf the row index of its taxon in the
// alignment.
func (pt *PhyloTree) mapLeaves() error {
	for _, leaf := range pt.Leaves() {
		row := pt.Aln.RowIndex(leaf.Name)
		if row < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownTaxon, leaf.Name)
		}
		leaf.LeafId = row
	}
	return nil
}

// NStates returns the alphabet size.
func (pt *PhyloTree) NStates() int { return pt.Aln.NStates() }

// NCats returns the number of rate categories.
func (pt *PhyloTree) NCats() int { return pt.Rate.NCats() }

// lhBlockSize is the internal partial-likelihood block:
// patterns x categories x states.
func (pt *PhyloTree) lhBlockSize() int {
	return pt.Aln.NPatterns() * pt.NCats() * pt.NStates()
}

// leafBlockSize is the single-row leaf block: patterns x states.
func (pt *PhyloTree) leafBlockSize() int {
	return pt.Aln.NPatterns() * pt.NStates()
}

// parsBlockSize is the number of words of one parsimony block,
// including the trailing score slot.
func (pt *PhyloTree) parsBlockSize() int {
	return (pt.Aln.NPatterns()*pt.NStates()+63)/64 + 1
}

// SetTree replaces the topology, remapping leaves and dropping all
// caches.
func (pt *PhyloTree) SetTree(t *tree.Tree) error {
	pt.Tree = t
	if err := pt.mapLeaves(); err != nil {
		return err
	}
	pt.lhArena.reset()
	pt.parsArena.reset()
	pt.curIt, pt.curItBack = nil, nil
	pt.curNode, pt.curBack = nil, nil
	t.ClearAllPartial()
	return nil
}

// FixNegativeBranch clamps non-positive branch lengths to the given
// default and returns how many were fixed.
func (pt *PhyloTree) FixNegativeBranch(def float64) int {
	fixed := 0
	for _, node := range pt.Nodes() {
		for _, nei := range node.Neighbors {
			if nei.Length <= 0 {
				nei.Length = def
				fixed++
			}
		}
	}
	fixed /= 2
	if fixed > 0 {
		log.Warningf("%d non-positive branch lengths set to %g", fixed, def)
	}
	return fixed
}

// entryEdge returns the default likelihood entry edge: the last one
// used, if its half-edges are still mutual neighbors, otherwise the
// edge from Root towards its first neighbor.
func (pt *PhyloTree) entryEdge() (*tree.Neighbor, *tree.Node) {
	if pt.curIt != nil &&
		pt.curNode.FindNeighbor(pt.curBack) == pt.curIt &&
		pt.curBack.FindNeighbor(pt.curNode) == pt.curItBack {
		return pt.curIt, pt.curNode
	}
	root := pt.Root
	return root.Neighbors[0], root
}

// setEntryEdge remembers the node1-node2 edge as the entry edge for
// subsequent likelihood evaluations.
func (pt *PhyloTree) setEntryEdge(node1, node2 *tree.Node) {
	pt.curIt = node1.FindNeighbor(node2)
	pt.curItBack = node2.FindNeighbor(node1)
	pt.curNode = node1
	pt.curBack = node2
}

// recordNumericFailure stores the first non-positive per-pattern
// likelihood seen by a sweep. The sweep itself finishes on a clamped
// value; the error surfaces through Err.
func (pt *PhyloTree) recordNumericFailure(op string, pattern int, v float64) {
	pt.numMu.Lock()
	if pt.numErr == nil {
		pt.numErr = &NumericError{
			Op:  op,
			Err: fmt.Errorf("non-positive likelihood %g at pattern %d", v, pattern),
		}
	}
	pt.numMu.Unlock()
}

// Err returns the first numeric failure recorded by a likelihood
// computation, nil if there was none.
func (pt *PhyloTree) Err() error {
	pt.numMu.Lock()
	defer pt.numMu.Unlock()
	return pt.numErr
}

// arena hands out partial-likelihood buffers from growable slabs, so
// repeated searches reuse memory instead of churning the allocator.
type arena struct {
	block     int
	leafBlock int
	slab      []float64
	scaleSlab []int16
	offset    int
	scaleOff  int
}

func newArena(block, leafBlock int) *arena {
	return &arena{block: block, leafBlock: leafBlock}
}

func (a *arena) reset() {
	a.offset = 0
	a.scaleOff = 0
}

func (a *arena) allocLh(n int) []float64 {
	if a.offset+n > len(a.slab) {
		a.slab = make([]float64, 4*n+len(a.slab))
		a.offset = 0
	}
	buf := a.slab[a.offset : a.offset+n : a.offset+n]
	a.offset += n
	return buf
}

func (a *arena) allocScale(n int) []int16 {
	if a.scaleOff+n > len(a.scaleSlab) {
		a.scaleSlab = make([]int16, 4*n+len(a.scaleSlab))
		a.scaleOff = 0
	}
	buf := a.scaleSlab[a.scaleOff : a.scaleOff+n : a.scaleOff+n]
	a.scaleOff += n
	return buf
}

type parsArena struct {
	block  int
	slab   []uint64
	offset int
}

func newParsArena(block int) *parsArena {
	return &parsArena{block: block}
}

func (a *parsArena) reset() { a.offset = 0 }

func (a *parsArena) alloc() []uint64 {
	n := a.block
	if a.offset+n > len(a.slab) {
		a.slab = make([]uint64, 4*n+len(a.slab))
		a.offset = 0
	}
	buf := a.slab[a.offset : a.offset+n : a.offset+n]
	a.offset += n
	return buf
}
