// Package model implements substitution models and site-rate
// heterogeneity for likelihood computations on trees.
package model

// Model computes transition probabilities P(t) = e^{Qt} and their
// derivatives in the branch length t for a reversible substitution
// process with mean rate one.
type Model interface {
	// NStates returns the alphabet size.
	NStates() int
	// StateFreqs returns the equilibrium frequencies.
	StateFreqs() []float64
	// TransMatrix fills p (nstates*nstates, row-major) with
	// P(t)[i][j].
	TransMatrix(t float64, p []float64)
	// TransMatrixDerv fills p, p1 and p2 with P(t) and its first
	// and second derivatives in t.
	TransMatrixDerv(t float64, p, p1, p2 []float64)
}

// SiteRate describes rate variation across sites. Either rates come
// in discrete categories shared by all sites, or every pattern has
// its own rate (IsSiteSpecific).
type SiteRate interface {
	// NCats returns the number of rate categories.
	NCats() int
	// Rate returns the rate of a category.
	Rate(cat int) float64
	// PropInvar returns the proportion of invariable sites.
	PropInvar() float64
	// IsSiteSpecific reports per-pattern rates.
	IsSiteSpecific() bool
	// PtnRate returns the rate of a pattern (site-specific only;
	// otherwise 1).
	PtnRate(ptn int) float64
	// PtnCat returns the category of a pattern (site-specific
	// only; otherwise 0).
	PtnCat(ptn int) int
}

// UniformRate is a single rate class with rate one.
type UniformRate struct{}

func (UniformRate) NCats() int              { return 1 }
func (UniformRate) Rate(cat int) float64    { return 1 }
func (UniformRate) PropInvar() float64      { return 0 }
func (UniformRate) IsSiteSpecific() bool    { return false }
func (UniformRate) PtnRate(ptn int) float64 { return 1 }
func (UniformRate) PtnCat(ptn int) int      { return 0 }

// InvarRate adds a proportion of invariable sites to an underlying
// rate model.
type InvarRate struct {
	SiteRate
	pInvar float64
}

// NewInvar wraps a rate model with a proportion of invariable sites.
// Category rates are rescaled by 1/(1-p) so the mean rate over all
// sites stays one.
func NewInvar(sr SiteRate, pInvar float64) *InvarRate {
	return &InvarRate{SiteRate: sr, pInvar: pInvar}
}

func (r *InvarRate) PropInvar() float64 { return r.pInvar }

func (r *InvarRate) Rate(cat int) float64 {
	return r.SiteRate.Rate(cat) / (1 - r.pInvar)
}
