package model

import (
	"bitbucket.org/Davydov/goiqp/dist"
)

// GammaRate is the discrete gamma model of rate variation: NCats
// equiprobable categories with rates discretized from G(alpha,
// alpha), so the mean rate is one.
type GammaRate struct {
	Alpha float64
	rates []float64
}

// NewGamma creates a discrete gamma rate model.
func NewGamma(alpha float64, ncat int) *GammaRate {
	return &GammaRate{
		Alpha: alpha,
		rates: dist.DiscreteGamma(alpha, alpha, ncat, false, nil, nil),
	}
}

func (r *GammaRate) NCats() int              { return len(r.rates) }
func (r *GammaRate) Rate(cat int) float64    { return r.rates[cat] }
func (r *GammaRate) PropInvar() float64      { return 0 }
func (r *GammaRate) IsSiteSpecific() bool    { return false }
func (r *GammaRate) PtnRate(ptn int) float64 { return 1 }
func (r *GammaRate) PtnCat(ptn int) int      { return 0 }

// SiteSpecificRate assigns every pattern its own rate and category.
// Patterns with rate at or above the saturation cap are flagged so
// the likelihood can discard them.
type SiteSpecificRate struct {
	rates []float64
	cats  []int
}

// NewSiteSpecific creates a site-specific rate model from per-pattern
// rates and categories.
func NewSiteSpecific(rates []float64, cats []int) *SiteSpecificRate {
	if cats == nil {
		cats = make([]int, len(rates))
	}
	return &SiteSpecificRate{rates: rates, cats: cats}
}

// NCats is one: with per-pattern rates the partial likelihoods carry
// a single block per pattern.
func (r *SiteSpecificRate) NCats() int { return 1 }

func (r *SiteSpecificRate) Rate(cat int) float64    { return 1 }
func (r *SiteSpecificRate) PropInvar() float64      { return 0 }
func (r *SiteSpecificRate) IsSiteSpecific() bool    { return true }
func (r *SiteSpecificRate) PtnRate(ptn int) float64 { return r.rates[ptn] }
func (r *SiteSpecificRate) PtnCat(ptn int) int      { return r.cats[ptn] }
