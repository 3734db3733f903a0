package model

import (
	"math"
)

// JC is the Jukes-Cantor model for an arbitrary alphabet size: equal
// frequencies and a single exchange rate, scaled to mean rate one.
type JC struct {
	nstates int
	freqs   []float64
}

// NewJC creates a Jukes-Cantor model with nstates states.
func NewJC(nstates int) *JC {
	freqs := make([]float64, nstates)
	for i := range freqs {
		freqs[i] = 1 / float64(nstates)
	}
	return &JC{nstates: nstates, freqs: freqs}
}

func (m *JC) NStates() int          { return m.nstates }
func (m *JC) StateFreqs() []float64 { return m.freqs }

// TransMatrix fills p with the closed-form P(t): the diagonal is
// 1/n + (n-1)/n e^{-nt/(n-1)}, off-diagonal 1/n - 1/n e^{-nt/(n-1)}.
func (m *JC) TransMatrix(t float64, p []float64) {
	n := float64(m.nstates)
	e := math.Exp(-n / (n - 1) * t)
	same := 1/n + (n-1)/n*e
	diff := 1/n - 1/n*e
	m.fill(p, same, diff)
}

// TransMatrixDerv also fills the first and second derivatives in t.
func (m *JC) TransMatrixDerv(t float64, p, p1, p2 []float64) {
	n := float64(m.nstates)
	mu := n / (n - 1)
	e := math.Exp(-mu * t)
	m.fill(p, 1/n+(n-1)/n*e, 1/n-1/n*e)
	// d/dt e^{-mu t} = -mu e^{-mu t}
	m.fill(p1, -(n-1)/n*mu*e, 1/n*mu*e)
	m.fill(p2, (n-1)/n*mu*mu*e, -1/n*mu*mu*e)
}

func (m *JC) fill(p []float64, same, diff float64) {
	for i := 0; i < m.nstates; i++ {
		for j := 0; j < m.nstates; j++ {
			if i == j {
				p[i*m.nstates+j] = same
			} else {
				p[i*m.nstates+j] = diff
			}
		}
	}
}
