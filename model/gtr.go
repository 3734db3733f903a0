package model

import (
	"errors"
	"math"

	"github.com/gonum/matrix/mat64"
)

// GTR is the general time-reversible model. The rate matrix is built
// from exchangeabilities and equilibrium frequencies, scaled to mean
// rate one, and eigendecomposed once; e^{Qt} and its derivatives are
// then cheap for any t.
type GTR struct {
	nstates int
	freqs   []float64
	// eval are the eigenvalues of the scaled Q.
	eval []float64
	// coefA[i*n+k] = U[i][k]/sqrt(pi_i), coefB[j*n+k] =
	// U[j][k]*sqrt(pi_j), so P_ij = sum_k coefA*coefB*e^{eval_k t}.
	coefA []float64
	coefB []float64
}

// NewGTR creates a GTR model. rates is the upper triangle of the
// symmetric exchangeability matrix in row order (n*(n-1)/2 values);
// freqs are the equilibrium frequencies.
func NewGTR(rates, freqs []float64) (*GTR, error) {
	n := len(freqs)
	if len(rates) != n*(n-1)/2 {
		return nil, errors.New("wrong number of exchangeabilities")
	}
	sum := 0.0
	for _, f := range freqs {
		if f <= 0 {
			return nil, errors.New("frequencies must be positive")
		}
		sum += f
	}
	if math.Abs(sum-1) > 1e-8 {
		return nil, errors.New("frequencies must sum to one")
	}

	// Full exchangeability matrix.
	r := make([]float64, n*n)
	k := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r[i*n+j] = rates[k]
			r[j*n+i] = rates[k]
			k++
		}
	}

	// Q with q_ij = r_ij pi_j; scale so -sum_i pi_i q_ii = 1.
	diag := make([]float64, n)
	scale := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				diag[i] -= r[i*n+j] * freqs[j]
			}
		}
		scale -= freqs[i] * diag[i]
	}
	if scale <= 0 {
		return nil, errors.New("degenerate rate matrix")
	}

	// Symmetrized B = D^{1/2} Q D^{-1/2} with D = diag(pi):
	// B_ij = r_ij sqrt(pi_i pi_j) off-diagonal, B_ii = q_ii.
	sym := mat64.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, diag[i]/scale)
		for j := i + 1; j < n; j++ {
			sym.SetSym(i, j, r[i*n+j]*math.Sqrt(freqs[i]*freqs[j])/scale)
		}
	}

	var es mat64.EigenSym
	if ok := es.Factorize(sym, true); !ok {
		return nil, errors.New("eigendecomposition failed")
	}
	var evec mat64.Dense
	evec.EigenvectorsSym(&es)

	m := &GTR{
		nstates: n,
		freqs:   append([]float64(nil), freqs...),
		eval:    es.Values(nil),
		coefA:   make([]float64, n*n),
		coefB:   make([]float64, n*n),
	}
	for i := 0; i < n; i++ {
		sq := math.Sqrt(freqs[i])
		for k := 0; k < n; k++ {
			u := evec.At(i, k)
			m.coefA[i*n+k] = u / sq
			m.coefB[i*n+k] = u * sq
		}
	}
	return m, nil
}

func (m *GTR) NStates() int          { return m.nstates }
func (m *GTR) StateFreqs() []float64 { return m.freqs }

// TransMatrix fills p with P(t) = e^{Qt}.
func (m *GTR) TransMatrix(t float64, p []float64) {
	n := m.nstates
	expv := make([]float64, n)
	for k := 0; k < n; k++ {
		expv[k] = math.Exp(m.eval[k] * t)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s := 0.0
			for k := 0; k < n; k++ {
				s += m.coefA[i*n+k] * m.coefB[j*n+k] * expv[k]
			}
			// Guard against tiny negative round-off.
			p[i*n+j] = math.Abs(s)
		}
	}
}

// TransMatrixDerv fills p, p1 and p2 with P(t) and its derivatives:
// each eigenterm picks up a factor of its eigenvalue per order.
func (m *GTR) TransMatrixDerv(t float64, p, p1, p2 []float64) {
	n := m.nstates
	expv := make([]float64, n)
	for k := 0; k < n; k++ {
		expv[k] = math.Exp(m.eval[k] * t)
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			var s, s1, s2 float64
			for k := 0; k < n; k++ {
				c := m.coefA[i*n+k] * m.coefB[j*n+k] * expv[k]
				s += c
				s1 += c * m.eval[k]
				s2 += c * m.eval[k] * m.eval[k]
			}
			p[i*n+j] = math.Abs(s)
			p1[i*n+j] = s1
			p2[i*n+j] = s2
		}
	}
}
