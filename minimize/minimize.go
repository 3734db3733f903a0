// Package minimize implements one-dimensional bounded minimization:
// Brent's method for functions without derivatives and a safeguarded
// Newton-Raphson for functions with first and second derivatives.
package minimize

import (
	"math"
)

// Func is a scalar objective.
type Func func(x float64) float64

// FuncDerv is a scalar objective returning its value and the first
// and second derivatives at x.
type FuncDerv func(x float64) (f, df, ddf float64)

const (
	cgold   = 0.3819660
	zeps    = 1e-10
	maxIter = 100
)

// Brent minimizes f on [xmin, xmax] starting from xguess, using
// parabolic interpolation with golden-section fallback. It returns
// the minimizer and the function value there.
func Brent(f Func, xmin, xguess, xmax, tol float64) (float64, float64) {
	a, b := xmin, xmax
	x := math.Min(math.Max(xguess, a), b)
	w, v := x, x
	fx := f(x)
	fw, fv := fx, fx
	var d, e float64

	for iter := 0; iter < maxIter; iter++ {
		xm := 0.5 * (a + b)
		tol1 := tol*math.Abs(x) + zeps
		tol2 := 2 * tol1
		if math.Abs(x-xm) <= tol2-0.5*(b-a) {
			break
		}
		if math.Abs(e) > tol1 {
			// Parabola through x, v, w.
			r := (x - w) * (fx - fv)
			q := (x - v) * (fx - fw)
			p := (x-v)*q - (x-w)*r
			q = 2 * (q - r)
			if q > 0 {
				p = -p
			}
			q = math.Abs(q)
			etemp := e
			e = d
			if math.Abs(p) >= math.Abs(0.5*q*etemp) || p <= q*(a-x) || p >= q*(b-x) {
				if x >= xm {
					e = a - x
				} else {
					e = b - x
				}
				d = cgold * e
			} else {
				d = p / q
				u := x + d
				if u-a < tol2 || b-u < tol2 {
					d = math.Copysign(tol1, xm-x)
				}
			}
		} else {
			if x >= xm {
				e = a - x
			} else {
				e = b - x
			}
			d = cgold * e
		}
		var u float64
		if math.Abs(d) >= tol1 {
			u = x + d
		} else {
			u = x + math.Copysign(tol1, d)
		}
		fu := f(u)
		if fu <= fx {
			if u >= x {
				a = x
			} else {
				b = x
			}
			v, w, x = w, x, u
			fv, fw, fx = fw, fx, fu
		} else {
			if u < x {
				a = u
			} else {
				b = u
			}
			if fu <= fw || w == x {
				v, w = w, u
				fv, fw = fw, fu
			} else if fu <= fv || v == x || v == w {
				v, fv = u, fu
			}
		}
	}
	return x, fx
}

// Newton minimizes fd on [xmin, xmax] starting from xguess. Each step
// uses the Newton update -f'/f'' when the curvature is positive and
// the step stays inside the shrinking bracket; otherwise it bisects.
// It returns the minimizer and the function value there.
func Newton(fd FuncDerv, xmin, xguess, xmax, tol float64) (float64, float64) {
	lo, hi := xmin, xmax
	x := math.Min(math.Max(xguess, lo), hi)
	var f float64
	for iter := 0; iter < maxIter; iter++ {
		var df, ddf float64
		f, df, ddf = fd(x)
		// The derivative sign tells which side the minimum is on.
		if df < 0 {
			lo = x
		} else {
			hi = x
		}
		var xnew float64
		if ddf > 0 {
			xnew = x - df/ddf
		}
		if ddf <= 0 || xnew <= lo || xnew >= hi {
			xnew = 0.5 * (lo + hi)
		}
		if math.Abs(xnew-x) <= tol {
			x = xnew
			break
		}
		x = xnew
	}
	f, _, _ = fd(x)
	return x, f
}
