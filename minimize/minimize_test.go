package minimize

import (
	"math"
	"testing"
)

func TestBrentQuadratic(tst *testing.T) {
	f := func(x float64) float64 { return (x - 2) * (x - 2) }
	x, fx := Brent(f, 0, 5, 9, 1e-8)
	if math.Abs(x-2) > 1e-6 {
		tst.Error("wrong minimizer:", x)
	}
	if fx > 1e-10 {
		tst.Error("wrong minimum value:", fx)
	}
}

func TestBrentBoundary(tst *testing.T) {
	// Monotone increasing: the minimum is at the left bound.
	f := func(x float64) float64 { return x }
	x, _ := Brent(f, 1e-6, 0.5, 9, 1e-8)
	if x > 1e-4 {
		tst.Error("minimizer should hit the lower bound, got", x)
	}
}

func TestBrentAsymmetric(tst *testing.T) {
	f := func(x float64) float64 { return math.Exp(x) - 3*x }
	x, _ := Brent(f, 0, 0.1, 5, 1e-9)
	if math.Abs(x-math.Log(3)) > 1e-6 {
		tst.Error("wrong minimizer:", x, math.Log(3))
	}
}

func TestNewtonQuadratic(tst *testing.T) {
	fd := func(x float64) (float64, float64, float64) {
		return (x - 2) * (x - 2), 2 * (x - 2), 2
	}
	x, fx := Newton(fd, 0, 5, 9, 1e-8)
	if math.Abs(x-2) > 1e-6 {
		tst.Error("wrong minimizer:", x)
	}
	if fx > 1e-10 {
		tst.Error("wrong minimum value:", fx)
	}
}

func TestNewtonNonConvexStart(tst *testing.T) {
	// cos has negative curvature at 0; the bisection fallback must
	// still find the minimum at pi.
	fd := func(x float64) (float64, float64, float64) {
		return math.Cos(x), -math.Sin(x), -math.Cos(x)
	}
	x, _ := Newton(fd, 0.1, 0.2, 6, 1e-9)
	if math.Abs(x-math.Pi) > 1e-6 {
		tst.Error("wrong minimizer:", x, math.Pi)
	}
}

func TestNewtonBoundary(tst *testing.T) {
	fd := func(x float64) (float64, float64, float64) {
		return x, 1, 0
	}
	x, _ := Newton(fd, 1e-6, 1, 9, 1e-8)
	if x > 1e-4 {
		tst.Error("minimizer should hit the lower bound, got", x)
	}
}
