package balancing

import (
	"gonum.org/v1/gonum/mat"

	"github.com/atmx/powermarket/internal/qp"
)

// Solver minimizes a convex quadratic program.
type Solver interface {
	Solve(p qp.Problem) (qp.Result, error)
}

// bounds returns the admissible charge interval for an imbalance of b kWh.
// Short brokers (b < 0) pay at most b*pPlus; long brokers are paid at most
// b*pMinus.
func bounds(b, pPlus, pMinus float64) (lo, hi float64) {
	switch {
	case b < 0:
		return b * pPlus, 0
	case b > 0:
		return 0, b * pMinus
	}
	return 0, 0
}

// target is the total charge across brokers: the system imbalance priced
// at the regulating price for its direction.
func target(imbalances []float64, pPlus, pMinus float64) float64 {
	var total float64
	for _, b := range imbalances {
		total += b
	}
	if total < 0 {
		return total * pPlus
	}
	return total * pMinus
}

// feasibleStart spreads the target across the brokers on the same side as
// the system imbalance, in proportion to their imbalance. The result
// satisfies every constraint of the allocation problem.
func feasibleStart(imbalances []float64, pPlus, pMinus float64) []float64 {
	var total, short, long float64
	for _, b := range imbalances {
		total += b
		if b < 0 {
			short += b
		} else {
			long += b
		}
	}
	x := make([]float64, len(imbalances))
	switch {
	case total < 0:
		share := total / short
		for i, b := range imbalances {
			if b < 0 {
				x[i] = b * pPlus * share
			}
		}
	case total > 0:
		share := total / long
		for i, b := range imbalances {
			if b > 0 {
				x[i] = b * pMinus * share
			}
		}
	}
	return x
}

// allocate solves
//
//	minimize   Σ x_i²
//	subject to Σ x_i = target
//	           lo_i ≤ x_i ≤ hi_i
//
// Brokers whose interval is a single point are fixed at it and left out of
// the program. On solver failure the feasible start is returned with the
// error.
func allocate(solver Solver, imbalances []float64, pPlus, pMinus float64) ([]float64, error) {
	start := feasibleStart(imbalances, pPlus, pMinus)
	x := append([]float64(nil), start...)

	var free []int
	fixed := 0.0
	for i, b := range imbalances {
		lo, hi := bounds(b, pPlus, pMinus)
		if hi-lo > 0 {
			free = append(free, i)
			continue
		}
		x[i] = lo
		fixed += lo
	}
	if len(free) == 0 {
		return x, nil
	}

	k := len(free)
	q := mat.NewDense(k, k, nil)
	aeq := mat.NewDense(1, k, nil)
	g := mat.NewDense(2*k, k, nil)
	h := make([]float64, 2*k)
	x0 := make([]float64, k)
	for j, i := range free {
		lo, hi := bounds(imbalances[i], pPlus, pMinus)
		q.Set(j, j, 2)
		aeq.Set(0, j, 1)
		g.Set(2*j, j, 1)
		h[2*j] = hi
		g.Set(2*j+1, j, -1)
		h[2*j+1] = -lo
		x0[j] = start[i]
	}

	res, err := solver.Solve(qp.Problem{
		Q:   q,
		C:   make([]float64, k),
		Aeq: aeq,
		Beq: []float64{target(imbalances, pPlus, pMinus) - fixed},
		G:   g,
		H:   h,
		X0:  x0,
	})
	if err != nil {
		return start, err
	}
	for j, i := range free {
		x[i] = res.X[j]
	}
	return x, nil
}
