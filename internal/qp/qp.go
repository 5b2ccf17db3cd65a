// Package qp solves small dense convex quadratic programs
//
//	minimize   ½ xᵀQx + cᵀx
//	subject to Aeq x = beq
//	           G x ≤ h
//
// with a primal active-set method. Q must be symmetric positive definite
// and the caller supplies a feasible starting point.
package qp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrDimension       = errors.New("qp: inconsistent problem dimensions")
	ErrInfeasibleStart = errors.New("qp: starting point is infeasible")
	ErrSingular        = errors.New("qp: singular KKT system")
	ErrMaxIterations   = errors.New("qp: iteration limit reached")
)

// Problem is a convex QP. Aeq and G may be nil.
type Problem struct {
	Q   *mat.Dense
	C   []float64
	Aeq *mat.Dense
	Beq []float64
	G   *mat.Dense
	H   []float64
	// X0 is a feasible starting point.
	X0 []float64
}

// Result is a solution and the inequality constraints active at it.
type Result struct {
	X          []float64
	Active     []int
	Iterations int
}

// ActiveSet is a primal active-set solver. The zero value uses default
// tolerances.
type ActiveSet struct {
	// Tol is the step and multiplier tolerance. Default 1e-10.
	Tol float64
	// FeasTol is the constraint violation tolerated in X0. Default 1e-7.
	FeasTol float64
	// MaxIter bounds the number of iterations. Default 50·(n+m).
	MaxIter int
}

// Solve returns the minimizer of p.
func (s ActiveSet) Solve(p Problem) (Result, error) {
	n, err := p.validate()
	if err != nil {
		return Result{}, err
	}
	tol, feasTol := s.Tol, s.FeasTol
	if tol == 0 {
		tol = 1e-10
	}
	if feasTol == 0 {
		feasTol = 1e-7
	}

	eqRows := nonzeroRows(p.Aeq, tol)
	mIneq := rows(p.G)
	maxIter := s.MaxIter
	if maxIter == 0 {
		maxIter = 50 * (n + len(eqRows) + mIneq + 1)
	}

	x := append([]float64(nil), p.X0...)
	if err := p.checkFeasible(x, feasTol); err != nil {
		return Result{X: x}, err
	}

	working := make([]int, 0, n)
	inWorking := make([]bool, mIneq)

	for iter := 1; iter <= maxIter; iter++ {
		g := gradient(p.Q, p.C, x)
		step, mult, err := solveKKT(p.Q, g, p.Aeq, eqRows, p.G, working)
		if err != nil {
			return Result{X: x, Active: working, Iterations: iter}, err
		}

		if infNorm(step) <= tol*(1+infNorm(x)) {
			// Optimal on the working set; drop the inequality with the most
			// negative multiplier, if any.
			worst, worstMult := -1, -tol
			for k := range working {
				if m := mult[len(eqRows)+k]; m < worstMult {
					worst, worstMult = k, m
				}
			}
			if worst < 0 {
				return Result{X: x, Active: append([]int(nil), working...), Iterations: iter}, nil
			}
			inWorking[working[worst]] = false
			working = append(working[:worst], working[worst+1:]...)
			continue
		}

		alpha, blocking := 1.0, -1
		for j := 0; j < mIneq; j++ {
			if inWorking[j] {
				continue
			}
			gp := rowDot(p.G, j, step)
			if gp <= tol {
				continue
			}
			slack := p.H[j] - rowDot(p.G, j, x)
			if slack < 0 {
				slack = 0
			}
			if t := slack / gp; t < alpha {
				alpha, blocking = t, j
			}
		}
		for i := range x {
			x[i] += alpha * step[i]
		}
		if blocking >= 0 {
			working = append(working, blocking)
			inWorking[blocking] = true
		}
	}
	return Result{X: x, Active: working, Iterations: maxIter}, ErrMaxIterations
}

func (p Problem) validate() (int, error) {
	if p.Q == nil {
		return 0, fmt.Errorf("%w: Q is nil", ErrDimension)
	}
	r, c := p.Q.Dims()
	if r != c || len(p.C) != r || len(p.X0) != r {
		return 0, fmt.Errorf("%w: Q is %dx%d, c has %d, x0 has %d", ErrDimension, r, c, len(p.C), len(p.X0))
	}
	if p.Aeq != nil {
		er, ec := p.Aeq.Dims()
		if ec != r || len(p.Beq) != er {
			return 0, fmt.Errorf("%w: Aeq is %dx%d, beq has %d", ErrDimension, er, ec, len(p.Beq))
		}
	}
	if p.G != nil {
		gr, gc := p.G.Dims()
		if gc != r || len(p.H) != gr {
			return 0, fmt.Errorf("%w: G is %dx%d, h has %d", ErrDimension, gr, gc, len(p.H))
		}
	}
	return r, nil
}

func (p Problem) checkFeasible(x []float64, tol float64) error {
	for i := 0; i < rows(p.Aeq); i++ {
		if r := rowDot(p.Aeq, i, x) - p.Beq[i]; math.Abs(r) > tol*(1+math.Abs(p.Beq[i])) {
			return fmt.Errorf("%w: equality %d violated by %g", ErrInfeasibleStart, i, r)
		}
	}
	for j := 0; j < rows(p.G); j++ {
		if r := rowDot(p.G, j, x) - p.H[j]; r > tol*(1+math.Abs(p.H[j])) {
			return fmt.Errorf("%w: inequality %d violated by %g", ErrInfeasibleStart, j, r)
		}
	}
	return nil
}

// solveKKT solves
//
//	[ Q  Aᵀ ] [ p ]   [ -g ]
//	[ A  0  ] [ μ ] = [  0 ]
//
// where A stacks the equality rows and the working inequality rows.
func solveKKT(q *mat.Dense, g []float64, aeq *mat.Dense, eqRows []int, gm *mat.Dense, working []int) ([]float64, []float64, error) {
	n := len(g)
	k := len(eqRows) + len(working)
	size := n + k

	kkt := mat.NewDense(size, size, nil)
	rhs := mat.NewVecDense(size, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			kkt.Set(i, j, q.At(i, j))
		}
		rhs.SetVec(i, -g[i])
	}
	setRow := func(r int, src *mat.Dense, srcRow int) {
		for j := 0; j < n; j++ {
			v := src.At(srcRow, j)
			kkt.Set(n+r, j, v)
			kkt.Set(j, n+r, v)
		}
	}
	for r, i := range eqRows {
		setRow(r, aeq, i)
	}
	for r, j := range working {
		setRow(len(eqRows)+r, gm, j)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(kkt, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, nil, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		// Ill-conditioned but solved.
	}
	out := make([]float64, size)
	for i := range out {
		out[i] = sol.AtVec(i)
	}
	return out[:n], out[n:], nil
}

func gradient(q *mat.Dense, c, x []float64) []float64 {
	n := len(x)
	g := make([]float64, n)
	for i := 0; i < n; i++ {
		v := c[i]
		for j := 0; j < n; j++ {
			v += q.At(i, j) * x[j]
		}
		g[i] = v
	}
	return g
}

func nonzeroRows(m *mat.Dense, tol float64) []int {
	var out []int
	for i := 0; i < rows(m); i++ {
		_, c := m.Dims()
		for j := 0; j < c; j++ {
			if math.Abs(m.At(i, j)) > tol {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

func rows(m *mat.Dense) int {
	if m == nil {
		return 0
	}
	r, _ := m.Dims()
	return r
}

func rowDot(m *mat.Dense, i int, x []float64) float64 {
	var s float64
	for j := range x {
		s += m.At(i, j) * x[j]
	}
	return s
}

func infNorm(v []float64) float64 {
	var m float64
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
