package balancing

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/atmx/powermarket/internal/qp"
)

func TestFeasibleStart_SatisfiesConstraints(t *testing.T) {
	tests := []struct {
		name       string
		imbalances []float64
	}{
		{"system short", []float64{-100, -20, 60}},
		{"system long", []float64{-10, 40, 30}},
		{"balanced", []float64{-50, 50}},
		{"all balanced brokers", []float64{0, 0, 0}},
		{"single broker", []float64{-7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checkFeasible(t, tt.imbalances, feasibleStart(tt.imbalances, 0.05, 0.01), 0.05, 0.01)
		})
	}
}

func TestAllocate_RandomProblemsStayFeasible(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.IntN(8)
		imbalances := make([]float64, n)
		for i := range imbalances {
			imbalances[i] = math.Round((rng.Float64()*2-1)*500*100) / 100
		}
		pShort := 0.02 + rng.Float64()*0.08
		pLong := rng.Float64() * 0.02

		x, err := allocate(qp.ActiveSet{}, imbalances, pShort, pLong)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		checkFeasible(t, imbalances, x, pShort, pLong)

		// The optimum never spreads more than the proportional start.
		start := feasibleStart(imbalances, pShort, pLong)
		if sumSquares(x) > sumSquares(start)+1e-9 {
			t.Errorf("trial %d: objective %g exceeds start %g", trial, sumSquares(x), sumSquares(start))
		}
	}
}

func TestAllocate_FixesDegenerateBrokers(t *testing.T) {
	x, err := allocate(qp.ActiveSet{}, []float64{0, 80, -30}, 0.05, 0)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if x[0] != 0 || x[1] != 0 {
		t.Errorf("expected balanced and zero-priced long brokers fixed at zero, got %v", x)
	}
	if x[2] != 0 {
		t.Errorf("expected no charge when the system is long at zero price, got %v", x[2])
	}
}

func checkFeasible(t *testing.T, imbalances, x []float64, pShort, pLong float64) {
	t.Helper()
	const tol = 1e-7
	var sum float64
	for i, b := range imbalances {
		lo, hi := bounds(b, pShort, pLong)
		if x[i] < lo-tol || x[i] > hi+tol {
			t.Errorf("broker %d: charge %g outside [%g, %g]", i, x[i], lo, hi)
		}
		sum += x[i]
	}
	if want := target(imbalances, pShort, pLong); math.Abs(sum-want) > tol*(1+math.Abs(want)) {
		t.Errorf("charges sum to %g, want %g", sum, want)
	}
}

func sumSquares(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v * v
	}
	return s
}
