package robustvar

import (
	"math"
	"testing"

	"github.com/n0madic/go-streaming-logreg/pinv"
	"github.com/n0madic/go-streaming-logreg/state"
)

var (
	testCoef   = []float64{0.3, -0.8}
	testLabels = []bool{true, false, true, true, false}
	testRows   = [][]float64{
		{1, 0.5}, {1, -1.2}, {1, 2.0}, {1, 0.1}, {1, -0.7},
	}
)

func feedRows(t *testing.T, labels []bool, rows [][]float64) *State {
	t.Helper()
	s := New()
	for i := range rows {
		if err := s.Transition(labels[i], rows[i], testCoef); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
	}
	return s
}

func TestSandwichDegeneracy(t *testing.T) {
	// With meat forced equal to X^T A X the sandwich collapses to the
	// bread: bread * meat * bread = bread.
	s := feedRows(t, testLabels, testRows)
	copy(s.buf.Slice(fieldMeat), s.buf.Slice(fieldXtAX))

	if ok, err := s.Finalize(); err != nil || !ok {
		t.Fatalf("Finalize = (%v, %v)", ok, err)
	}

	dec, err := pinv.Decompose(s.xtAX)
	if err != nil {
		t.Fatalf("Decompose failed: %v", err)
	}
	bread := pinv.Diagonal(dec.PseudoInverse())

	for i := range bread {
		if math.Abs(s.varDiag[i]-bread[i]) > 1e-10 {
			t.Errorf("variance diagonal[%d] = %g, want %g", i, s.varDiag[i], bread[i])
		}
	}
}

func TestScoreAccumulation(t *testing.T) {
	// One row: meat = g^2 x x^T with g = sigma(-y xc) y.
	s := New()
	x := []float64{1, 2}
	if err := s.Transition(true, x, testCoef); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	xc := testCoef[0]*x[0] + testCoef[1]*x[1]
	g := sigma(-xc)
	meat := s.buf.Slice(fieldMeat)
	want := []float64{g * g, 2 * g * g, 2 * g * g, 4 * g * g}
	for i := range want {
		if math.Abs(meat[i]-want[i]) > 1e-12 {
			t.Errorf("meat[%d] = %g, want %g", i, meat[i], want[i])
		}
	}
}

func TestCoefficientsHeldFixed(t *testing.T) {
	s := feedRows(t, testLabels, testRows)
	got := s.Coefficients()
	for i := range testCoef {
		if got[i] != testCoef[i] {
			t.Errorf("coef[%d] = %f, want %f", i, got[i], testCoef[i])
		}
	}
}

func TestMergeMatchesSingleRun(t *testing.T) {
	whole := feedRows(t, testLabels, testRows)

	left := feedRows(t, testLabels[:2], testRows[:2])
	right := feedRows(t, testLabels[2:], testRows[2:])
	m, err := Merge(left, right)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	ra, rb := whole.buf.Raw(), m.buf.Raw()
	for i := range ra {
		if math.Abs(ra[i]-rb[i]) > 1e-10 {
			t.Errorf("buffer slot %d: %g vs %g", i, ra[i], rb[i])
		}
	}
}

func TestMergeIdentity(t *testing.T) {
	a := feedRows(t, testLabels[:1], testRows[:1])
	zero := New()

	if m, err := Merge(a, zero); err != nil || m != a {
		t.Errorf("Merge(a, zero) = (%v, %v), want a unchanged", m, err)
	}
	if m, err := Merge(zero, a); err != nil || m != a {
		t.Errorf("Merge(zero, a) = (%v, %v), want a unchanged", m, err)
	}
}

func TestNoDataContract(t *testing.T) {
	s := New()

	ok, err := s.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if ok {
		t.Error("Finalize on an empty state must report no data")
	}

	res, ok, err := s.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if ok || res != nil {
		t.Error("Result on an empty state must report no result")
	}
}

func TestResultDiagnostics(t *testing.T) {
	s := feedRows(t, testLabels, testRows)
	if ok, err := s.Finalize(); err != nil || !ok {
		t.Fatalf("Finalize = (%v, %v)", ok, err)
	}

	res, ok, err := s.Result()
	if err != nil || !ok {
		t.Fatalf("Result = (%v, %v)", ok, err)
	}
	for i := range res.Coef {
		if res.StdErr[i] <= 0 {
			t.Errorf("StdErr[%d] = %f, want positive", i, res.StdErr[i])
		}
		wantZ := res.Coef[i] / res.StdErr[i]
		if math.Abs(res.ZStats[i]-wantZ) > 1e-12 {
			t.Errorf("ZStats[%d] = %f, want %f", i, res.ZStats[i], wantZ)
		}
		if res.PValues[i] < 0 || res.PValues[i] > 1 {
			t.Errorf("PValues[%d] = %f outside [0, 1]", i, res.PValues[i])
		}
	}
}

func TestMismatchedCoefWidth(t *testing.T) {
	s := New()
	if err := s.Transition(true, []float64{1, 2, 3}, testCoef); err != state.ErrIncompatible {
		t.Errorf("Transition error = %v, want %v", err, state.ErrIncompatible)
	}
}
