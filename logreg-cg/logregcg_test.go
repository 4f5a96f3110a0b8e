package logregcg

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/n0madic/go-streaming-logreg/state"
)

const tol = 1e-12

func TestSingleRowTransition(t *testing.T) {
	// x = [1, 2], y = +1, coef = [0, 0]:
	// xc = 0, a = 0.25, gradient contribution = 0.5 [1, 2],
	// logLikelihood = -ln 2.
	s := New()
	if err := s.Transition(true, []float64{1, 2}, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if s.NumRows() != 1 {
		t.Errorf("numRows = %d, want 1", s.NumRows())
	}
	if s.Width() != 2 {
		t.Errorf("width = %d, want 2", s.Width())
	}

	grad := s.buf.Slice(fieldGradNew)
	if math.Abs(grad[0]-0.5) > tol || math.Abs(grad[1]-1.0) > tol {
		t.Errorf("gradNew = %v, want [0.5 1.0]", grad)
	}

	if got, want := s.LogLikelihood(), -math.Log(2); math.Abs(got-want) > tol {
		t.Errorf("logLikelihood = %f, want %f", got, want)
	}

	// X^T A X = 0.25 * [1 2; 2 4]
	h := s.buf.Slice(fieldXtAX)
	wantH := []float64{0.25, 0.5, 0.5, 1.0}
	for i := range wantH {
		if math.Abs(h[i]-wantH[i]) > tol {
			t.Errorf("X_transp_AX[%d] = %f, want %f", i, h[i], wantH[i])
		}
	}
}

func TestFirstFinalizeIsSteepestDescent(t *testing.T) {
	s := New()
	if err := s.Transition(true, []float64{1, 2}, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	ok, err := s.Finalize()
	if err != nil || !ok {
		t.Fatalf("Finalize = (%v, %v), want (true, nil)", ok, err)
	}

	dir := s.buf.Slice(fieldDir)
	grad := s.buf.Slice(fieldGrad)
	want := []float64{0.5, 1.0}
	for i := range want {
		if math.Abs(dir[i]-want[i]) > tol {
			t.Errorf("dir[%d] = %f, want %f", i, dir[i], want[i])
		}
		if math.Abs(grad[i]-want[i]) > tol {
			t.Errorf("grad[%d] = %f, want %f", i, grad[i], want[i])
		}
	}

	// alpha = (g.d) / (d^T H d) = 1.25 / 1.5625 = 0.8, so coef = 0.8 d.
	coef := s.Coefficients()
	wantCoef := []float64{0.4, 0.8}
	for i := range wantCoef {
		if math.Abs(coef[i]-wantCoef[i]) > tol {
			t.Errorf("coef[%d] = %f, want %f", i, coef[i], wantCoef[i])
		}
	}

	if s.Iteration() != 1 {
		t.Errorf("iteration = %d, want 1", s.Iteration())
	}
}

// feedRows folds rows into a fresh state.
func feedRows(t *testing.T, labels []bool, rows [][]float64) *State {
	t.Helper()
	s := New()
	for i := range rows {
		if err := s.Transition(labels[i], rows[i], nil); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
	}
	return s
}

var (
	testLabels = []bool{true, false, true, true, false, true}
	testRows   = [][]float64{
		{1, 0.5}, {1, -1.2}, {1, 2.0}, {1, 0.1}, {1, -0.7}, {1, 1.4},
	}
)

func statesEqual(t *testing.T, a, b *State) {
	t.Helper()
	if a.Width() != b.Width() {
		t.Fatalf("width mismatch: %d vs %d", a.Width(), b.Width())
	}
	ra, rb := a.buf.Raw(), b.buf.Raw()
	for i := range ra {
		if math.Abs(ra[i]-rb[i]) > 1e-9 {
			t.Errorf("buffer slot %d: %g vs %g", i, ra[i], rb[i])
		}
	}
}

func TestMergeCommutative(t *testing.T) {
	a1 := feedRows(t, testLabels[:3], testRows[:3])
	b1 := feedRows(t, testLabels[3:], testRows[3:])
	ab, err := Merge(a1, b1)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	a2 := feedRows(t, testLabels[:3], testRows[:3])
	b2 := feedRows(t, testLabels[3:], testRows[3:])
	ba, err := Merge(b2, a2)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	statesEqual(t, ab, ba)
}

func TestMergeAssociative(t *testing.T) {
	build := func() (*State, *State, *State) {
		return feedRows(t, testLabels[:2], testRows[:2]),
			feedRows(t, testLabels[2:4], testRows[2:4]),
			feedRows(t, testLabels[4:], testRows[4:])
	}

	a, b, c := build()
	ab, _ := Merge(a, b)
	abc1, err := Merge(ab, c)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	a, b, c = build()
	bc, _ := Merge(b, c)
	abc2, err := Merge(a, bc)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	a, b, c = build()
	ac, _ := Merge(a, c)
	abc3, err := Merge(ac, b)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	statesEqual(t, abc1, abc2)
	statesEqual(t, abc1, abc3)
}

func TestMergeIdentity(t *testing.T) {
	a := feedRows(t, testLabels, testRows)
	zero := New()

	m, err := Merge(a, zero)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if m != a {
		t.Error("merging with a zero state must return the other operand")
	}

	m, err = Merge(zero, a)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if m != a {
		t.Error("merging a zero state must return the other operand")
	}
}

func TestMergeIncompatibleWidths(t *testing.T) {
	a := feedRows(t, []bool{true}, [][]float64{{1, 2}})
	b := New()
	if err := b.Transition(true, []float64{1, 2, 3}, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if _, err := Merge(a, b); err != state.ErrIncompatible {
		t.Errorf("Merge error = %v, want %v", err, state.ErrIncompatible)
	}
}

func TestMergeEscalatesStatus(t *testing.T) {
	a := feedRows(t, []bool{true}, [][]float64{{1, 2}})

	b := New(WithValidation(true))
	if err := b.Transition(true, []float64{1, 2}, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if err := b.Transition(true, []float64{math.NaN(), 2}, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if b.Status() != state.Terminated {
		t.Fatalf("status = %v, want terminated", b.Status())
	}

	m, err := Merge(a, b)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if m.Status() != state.Terminated {
		t.Errorf("merged status = %v, want terminated", m.Status())
	}
}

func TestDistance(t *testing.T) {
	a := feedRows(t, testLabels, testRows)
	b := feedRows(t, testLabels[:3], testRows[:3])

	if d := Distance(a, a); d != 0 {
		t.Errorf("Distance(S, S) = %f, want 0", d)
	}
	if d1, d2 := Distance(a, b), Distance(b, a); d1 != d2 {
		t.Errorf("Distance not symmetric: %f vs %f", d1, d2)
	}
	if d := Distance(a, b); d < 0 {
		t.Errorf("Distance = %f, want non-negative", d)
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

	sum, ok, err := s.Result()
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if ok || sum != nil {
		t.Error("Result on an empty state must report no result")
	}
}

func TestDimensionOverflow(t *testing.T) {
	s := New()
	wide := make([]float64, MaxWidth+1)
	if err := s.Transition(true, wide, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if s.Status() != state.Terminated {
		t.Errorf("status = %v, want terminated", s.Status())
	}
	if s.NumRows() != 0 {
		t.Errorf("numRows = %d, want 0", s.NumRows())
	}

	// No further accumulation happens on a terminated state.
	if err := s.Transition(true, []float64{1, 2}, nil); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if s.NumRows() != 0 {
		t.Errorf("terminated state accumulated a row")
	}
}

func TestConvergesOnSyntheticData(t *testing.T) {
	// Intercept plus one covariate; labels drawn from the true model
	// coef = [-0.5, 1.5].
	rng := rand.New(rand.NewSource(7))
	n := 2000
	rows := make([][]float64, n)
	labels := make([]bool, n)
	for i := 0; i < n; i++ {
		z := rng.NormFloat64()
		rows[i] = []float64{1, z}
		p := 1.0 / (1.0 + math.Exp(0.5-1.5*z))
		labels[i] = rng.Float64() < p
	}

	var prev *State
	converged := false
	for iter := 0; iter < 60; iter++ {
		s := New()
		for i := range rows {
			if err := s.Transition(labels[i], rows[i], prev); err != nil {
				t.Fatalf("Transition failed: %v", err)
			}
		}
		ok, err := s.Finalize()
		if err != nil || !ok {
			t.Fatalf("Finalize = (%v, %v)", ok, err)
		}
		if prev != nil && Distance(s, prev) < 1e-6 {
			converged = true
			prev = s
			break
		}
		prev = s
	}
	if !converged {
		t.Fatal("conjugate gradient did not converge in 60 iterations")
	}

	coef := prev.Coefficients()
	if math.Abs(coef[0]-(-0.5)) > 0.2 || math.Abs(coef[1]-1.5) > 0.2 {
		t.Errorf("coef = %v, want approximately [-0.5 1.5]", coef)
	}

	sum, ok, err := prev.Result()
	if err != nil || !ok {
		t.Fatalf("Result = (%v, %v)", ok, err)
	}
	for i, p := range sum.PValues {
		if p < 0 || p > 1 {
			t.Errorf("PValues[%d] = %f outside [0, 1]", i, p)
		}
	}
	if sum.ConditionNo < 1 {
		t.Errorf("condition number = %f, want >= 1", sum.ConditionNo)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := feedRows(t, testLabels, testRows)
	if ok, err := s.Finalize(); err != nil || !ok {
		t.Fatalf("Finalize = (%v, %v)", ok, err)
	}

	var buf bytes.Buffer
	if err := s.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	restored, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	statesEqual(t, s, restored)
	if restored.Iteration() != s.Iteration() {
		t.Errorf("iteration = %d, want %d", restored.Iteration(), s.Iteration())
	}
}
