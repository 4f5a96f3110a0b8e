// Package logregcg fits logistic-regression coefficients with the nonlinear
// conjugate-gradient method over row-partitioned data.
//
// The host drives the computation: many partitions fold rows into private
// states with Transition, partial states combine in any order with Merge,
// and exactly one Finalize per iteration turns the accumulated statistics
// into the next coefficient iterate. Distance between two consecutive
// finalized states is the convergence signal.
package logregcg

import (
	"io"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-streaming-logreg/inference"
	"github.com/n0madic/go-streaming-logreg/pinv"
	"github.com/n0madic/go-streaming-logreg/state"
)

// MaxWidth is the largest representable feature count. Wider rows terminate
// the state instead of accumulating.
const MaxWidth = 65535

// Layout field names. The declaration order in layout is the wire layout:
// inter-iteration fields first, intra-iteration accumulators after.
const (
	fieldIteration = "iteration"
	fieldWidthOfX  = "widthOfX"
	fieldCoef      = "coef"
	fieldDir       = "dir"
	fieldGrad      = "grad"
	fieldBeta      = "beta"
	fieldNumRows   = "numRows"
	fieldGradNew   = "gradNew"
	fieldXtAX      = "X_transp_AX"
	fieldLogLik    = "logLikelihood"
	fieldStatus    = "status"
)

func layout(width int) *state.Layout {
	return state.NewLayout(width,
		state.Field{Name: fieldIteration, Kind: state.Scalar},
		state.Field{Name: fieldWidthOfX, Kind: state.Scalar},
		state.Field{Name: fieldCoef, Kind: state.Vector},
		state.Field{Name: fieldDir, Kind: state.Vector},
		state.Field{Name: fieldGrad, Kind: state.Vector},
		state.Field{Name: fieldBeta, Kind: state.Scalar},
		state.Field{Name: fieldNumRows, Kind: state.Scalar},
		state.Field{Name: fieldGradNew, Kind: state.Vector},
		state.Field{Name: fieldXtAX, Kind: state.Matrix},
		state.Field{Name: fieldLogLik, Kind: state.Scalar},
		state.Field{Name: fieldStatus, Kind: state.Scalar},
	)
}

// State is the conjugate-gradient accumulator. Its storage is a packed
// buffer sized on the first observed row; vector and matrix fields are
// views over that buffer.
type State struct {
	buf   *state.Buffer
	width int

	iteration *float64
	widthOfX  *float64
	coef      *mat.VecDense
	dir       *mat.VecDense
	grad      *mat.VecDense
	beta      *float64
	numRows   *float64
	gradNew   *mat.VecDense
	xtAX      *mat.Dense
	logLik    *float64
	status    *float64

	validate bool
	logger   *log.Logger
}

// Option configures a State.
type Option func(*State)

// WithValidation toggles finiteness checking of inputs and accumulators.
// A failed check terminates the state instead of returning an error.
func WithValidation(enabled bool) Option {
	return func(s *State) { s.validate = enabled }
}

// WithLogger directs termination messages to l. The package is silent
// otherwise.
func WithLogger(l *log.Logger) Option {
	return func(s *State) { s.logger = l }
}

// New returns an empty state. The full buffer is allocated once the first
// row fixes the feature width.
func New(opts ...Option) *State {
	s := &State{}
	s.bind(state.NewBuffer(layout(0)), 0)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) bind(buf *state.Buffer, width int) {
	s.buf = buf
	s.width = width
	s.iteration = buf.Scalar(fieldIteration)
	s.widthOfX = buf.Scalar(fieldWidthOfX)
	s.beta = buf.Scalar(fieldBeta)
	s.numRows = buf.Scalar(fieldNumRows)
	s.logLik = buf.Scalar(fieldLogLik)
	s.status = buf.Scalar(fieldStatus)
	if width > 0 {
		s.coef = buf.Vector(fieldCoef)
		s.dir = buf.Vector(fieldDir)
		s.grad = buf.Vector(fieldGrad)
		s.gradNew = buf.Vector(fieldGradNew)
		s.xtAX = buf.Matrix(fieldXtAX)
	} else {
		s.coef, s.dir, s.grad, s.gradNew, s.xtAX = nil, nil, nil, nil, nil
	}
}

func (s *State) allocate(width int) {
	s.bind(state.NewBuffer(layout(width)), width)
	*s.widthOfX = float64(width)
}

// reset clears the intra-iteration accumulators after the inter-iteration
// fields have been seeded from the previous finalized state.
func (s *State) reset() {
	*s.numRows = 0
	zero(s.buf.Slice(fieldGradNew))
	zero(s.buf.Slice(fieldXtAX))
	*s.logLik = 0
	*s.status = float64(state.InProgress)
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

func sigma(t float64) float64 {
	return 1.0 / (1.0 + math.Exp(-t))
}

func (s *State) terminate(msg string) {
	*s.status = float64(state.Terminated)
	if s.logger != nil {
		s.logger.Print(msg)
	}
}

// Width returns the feature count, zero before the first row.
func (s *State) Width() int { return s.width }

// NumRows returns the number of rows folded into the state this iteration.
func (s *State) NumRows() uint64 { return uint64(*s.numRows) }

// Iteration returns the number of completed finalize steps.
func (s *State) Iteration() int { return int(*s.iteration) }

// LogLikelihood returns the accumulated log-likelihood.
func (s *State) LogLikelihood() float64 { return *s.logLik }

// Status returns the lifecycle status.
func (s *State) Status() state.Status { return state.Status(*s.status) }

// Coefficients returns a copy of the current coefficient vector.
func (s *State) Coefficients() []float64 {
	out := make([]float64, s.width)
	if s.width > 0 {
		copy(out, s.buf.Slice(fieldCoef))
	}
	return out
}

// Transition folds one observation into the state. The label maps to
// y = +1 (true) or y = -1 (false). On the first row of a partition the
// state buffer is allocated; prev, when non-nil, seeds the inter-iteration
// fields (coefficients, search direction, gradient) from the previous
// iteration's finalized state.
func (s *State) Transition(label bool, x []float64, prev *State) error {
	if s.Status() == state.Terminated {
		return nil
	}
	y := -1.0
	if label {
		y = 1.0
	}
	if s.validate && !allFinite(x) {
		s.terminate("logregcg: design matrix is not finite")
		return nil
	}
	if s.NumRows() == 0 {
		if len(x) > MaxWidth {
			s.terminate("logregcg: number of independent variables cannot be larger than 65535")
			return nil
		}
		s.allocate(len(x))
		if prev != nil {
			if err := s.buf.CopyFrom(prev.buf); err != nil {
				return err
			}
			s.reset()
		}
	} else if len(x) != s.width {
		return state.ErrIncompatible
	}

	*s.numRows++
	xc := floats.Dot(x, s.buf.Slice(fieldCoef))

	// Gradient contribution: sigma(-y xc) y x.
	g := sigma(-y*xc) * y
	floats.AddScaled(s.buf.Slice(fieldGradNew), g, x)

	// a_i = sigma(xc) sigma(-xc); note sigma(-t) = 1 - sigma(t).
	sg := sigma(xc)
	a := sg * (1 - sg)
	rankOne(s.buf.Slice(fieldXtAX), s.width, a, x)

	*s.logLik -= math.Log1p(math.Exp(-y * xc))
	return nil
}

// rankOne accumulates h += a * x xᵗ on a row-major width*width slice.
func rankOne(h []float64, width int, a float64, x []float64) {
	for i := 0; i < width; i++ {
		ax := a * x[i]
		row := h[i*width : (i+1)*width]
		for j := 0; j < width; j++ {
			row[j] += ax * x[j]
		}
	}
}

func allFinite(v []float64) bool {
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Merge combines two partial states. A state that has seen no rows is the
// merge identity. Mismatched widths or buffer sizes report
// state.ErrIncompatible, a host-orchestration bug.
func Merge(a, b *State) (*State, error) {
	if a.NumRows() == 0 {
		return b, nil
	}
	if b.NumRows() == 0 {
		return a, nil
	}
	if a.width != b.width || a.buf.Len() != b.buf.Len() {
		return nil, state.ErrIncompatible
	}
	*a.numRows += *b.numRows
	floats.Add(a.buf.Slice(fieldGradNew), b.buf.Slice(fieldGradNew))
	floats.Add(a.buf.Slice(fieldXtAX), b.buf.Slice(fieldXtAX))
	*a.logLik += *b.logLik
	*a.status = float64(state.Escalate(a.Status(), b.Status()))
	return a, nil
}

// Finalize turns the merged statistics into the next coefficient iterate.
// It returns false when the state has seen no rows.
//
// Iteration zero takes a steepest-descent step. Later iterations use the
// Hestenes-Stiefel update with a Powell restart whenever the
// Polak-Ribiere ratio is not distinguishably positive.
func (s *State) Finalize() (bool, error) {
	if s.NumRows() == 0 {
		return false, nil
	}
	if s.validate && (!allFinite(s.buf.Slice(fieldGradNew)) || !allFinite(s.buf.Slice(fieldXtAX))) {
		s.terminate("logregcg: over- or underflow in intermediate calculation")
		return true, nil
	}

	if s.Iteration() == 0 {
		s.dir.CopyVec(s.gradNew)
		s.grad.CopyVec(s.gradNew)
	} else {
		// beta_k = g_kᵗ (g_k - g_{k-1}) / d_{k-1}ᵗ (g_k - g_{k-1})
		var dg mat.VecDense
		dg.SubVec(s.gradNew, s.grad)
		num := mat.Dot(s.gradNew, &dg)
		*s.beta = num / mat.Dot(s.dir, &dg)

		// Powell restart: test whether beta would be non-positive under
		// the Polak-Ribiere formula.
		if num/mat.Dot(s.grad, s.grad) <= math.SmallestNonzeroFloat64 {
			*s.beta = 0
		}

		// d_k = g_k - beta_k d_{k-1}
		var scaled mat.VecDense
		scaled.ScaleVec(*s.beta, s.dir)
		s.dir.SubVec(s.gradNew, &scaled)
		s.grad.CopyVec(s.gradNew)
	}

	// alpha_k = g_kᵗ d_k / d_kᵗ (XᵗAX) d_k
	var hd mat.VecDense
	hd.MulVec(s.xtAX, s.dir)
	alpha := mat.Dot(s.grad, s.dir) / mat.Dot(s.dir, &hd)

	var step mat.VecDense
	step.ScaleVec(alpha, s.dir)
	s.coef.AddVec(s.coef, &step)

	if s.validate && !allFinite(s.buf.Slice(fieldCoef)) {
		s.terminate("logregcg: over- or underflow in conjugate-gradient step")
		return true, nil
	}

	*s.iteration++
	return true, nil
}

// Distance returns the absolute difference in log-likelihood between two
// finalized states, the convergence criterion of the outer loop.
func Distance(a, b *State) float64 {
	return math.Abs(a.LogLikelihood() - b.LogLikelihood())
}

// Result derives the fit diagnostics from a finalized state. It returns
// ok=false when the state has seen no rows.
func (s *State) Result() (*inference.Summary, bool, error) {
	if s.NumRows() == 0 {
		return nil, false, nil
	}
	dec, err := pinv.Decompose(s.xtAX)
	if err != nil {
		return nil, false, err
	}
	diag := pinv.Diagonal(dec.PseudoInverse())
	sum := inference.Summarize(s.Coefficients(), diag, s.LogLikelihood(), dec.ConditionNumber(), s.Status())
	return sum, true, nil
}

// Save writes the packed state in gob format.
func (s *State) Save(w io.Writer) error {
	return state.SaveSnapshot(w, s.width, s.buf.Raw())
}

// Load restores a state written by Save.
func Load(r io.Reader, opts ...Option) (*State, error) {
	width, data, err := state.LoadSnapshot(r)
	if err != nil {
		return nil, err
	}
	buf, err := state.Wrap(layout(width), data)
	if err != nil {
		return nil, err
	}
	s := New(opts...)
	s.bind(buf, width)
	return s, nil
}
