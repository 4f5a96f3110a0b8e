// Package logregigd fits logistic-regression coefficients with incremental
// gradient descent over row-partitioned data.
//
// Unlike the conjugate-gradient and IRLS variants, the transition step
// itself performs the optimization: every row moves the live coefficient
// vector by a fixed step along its gradient contribution, and Finalize is a
// pass-through beyond the no-data check. Merging two partial states takes
// the row-count-weighted average of their coefficient vectors, preserving
// the invariant that the merged model is the weighted average of the
// per-partition models.
package logregigd

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

// MaxWidth is the largest representable feature count.
const MaxWidth = 65535

// DefaultStepsize is the fixed gradient step length.
const DefaultStepsize = 0.01

// DefaultInitialCoef seeds every coefficient slot on the very first
// iteration, when there is no previous state to copy from.
const DefaultInitialCoef = 0.1

const (
	fieldWidthOfX    = "widthOfX"
	fieldStepsize    = "stepsize"
	fieldCoef        = "coef"
	fieldCoefAtStart = "coefAtStart"
	fieldNumRows     = "numRows"
	fieldXtAX        = "X_transp_AX"
	fieldLogLik      = "logLikelihood"
	fieldStatus      = "status"
)

// The layout carries the iteration-start coefficient snapshot as an extra
// inter-iteration field. The Hessian and log-likelihood accumulate against
// that fixed snapshot while the live coefficients move row by row, which
// keeps both accumulators well-defined under unordered merging.
func layout(width int) *state.Layout {
	return state.NewLayout(width,
		state.Field{Name: fieldWidthOfX, Kind: state.Scalar},
		state.Field{Name: fieldStepsize, Kind: state.Scalar},
		state.Field{Name: fieldCoef, Kind: state.Vector},
		state.Field{Name: fieldCoefAtStart, Kind: state.Vector},
		state.Field{Name: fieldNumRows, Kind: state.Scalar},
		state.Field{Name: fieldXtAX, Kind: state.Matrix},
		state.Field{Name: fieldLogLik, Kind: state.Scalar},
		state.Field{Name: fieldStatus, Kind: state.Scalar},
	)
}

// State is the incremental-gradient accumulator.
type State struct {
	buf   *state.Buffer
	width int

	widthOfX    *float64
	stepsize    *float64
	coef        *mat.VecDense
	coefAtStart *mat.VecDense
	numRows     *float64
	xtAX        *mat.Dense
	logLik      *float64
	status      *float64

	stepsizeOpt float64
	initialCoef float64
	validate    bool
	logger      *log.Logger
}

// Option configures a State.
type Option func(*State)

// WithStepsize sets the fixed gradient step length.
func WithStepsize(stepsize float64) Option {
	return func(s *State) { s.stepsizeOpt = stepsize }
}

// WithInitialCoef sets the value every coefficient slot is seeded with on
// the very first iteration.
func WithInitialCoef(c float64) Option {
	return func(s *State) { s.initialCoef = c }
}

// WithValidation toggles finiteness checking of inputs and accumulators.
func WithValidation(enabled bool) Option {
	return func(s *State) { s.validate = enabled }
}

// WithLogger directs termination messages to l.
func WithLogger(l *log.Logger) Option {
	return func(s *State) { s.logger = l }
}

// New returns an empty state; the buffer is allocated on the first row.
func New(opts ...Option) *State {
	s := &State{stepsizeOpt: DefaultStepsize, initialCoef: DefaultInitialCoef}
	s.bind(state.NewBuffer(layout(0)), 0)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) bind(buf *state.Buffer, width int) {
	s.buf = buf
	s.width = width
	s.widthOfX = buf.Scalar(fieldWidthOfX)
	s.stepsize = buf.Scalar(fieldStepsize)
	s.numRows = buf.Scalar(fieldNumRows)
	s.logLik = buf.Scalar(fieldLogLik)
	s.status = buf.Scalar(fieldStatus)
	if width > 0 {
		s.coef = buf.Vector(fieldCoef)
		s.coefAtStart = buf.Vector(fieldCoefAtStart)
		s.xtAX = buf.Matrix(fieldXtAX)
	} else {
		s.coef, s.coefAtStart, s.xtAX = nil, nil, nil
	}
}

func (s *State) allocate(width int) {
	s.bind(state.NewBuffer(layout(width)), width)
	*s.widthOfX = float64(width)
}

func (s *State) reset() {
	*s.stepsize = s.stepsizeOpt
	*s.numRows = 0
	zero(s.buf.Slice(fieldXtAX))
	*s.logLik = 0
	*s.status = float64(state.InProgress)
	// The coefficients carried over from the previous iteration become the
	// fixed snapshot this iteration accumulates against.
	copy(s.buf.Slice(fieldCoefAtStart), s.buf.Slice(fieldCoef))
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

// Stepsize returns the fixed gradient step length carried by the state.
func (s *State) Stepsize() float64 { return *s.stepsize }

// LogLikelihood returns the accumulated log-likelihood.
func (s *State) LogLikelihood() float64 { return *s.logLik }

// Status returns the lifecycle status.
func (s *State) Status() state.Status { return state.Status(*s.status) }

// Coefficients returns a copy of the live coefficient vector.
func (s *State) Coefficients() []float64 {
	out := make([]float64, s.width)
	if s.width > 0 {
		copy(out, s.buf.Slice(fieldCoef))
	}
	return out
}

// Transition folds one observation into the state and immediately moves the
// live coefficients along the row's gradient contribution. The Hessian and
// log-likelihood accumulate against the iteration-start snapshot, matching
// the other variants' use of the previous iterate.
func (s *State) Transition(label bool, x []float64, prev *State) error {
	if s.Status() == state.Terminated {
		return nil
	}
	y := -1.0
	if label {
		y = 1.0
	}
	if s.validate && !allFinite(x) {
		s.terminate("logregigd: design matrix is not finite")
		return nil
	}
	if s.NumRows() == 0 {
		if len(x) > MaxWidth {
			s.terminate("logregigd: number of independent variables cannot be larger than 65535")
			return nil
		}
		s.allocate(len(x))
		if prev != nil {
			if err := s.buf.CopyFrom(prev.buf); err != nil {
				return err
			}
			s.reset()
		} else {
			*s.stepsize = s.stepsizeOpt
			coef := s.buf.Slice(fieldCoef)
			for i := range coef {
				coef[i] = s.initialCoef
			}
			copy(s.buf.Slice(fieldCoefAtStart), coef)
		}
	} else if len(x) != s.width {
		return state.ErrIncompatible
	}

	*s.numRows++

	// Hessian and log-likelihood against the iteration-start snapshot.
	xc0 := floats.Dot(x, s.buf.Slice(fieldCoefAtStart))
	sg := sigma(xc0)
	a := sg * (1 - sg)
	rankOne(s.buf.Slice(fieldXtAX), s.width, a, x)
	*s.logLik -= math.Log1p(math.Exp(-y * xc0))

	// Gradient step on the live coefficients.
	xc := floats.Dot(x, s.buf.Slice(fieldCoef))
	scale := *s.stepsize * sigma(-xc*y) * y
	floats.AddScaled(s.buf.Slice(fieldCoef), scale, x)
	return nil
}

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

// Merge combines two partial states. The merged coefficient vector is the
// row-count-weighted convex combination of the two partial models; the
// remaining accumulators add field-wise. A state that has seen no rows is
// the merge identity.
//
// Status handling diverges from the other variants: only Terminated
// propagates through an IGD merge.
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

	total := *a.numRows + *b.numRows
	wa := *a.numRows / total
	wb := *b.numRows / total
	ca := a.buf.Slice(fieldCoef)
	cb := b.buf.Slice(fieldCoef)
	for i := range ca {
		ca[i] = wa*ca[i] + wb*cb[i]
	}

	*a.numRows = total
	floats.Add(a.buf.Slice(fieldXtAX), b.buf.Slice(fieldXtAX))
	*a.logLik += *b.logLik
	if b.Status() == state.Terminated {
		*a.status = float64(state.Terminated)
	}
	return a, nil
}

// Finalize is a pass-through: the transition step already performed the
// optimization. It returns false when the state has seen no rows.
func (s *State) Finalize() (bool, error) {
	if s.NumRows() == 0 {
		return false, nil
	}
	if s.validate && !allFinite(s.buf.Slice(fieldCoef)) {
		s.terminate("logregigd: over- or underflow in incremental-gradient iteration")
	}
	return true, nil
}

// Distance returns the absolute difference in log-likelihood between two
// finalized states.
func Distance(a, b *State) float64 {
	return math.Abs(a.LogLikelihood() - b.LogLikelihood())
}

// Result derives the fit diagnostics from the accumulated moment matrix.
// It returns ok=false when the state has seen no rows.
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
