// Package logregirls fits logistic-regression coefficients with
// iteratively-reweighted least squares (Newton steps) over row-partitioned
// data. Each iteration accumulates the weighted design-moment matrix XᵗAX
// and the weighted pseudo-response XᵗAz across partitions; Finalize solves
// the normal equations through an eigendecomposition-based pseudo-inverse,
// so singular and ill-conditioned Hessians degrade instead of failing.
package logregirls

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

const (
	fieldWidthOfX = "widthOfX"
	fieldCoef     = "coef"
	fieldNumRows  = "numRows"
	fieldXtAz     = "X_transp_Az"
	fieldXtAX     = "X_transp_AX"
	fieldLogLik   = "logLikelihood"
	fieldStatus   = "status"
)

func layout(width int) *state.Layout {
	return state.NewLayout(width,
		state.Field{Name: fieldWidthOfX, Kind: state.Scalar},
		state.Field{Name: fieldCoef, Kind: state.Vector},
		state.Field{Name: fieldNumRows, Kind: state.Scalar},
		state.Field{Name: fieldXtAz, Kind: state.Vector},
		state.Field{Name: fieldXtAX, Kind: state.Matrix},
		state.Field{Name: fieldLogLik, Kind: state.Scalar},
		state.Field{Name: fieldStatus, Kind: state.Scalar},
	)
}

// State is the IRLS accumulator.
type State struct {
	buf   *state.Buffer
	width int

	widthOfX *float64
	coef     *mat.VecDense
	numRows  *float64
	xtAz     *mat.VecDense
	xtAX     *mat.Dense
	logLik   *float64
	status   *float64

	// Finalize stores the inverse-Hessian diagonal and the condition
	// number here so Result does not recompute the decomposition.
	invHessDiag []float64
	condNo      float64

	validate bool
	logger   *log.Logger
}

// Option configures a State.
type Option func(*State)

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
	s.widthOfX = buf.Scalar(fieldWidthOfX)
	s.numRows = buf.Scalar(fieldNumRows)
	s.logLik = buf.Scalar(fieldLogLik)
	s.status = buf.Scalar(fieldStatus)
	if width > 0 {
		s.coef = buf.Vector(fieldCoef)
		s.xtAz = buf.Vector(fieldXtAz)
		s.xtAX = buf.Matrix(fieldXtAX)
	} else {
		s.coef, s.xtAz, s.xtAX = nil, nil, nil
	}
}

func (s *State) allocate(width int) {
	s.bind(state.NewBuffer(layout(width)), width)
	*s.widthOfX = float64(width)
}

func (s *State) reset() {
	*s.numRows = 0
	zero(s.buf.Slice(fieldXtAz))
	zero(s.buf.Slice(fieldXtAX))
	*s.logLik = 0
	*s.status = float64(state.InProgress)
	s.invHessDiag = nil
	s.condNo = 0
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

// Transition folds one observation into the state. prev, when non-nil,
// seeds the coefficients from the previous iteration's finalized state.
func (s *State) Transition(label bool, x []float64, prev *State) error {
	if s.Status() == state.Terminated {
		return nil
	}
	y := -1.0
	if label {
		y = 1.0
	}
	if s.validate && !allFinite(x) {
		s.terminate("logregirls: design matrix is not finite")
		return nil
	}
	if s.NumRows() == 0 {
		if len(x) > MaxWidth {
			s.terminate("logregirls: number of independent variables cannot be larger than 65535")
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

	// a_i = sigma(xc) sigma(-xc); note sigma(-t) = 1 - sigma(t).
	sg := sigma(xc)
	a := sg * (1 - sg)

	// The working response z = xc + sigma(-y xc) y / a overflows when a is
	// near zero, so accumulate a*z directly.
	az := xc*a + sigma(-y*xc)*y
	floats.AddScaled(s.buf.Slice(fieldXtAz), az, x)
	rankOne(s.buf.Slice(fieldXtAX), s.width, a, x)

	*s.logLik -= math.Log1p(math.Exp(-y * xc))
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

// Merge combines two partial states. A state that has seen no rows is the
// merge identity.
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
	floats.Add(a.buf.Slice(fieldXtAz), b.buf.Slice(fieldXtAz))
	floats.Add(a.buf.Slice(fieldXtAX), b.buf.Slice(fieldXtAX))
	*a.logLik += *b.logLik
	*a.status = float64(state.Escalate(a.Status(), b.Status()))
	return a, nil
}

// Finalize performs the Newton step: coef = (XᵗAX)⁺ XᵗAz. The
// inverse-Hessian diagonal and the condition number are retained for
// Result. It returns false when the state has seen no rows.
func (s *State) Finalize() (bool, error) {
	if s.NumRows() == 0 {
		return false, nil
	}
	if s.validate && (!allFinite(s.buf.Slice(fieldXtAX)) || !allFinite(s.buf.Slice(fieldXtAz))) {
		s.terminate("logregirls: over- or underflow in intermediate calculation")
		return true, nil
	}

	dec, err := pinv.Decompose(s.xtAX)
	if err != nil {
		return false, err
	}
	inv := dec.PseudoInverse()
	s.coef.MulVec(inv, s.xtAz)

	if s.validate && !allFinite(s.buf.Slice(fieldCoef)) {
		s.terminate("logregirls: over- or underflow in Newton step")
		return true, nil
	}

	s.invHessDiag = pinv.Diagonal(inv)
	s.condNo = dec.ConditionNumber()
	return true, nil
}

// Distance returns the absolute difference in log-likelihood between two
// finalized states.
func Distance(a, b *State) float64 {
	return math.Abs(a.LogLikelihood() - b.LogLikelihood())
}

// Result derives the fit diagnostics. After Finalize it reuses the stored
// inverse-Hessian diagonal; on a merged-but-unfinalized state it computes
// the decomposition itself. It returns ok=false when the state has seen no
// rows.
func (s *State) Result() (*inference.Summary, bool, error) {
	if s.NumRows() == 0 {
		return nil, false, nil
	}
	diag, condNo := s.invHessDiag, s.condNo
	if diag == nil {
		dec, err := pinv.Decompose(s.xtAX)
		if err != nil {
			return nil, false, err
		}
		diag = pinv.Diagonal(dec.PseudoInverse())
		condNo = dec.ConditionNumber()
	}
	sum := inference.Summarize(s.Coefficients(), diag, s.LogLikelihood(), condNo, s.Status())
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
