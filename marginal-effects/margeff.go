// Package margeff estimates average marginal effects for an already-fitted
// logistic regression, with delta-method standard errors. The coefficient
// vector is supplied externally and held fixed: the pass accumulates the
// mean density weight, the mean covariate vector and the weighted
// design-moment matrix, and Finalize evaluates the effect and its variance
// at the covariate mean.
//
// Significance uses a Student-t distribution with numRows - widthOfX
// degrees of freedom; p-values are withheld whenever that quantity is not
// positive.
package margeff

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
	fieldIteration = "iteration"
	fieldWidthOfX  = "widthOfX"
	fieldCoef      = "coef"
	fieldNumRows   = "numRows"
	fieldMePerObs  = "marginal_effects_per_observation"
	fieldXBar      = "X_bar"
	fieldXtAX      = "X_transp_AX"
	fieldStatus    = "status"
)

func layout(width int) *state.Layout {
	return state.NewLayout(width,
		state.Field{Name: fieldIteration, Kind: state.Scalar},
		state.Field{Name: fieldWidthOfX, Kind: state.Scalar},
		state.Field{Name: fieldCoef, Kind: state.Vector},
		state.Field{Name: fieldNumRows, Kind: state.Scalar},
		state.Field{Name: fieldMePerObs, Kind: state.Scalar},
		state.Field{Name: fieldXBar, Kind: state.Vector},
		state.Field{Name: fieldXtAX, Kind: state.Matrix},
		state.Field{Name: fieldStatus, Kind: state.Scalar},
	)
}

// State accumulates the marginal-effects statistics.
type State struct {
	buf   *state.Buffer
	width int

	iteration *float64
	widthOfX  *float64
	coef      *mat.VecDense
	numRows   *float64
	mePerObs  *float64
	xBar      *mat.VecDense
	xtAX      *mat.Dense
	status    *float64

	seDiag []float64

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
	s.iteration = buf.Scalar(fieldIteration)
	s.widthOfX = buf.Scalar(fieldWidthOfX)
	s.numRows = buf.Scalar(fieldNumRows)
	s.mePerObs = buf.Scalar(fieldMePerObs)
	s.status = buf.Scalar(fieldStatus)
	if width > 0 {
		s.coef = buf.Vector(fieldCoef)
		s.xBar = buf.Vector(fieldXBar)
		s.xtAX = buf.Matrix(fieldXtAX)
	} else {
		s.coef, s.xBar, s.xtAX = nil, nil, nil
	}
}

func (s *State) allocate(width int) {
	s.bind(state.NewBuffer(layout(width)), width)
	*s.widthOfX = float64(width)
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

// NumRows returns the number of rows folded into the state.
func (s *State) NumRows() uint64 { return uint64(*s.numRows) }

// Status returns the lifecycle status.
func (s *State) Status() state.Status { return state.Status(*s.status) }

// Coefficients returns a copy of the externally-supplied coefficients.
func (s *State) Coefficients() []float64 {
	out := make([]float64, s.width)
	if s.width > 0 {
		copy(out, s.buf.Slice(fieldCoef))
	}
	return out
}

// Transition folds one observation into the state. The label plays no role
// in the marginal-effects pass. coef is the fitted coefficient vector, held
// fixed and copied into the state on the first row.
func (s *State) Transition(x, coef []float64) error {
	if s.Status() == state.Terminated {
		return nil
	}
	if s.validate && !allFinite(x) {
		s.terminate("margeff: design matrix is not finite")
		return nil
	}
	if s.NumRows() == 0 {
		if len(x) > MaxWidth {
			s.terminate("margeff: number of independent variables cannot be larger than 65535")
			return nil
		}
		if len(coef) != len(x) {
			return state.ErrIncompatible
		}
		s.allocate(len(x))
		copy(s.buf.Slice(fieldCoef), coef)
	} else if len(x) != s.width {
		return state.ErrIncompatible
	}

	*s.numRows++
	xc := floats.Dot(x, coef)

	// G(xc) = e^xc / (1 + e^xc) is the link value; its derivative
	// G(xc)(1 - G(xc)) is the per-row density weight.
	g := sigma(xc)
	a := g * (1 - g)
	*s.mePerObs += a

	floats.Add(s.buf.Slice(fieldXBar), x)
	rankOne(s.buf.Slice(fieldXtAX), s.width, a, x)
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
	*a.mePerObs += *b.mePerObs
	floats.Add(a.buf.Slice(fieldXBar), b.buf.Slice(fieldXBar))
	floats.Add(a.buf.Slice(fieldXtAX), b.buf.Slice(fieldXtAX))
	*a.status = float64(state.Escalate(a.Status(), b.Status()))
	return a, nil
}

// Finalize evaluates the delta-method variance at the covariate mean:
// with p = G(coef · X̄ / n) and delta = I + (1-2p) coef X̄ᵗ / n, the
// variance is p(1-p) · delta · (XᵗAX)⁺ · deltaᵗ · p(1-p). Its diagonal is
// retained for Result. It returns false when the state has seen no rows.
func (s *State) Finalize() (bool, error) {
	if s.NumRows() == 0 {
		return false, nil
	}
	if s.validate && !allFinite(s.buf.Slice(fieldXtAX)) {
		s.terminate("margeff: over- or underflow in intermediate calculation")
		return true, nil
	}
	diag, err := s.varianceDiagonal()
	if err != nil {
		return false, err
	}
	s.seDiag = diag
	return true, nil
}

func (s *State) varianceDiagonal() ([]float64, error) {
	dec, err := pinv.Decompose(s.xtAX)
	if err != nil {
		return nil, err
	}
	variance := dec.PseudoInverse()

	n := *s.numRows
	xc := mat.Dot(s.coef, s.xBar) / n
	p := sigma(xc)

	var delta mat.Dense
	delta.Outer((1-2*p)/n, s.coef, s.xBar)
	for i := 0; i < s.width; i++ {
		delta.Set(i, i, delta.At(i, i)+1)
	}

	var dv mat.Dense
	dv.Product(&delta, variance, delta.T())
	dv.Scale(p * (1 - p) * p * (1 - p), &dv)
	return pinv.Diagonal(&dv), nil
}

// Result reports the marginal effects per coefficient. PValues is nil when
// the degrees of freedom numRows - widthOfX are not positive.
type Result struct {
	MarginalEffects []float64
	Coef            []float64
	StdErr          []float64
	TStats          []float64
	PValues         []float64
	Status          state.Status
}

// Result derives the marginal-effect estimates and their delta-method
// standard errors. It returns ok=false when the state has seen no rows.
func (s *State) Result() (*Result, bool, error) {
	if s.NumRows() == 0 {
		return nil, false, nil
	}
	diag := s.seDiag
	if diag == nil {
		d, err := s.varianceDiagonal()
		if err != nil {
			return nil, false, err
		}
		diag = d
	}

	n := *s.numRows
	coef := s.Coefficients()
	r := &Result{
		MarginalEffects: make([]float64, s.width),
		Coef:            coef,
		StdErr:          make([]float64, s.width),
		TStats:          make([]float64, s.width),
		Status:          s.Status(),
	}
	dof := n - float64(s.width)
	if dof > 0 {
		r.PValues = make([]float64, s.width)
	}
	for i := 0; i < s.width; i++ {
		r.MarginalEffects[i] = coef[i] * *s.mePerObs / n
		r.StdErr[i] = math.Sqrt(diag[i])
		r.TStats[i] = r.MarginalEffects[i] / r.StdErr[i]
		if dof > 0 {
			r.PValues[i] = inference.TwoSidedT(r.TStats[i], dof)
		}
	}
	return r, true, nil
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
