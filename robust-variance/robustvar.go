// Package robustvar computes the Huber-White sandwich variance estimator
// for an already-fitted logistic regression. The coefficient vector is
// supplied externally and held fixed: each row contributes its score outer
// product to the meat matrix and its logistic weight to the bread matrix,
// and Finalize assembles bread · meat · bread. The resulting standard
// errors stay valid under model misspecification.
package robustvar

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
	fieldXtAX      = "X_transp_AX"
	fieldMeat      = "meat"
	fieldStatus    = "status"
)

func layout(width int) *state.Layout {
	return state.NewLayout(width,
		state.Field{Name: fieldIteration, Kind: state.Scalar},
		state.Field{Name: fieldWidthOfX, Kind: state.Scalar},
		state.Field{Name: fieldCoef, Kind: state.Vector},
		state.Field{Name: fieldNumRows, Kind: state.Scalar},
		state.Field{Name: fieldXtAX, Kind: state.Matrix},
		state.Field{Name: fieldMeat, Kind: state.Matrix},
		state.Field{Name: fieldStatus, Kind: state.Scalar},
	)
}

// State accumulates the bread and meat matrices of the sandwich estimator.
type State struct {
	buf   *state.Buffer
	width int

	iteration *float64
	widthOfX  *float64
	coef      *mat.VecDense
	numRows   *float64
	xtAX      *mat.Dense
	meat      *mat.Dense
	status    *float64

	varDiag []float64

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
	s.status = buf.Scalar(fieldStatus)
	if width > 0 {
		s.coef = buf.Vector(fieldCoef)
		s.xtAX = buf.Matrix(fieldXtAX)
		s.meat = buf.Matrix(fieldMeat)
	} else {
		s.coef, s.xtAX, s.meat = nil, nil, nil
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

// Transition folds one observation into the state. coef is the fitted
// coefficient vector, held fixed for the whole pass; it is copied into the
// state on the first row.
func (s *State) Transition(label bool, x, coef []float64) error {
	if s.Status() == state.Terminated {
		return nil
	}
	y := -1.0
	if label {
		y = 1.0
	}
	if s.validate && !allFinite(x) {
		s.terminate("robustvar: design matrix is not finite")
		return nil
	}
	if s.NumRows() == 0 {
		if len(x) > MaxWidth {
			s.terminate("robustvar: number of independent variables cannot be larger than 65535")
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

	// Score vector sigma(-y xc) y x; meat += score scoreᵗ.
	g := sigma(-y*xc) * y
	rankOne(s.buf.Slice(fieldMeat), s.width, g*g, x)

	sg := sigma(xc)
	a := sg * (1 - sg)
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
	floats.Add(a.buf.Slice(fieldXtAX), b.buf.Slice(fieldXtAX))
	floats.Add(a.buf.Slice(fieldMeat), b.buf.Slice(fieldMeat))
	*a.status = float64(state.Escalate(a.Status(), b.Status()))
	return a, nil
}

// Finalize assembles the sandwich: bread = (XᵗAX)⁺ and
// variance = bread · meat · bread. The variance diagonal is retained for
// Result. It returns false when the state has seen no rows.
func (s *State) Finalize() (bool, error) {
	if s.NumRows() == 0 {
		return false, nil
	}
	if s.validate && (!allFinite(s.buf.Slice(fieldXtAX)) || !allFinite(s.buf.Slice(fieldMeat))) {
		s.terminate("robustvar: over- or underflow in intermediate calculation")
		return true, nil
	}
	diag, err := s.varianceDiagonal()
	if err != nil {
		return false, err
	}
	s.varDiag = diag
	return true, nil
}

func (s *State) varianceDiagonal() ([]float64, error) {
	dec, err := pinv.Decompose(s.xtAX)
	if err != nil {
		return nil, err
	}
	bread := dec.PseudoInverse()
	var variance mat.Dense
	variance.Product(bread, s.meat, bread)
	return pinv.Diagonal(&variance), nil
}

// Result reports the robust diagnostics per coefficient.
type Result struct {
	Coef    []float64
	StdErr  []float64
	ZStats  []float64
	PValues []float64
	Status  state.Status
}

// Result derives the robust standard errors and Wald statistics. It returns
// ok=false when the state has seen no rows.
func (s *State) Result() (*Result, bool, error) {
	if s.NumRows() == 0 {
		return nil, false, nil
	}
	diag := s.varDiag
	if diag == nil {
		d, err := s.varianceDiagonal()
		if err != nil {
			return nil, false, err
		}
		diag = d
	}
	coef := s.Coefficients()
	r := &Result{
		Coef:    coef,
		StdErr:  make([]float64, s.width),
		ZStats:  make([]float64, s.width),
		PValues: make([]float64, s.width),
		Status:  s.Status(),
	}
	for i := 0; i < s.width; i++ {
		r.StdErr[i] = math.Sqrt(diag[i])
		r.ZStats[i] = coef[i] / r.StdErr[i]
		r.PValues[i] = inference.TwoSidedZ(r.ZStats[i])
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
