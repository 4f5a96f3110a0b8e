// Package state provides the packed numeric buffer shared by all
// aggregation states. A state is a flat []float64 whose interpretation is
// fixed by a Layout computed from the number of independent variables:
// consumers address named scalar, vector and matrix fields that alias
// sub-ranges of the same storage, so the buffer can cross a process or
// wire boundary as a plain array of doubles.
package state

import "fmt"

// Kind describes the shape of a single field inside a Layout.
type Kind int

const (
	// Scalar occupies one slot.
	Scalar Kind = iota
	// Vector occupies widthOfX slots.
	Vector
	// Matrix occupies widthOfX * widthOfX slots.
	Matrix
)

// Field is a named typed region of a packed buffer.
type Field struct {
	Name string
	Kind Kind
}

// Layout maps field names to offsets in a flat buffer. Offsets are assigned
// in declaration order, so the field list doubles as the wire layout.
type Layout struct {
	width   int
	size    int
	fields  []Field
	offsets map[string]int
}

// NewLayout computes the packed layout for the given feature width.
// Duplicate field names are a programming error.
func NewLayout(width int, fields ...Field) *Layout {
	if width < 0 {
		panic(fmt.Sprintf("state: negative layout width %d", width))
	}
	l := &Layout{
		width:   width,
		fields:  fields,
		offsets: make(map[string]int, len(fields)),
	}
	off := 0
	for _, f := range fields {
		if _, dup := l.offsets[f.Name]; dup {
			panic("state: duplicate layout field " + f.Name)
		}
		l.offsets[f.Name] = off
		off += l.extent(f.Kind)
	}
	l.size = off
	return l
}

// Width returns the feature width the layout was computed for.
func (l *Layout) Width() int { return l.width }

// Size returns the total number of float64 slots in the buffer.
func (l *Layout) Size() int { return l.size }

// Offset returns the starting slot of a named field.
func (l *Layout) Offset(name string) int {
	off, ok := l.offsets[name]
	if !ok {
		panic("state: unknown layout field " + name)
	}
	return off
}

func (l *Layout) extent(k Kind) int {
	switch k {
	case Scalar:
		return 1
	case Vector:
		return l.width
	case Matrix:
		return l.width * l.width
	}
	panic(fmt.Sprintf("state: unknown field kind %d", k))
}
