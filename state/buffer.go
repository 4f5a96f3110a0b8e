package state

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

// ErrIncompatible reports an attempt to merge two states of different
// feature width or buffer size. This is a host-orchestration bug, never a
// data error, and callers must treat it as fatal.
var ErrIncompatible = errors.New("state: incompatible transition states")

// Buffer is a zero-initialized flat float64 array with typed views defined
// by a Layout. Views alias the underlying storage: writing through a view
// mutates the buffer and vice versa.
type Buffer struct {
	layout *Layout
	data   []float64
}

// NewBuffer allocates a zero-filled buffer for the given layout.
func NewBuffer(l *Layout) *Buffer {
	return &Buffer{layout: l, data: make([]float64, l.Size())}
}

// Wrap adopts an existing slice as buffer storage. The slice length must
// match the layout size exactly.
func Wrap(l *Layout, data []float64) (*Buffer, error) {
	if len(data) != l.Size() {
		return nil, fmt.Errorf("state: buffer size %d does not match layout size %d", len(data), l.Size())
	}
	return &Buffer{layout: l, data: data}, nil
}

// Layout returns the layout the buffer was built with.
func (b *Buffer) Layout() *Layout { return b.layout }

// Len returns the number of float64 slots.
func (b *Buffer) Len() int { return len(b.data) }

// Raw returns the backing slice. Mutations are visible through all views.
func (b *Buffer) Raw() []float64 { return b.data }

// Scalar returns a pointer to a scalar field.
func (b *Buffer) Scalar(name string) *float64 {
	return &b.data[b.layout.Offset(name)]
}

// Slice returns the raw sub-slice of a vector or matrix field.
func (b *Buffer) Slice(name string) []float64 {
	off := b.layout.Offset(name)
	w := b.layout.Width()
	for _, f := range b.layout.fields {
		if f.Name != name {
			continue
		}
		switch f.Kind {
		case Vector:
			return b.data[off : off+w]
		case Matrix:
			return b.data[off : off+w*w]
		default:
			return b.data[off : off+1]
		}
	}
	panic("state: unknown layout field " + name)
}

// Vector returns a gonum vector view over a vector field. The layout width
// must be positive.
func (b *Buffer) Vector(name string) *mat.VecDense {
	return mat.NewVecDense(b.layout.Width(), b.Slice(name))
}

// Matrix returns a gonum matrix view over a matrix field. The layout width
// must be positive.
func (b *Buffer) Matrix(name string) *mat.Dense {
	w := b.layout.Width()
	return mat.NewDense(w, w, b.Slice(name))
}

// CopyFrom overwrites the buffer contents with those of another buffer of
// the same size.
func (b *Buffer) CopyFrom(other *Buffer) error {
	if len(b.data) != len(other.data) {
		return ErrIncompatible
	}
	copy(b.data, other.data)
	return nil
}

// Clone returns a deep copy sharing no storage with the receiver.
func (b *Buffer) Clone() *Buffer {
	data := make([]float64, len(b.data))
	copy(data, b.data)
	return &Buffer{layout: b.layout, data: data}
}

// snapshot is the serialized form of a packed state. The feature width is
// enough to recompute the layout on the receiving side.
type snapshot struct {
	Version int
	Width   int
	Data    []float64
}

const snapshotVersion = 1

// SaveSnapshot writes a state's flat storage in gob format.
func SaveSnapshot(w io.Writer, width int, data []float64) error {
	snap := snapshot{
		Version: snapshotVersion,
		Width:   width,
		Data:    make([]float64, len(data)),
	}
	copy(snap.Data, data)
	return gob.NewEncoder(w).Encode(snap)
}

// LoadSnapshot reads a state snapshot written by SaveSnapshot and returns
// the feature width and the flat storage.
func LoadSnapshot(r io.Reader) (int, []float64, error) {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return 0, nil, err
	}
	if snap.Version != snapshotVersion {
		return 0, nil, errors.New("state: unsupported snapshot version")
	}
	if snap.Width < 0 {
		return 0, nil, errors.New("state: negative feature width in snapshot")
	}
	return snap.Width, snap.Data, nil
}
