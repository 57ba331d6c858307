// Package tensor provides the dense float32 buffers that flow between the
// pipeline stages. Layout is row-major with the batch axis first.
package tensor

import (
	"fmt"
	"slices"
)

type Tensor struct {
	Shape []int
	Data  []float32
}

// New returns a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

// FromSlice wraps data without copying. It panics if len(data) does not
// match the shape.
func FromSlice(data []float32, shape ...int) *Tensor {
	if n := numel(shape); n != len(data) {
		panic(fmt.Sprintf("tensor: shape %v wants %d elements, got %d", shape, n, len(data)))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Empty returns the zero-size tensor used as the cancellation result.
func Empty() *Tensor {
	return &Tensor{Shape: []int{0}}
}

func numel(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

func (t *Tensor) IsEmpty() bool {
	return t == nil || len(t.Data) == 0
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Batch is the size of the leading axis.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// Stride returns the number of elements in one batch row.
func (t *Tensor) Stride() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return len(t.Data) / t.Shape[0]
}

// Row returns batch row b as a slice sharing storage with t.
func (t *Tensor) Row(b int) []float32 {
	s := t.Stride()
	return t.Data[b*s : (b+1)*s]
}

func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("tensor%v", t.Shape)
}

// BatchCopy copies count batch rows of src starting at srcBatch into dst
// starting at dstBatch. Rows of src and dst must have the same size.
func BatchCopy(src, dst *Tensor, srcBatch, dstBatch, count int) {
	s := src.Stride()
	if s != dst.Stride() {
		panic(fmt.Sprintf("tensor: batch copy between %v and %v", src.Shape, dst.Shape))
	}
	copy(dst.Data[dstBatch*s:(dstBatch+count)*s], src.Data[srcBatch*s:(srcBatch+count)*s])
}

// Repeat tiles t n times along the batch axis.
func Repeat(t *Tensor, n int) *Tensor {
	shape := slices.Clone(t.Shape)
	shape[0] *= n
	out := New(shape...)
	for i := range n {
		copy(out.Data[i*len(t.Data):], t.Data)
	}
	return out
}

// Concat joins tensors along axis. All other axes must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("tensor: nothing to concat")
	}

	first := ts[0]
	shape := slices.Clone(first.Shape)
	shape[axis] = 0
	for _, t := range ts {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("tensor: concat rank mismatch %v vs %v", t.Shape, first.Shape)
		}
		for i := range t.Shape {
			if i != axis && t.Shape[i] != first.Shape[i] {
				return nil, fmt.Errorf("tensor: concat shape mismatch %v vs %v on axis %d", t.Shape, first.Shape, i)
			}
		}
		shape[axis] += t.Shape[axis]
	}

	outer := numel(first.Shape[:axis])
	if axis == 0 {
		outer = 1
	}

	out := New(shape...)
	off := 0
	for o := range outer {
		for _, t := range ts {
			chunk := len(t.Data) / outer
			copy(out.Data[off:off+chunk], t.Data[o*chunk:(o+1)*chunk])
			off += chunk
		}
	}
	return out, nil
}
