package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// Scale multiplies every element of t by alpha in place.
func (t *Tensor) Scale(alpha float32) {
	if len(t.Data) == 0 {
		return
	}
	blas32.Scal(alpha, vec(t.Data))
}

// Axpy computes y += alpha*x in place.
func Axpy(alpha float32, x, y []float32) {
	if len(x) != len(y) {
		panic(fmt.Sprintf("tensor: axpy length mismatch %d vs %d", len(x), len(y)))
	}
	if len(x) == 0 {
		return
	}
	blas32.Axpy(alpha, vec(x), vec(y))
}

// Lerp writes a*x + b*y into dst elementwise.
func Lerp(dst []float32, a float32, x []float32, b float32, y []float32) {
	for i := range dst {
		dst[i] = a*x[i] + b*y[i]
	}
}

// Guidance combines an unconditional and a conditional prediction as
// u + scale*(c-u), writing the result into dst. All slices have the same
// length and dst may alias neither input.
func Guidance(dst, uncond, cond []float32, scale float32) {
	if len(dst) != len(uncond) || len(dst) != len(cond) {
		panic(fmt.Sprintf("tensor: guidance length mismatch %d/%d/%d", len(dst), len(uncond), len(cond)))
	}
	if len(dst) == 0 {
		return
	}

	d := vec(dst)
	blas32.Copy(vec(cond), d)
	blas32.Axpy(-1, vec(uncond), d)
	blas32.Scal(scale, d)
	blas32.Axpy(1, vec(uncond), d)
}

// SplitGuidance applies Guidance to a prediction whose batch holds the
// unconditional block followed by the conditional block, returning a tensor
// with half the batch.
func SplitGuidance(pred *Tensor, scale float32) *Tensor {
	half := pred.Batch() / 2
	shape := append([]int{half}, pred.Shape[1:]...)
	out := New(shape...)
	n := len(out.Data)
	Guidance(out.Data, pred.Data[:n], pred.Data[n:2*n], scale)
	return out
}
