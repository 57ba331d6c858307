package pipeline

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/jmorganca/sdpipe/tensor"
)

// computeConditioning encodes the prompts once and replicates the result
// for every image. Under guidance the unconditional rows come first.
func (p *Pipeline) computeConditioning(ctx context.Context, r *request, prompt string) error {
	var negative string
	if r.cfg.NegativePrompt != nil {
		negative = *r.cfg.NegativePrompt
	}

	hidden, err := p.text.Infer(ctx, prompt, negative, r.doCFG)
	if err != nil {
		return fmt.Errorf("text encoder: %w", err)
	}

	m, n := r.multiplier(), r.cfg.NumImagesPerPrompt
	if len(hidden.Shape) < 2 || hidden.Batch() != m {
		return fmt.Errorf("%w: text encoder returned %v, want batch %d", ErrInvalidState, hidden.Shape, m)
	}

	states := hidden
	if n > 1 {
		shape := slices.Clone(hidden.Shape)
		shape[0] = n * m

		states = tensor.New(shape...)
		for i := range n {
			tensor.BatchCopy(hidden, states, 0, i, 1)
			if m > 1 {
				tensor.BatchCopy(hidden, states, 1, n+i, 1)
			}
		}
	}
	r.cond.EncoderHiddenStates = states

	if dim := p.denoiser.Config().TimeCondProjDim; dim > 0 {
		r.cond.TimestepCond = tensor.Repeat(guidanceScaleEmbedding(r.cfg.GuidanceScale-1, dim), n*m)
	}
	return nil
}

// guidanceScaleEmbedding returns the [1, dim] sinusoidal embedding of a
// guidance weight: sines then cosines of w*1000 over a geometric range of
// frequencies, zero padded when dim is odd.
func guidanceScaleEmbedding(w float32, dim int) *tensor.Tensor {
	emb := tensor.New(1, dim)

	half := dim / 2
	if half == 0 {
		return emb
	}

	scaled := float64(w) * 1000
	step := math.Log(10000) / float64(max(half-1, 1))
	for i := range half {
		arg := math.Exp(-float64(i)*step) * scaled
		emb.Data[i] = float32(math.Sin(arg))
		emb.Data[half+i] = float32(math.Cos(arg))
	}
	return emb
}
