package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/jmorganca/sdpipe/envconfig"
	"github.com/jmorganca/sdpipe/logutil"
	"github.com/jmorganca/sdpipe/safetensors"
	"github.com/jmorganca/sdpipe/tensor"
)

// denoise runs the scheduler loop and returns the final denoised latent,
// or an empty tensor when the callback cancels.
func (p *Pipeline) denoise(ctx context.Context, r *request) (*tensor.Tensor, error) {
	n, m := r.cfg.NumImagesPerPrompt, r.multiplier()

	shape := slices.Clone(r.latent.Shape)
	shape[0] = n * m
	batch := tensor.New(shape...)

	blend := p.variant == Inpainting && !p.isInpaintingModel()
	if blend && (r.imageLatent == nil || r.mask == nil) {
		return nil, fmt.Errorf("%w: inpainting blend requires image and mask latents", ErrInvalidState)
	}

	latent := r.latent
	var denoised *tensor.Tensor
	for i, t := range r.timesteps {
		start := time.Now()

		tensor.BatchCopy(latent, batch, 0, 0, n)
		if m > 1 {
			tensor.BatchCopy(latent, batch, 0, n, n)
		}

		if err := p.scheduler.ScaleModelInput(batch, i); err != nil {
			return nil, err
		}

		input := batch
		if r.maskedImageLatent != nil {
			var err error
			input, err = tensor.Concat(1, batch, r.mask, r.maskedImageLatent)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidState, err)
			}
		}

		pred, err := p.denoiser.Infer(ctx, input, t, r.cond)
		if err != nil {
			return nil, fmt.Errorf("denoiser step %d: %w", i, err)
		}
		if !pred.SameShape(batch) {
			return nil, fmt.Errorf("%w: denoiser returned %v, want %v", ErrInvalidState, pred.Shape, batch.Shape)
		}

		if m > 1 {
			pred = tensor.SplitGuidance(pred, r.cfg.GuidanceScale)
		}

		result, err := p.scheduler.Step(pred, latent, i, r.gen)
		if err != nil {
			return nil, err
		}
		latent = result.Latent

		if blend {
			if err := p.blendLatents(r, latent, i); err != nil {
				return nil, err
			}
			if result.Denoised != nil && result.Denoised != latent {
				maskBlend(result.Denoised, r.imageLatent, r.mask)
			}
		}

		denoised = result.Denoised
		if denoised == nil {
			denoised = latent
		}

		logutil.Trace(ctx, r.log, "denoise step", "step", i, "timestep", t, "elapsed", time.Since(start))

		if envconfig.DumpDir != "" {
			if err := dumpLatent(envconfig.DumpDir, i, t, denoised); err != nil {
				r.log.Warn("failed to dump latent", "step", i, "error", err)
			}
		}

		if r.cfg.Callback != nil && r.cfg.Callback(i, len(r.timesteps), denoised) {
			r.log.Debug("generation cancelled", "step", i)
			return tensor.Empty(), nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return denoised, nil
}

// blendLatents pins the unmasked region of latent to the image latent
// noised to the next timestep, or to the clean image latent after the last
// step. The noise drawn for the initial latent is reused at every step.
func (p *Pipeline) blendLatents(r *request, latent *tensor.Tensor, step int) error {
	reference := r.imageLatent
	if step+1 < len(r.timesteps) {
		reference = r.imageLatent.Clone()
		if err := p.scheduler.AddNoise(reference, r.noise, r.timesteps[step+1]); err != nil {
			return err
		}
	}

	maskBlend(latent, reference, r.mask)
	return nil
}

// maskBlend computes latent = (1-mask)*reference + mask*latent in place.
// mask has at least latent's batch and a single channel.
func maskBlend(latent, reference, mask *tensor.Tensor) {
	channels := latent.Dim(1)
	plane := latent.Dim(2) * latent.Dim(3)

	for b := range latent.Batch() {
		lrow, rrow := latent.Row(b), reference.Row(b)
		mrow := mask.Row(b)
		for c := range channels {
			l := lrow[c*plane : (c+1)*plane]
			ref := rrow[c*plane : (c+1)*plane]
			for i, k := range mrow {
				l[i] = (1-k)*ref[i] + k*l[i]
			}
		}
	}
}

func dumpLatent(dir string, step int, timestep int64, denoised *tensor.Tensor) error {
	path := filepath.Join(dir, fmt.Sprintf("step_%03d.safetensors", step))
	return safetensors.WriteFile(path, map[string]*tensor.Tensor{"denoised": denoised}, envconfig.DumpDType, map[string]string{
		"step":     strconv.Itoa(step),
		"timestep": strconv.FormatInt(timestep, 10),
	})
}
