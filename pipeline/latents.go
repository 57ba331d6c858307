package pipeline

import (
	"context"
	"fmt"
	"image"
	"slices"

	"github.com/jmorganca/sdpipe/imageproc"
	"github.com/jmorganca/sdpipe/tensor"
)

// prepareLatents sets up the working latent. Below full strength it is the
// encoded initial image noised to the first timestep, otherwise scaled
// noise. The processed image, its latent and the raw noise are kept on the
// request for mask preparation and inpainting blends.
func (p *Pipeline) prepareLatents(ctx context.Context, r *request, initial image.Image) error {
	if len(r.timesteps) == 0 {
		return fmt.Errorf("%w: timesteps are not set", ErrInvalidState)
	}

	scale := p.codec.ScaleFactor()
	n := r.cfg.NumImagesPerPrompt
	shape := []int{n, p.codec.Config().LatentChannels, r.cfg.Height / scale, r.cfg.Width / scale}

	if initial != nil {
		img, err := imageproc.ImagePreprocessor().Preprocess(initial, r.cfg.Width, r.cfg.Height)
		if err != nil {
			return err
		}
		r.image = img

		// the reference latent is needed to start below full strength and
		// for blending with a model that does not inpaint by itself
		if r.cfg.Strength < 1 || (p.variant == Inpainting && !p.isInpaintingModel()) {
			latent, err := p.encode(ctx, r, img, shape)
			if err != nil {
				return err
			}
			r.imageLatent = latent
		}
	}

	r.noise = r.gen.Randn(shape...)

	if r.cfg.Strength < 1 && r.imageLatent != nil {
		r.latent = r.imageLatent.Clone()
		if err := p.scheduler.AddNoise(r.latent, r.noise, r.timesteps[0]); err != nil {
			return err
		}
		return nil
	}

	r.latent = r.noise.Clone()
	r.latent.Scale(p.scheduler.InitNoiseSigma())
	return nil
}

// encode runs the codec on one image and repeats the latent to shape.
func (p *Pipeline) encode(ctx context.Context, r *request, img *tensor.Tensor, shape []int) (*tensor.Tensor, error) {
	latent, err := p.codec.Encode(ctx, img, r.gen)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}

	want := slices.Clone(shape)
	want[0] = 1
	if !slices.Equal(latent.Shape, want) {
		return nil, fmt.Errorf("%w: codec encoded to %v, want %v", ErrInvalidState, latent.Shape, want)
	}
	return tensor.Repeat(latent, shape[0]), nil
}

// prepareMaskLatents builds the latent-resolution mask and, for inpainting
// models, the latent of the image with the masked region cleared. Both are
// sized for the guidance batch.
func (p *Pipeline) prepareMaskLatents(ctx context.Context, r *request, mask image.Image) error {
	if !p.variant.HasMask() {
		return fmt.Errorf("%w: mask latents are only prepared for inpainting, not %s", ErrInvalidState, p.variant)
	}
	if r.image == nil || mask == nil {
		return fmt.Errorf("%w: inpainting requires an initial image and a mask", ErrInvalidState)
	}

	scale := p.codec.ScaleFactor()
	height, width := r.image.Dim(2), r.image.Dim(3)
	batch := r.cfg.NumImagesPerPrompt * r.multiplier()

	cond, err := imageproc.MaskPreprocessor().Preprocess(mask, width, height)
	if err != nil {
		return err
	}

	small, err := imageproc.ResizeNearest(cond, height/scale, width/scale)
	if err != nil {
		return err
	}
	r.mask = tensor.Repeat(small, batch)

	if !p.isInpaintingModel() {
		return nil
	}

	masked := r.image.Clone()
	plane := height * width
	for i, v := range cond.Data {
		if v >= 0.5 {
			for c := range 3 {
				masked.Data[c*plane+i] = 0
			}
		}
	}

	shape := []int{batch, p.codec.Config().LatentChannels, height / scale, width / scale}
	r.maskedImageLatent, err = p.encode(ctx, r, masked, shape)
	return err
}
