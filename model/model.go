// Package model defines the inference capabilities a pipeline composes:
// a text conditioner, a denoising network and a latent codec. Concrete
// execution engines implement these interfaces and register constructors
// keyed by the diffusers class name of the component they load.
package model

import (
	"context"

	"github.com/jmorganca/sdpipe/adapter"
	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

type TextEncoderConfig struct {
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	HiddenSize            int `json:"hidden_size"`
}

// TextConditioner turns prompts into encoder hidden states.
type TextConditioner interface {
	Config() TextEncoderConfig

	// Infer returns [1, seq, hidden] hidden states for positive, or
	// [2, seq, hidden] with the negative prompt's states in row 0 when doCFG
	// is set.
	Infer(ctx context.Context, positive, negative string, doCFG bool) (*tensor.Tensor, error)

	Reshape(batch int) error
	Compile(device string, props map[string]any) error
	SetAdapters(*adapter.Config) error
}

type DenoiseConfig struct {
	InChannels int `json:"in_channels"`
	SampleSize int `json:"sample_size"`
	// TimeCondProjDim is the width of the guidance embedding a consistency
	// model expects. Zero or negative means the model takes none.
	TimeCondProjDim int `json:"time_cond_proj_dim"`
}

// HasTimeCond reports whether the model takes a guidance-scale embedding.
func (c DenoiseConfig) HasTimeCond() bool {
	return c.TimeCondProjDim > 0
}

// DoClassifierFreeGuidance is the default guidance rule: a scale above one
// on a model without a guidance embedding.
func (c DenoiseConfig) DoClassifierFreeGuidance(scale float32) bool {
	return scale > 1 && !c.HasTimeCond()
}

// Conditioning is the per-call input the denoiser receives alongside the
// latent and timestep.
type Conditioning struct {
	EncoderHiddenStates *tensor.Tensor
	// TimestepCond is nil unless the model has a guidance embedding.
	TimestepCond *tensor.Tensor
}

// DenoiseModel predicts the noise in a latent batch at a timestep.
type DenoiseModel interface {
	Config() DenoiseConfig
	DoClassifierFreeGuidance(guidanceScale float32) bool

	Infer(ctx context.Context, sample *tensor.Tensor, timestep int64, cond Conditioning) (*tensor.Tensor, error)

	Reshape(batch, height, width, maxSequenceLength int) error
	Compile(device string, props map[string]any) error
	SetAdapters(*adapter.Config) error
}

type CodecConfig struct {
	LatentChannels   int   `json:"latent_channels"`
	BlockOutChannels []int `json:"block_out_channels"`
	// OutputRange is the pixel value range produced by Decode.
	OutputRange [2]float32 `json:"-"`
}

// ScaleFactor is the spatial downsampling between pixels and latents.
func (c CodecConfig) ScaleFactor() int {
	if len(c.BlockOutChannels) == 0 {
		return 1
	}
	return 1 << (len(c.BlockOutChannels) - 1)
}

// LatentCodec maps images in [-1, 1] to latents and latents back to images.
type LatentCodec interface {
	Config() CodecConfig
	ScaleFactor() int

	// Encode maps [N, 3, H, W] pixels to [N, C, H/s, W/s] latents. The
	// generator is used when the encoder samples its latent distribution.
	Encode(ctx context.Context, image *tensor.Tensor, gen rng.Generator) (*tensor.Tensor, error)
	// Decode maps latents to [N, 3, H, W] pixels in Config().OutputRange.
	Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error)

	Reshape(batch, height, width int) error
	Compile(device string, props map[string]any) error
}

// IsInpaintingModel reports whether the denoiser takes mask and masked-image
// latent channels in addition to the noisy latent.
func IsInpaintingModel(d DenoiseConfig, c CodecConfig) bool {
	return d.InChannels == 2*c.LatentChannels+1
}
