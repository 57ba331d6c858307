package pipeline

import (
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/sdpipe/adapter"
	"github.com/jmorganca/sdpipe/envconfig"
	"github.com/jmorganca/sdpipe/model"
	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

// Callback is invoked after every denoising step with the current denoised
// estimate. Returning true stops the generation.
type Callback func(step, numSteps int, denoised *tensor.Tensor) bool

// GenerationConfig holds the per-call generation settings. Height and Width
// below zero are resolved from the model or the initial image.
type GenerationConfig struct {
	// Prompt2 and Prompt3 are used by multi-encoder pipelines and must be
	// nil for this one. The same holds for NegativePrompt2 and 3.
	Prompt2         *string `mapstructure:"prompt_2"`
	Prompt3         *string `mapstructure:"prompt_3"`
	NegativePrompt  *string `mapstructure:"negative_prompt"`
	NegativePrompt2 *string `mapstructure:"negative_prompt_2"`
	NegativePrompt3 *string `mapstructure:"negative_prompt_3"`

	NumImagesPerPrompt int     `mapstructure:"num_images_per_prompt"`
	GuidanceScale      float32 `mapstructure:"guidance_scale"`
	Height             int     `mapstructure:"height"`
	Width              int     `mapstructure:"width"`
	NumInferenceSteps  int     `mapstructure:"num_inference_steps"`
	Strength           float32 `mapstructure:"strength"`

	// Seed initializes a fresh generator when Generator is nil.
	Seed      uint64        `mapstructure:"rng_seed"`
	Generator rng.Generator `mapstructure:"-"`

	Adapters *adapter.Config `mapstructure:"-"`
	Callback Callback        `mapstructure:"-"`
}

var (
	stableDiffusionClasses = []string{
		"StableDiffusionPipeline",
		"StableDiffusionImg2ImgPipeline",
		"StableDiffusionInpaintPipeline",
	}
	latentConsistencyClasses = []string{
		"LatentConsistencyModelPipeline",
		"LatentConsistencyModelImg2ImgPipeline",
	}
)

// DefaultGenerationConfig returns the defaults a diffusers pipeline class
// ships with, adjusted for the variant it runs as.
func DefaultGenerationConfig(class string, variant Variant, sampleSize, scaleFactor int) (GenerationConfig, error) {
	cfg := GenerationConfig{
		NumImagesPerPrompt: 1,
		Height:             -1,
		Width:              -1,
		Strength:           1,
		Seed:               envconfig.Seed,
	}

	switch {
	case slices.Contains(stableDiffusionClasses, class):
		cfg.GuidanceScale = 7.5
		cfg.NumInferenceSteps = 50
	case slices.Contains(latentConsistencyClasses, class):
		cfg.GuidanceScale = 8.5
		cfg.NumInferenceSteps = 4
	default:
		return GenerationConfig{}, fmt.Errorf("%w: pipeline class %q", ErrUnsupportedModel, class)
	}

	// image to image takes its size from the initial image
	if variant == ImageToImage {
		cfg.Strength = 0.8
	} else {
		cfg.Height = sampleSize * scaleFactor
		cfg.Width = sampleSize * scaleFactor
	}

	return cfg, nil
}

// Update overlays a property map onto the config. Keys are the snake_case
// names of the fields. generator, callback and adapters take their values
// as is.
func (c *GenerationConfig) Update(props map[string]any) error {
	rest := make(map[string]any, len(props))
	for k, v := range props {
		switch k {
		case "generator":
			switch g := v.(type) {
			case nil:
				c.Generator = nil
			case rng.Generator:
				c.Generator = g
			default:
				return fmt.Errorf("%w: generator has type %T", ErrInvalidConfig, v)
			}
		case "callback":
			switch cb := v.(type) {
			case nil:
				c.Callback = nil
			case Callback:
				c.Callback = cb
			case func(int, int, *tensor.Tensor) bool:
				c.Callback = cb
			default:
				return fmt.Errorf("%w: callback has type %T", ErrInvalidConfig, v)
			}
		case "adapters":
			switch a := v.(type) {
			case nil:
				c.Adapters = nil
			case *adapter.Config:
				c.Adapters = a
			default:
				return fmt.Errorf("%w: adapters has type %T", ErrInvalidConfig, v)
			}
		default:
			rest[k] = v
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      c,
		ErrorUnused: true,
		ZeroFields:  true,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(rest); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// GenerateOption modifies the config of a single Generate call.
type GenerateOption func(*GenerationConfig) error

// WithProperties overlays a property map, see GenerationConfig.Update.
func WithProperties(props map[string]any) GenerateOption {
	return func(c *GenerationConfig) error {
		return c.Update(props)
	}
}

func WithCallback(cb Callback) GenerateOption {
	return func(c *GenerationConfig) error {
		c.Callback = cb
		return nil
	}
}

func WithGenerator(g rng.Generator) GenerateOption {
	return func(c *GenerationConfig) error {
		c.Generator = g
		return nil
	}
}

func WithAdapters(a *adapter.Config) GenerateOption {
	return func(c *GenerationConfig) error {
		c.Adapters = a
		return nil
	}
}

func WithNegativePrompt(prompt string) GenerateOption {
	return func(c *GenerationConfig) error {
		c.NegativePrompt = &prompt
		return nil
	}
}

// WithConfig applies arbitrary edits to the call's copy of the config.
func WithConfig(f func(*GenerationConfig)) GenerateOption {
	return func(c *GenerationConfig) error {
		f(c)
		return nil
	}
}

// checkInputs validates the config against the variant and models and
// resolves unset dimensions in place.
func (c *GenerationConfig) checkInputs(variant Variant, denoiser model.DenoiseConfig, doCFG bool, scaleFactor int, initial, mask image.Image) error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case initial != nil && !variant.AllowsInitialImage():
		invalid("%s does not take an initial image", variant)
	case initial == nil && variant.AllowsInitialImage():
		invalid("%s requires an initial image", variant)
	}

	switch {
	case mask != nil && !variant.HasMask():
		invalid("%s does not take a mask", variant)
	case mask == nil && variant.HasMask():
		invalid("%s requires a mask", variant)
	}

	if initial != nil {
		if c.Strength < 0 || c.Strength > 1 {
			invalid("strength %v must be in [0, 1]", c.Strength)
		}
	} else if c.Strength != 1 {
		invalid("strength %v must be 1 without an initial image", c.Strength)
	}

	unsupported := []struct {
		name  string
		value *string
	}{
		{"prompt_2", c.Prompt2},
		{"prompt_3", c.Prompt3},
		{"negative_prompt_2", c.NegativePrompt2},
		{"negative_prompt_3", c.NegativePrompt3},
	}
	for _, p := range unsupported {
		if p.value != nil {
			invalid("%s is not supported by this pipeline", p.name)
		}
	}

	if c.NegativePrompt != nil {
		switch {
		case denoiser.HasTimeCond():
			invalid("negative_prompt is not used by latent consistency models")
		case !doCFG:
			invalid("negative_prompt requires guidance_scale > 1, got %v", c.GuidanceScale)
		}
	}

	if c.NumImagesPerPrompt < 1 {
		invalid("num_images_per_prompt must be at least 1, got %d", c.NumImagesPerPrompt)
	}
	if c.NumInferenceSteps < 1 {
		invalid("num_inference_steps must be at least 1, got %d", c.NumInferenceSteps)
	}
	if c.GuidanceScale < 0 {
		invalid("guidance_scale must not be negative, got %v", c.GuidanceScale)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	c.Height = resolveDim(c.Height, variant, denoiser.SampleSize, scaleFactor, initial, func(b image.Rectangle) int { return b.Dy() })
	c.Width = resolveDim(c.Width, variant, denoiser.SampleSize, scaleFactor, initial, func(b image.Rectangle) int { return b.Dx() })

	if c.Height <= 0 || c.Height%scaleFactor != 0 {
		invalid("height %d must be a positive multiple of %d", c.Height, scaleFactor)
	}
	if c.Width <= 0 || c.Width%scaleFactor != 0 {
		invalid("width %d must be a positive multiple of %d", c.Width, scaleFactor)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func resolveDim(v int, variant Variant, sampleSize, scaleFactor int, initial image.Image, dim func(image.Rectangle) int) int {
	if v >= 0 {
		return v
	}

	if variant == ImageToImage && initial != nil {
		d := dim(initial.Bounds())
		return d - d%scaleFactor
	}
	return sampleSize * scaleFactor
}
