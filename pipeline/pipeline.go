// Package pipeline drives Stable Diffusion generation: text conditioning,
// the guided denoising loop and latent decoding, for text to image, image
// to image and inpainting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/sdpipe/adapter"
	"github.com/jmorganca/sdpipe/envconfig"
	"github.com/jmorganca/sdpipe/imageproc"
	"github.com/jmorganca/sdpipe/model"
	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/scheduler"
	"github.com/jmorganca/sdpipe/tensor"
	"github.com/jmorganca/sdpipe/vae"
)

type Variant int

const (
	TextToImage Variant = iota
	ImageToImage
	Inpainting
)

func (v Variant) String() string {
	switch v {
	case TextToImage:
		return "text2image"
	case ImageToImage:
		return "image2image"
	case Inpainting:
		return "inpainting"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

func ParseVariant(s string) (Variant, error) {
	for _, v := range []Variant{TextToImage, ImageToImage, Inpainting} {
		if strings.EqualFold(s, v.String()) {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown variant %q", s)
}

// AllowsInitialImage reports whether the variant starts from an image.
func (v Variant) AllowsInitialImage() bool {
	return v == ImageToImage || v == Inpainting
}

// HasMask reports whether the variant takes a mask.
func (v Variant) HasMask() bool {
	return v == Inpainting
}

// Components are the models and scheduler a pipeline runs.
type Components struct {
	TextEncoder model.TextConditioner
	Denoiser    model.DenoiseModel
	Codec       model.LatentCodec
	Scheduler   scheduler.Scheduler
}

// Pipeline generates images with one set of components. Calls on a
// Pipeline are serialized.
type Pipeline struct {
	mu sync.Mutex

	variant   Variant
	className string

	text      model.TextConditioner
	denoiser  model.DenoiseModel
	codec     model.LatentCodec
	scheduler scheduler.Scheduler

	config GenerationConfig
}

type options struct {
	className string
	tiling    *vae.TilingConfig
}

type Option func(*options)

// WithClassName sets the diffusers pipeline class that selects the default
// generation config. Without it the class is inferred from the denoiser.
func WithClassName(name string) Option {
	return func(o *options) {
		o.className = name
	}
}

// WithTiling decodes latents in overlapping tiles.
func WithTiling(cfg *vae.TilingConfig) Option {
	return func(o *options) {
		o.tiling = cfg
	}
}

func New(variant Variant, c Components, opts ...Option) (*Pipeline, error) {
	if c.TextEncoder == nil || c.Denoiser == nil || c.Codec == nil || c.Scheduler == nil {
		return nil, fmt.Errorf("%w: text encoder, denoiser, codec and scheduler are all required", ErrInvalidState)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if variant != Inpainting && model.IsInpaintingModel(c.Denoiser.Config(), c.Codec.Config()) {
		return nil, fmt.Errorf("%w: %s pipeline cannot run an inpainting denoiser", ErrUnsupportedModel, variant)
	}

	if o.className == "" {
		o.className = "StableDiffusionPipeline"
		if c.Denoiser.Config().HasTimeCond() {
			o.className = "LatentConsistencyModelPipeline"
		}
	}

	codec := c.Codec
	if o.tiling != nil {
		codec = vae.Tiled(codec, o.tiling)
	}

	cfg, err := DefaultGenerationConfig(o.className, variant, c.Denoiser.Config().SampleSize, codec.ScaleFactor())
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		variant:   variant,
		className: o.className,
		text:      c.TextEncoder,
		denoiser:  c.Denoiser,
		codec:     codec,
		scheduler: c.Scheduler,
		config:    cfg,
	}, nil
}

// Load builds a pipeline from a diffusers model directory using the
// registered engines for each component class.
func Load(variant Variant, dir string, opts ...Option) (*Pipeline, error) {
	idx, err := model.ReadIndex(dir)
	if err != nil {
		return nil, err
	}

	for name, want := range map[string]string{
		"text_encoder": "CLIPTextModel",
		"unet":         "UNet2DConditionModel",
		"vae":          "AutoencoderKL",
	} {
		if got := idx.Class(name); got != want {
			return nil, fmt.Errorf("%w: %s is %q, want %q", ErrUnsupportedModel, name, got, want)
		}
	}

	sched, err := scheduler.FromFile(filepath.Join(dir, "scheduler", "scheduler_config.json"))
	if err != nil {
		return nil, err
	}

	text, err := model.NewTextConditioner(idx.Class("text_encoder"), filepath.Join(dir, "text_encoder"))
	if err != nil {
		return nil, err
	}

	denoiser, err := model.NewDenoiser(idx.Class("unet"), filepath.Join(dir, "unet"))
	if err != nil {
		return nil, err
	}

	var encoderDir string
	if variant.AllowsInitialImage() {
		encoderDir = filepath.Join(dir, "vae_encoder")
	}

	codec, err := model.NewCodec(idx.Class("vae"), encoderDir, filepath.Join(dir, "vae_decoder"))
	if err != nil {
		return nil, err
	}

	defaults := []Option{WithClassName(idx.ClassName)}
	if envconfig.TileSize > 0 {
		defaults = append(defaults, WithTiling(&vae.TilingConfig{TileSize: envconfig.TileSize, Overlap: envconfig.TileOverlap}))
	}

	slog.Debug("loaded pipeline", "dir", dir, "class", idx.ClassName, "variant", variant, "scheduler", sched.Config().ClassName)
	return New(variant, Components{
		TextEncoder: text,
		Denoiser:    denoiser,
		Codec:       codec,
		Scheduler:   sched,
	}, append(defaults, opts...)...)
}

// Derive creates a pipeline of another variant sharing the models of src.
// The scheduler is recreated from src's scheduler config.
func Derive(variant Variant, src *Pipeline) (*Pipeline, error) {
	src.mu.Lock()
	defer src.mu.Unlock()

	sched, err := scheduler.New(src.scheduler.Config())
	if err != nil {
		return nil, err
	}

	return New(variant, Components{
		TextEncoder: src.text,
		Denoiser:    src.denoiser,
		Codec:       src.codec,
		Scheduler:   sched,
	}, WithClassName(src.className))
}

func (p *Pipeline) Variant() Variant {
	return p.variant
}

func (p *Pipeline) ClassName() string {
	return p.className
}

// GenerationConfig returns a copy of the default generation config.
func (p *Pipeline) GenerationConfig() GenerationConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// SetGenerationConfig replaces the default generation config.
func (p *Pipeline) SetGenerationConfig(cfg GenerationConfig) error {
	var errs []error
	if cfg.NumImagesPerPrompt < 1 {
		errs = append(errs, fmt.Errorf("num_images_per_prompt must be at least 1, got %d", cfg.NumImagesPerPrompt))
	}
	if cfg.NumInferenceSteps < 1 {
		errs = append(errs, fmt.Errorf("num_inference_steps must be at least 1, got %d", cfg.NumInferenceSteps))
	}
	if cfg.GuidanceScale < 0 {
		errs = append(errs, fmt.Errorf("guidance_scale must not be negative, got %v", cfg.GuidanceScale))
	}
	if cfg.Strength < 0 || cfg.Strength > 1 {
		errs = append(errs, fmt.Errorf("strength %v must be in [0, 1]", cfg.Strength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.config = cfg
	return nil
}

// SetScheduler replaces the scheduler used by subsequent generations.
func (p *Pipeline) SetScheduler(s scheduler.Scheduler) error {
	if s == nil {
		return fmt.Errorf("%w: nil scheduler", ErrInvalidState)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduler = s
	return nil
}

// SetLoRAAdapters applies an adapter selection to the text encoder and the
// denoiser. A nil config leaves the current selection in place.
func (p *Pipeline) SetLoRAAdapters(adapters *adapter.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setAdapters(adapters)
}

func (p *Pipeline) setAdapters(adapters *adapter.Config) error {
	if adapters == nil {
		return nil
	}

	if err := adapters.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := p.text.SetAdapters(adapters); err != nil {
		return fmt.Errorf("text encoder adapters: %w", err)
	}
	if err := p.denoiser.SetAdapters(adapters); err != nil {
		return fmt.Errorf("denoiser adapters: %w", err)
	}
	return nil
}

// Reshape fixes the model input shapes ahead of compilation. Negative
// height or width fall back to the model's native size.
func (p *Pipeline) Reshape(numImages, height, width int, guidanceScale float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	scale := p.codec.ScaleFactor()
	sampleSize := p.denoiser.Config().SampleSize

	if height < 0 || width < 0 {
		if p.variant == ImageToImage {
			return fmt.Errorf("%w: %s reshape requires explicit height and width", ErrInvalidConfig, p.variant)
		}
		if height < 0 {
			height = sampleSize * scale
		}
		if width < 0 {
			width = sampleSize * scale
		}
	}

	if numImages < 1 {
		return fmt.Errorf("%w: num_images_per_prompt must be at least 1, got %d", ErrInvalidConfig, numImages)
	}
	if height <= 0 || width <= 0 || height%scale != 0 || width%scale != 0 {
		return fmt.Errorf("%w: %dx%d must be positive multiples of %d", ErrInvalidConfig, width, height, scale)
	}

	m := 1
	if p.denoiser.DoClassifierFreeGuidance(guidanceScale) {
		m = 2
	}

	if err := p.text.Reshape(m); err != nil {
		return fmt.Errorf("reshape text encoder: %w", err)
	}
	if err := p.denoiser.Reshape(numImages*m, height, width, p.text.Config().MaxPositionEmbeddings); err != nil {
		return fmt.Errorf("reshape denoiser: %w", err)
	}
	if err := p.codec.Reshape(numImages, height, width); err != nil {
		return fmt.Errorf("reshape codec: %w", err)
	}
	return nil
}

// Devices selects a device per component.
type Devices struct {
	TextEncoder string
	Denoiser    string
	Codec       string
}

// Compile compiles the components for their devices concurrently. An
// *adapter.Config under the "adapters" property becomes the default
// adapter selection and is not passed on to the engines.
func (p *Pipeline) Compile(ctx context.Context, devices Devices, props map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	engineProps := make(map[string]any, len(props))
	for k, v := range props {
		if k != "adapters" {
			engineProps[k] = v
			continue
		}

		switch a := v.(type) {
		case nil:
			p.config.Adapters = nil
		case *adapter.Config:
			if err := a.Validate(); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
			}
			p.config.Adapters = a
		default:
			return fmt.Errorf("%w: adapters has type %T", ErrInvalidConfig, v)
		}
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	compile := func(name, device string, f func(string, map[string]any) error) {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := f(device, engineProps); err != nil {
				return fmt.Errorf("compile %s on %s: %w", name, device, err)
			}
			return nil
		})
	}

	compile("text encoder", devices.TextEncoder, p.text.Compile)
	compile("denoiser", devices.Denoiser, p.denoiser.Compile)
	compile("codec", devices.Codec, p.codec.Compile)
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("compiled pipeline", "variant", p.variant,
		"text_encoder", devices.TextEncoder, "denoiser", devices.Denoiser, "codec", devices.Codec,
		"elapsed", time.Since(start))
	return nil
}

// CompileAll compiles every component for one device, SDPIPE_DEVICE when
// device is empty.
func (p *Pipeline) CompileAll(ctx context.Context, device string, props map[string]any) error {
	if device == "" {
		device = envconfig.Device
	}
	return p.Compile(ctx, Devices{TextEncoder: device, Denoiser: device, Codec: device}, props)
}

// Decode maps latents to pixels in the codec's output range.
func (p *Pipeline) Decode(ctx context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	return p.codec.Decode(ctx, latent)
}

// Images converts Generate output into one image per batch row.
func (p *Pipeline) Images(pixels *tensor.Tensor) ([]*image.RGBA, error) {
	r := p.codec.Config().OutputRange
	if r == [2]float32{} {
		r = [2]float32{-1, 1}
	}
	return imageproc.ToImages(pixels, r[0], r[1])
}

func (p *Pipeline) isInpaintingModel() bool {
	return model.IsInpaintingModel(p.denoiser.Config(), p.codec.Config())
}

// request is the state of one Generate call.
type request struct {
	log *slog.Logger

	cfg       GenerationConfig
	doCFG     bool
	gen       rng.Generator
	timesteps []int64

	cond model.Conditioning

	latent      *tensor.Tensor
	image       *tensor.Tensor
	imageLatent *tensor.Tensor
	noise       *tensor.Tensor

	mask              *tensor.Tensor
	maskedImageLatent *tensor.Tensor
}

// multiplier is the batch factor of the denoiser input.
func (r *request) multiplier() int {
	if r.doCFG {
		return 2
	}
	return 1
}

// Generate produces NumImagesPerPrompt images for prompt as an
// [N, 3, H, W] tensor in the codec's output range. initial and mask are
// required or forbidden depending on the variant. When the callback stops
// the generation, Generate returns an empty tensor and a nil error.
func (p *Pipeline) Generate(ctx context.Context, prompt string, initial, mask image.Image, opts ...GenerateOption) (*tensor.Tensor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := request{cfg: p.config}
	for _, opt := range opts {
		if err := opt(&r.cfg); err != nil {
			return nil, err
		}
	}

	r.doCFG = p.denoiser.DoClassifierFreeGuidance(r.cfg.GuidanceScale)
	if err := r.cfg.checkInputs(p.variant, p.denoiser.Config(), r.doCFG, p.codec.ScaleFactor(), initial, mask); err != nil {
		return nil, err
	}

	r.gen = r.cfg.Generator
	if r.gen == nil {
		r.gen = rng.NewGenerator(r.cfg.Seed)
	}

	r.log = slog.With("request", uuid.NewString())
	r.log.Debug("generate", "variant", p.variant, "width", r.cfg.Width, "height", r.cfg.Height,
		"images", r.cfg.NumImagesPerPrompt, "steps", r.cfg.NumInferenceSteps, "strength", r.cfg.Strength,
		"guidance_scale", r.cfg.GuidanceScale, "cfg", r.doCFG)

	if err := p.scheduler.SetTimesteps(r.cfg.NumInferenceSteps, r.cfg.Strength); err != nil {
		if errors.Is(err, scheduler.ErrNoTimesteps) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		return nil, err
	}

	var err error
	r.timesteps, err = p.scheduler.Timesteps()
	if err != nil {
		return nil, err
	}

	if err := p.setAdapters(r.cfg.Adapters); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := p.computeConditioning(ctx, &r, prompt); err != nil {
		return nil, err
	}

	if err := p.prepareLatents(ctx, &r, initial); err != nil {
		return nil, err
	}

	if p.variant.HasMask() {
		if err := p.prepareMaskLatents(ctx, &r, mask); err != nil {
			return nil, err
		}
	}

	denoised, err := p.denoise(ctx, &r)
	if err != nil {
		return nil, err
	}
	if denoised.IsEmpty() {
		return denoised, nil
	}

	pixels, err := p.codec.Decode(ctx, denoised)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	r.log.Debug("generated", "steps", len(r.timesteps), "elapsed", time.Since(start))
	return pixels, nil
}
