package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jmorganca/sdpipe/adapter"
	"github.com/jmorganca/sdpipe/model"
	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/scheduler"
	"github.com/jmorganca/sdpipe/tensor"
)

// compiled records the device and properties a fake was compiled with.
type compiled struct {
	mu     sync.Mutex
	device string
	props  map[string]any
	err    error
}

func (c *compiled) Compile(device string, props map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.device, c.props = device, props
	return nil
}

type textCall struct {
	positive, negative string
	doCFG              bool
}

// fakeText returns states filled with +1 for the prompt and -1 for the
// negative prompt.
type fakeText struct {
	compiled

	cfg      model.TextEncoderConfig
	calls    []textCall
	batch    int
	adapters *adapter.Config
}

func (f *fakeText) Config() model.TextEncoderConfig { return f.cfg }

func (f *fakeText) Infer(_ context.Context, positive, negative string, doCFG bool) (*tensor.Tensor, error) {
	f.calls = append(f.calls, textCall{positive, negative, doCFG})

	m := 1
	if doCFG {
		m = 2
	}

	out := tensor.New(m, f.cfg.MaxPositionEmbeddings, f.cfg.HiddenSize)
	for b := range m {
		v := float32(1)
		if doCFG && b == 0 {
			v = -1
		}
		row := out.Row(b)
		for i := range row {
			row[i] = v
		}
	}
	return out, nil
}

func (f *fakeText) Reshape(batch int) error {
	f.batch = batch
	return nil
}

func (f *fakeText) SetAdapters(a *adapter.Config) error {
	f.adapters = a
	return nil
}

// fakeDenoiser predicts 0.1*sample plus a bias taken from the conditioning
// row, so the two halves of a guidance batch differ.
type fakeDenoiser struct {
	compiled

	cfg            model.DenoiseConfig
	latentChannels int

	samples   []*tensor.Tensor
	timesteps []int64
	conds     []model.Conditioning
	reshape   []int
	adapters  *adapter.Config
}

func (f *fakeDenoiser) Config() model.DenoiseConfig { return f.cfg }

func (f *fakeDenoiser) DoClassifierFreeGuidance(scale float32) bool {
	return f.cfg.DoClassifierFreeGuidance(scale)
}

func (f *fakeDenoiser) Infer(_ context.Context, sample *tensor.Tensor, timestep int64, cond model.Conditioning) (*tensor.Tensor, error) {
	f.samples = append(f.samples, sample.Clone())
	f.timesteps = append(f.timesteps, timestep)
	f.conds = append(f.conds, cond)

	out := tensor.New(sample.Dim(0), f.latentChannels, sample.Dim(2), sample.Dim(3))
	for b := range out.Batch() {
		bias := cond.EncoderHiddenStates.Row(b)[0] * 0.01
		in, row := sample.Row(b), out.Row(b)
		for i := range row {
			row[i] = 0.1*in[i] + bias
		}
	}
	return out, nil
}

func (f *fakeDenoiser) Reshape(batch, height, width, maxSequenceLength int) error {
	f.reshape = []int{batch, height, width, maxSequenceLength}
	return nil
}

func (f *fakeDenoiser) SetAdapters(a *adapter.Config) error {
	f.adapters = a
	return nil
}

// fakeCodec encodes each block of pixels to its mean and decodes latents by
// nearest upsampling of the first channel.
type fakeCodec struct {
	compiled

	cfg model.CodecConfig

	encoded []*tensor.Tensor
	latents []*tensor.Tensor
	decodes int
	reshape []int
}

func (f *fakeCodec) Config() model.CodecConfig { return f.cfg }

func (f *fakeCodec) ScaleFactor() int { return f.cfg.ScaleFactor() }

func (f *fakeCodec) Encode(_ context.Context, img *tensor.Tensor, _ rng.Generator) (*tensor.Tensor, error) {
	s := f.ScaleFactor()
	h, w := img.Dim(2), img.Dim(3)
	plane := h * w

	out := tensor.New(img.Dim(0), f.cfg.LatentChannels, h/s, w/s)
	for b := range out.Batch() {
		in, row := img.Row(b), out.Row(b)
		for y := range h / s {
			for x := range w / s {
				var sum float32
				for c := range 3 {
					for dy := range s {
						for dx := range s {
							sum += in[c*plane+(y*s+dy)*w+x*s+dx]
						}
					}
				}
				for c := range f.cfg.LatentChannels {
					row[c*(h/s)*(w/s)+y*(w/s)+x] = 0.5 * sum / float32(3*s*s)
				}
			}
		}
	}

	f.encoded = append(f.encoded, img.Clone())
	f.latents = append(f.latents, out.Clone())
	return out, nil
}

func (f *fakeCodec) Decode(_ context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	f.decodes++

	s := f.ScaleFactor()
	h, w := latent.Dim(2), latent.Dim(3)
	out := tensor.New(latent.Dim(0), 3, h*s, w*s)
	for b := range out.Batch() {
		in, row := latent.Row(b), out.Row(b)
		for c := range 3 {
			for y := range h * s {
				for x := range w * s {
					row[c*h*s*w*s+y*w*s+x] = max(-1, min(1, in[(y/s)*w+x/s]))
				}
			}
		}
	}
	return out, nil
}

func (f *fakeCodec) Reshape(batch, height, width int) error {
	f.reshape = []int{batch, height, width}
	return nil
}

type fakes struct {
	text     *fakeText
	denoiser *fakeDenoiser
	codec    *fakeCodec
}

// newFakes builds components for a 64x64 latent model with 4 latent
// channels and a scale factor of 8.
func newFakes(inChannels, timeCondProjDim int) *fakes {
	return &fakes{
		text: &fakeText{cfg: model.TextEncoderConfig{MaxPositionEmbeddings: 4, HiddenSize: 3}},
		denoiser: &fakeDenoiser{
			cfg:            model.DenoiseConfig{InChannels: inChannels, SampleSize: 64, TimeCondProjDim: timeCondProjDim},
			latentChannels: 4,
		},
		codec: &fakeCodec{cfg: model.CodecConfig{
			LatentChannels:   4,
			BlockOutChannels: []int{128, 256, 512, 512},
			OutputRange:      [2]float32{-1, 1},
		}},
	}
}

func (f *fakes) components(s scheduler.Scheduler) Components {
	return Components{TextEncoder: f.text, Denoiser: f.denoiser, Codec: f.codec, Scheduler: s}
}

func newScheduler(t *testing.T, name string) scheduler.Scheduler {
	t.Helper()

	cfg, err := scheduler.ParseConfig(map[string]any{
		"_class_name":      name,
		"beta_start":       0.00085,
		"beta_end":         0.012,
		"beta_schedule":    "scaled_linear",
		"clip_sample":      false,
		"set_alpha_to_one": false,
		"steps_offset":     1,
	})
	require.NoError(t, err)

	s, err := scheduler.New(cfg)
	require.NoError(t, err)
	return s
}

func newPipeline(t *testing.T, variant Variant, sched string, f *fakes, opts ...Option) *Pipeline {
	t.Helper()

	p, err := New(variant, f.components(newScheduler(t, sched)), opts...)
	require.NoError(t, err)
	return p
}

// gradient is a w x h image with a horizontal red ramp.
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.RGBA{uint8(255 * x / max(w-1, 1)), 64, 128, 255})
		}
	}
	return img
}

// leftMask marks the left half of a w x h image for regeneration.
func leftMask(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w / 2 {
			img.SetGray(x, y, color.Gray{255})
		}
	}
	return img
}

var errCompile = errors.New("out of device memory")

// loadedCodecDirs records the directories the registered codec engine was
// last constructed with.
var loadedCodecDirs [2]string

func init() {
	model.RegisterTextConditioner("CLIPTextModel", func(dir string) (model.TextConditioner, error) {
		f := newFakes(4, 0)
		if err := model.ReadConfig(dir, &f.text.cfg); err != nil {
			return nil, err
		}
		return f.text, nil
	})
	model.RegisterDenoiser("UNet2DConditionModel", func(dir string) (model.DenoiseModel, error) {
		f := newFakes(4, 0)
		if err := model.ReadConfig(dir, &f.denoiser.cfg); err != nil {
			return nil, err
		}
		return f.denoiser, nil
	})
	model.RegisterCodec("AutoencoderKL", func(encoderDir, decoderDir string) (model.LatentCodec, error) {
		loadedCodecDirs = [2]string{encoderDir, decoderDir}
		return newFakes(4, 0).codec, nil
	})

	RegisterBackend("fake", func(variant Variant, _ string) (*Pipeline, error) {
		cfg, err := scheduler.DefaultConfig("DDIMScheduler")
		if err != nil {
			return nil, err
		}
		s, err := scheduler.New(cfg)
		if err != nil {
			return nil, err
		}
		return New(variant, newFakes(4, 0).components(s))
	})
	RegisterDevices("fake", func() []string { return []string{"CPU", "GPU"} })

	RegisterBackend("headless", func(Variant, string) (*Pipeline, error) {
		return nil, errors.New("unreachable")
	})
}
