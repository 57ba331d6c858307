package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/sdpipe/adapter"
	"github.com/jmorganca/sdpipe/imageproc"
	"github.com/jmorganca/sdpipe/model"
	"github.com/jmorganca/sdpipe/pipeline"
	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/scheduler"
	"github.com/jmorganca/sdpipe/tensor"
)

type stubEngine struct{}

func (stubEngine) Compile(string, map[string]any) error { return nil }
func (stubEngine) SetAdapters(*adapter.Config) error    { return nil }

type stubText struct{ stubEngine }

func (stubText) Config() model.TextEncoderConfig {
	return model.TextEncoderConfig{MaxPositionEmbeddings: 4, HiddenSize: 3}
}

func (stubText) Infer(_ context.Context, _, _ string, doCFG bool) (*tensor.Tensor, error) {
	if doCFG {
		return tensor.New(2, 4, 3), nil
	}
	return tensor.New(1, 4, 3), nil
}

func (stubText) Reshape(int) error { return nil }

type stubDenoiser struct{ stubEngine }

func (stubDenoiser) Config() model.DenoiseConfig {
	return model.DenoiseConfig{InChannels: 4, SampleSize: 8}
}

func (d stubDenoiser) DoClassifierFreeGuidance(scale float32) bool {
	return d.Config().DoClassifierFreeGuidance(scale)
}

func (stubDenoiser) Infer(_ context.Context, sample *tensor.Tensor, _ int64, _ model.Conditioning) (*tensor.Tensor, error) {
	return tensor.New(sample.Dim(0), 4, sample.Dim(2), sample.Dim(3)), nil
}

func (stubDenoiser) Reshape(int, int, int, int) error { return nil }

// stubCodec decodes every latent to a white image.
type stubCodec struct{ stubEngine }

func (stubCodec) Config() model.CodecConfig {
	return model.CodecConfig{LatentChannels: 4, BlockOutChannels: []int{1, 1, 1, 1}}
}

func (c stubCodec) ScaleFactor() int { return c.Config().ScaleFactor() }

func (stubCodec) Encode(_ context.Context, img *tensor.Tensor, _ rng.Generator) (*tensor.Tensor, error) {
	return tensor.New(img.Dim(0), 4, img.Dim(2)/8, img.Dim(3)/8), nil
}

func (stubCodec) Decode(_ context.Context, latent *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.New(latent.Dim(0), 3, latent.Dim(2)*8, latent.Dim(3)*8)
	for i := range out.Data {
		out.Data[i] = 1
	}
	return out, nil
}

func (stubCodec) Reshape(int, int, int) error { return nil }

func init() {
	pipeline.RegisterBackend("stub", func(variant pipeline.Variant, dir string) (*pipeline.Pipeline, error) {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}

		cfg, err := scheduler.DefaultConfig("DDIMScheduler")
		if err != nil {
			return nil, err
		}
		sched, err := scheduler.New(cfg)
		if err != nil {
			return nil, err
		}

		return pipeline.New(variant, pipeline.Components{
			TextEncoder: stubText{},
			Denoiser:    stubDenoiser{},
			Codec:       stubCodec{},
			Scheduler:   sched,
		})
	})
	pipeline.RegisterDevices("stub", func() []string { return []string{"CPU"} })
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, imageproc.SaveImage(img, path))
}

func readPNG(t *testing.T, path string) image.Image {
	t.Helper()

	img, err := imageproc.LoadImage(path)
	require.NoError(t, err)
	return img
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "cat")

	out, err := run(t, "generate", dir, "a cat", "--backend", "stub", "--steps", "2", "--images", "2", "-o", prefix)
	require.NoError(t, err)
	assert.Equal(t, "Image saved to: "+prefix+"-1.png\nImage saved to: "+prefix+"-2.png\n", out)

	for _, path := range []string{prefix + "-1.png", prefix + "-2.png"} {
		img := readPNG(t, path)
		assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())
		assert.Equal(t, color.RGBA{255, 255, 255, 255}, color.RGBAModel.Convert(img.At(10, 10)))
	}
}

func TestGenerateBase64(t *testing.T) {
	out, err := run(t, "generate", t.TempDir(), "a cat", "--backend", "stub", "--steps", "2", "--width", "32", "--height", "16", "--base64")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)

	b, err := base64.StdEncoding.DecodeString(lines[0])
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())
}

func TestGenerateFromImage(t *testing.T) {
	dir := t.TempDir()
	initial := filepath.Join(dir, "initial.png")
	mask := filepath.Join(dir, "mask.png")
	writePNG(t, initial, 84, 48, color.RGBA{0, 128, 0, 255})
	writePNG(t, mask, 84, 48, color.White)

	prefix := filepath.Join(dir, "edit")
	_, err := run(t, "generate", dir, "a cat", "--backend", "stub", "--variant", "image2image", "--steps", "4", "--image", initial, "-o", prefix)
	require.NoError(t, err)
	// the size comes from the initial image, rounded down to the scale factor
	assert.Equal(t, image.Rect(0, 0, 80, 48), readPNG(t, prefix+".png").Bounds())

	prefix = filepath.Join(dir, "inpaint")
	_, err = run(t, "generate", dir, "a cat", "--backend", "stub", "--variant", "inpainting", "--steps", "2",
		"--width", "64", "--height", "64", "--image", initial, "--mask", mask, "-o", prefix)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), readPNG(t, prefix+".png").Bounds())
}

func TestGenerateErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "generate", dir, "a cat", "--backend", "stub", "--variant", "image2image", "--image", filepath.Join(dir, "missing.png"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = run(t, "generate", dir, "a cat", "--backend", "stub", "--variant", "image2image", "--steps", "2")
	assert.ErrorIs(t, err, pipeline.ErrInvalidConfig)

	_, err = run(t, "generate", dir, "a cat", "--backend", "missing")
	assert.ErrorIs(t, err, pipeline.ErrUnknownBackend)

	_, err = run(t, "generate", dir, "a cat", "--backend", "stub", "--device", "GPU")
	assert.ErrorIs(t, err, pipeline.ErrNoDevices)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a-cat-in-a-hat", sanitizeFilename("A cat, in a hat!"))
	assert.Equal(t, "image", sanitizeFilename("?!"))
	assert.Len(t, sanitizeFilename(strings.Repeat("a", 80)), 50)
}
