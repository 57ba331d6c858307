package model

import (
	"errors"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

var ErrUnsupportedModel = errors.New("unsupported model")

type (
	TextConditionerFunc func(dir string) (TextConditioner, error)
	DenoiserFunc        func(dir string) (DenoiseModel, error)
	// CodecFunc receives the encoder directory, empty when only decoding is
	// needed, and the decoder directory.
	CodecFunc func(encoderDir, decoderDir string) (LatentCodec, error)
)

var (
	textConditioners = make(map[string]TextConditionerFunc)
	denoisers        = make(map[string]DenoiserFunc)
	codecs           = make(map[string]CodecFunc)
)

// RegisterTextConditioner registers a constructor for a text encoder class
// such as CLIPTextModel.
func RegisterTextConditioner(class string, f TextConditionerFunc) {
	if _, ok := textConditioners[class]; ok {
		panic("model: text conditioner already registered")
	}
	textConditioners[class] = f
}

// RegisterDenoiser registers a constructor for a denoiser class such as
// UNet2DConditionModel.
func RegisterDenoiser(class string, f DenoiserFunc) {
	if _, ok := denoisers[class]; ok {
		panic("model: denoiser already registered")
	}
	denoisers[class] = f
}

// RegisterCodec registers a constructor for an autoencoder class such as
// AutoencoderKL.
func RegisterCodec(class string, f CodecFunc) {
	if _, ok := codecs[class]; ok {
		panic("model: codec already registered")
	}
	codecs[class] = f
}

func NewTextConditioner(class, dir string) (TextConditioner, error) {
	f, ok := textConditioners[class]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for text encoder %q", ErrUnsupportedModel, class)
	}
	return f(dir)
}

func NewDenoiser(class, dir string) (DenoiseModel, error) {
	f, ok := denoisers[class]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for denoiser %q", ErrUnsupportedModel, class)
	}
	return f(dir)
}

func NewCodec(class, encoderDir, decoderDir string) (LatentCodec, error) {
	f, ok := codecs[class]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for codec %q", ErrUnsupportedModel, class)
	}
	return f(encoderDir, decoderDir)
}

// Registered reports which component classes have an engine, by component
// kind: "text_encoder", "unet" and "vae".
func Registered() map[string][]string {
	sorted := func(keys []string) []string {
		slices.Sort(keys)
		return keys
	}

	return map[string][]string{
		"text_encoder": sorted(maps.Keys(textConditioners)),
		"unet":         sorted(maps.Keys(denoisers)),
		"vae":          sorted(maps.Keys(codecs)),
	}
}
