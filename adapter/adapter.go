// Package adapter describes LoRA adapter selections passed to the text
// encoder and denoiser engines. Merging the weights is left to the engines.
package adapter

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jmorganca/sdpipe/safetensors"
)

// Adapter is a LoRA weight file whose header has been inspected.
type Adapter struct {
	Path    string
	Tensors map[string]safetensors.Info
}

func (a *Adapter) Name() string {
	return strings.TrimSuffix(filepath.Base(a.Path), filepath.Ext(a.Path))
}

// Load inspects a LoRA safetensors file without reading its weights.
func Load(path string) (*Adapter, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}

	names := f.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("adapter %s: %w", path, safetensors.ErrNoTensors)
	}

	a := Adapter{Path: path, Tensors: make(map[string]safetensors.Info, len(names))}
	for _, name := range names {
		info, _ := f.Info(name)
		a.Tensors[name] = info
	}
	return &a, nil
}

// Targets reports whether the adapter carries weights for the text encoder
// and for the denoiser, by kohya and diffusers key prefixes.
func (a *Adapter) Targets() (textEncoder, denoiser bool) {
	for name := range a.Tensors {
		switch {
		case strings.HasPrefix(name, "lora_te"), strings.HasPrefix(name, "text_encoder"):
			textEncoder = true
		case strings.HasPrefix(name, "lora_unet"), strings.HasPrefix(name, "unet"):
			denoiser = true
		}
	}
	return textEncoder, denoiser
}

type Weighted struct {
	Adapter *Adapter
	Alpha   float32
}

// Config is the set of adapters active for a generation, each with its
// blending weight. A nil or empty Config disables adapters.
type Config struct {
	Adapters []Weighted
}

func New(adapters ...*Adapter) *Config {
	var c Config
	for _, a := range adapters {
		c.Adapters = append(c.Adapters, Weighted{Adapter: a, Alpha: 1})
	}
	return &c
}

// Add appends an adapter with the given weight.
func (c *Config) Add(a *Adapter, alpha float32) *Config {
	c.Adapters = append(c.Adapters, Weighted{Adapter: a, Alpha: alpha})
	return c
}

func (c *Config) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Adapters)
}

var ErrInvalid = errors.New("invalid adapter config")

// Validate rejects nil adapters and duplicates.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, w := range c.Adapters {
		if w.Adapter == nil {
			return fmt.Errorf("%w: adapter %d is nil", ErrInvalid, i)
		}
		if seen[w.Adapter.Path] {
			return fmt.Errorf("%w: %s selected twice", ErrInvalid, w.Adapter.Path)
		}
		seen[w.Adapter.Path] = true
	}
	return nil
}
