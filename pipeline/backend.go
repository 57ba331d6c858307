package pipeline

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"

	"github.com/jmorganca/sdpipe/envconfig"
)

// BackendFactory builds an uncompiled pipeline from a model directory.
type BackendFactory func(variant Variant, dir string) (*Pipeline, error)

var (
	backends = make(map[string]BackendFactory)
	devices  = make(map[string]func() []string)
)

func RegisterBackend(name string, f BackendFactory) {
	if _, ok := backends[name]; ok {
		panic("pipeline: backend already registered")
	}

	backends[name] = f
}

// RegisterDevices registers the device enumerator of a backend.
func RegisterDevices(name string, f func() []string) {
	if _, ok := devices[name]; ok {
		panic("pipeline: devices already registered")
	}

	devices[name] = f
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	names := maps.Keys(backends)
	slices.Sort(names)
	return names
}

// Open builds a pipeline with a registered backend and compiles it. An
// empty backend falls back to SDPIPE_BACKEND, then to the only registered
// backend. An empty device is allowed when the backend has exactly one.
func Open(ctx context.Context, backend, device string, variant Variant, dir string) (*Pipeline, error) {
	if backend == "" {
		backend = envconfig.Backend
	}
	if backend == "" && len(backends) == 1 {
		backend = Backends()[0]
	}

	open, ok := backends[backend]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownBackend, backend)
	}

	var available []string
	if f, ok := devices[backend]; ok {
		available = f()
	}

	switch {
	case len(available) == 0:
		return nil, fmt.Errorf("%w for backend %q", ErrNoDevices, backend)
	case device == "" && len(available) > 1:
		return nil, fmt.Errorf("%w: %v", ErrMultipleDevices, available)
	case device == "":
		device = available[0]
	case !slices.Contains(available, device):
		return nil, fmt.Errorf("%w: %q not in %v", ErrNoDevices, device, available)
	}

	p, err := open(variant, dir)
	if err != nil {
		return nil, err
	}

	if err := p.CompileAll(ctx, device, nil); err != nil {
		return nil, err
	}
	return p, nil
}
