// Package scheduler implements the noise schedules and update rules used by
// the denoising loop. Schedulers are selected by the diffusers class name
// found in scheduler_config.json.
package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/exp/maps"

	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

var (
	ErrTimestepsNotSet      = errors.New("scheduler: timesteps not set")
	ErrStepOutOfOrder       = errors.New("scheduler: step out of order")
	ErrUnsupportedScheduler = errors.New("scheduler: unsupported scheduler")
	ErrNoTimesteps          = errors.New("scheduler: no timesteps left after applying strength")
)

// Scheduler owns the timestep sequence for one generation and the update
// applied to the latent at each of those timesteps.
type Scheduler interface {
	// SetTimesteps computes the timestep sequence and resets stepping.
	SetTimesteps(numInferenceSteps int, strength float32) error
	// Timesteps returns a copy of the sequence from the last SetTimesteps.
	Timesteps() ([]int64, error)
	// ScaleModelInput normalizes sample in place for the given step index.
	ScaleModelInput(sample *tensor.Tensor, step int) error
	// AddNoise mixes noise into original in place at the noise level of timestep.
	AddNoise(original, noise *tensor.Tensor, timestep int64) error
	// Step advances the latent by one step. Steps must be taken in order.
	Step(noisePred, latent *tensor.Tensor, step int, gen rng.Generator) (StepResult, error)
	InitNoiseSigma() float32
	Config() Config
}

// StepResult carries the updated latent and, for schedulers that compute
// one, the current estimate of the fully denoised sample.
type StepResult struct {
	Latent   *tensor.Tensor
	Denoised *tensor.Tensor
}

// Config mirrors the fields of a diffusers scheduler_config.json.
type Config struct {
	ClassName         string    `mapstructure:"_class_name" json:"_class_name"`
	NumTrainTimesteps int       `mapstructure:"num_train_timesteps" json:"num_train_timesteps"`
	BetaStart         float64   `mapstructure:"beta_start" json:"beta_start"`
	BetaEnd           float64   `mapstructure:"beta_end" json:"beta_end"`
	BetaSchedule      string    `mapstructure:"beta_schedule" json:"beta_schedule"`
	TrainedBetas      []float64 `mapstructure:"trained_betas" json:"trained_betas,omitempty"`
	ClipSample        bool      `mapstructure:"clip_sample" json:"clip_sample"`
	ClipSampleRange   float64   `mapstructure:"clip_sample_range" json:"clip_sample_range"`
	SetAlphaToOne     bool      `mapstructure:"set_alpha_to_one" json:"set_alpha_to_one"`
	StepsOffset       int       `mapstructure:"steps_offset" json:"steps_offset"`
	PredictionType    string    `mapstructure:"prediction_type" json:"prediction_type"`
	TimestepSpacing   string    `mapstructure:"timestep_spacing" json:"timestep_spacing"`

	// LCM
	OriginalInferenceSteps int     `mapstructure:"original_inference_steps" json:"original_inference_steps"`
	TimestepScaling        float64 `mapstructure:"timestep_scaling" json:"timestep_scaling"`

	// flow matching
	Shift float64 `mapstructure:"shift" json:"shift"`
}

type family struct {
	defaults Config
	new      func(Config) (Scheduler, error)
}

var families = make(map[string]family)

// Register adds a scheduler family under its diffusers class name.
func Register(name string, defaults Config, f func(Config) (Scheduler, error)) {
	if _, ok := families[name]; ok {
		panic("scheduler: scheduler already registered")
	}

	defaults.ClassName = name
	families[name] = family{defaults: defaults, new: f}
}

// Names lists the registered class names in sorted order.
func Names() []string {
	names := maps.Keys(families)
	slices.Sort(names)
	return names
}

// DefaultConfig returns the defaults for a class name.
func DefaultConfig(name string) (Config, error) {
	f, ok := families[name]
	if !ok {
		return Config{}, fmt.Errorf("%w %q", ErrUnsupportedScheduler, name)
	}
	return f.defaults, nil
}

// New builds the scheduler named by cfg.ClassName.
func New(cfg Config) (Scheduler, error) {
	f, ok := families[cfg.ClassName]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheduler, cfg.ClassName)
	}
	return f.new(cfg)
}

// ParseConfig overlays raw scheduler_config.json contents onto the defaults
// of the class it names.
func ParseConfig(raw map[string]any) (Config, error) {
	name, _ := raw["_class_name"].(string)
	cfg, err := DefaultConfig(name)
	if err != nil {
		return Config{}, err
	}

	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("scheduler: decode %s config: %w", name, err)
	}
	return cfg, nil
}

// FromFile reads a scheduler_config.json and builds the scheduler it names.
func FromFile(path string) (Scheduler, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

func ReadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return Config{}, fmt.Errorf("scheduler: %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// stepper tracks the timestep sequence and enforces in-order stepping.
type stepper struct {
	timesteps []int64
	set       bool
	next      int
}

func (s *stepper) reset(timesteps []int64) {
	s.timesteps = timesteps
	s.set = true
	s.next = 0
}

func (s *stepper) Timesteps() ([]int64, error) {
	if !s.set {
		return nil, ErrTimestepsNotSet
	}
	return slices.Clone(s.timesteps), nil
}

func (s *stepper) checkIndex(step int) error {
	if !s.set {
		return ErrTimestepsNotSet
	}
	if step < 0 || step >= len(s.timesteps) {
		return fmt.Errorf("scheduler: step %d out of range [0, %d)", step, len(s.timesteps))
	}
	return nil
}

func (s *stepper) begin(step int) error {
	if err := s.checkIndex(step); err != nil {
		return err
	}
	if step != s.next {
		return fmt.Errorf("%w: got step %d, expected %d", ErrStepOutOfOrder, step, s.next)
	}
	return nil
}

func (s *stepper) end() {
	s.next++
}

func (s *stepper) indexOf(timestep int64) (int, error) {
	if !s.set {
		return 0, ErrTimestepsNotSet
	}
	i := slices.Index(s.timesteps, timestep)
	if i < 0 {
		return 0, fmt.Errorf("scheduler: timestep %d not in schedule", timestep)
	}
	return i, nil
}

func checkShapes(a, b *tensor.Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("scheduler: shape mismatch %v vs %v", a.Shape, b.Shape)
	}
	return nil
}
