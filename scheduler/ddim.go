package scheduler

import (
	"fmt"
	"math"

	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

func init() {
	Register("DDIMScheduler", Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0001,
		BetaEnd:           0.02,
		BetaSchedule:      "linear",
		ClipSample:        true,
		ClipSampleRange:   1,
		SetAlphaToOne:     true,
		PredictionType:    "epsilon",
		TimestepSpacing:   "leading",
	}, func(cfg Config) (Scheduler, error) { return NewDDIM(cfg) })
}

// DDIM is the deterministic (eta = 0) denoising diffusion implicit model
// sampler.
type DDIM struct {
	stepper
	cfg Config

	alphasCumprod []float64
	finalAlpha    float64
	numSteps      int
}

func NewDDIM(cfg Config) (*DDIM, error) {
	b, err := betas(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.PredictionType {
	case "epsilon", "v_prediction", "sample":
	default:
		return nil, fmt.Errorf("scheduler: unsupported prediction_type %q", cfg.PredictionType)
	}

	ac := alphasCumprod(b)
	final := ac[0]
	if cfg.SetAlphaToOne {
		final = 1
	}
	return &DDIM{cfg: cfg, alphasCumprod: ac, finalAlpha: final}, nil
}

func (s *DDIM) Config() Config { return s.cfg }

func (s *DDIM) InitNoiseSigma() float32 { return 1 }

func (s *DDIM) SetTimesteps(numSteps int, strength float32) error {
	ts, err := spacedTimesteps(s.cfg, numSteps)
	if err != nil {
		return err
	}

	start, err := strengthStart(numSteps, strength)
	if err != nil {
		return err
	}

	s.numSteps = numSteps
	s.reset(roundTimesteps(ts)[start:])
	return nil
}

func (s *DDIM) ScaleModelInput(sample *tensor.Tensor, step int) error {
	return s.checkIndex(step)
}

func (s *DDIM) alpha(t int64) float64 {
	if t < 0 {
		return s.finalAlpha
	}
	return s.alphasCumprod[t]
}

func (s *DDIM) AddNoise(original, noise *tensor.Tensor, timestep int64) error {
	if err := checkShapes(original, noise); err != nil {
		return err
	}
	return addNoiseDDPM(s.alphasCumprod, original, noise, timestep)
}

func (s *DDIM) Step(noisePred, latent *tensor.Tensor, step int, _ rng.Generator) (StepResult, error) {
	if err := s.begin(step); err != nil {
		return StepResult{}, err
	}
	if err := checkShapes(noisePred, latent); err != nil {
		return StepResult{}, err
	}

	t := s.timesteps[step]
	prev := t - int64(s.cfg.NumTrainTimesteps/s.numSteps)

	at := s.alpha(t)
	aprev := s.alpha(prev)
	sqrtAt, sqrtBt := float32(math.Sqrt(at)), float32(math.Sqrt(1-at))
	sqrtAprev, sqrtBprev := float32(math.Sqrt(aprev)), float32(math.Sqrt(1-aprev))
	clip := float32(s.cfg.ClipSampleRange)

	out := tensor.New(latent.Shape...)
	for i, x := range latent.Data {
		m := noisePred.Data[i]

		var x0, eps float32
		switch s.cfg.PredictionType {
		case "epsilon":
			x0 = (x - sqrtBt*m) / sqrtAt
			eps = m
		case "v_prediction":
			x0 = sqrtAt*x - sqrtBt*m
			eps = sqrtAt*m + sqrtBt*x
		case "sample":
			x0 = m
			eps = (x - sqrtAt*x0) / sqrtBt
		}

		if s.cfg.ClipSample {
			x0 = max(-clip, min(clip, x0))
		}

		out.Data[i] = sqrtAprev*x0 + sqrtBprev*eps
	}

	s.end()
	return StepResult{Latent: out}, nil
}

// addNoiseDDPM applies the forward process x_t = sqrt(a)x_0 + sqrt(1-a)noise.
func addNoiseDDPM(alphasCumprod []float64, original, noise *tensor.Tensor, timestep int64) error {
	if timestep < 0 || int(timestep) >= len(alphasCumprod) {
		return fmt.Errorf("scheduler: timestep %d out of range", timestep)
	}

	a := alphasCumprod[timestep]
	tensor.Lerp(original.Data, float32(math.Sqrt(a)), original.Data, float32(math.Sqrt(1-a)), noise.Data)
	return nil
}
