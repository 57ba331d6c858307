package scheduler

import (
	"fmt"
	"math"

	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

func init() {
	defaults := Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0001,
		BetaEnd:           0.02,
		BetaSchedule:      "linear",
		PredictionType:    "epsilon",
		TimestepSpacing:   "linspace",
	}

	Register("EulerDiscreteScheduler", defaults, func(cfg Config) (Scheduler, error) {
		return NewEuler(cfg, false)
	})
	Register("EulerAncestralDiscreteScheduler", defaults, func(cfg Config) (Scheduler, error) {
		return NewEuler(cfg, true)
	})
}

// Euler integrates the probability flow ODE in sigma space. The ancestral
// variant re-injects noise after every step.
type Euler struct {
	stepper
	cfg       Config
	ancestral bool

	trainSigmas []float64
	sigmas      []float64
	initSigma   float32
}

func NewEuler(cfg Config, ancestral bool) (*Euler, error) {
	b, err := betas(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.PredictionType {
	case "epsilon", "v_prediction":
	default:
		return nil, fmt.Errorf("scheduler: unsupported prediction_type %q", cfg.PredictionType)
	}

	ac := alphasCumprod(b)
	trainSigmas := make([]float64, len(ac))
	for i, a := range ac {
		trainSigmas[i] = math.Sqrt((1 - a) / a)
	}

	return &Euler{cfg: cfg, ancestral: ancestral, trainSigmas: trainSigmas}, nil
}

func (s *Euler) Config() Config { return s.cfg }

func (s *Euler) InitNoiseSigma() float32 { return s.initSigma }

// sigmaAt linearly interpolates the training sigmas at a fractional timestep.
func (s *Euler) sigmaAt(t float64) float64 {
	last := len(s.trainSigmas) - 1
	if t <= 0 {
		return s.trainSigmas[0]
	}
	if t >= float64(last) {
		return s.trainSigmas[last]
	}

	lo := int(math.Floor(t))
	frac := t - float64(lo)
	return s.trainSigmas[lo]*(1-frac) + s.trainSigmas[lo+1]*frac
}

func (s *Euler) SetTimesteps(numSteps int, strength float32) error {
	ts, err := spacedTimesteps(s.cfg, numSteps)
	if err != nil {
		return err
	}

	start, err := strengthStart(numSteps, strength)
	if err != nil {
		return err
	}

	sigmas := make([]float64, len(ts)+1)
	for i, t := range ts {
		sigmas[i] = s.sigmaAt(t)
	}

	maxSigma := sigmas[0]
	switch s.cfg.TimestepSpacing {
	case "linspace", "trailing":
		s.initSigma = float32(maxSigma)
	default:
		s.initSigma = float32(math.Sqrt(maxSigma*maxSigma + 1))
	}

	s.sigmas = sigmas[start:]
	s.reset(roundTimesteps(ts)[start:])
	return nil
}

func (s *Euler) ScaleModelInput(sample *tensor.Tensor, step int) error {
	if err := s.checkIndex(step); err != nil {
		return err
	}

	sigma := s.sigmas[step]
	sample.Scale(float32(1 / math.Sqrt(sigma*sigma+1)))
	return nil
}

func (s *Euler) AddNoise(original, noise *tensor.Tensor, timestep int64) error {
	if err := checkShapes(original, noise); err != nil {
		return err
	}

	i, err := s.indexOf(timestep)
	if err != nil {
		return err
	}

	tensor.Axpy(float32(s.sigmas[i]), noise.Data, original.Data)
	return nil
}

func (s *Euler) Step(noisePred, latent *tensor.Tensor, step int, gen rng.Generator) (StepResult, error) {
	if err := s.begin(step); err != nil {
		return StepResult{}, err
	}
	if err := checkShapes(noisePred, latent); err != nil {
		return StepResult{}, err
	}

	sigma, next := s.sigmas[step], s.sigmas[step+1]

	// ancestral sampling steps down to sigmaDown and adds back sigmaUp of fresh noise
	sigmaDown, sigmaUp := next, 0.0
	if s.ancestral && sigma > 0 {
		sigmaUp = math.Sqrt(next * next * (sigma*sigma - next*next) / (sigma * sigma))
		sigmaDown = math.Sqrt(next*next - sigmaUp*sigmaUp)
	}

	dt := float32(sigmaDown - sigma)
	sig := float32(sigma)
	vScale := float32(-sigma / math.Sqrt(sigma*sigma+1))
	vSkip := float32(1 / (sigma*sigma + 1))

	out := tensor.New(latent.Shape...)
	denoised := tensor.New(latent.Shape...)
	for i, x := range latent.Data {
		m := noisePred.Data[i]

		var x0 float32
		switch s.cfg.PredictionType {
		case "epsilon":
			x0 = x - sig*m
		case "v_prediction":
			x0 = m*vScale + x*vSkip
		}

		derivative := (x - x0) / sig
		out.Data[i] = x + derivative*dt
		denoised.Data[i] = x0
	}

	if sigmaUp > 0 {
		if gen == nil {
			return StepResult{}, fmt.Errorf("scheduler: ancestral step requires a generator")
		}
		tensor.Axpy(float32(sigmaUp), gen.Randn(latent.Shape...).Data, out.Data)
	}

	s.end()
	return StepResult{Latent: out, Denoised: denoised}, nil
}
