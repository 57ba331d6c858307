package scheduler

import (
	"fmt"
	"math"

	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

func init() {
	Register("PNDMScheduler", Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.0001,
		BetaEnd:           0.02,
		BetaSchedule:      "linear",
		PredictionType:    "epsilon",
		TimestepSpacing:   "leading",
	}, func(cfg Config) (Scheduler, error) { return NewPNDM(cfg) })
}

// PNDM runs the pseudo linear multistep (PLMS) part of the pseudo numerical
// methods sampler. The Runge-Kutta warmup is always skipped; the first
// steps use lower order multistep formulas until four model outputs are
// available.
type PNDM struct {
	stepper
	cfg Config

	alphasCumprod []float64
	finalAlpha    float64
	numSteps      int

	// ets holds up to the last four noise predictions, oldest first.
	ets []*tensor.Tensor
}

func NewPNDM(cfg Config) (*PNDM, error) {
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
	final := ac[0]
	if cfg.SetAlphaToOne {
		final = 1
	}
	return &PNDM{cfg: cfg, alphasCumprod: ac, finalAlpha: final}, nil
}

func (s *PNDM) Config() Config { return s.cfg }

func (s *PNDM) InitNoiseSigma() float32 { return 1 }

func (s *PNDM) SetTimesteps(numSteps int, strength float32) error {
	ts, err := spacedTimesteps(s.cfg, numSteps)
	if err != nil {
		return err
	}

	start, err := strengthStart(numSteps, strength)
	if err != nil {
		return err
	}

	s.numSteps = numSteps
	s.ets = s.ets[:0]
	s.reset(roundTimesteps(ts)[start:])
	return nil
}

func (s *PNDM) ScaleModelInput(sample *tensor.Tensor, step int) error {
	return s.checkIndex(step)
}

func (s *PNDM) AddNoise(original, noise *tensor.Tensor, timestep int64) error {
	if err := checkShapes(original, noise); err != nil {
		return err
	}
	return addNoiseDDPM(s.alphasCumprod, original, noise, timestep)
}

func (s *PNDM) alpha(t int64) float64 {
	if t < 0 {
		return s.finalAlpha
	}
	return s.alphasCumprod[t]
}

func (s *PNDM) Step(noisePred, latent *tensor.Tensor, step int, _ rng.Generator) (StepResult, error) {
	if err := s.begin(step); err != nil {
		return StepResult{}, err
	}
	if err := checkShapes(noisePred, latent); err != nil {
		return StepResult{}, err
	}

	t := s.timesteps[step]
	prev := t - int64(s.cfg.NumTrainTimesteps/s.numSteps)
	at, aprev := s.alpha(t), s.alpha(prev)

	eps := noisePred.Clone()
	if s.cfg.PredictionType == "v_prediction" {
		tensor.Lerp(eps.Data, float32(math.Sqrt(at)), noisePred.Data, float32(math.Sqrt(1-at)), latent.Data)
	}

	if len(s.ets) == 4 {
		s.ets = s.ets[1:]
	}
	s.ets = append(s.ets, eps)

	combined := s.multistep()

	sampleCoeff := float32(math.Sqrt(aprev / at))
	denom := at*math.Sqrt(1-aprev) + math.Sqrt(at*(1-at)*aprev)
	outputCoeff := float32((aprev - at) / denom)

	out := tensor.New(latent.Shape...)
	tensor.Lerp(out.Data, sampleCoeff, latent.Data, -outputCoeff, combined.Data)

	s.end()
	return StepResult{Latent: out}, nil
}

// multistep combines the stored predictions with the Adams-Bashforth
// coefficients for the available history.
func (s *PNDM) multistep() *tensor.Tensor {
	e := s.ets
	out := tensor.New(e[0].Shape...)
	for i := range out.Data {
		switch len(e) {
		case 1:
			out.Data[i] = e[0].Data[i]
		case 2:
			out.Data[i] = (3*e[1].Data[i] - e[0].Data[i]) / 2
		case 3:
			out.Data[i] = (23*e[2].Data[i] - 16*e[1].Data[i] + 5*e[0].Data[i]) / 12
		default:
			out.Data[i] = (55*e[3].Data[i] - 59*e[2].Data[i] + 37*e[1].Data[i] - 9*e[0].Data[i]) / 24
		}
	}
	return out
}
