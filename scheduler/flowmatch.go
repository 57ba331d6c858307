package scheduler

import (
	"fmt"
	"math"

	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

func init() {
	Register("FlowMatchEulerDiscreteScheduler", Config{
		NumTrainTimesteps: 1000,
		Shift:             1,
		TimestepSpacing:   "linspace",
	}, func(cfg Config) (Scheduler, error) { return NewFlowMatch(cfg) })
}

// FlowMatch is the Euler sampler for rectified flow models, where the
// network predicts the velocity from noise towards data.
type FlowMatch struct {
	stepper
	cfg    Config
	sigmas []float64
}

func NewFlowMatch(cfg Config) (*FlowMatch, error) {
	if cfg.NumTrainTimesteps <= 0 {
		return nil, fmt.Errorf("scheduler: num_train_timesteps must be positive, got %d", cfg.NumTrainTimesteps)
	}
	if cfg.Shift <= 0 {
		return nil, fmt.Errorf("scheduler: shift must be positive, got %v", cfg.Shift)
	}
	return &FlowMatch{cfg: cfg}, nil
}

func (s *FlowMatch) Config() Config { return s.cfg }

func (s *FlowMatch) InitNoiseSigma() float32 { return 1 }

func (s *FlowMatch) timeShift(sigma float64) float64 {
	return s.cfg.Shift * sigma / (1 + (s.cfg.Shift-1)*sigma)
}

func (s *FlowMatch) SetTimesteps(numSteps int, strength float32) error {
	n := s.cfg.NumTrainTimesteps
	if numSteps <= 0 || numSteps > n {
		return fmt.Errorf("scheduler: num_inference_steps %d outside [1, %d]", numSteps, n)
	}

	start, err := strengthStart(numSteps, strength)
	if err != nil {
		return err
	}

	sigmas := make([]float64, numSteps+1)
	span(sigmas[:numSteps], 1, 1/float64(n))
	for i := range numSteps {
		sigmas[i] = s.timeShift(sigmas[i])
	}

	ts := make([]int64, numSteps)
	for i := range ts {
		ts[i] = int64(math.Round(sigmas[i] * float64(n)))
		if i > 0 && ts[i] == ts[i-1] {
			return fmt.Errorf("scheduler: %d steps at shift %v map two steps to timestep %d", numSteps, s.cfg.Shift, ts[i])
		}
	}

	s.sigmas = sigmas[start:]
	s.reset(ts[start:])
	return nil
}

func (s *FlowMatch) ScaleModelInput(sample *tensor.Tensor, step int) error {
	return s.checkIndex(step)
}

func (s *FlowMatch) AddNoise(original, noise *tensor.Tensor, timestep int64) error {
	if err := checkShapes(original, noise); err != nil {
		return err
	}

	i, err := s.indexOf(timestep)
	if err != nil {
		return err
	}

	sigma := float32(s.sigmas[i])
	tensor.Lerp(original.Data, 1-sigma, original.Data, sigma, noise.Data)
	return nil
}

func (s *FlowMatch) Step(noisePred, latent *tensor.Tensor, step int, _ rng.Generator) (StepResult, error) {
	if err := s.begin(step); err != nil {
		return StepResult{}, err
	}
	if err := checkShapes(noisePred, latent); err != nil {
		return StepResult{}, err
	}

	sigma, next := float32(s.sigmas[step]), float32(s.sigmas[step+1])

	// x_{t-dt} = x_t + (sigma_next - sigma) * v_t
	out := latent.Clone()
	tensor.Axpy(next-sigma, noisePred.Data, out.Data)

	denoised := latent.Clone()
	tensor.Axpy(-sigma, noisePred.Data, denoised.Data)

	s.end()
	return StepResult{Latent: out, Denoised: denoised}, nil
}
