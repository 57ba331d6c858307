package scheduler

import (
	"fmt"
	"math"

	"github.com/jmorganca/sdpipe/rng"
	"github.com/jmorganca/sdpipe/tensor"
)

func init() {
	Register("LCMScheduler", Config{
		NumTrainTimesteps:      1000,
		BetaStart:              0.00085,
		BetaEnd:                0.012,
		BetaSchedule:           "scaled_linear",
		ClipSampleRange:        1,
		SetAlphaToOne:          true,
		PredictionType:         "epsilon",
		TimestepSpacing:        "leading",
		OriginalInferenceSteps: 50,
		TimestepScaling:        10,
	}, func(cfg Config) (Scheduler, error) { return NewLCM(cfg) })
}

// LCM is the multi-step latent consistency model sampler. Each step jumps
// to a denoised estimate and re-noises it to the next timestep.
type LCM struct {
	stepper
	cfg Config

	alphasCumprod []float64
	finalAlpha    float64
}

func NewLCM(cfg Config) (*LCM, error) {
	b, err := betas(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.PredictionType {
	case "epsilon", "v_prediction", "sample":
	default:
		return nil, fmt.Errorf("scheduler: unsupported prediction_type %q", cfg.PredictionType)
	}

	if cfg.OriginalInferenceSteps <= 0 || cfg.OriginalInferenceSteps > cfg.NumTrainTimesteps {
		return nil, fmt.Errorf("scheduler: invalid original_inference_steps %d", cfg.OriginalInferenceSteps)
	}

	ac := alphasCumprod(b)
	final := ac[0]
	if cfg.SetAlphaToOne {
		final = 1
	}
	return &LCM{cfg: cfg, alphasCumprod: ac, finalAlpha: final}, nil
}

func (s *LCM) Config() Config { return s.cfg }

func (s *LCM) InitNoiseSigma() float32 { return 1 }

// SetTimesteps picks numSteps evenly spaced timesteps from the distillation
// schedule. Strength shortens that schedule rather than the result.
func (s *LCM) SetTimesteps(numSteps int, strength float32) error {
	orig := s.cfg.OriginalInferenceSteps
	if numSteps <= 0 {
		return fmt.Errorf("scheduler: num_inference_steps must be positive, got %d", numSteps)
	}
	if numSteps > orig {
		return fmt.Errorf("scheduler: num_inference_steps %d exceeds original_inference_steps %d", numSteps, orig)
	}
	if strength < 0 || strength > 1 {
		return fmt.Errorf("scheduler: strength %v outside [0, 1]", strength)
	}

	k := int64(s.cfg.NumTrainTimesteps / orig)
	count := int(float64(orig)*float64(strength) + 1e-5)
	if count < numSteps {
		return fmt.Errorf("%w: %d origin steps at strength %v for %d steps", ErrNoTimesteps, count, strength, numSteps)
	}

	// origin timesteps in descending order: count*k-1, ..., k-1
	origin := make([]int64, count)
	for i := range origin {
		origin[i] = int64(count-i)*k - 1
	}

	ts := make([]int64, numSteps)
	for i := range ts {
		ts[i] = origin[int(math.Floor(float64(i)*float64(count)/float64(numSteps)))]
	}

	s.reset(ts)
	return nil
}

func (s *LCM) ScaleModelInput(sample *tensor.Tensor, step int) error {
	return s.checkIndex(step)
}

func (s *LCM) AddNoise(original, noise *tensor.Tensor, timestep int64) error {
	if err := checkShapes(original, noise); err != nil {
		return err
	}
	return addNoiseDDPM(s.alphasCumprod, original, noise, timestep)
}

// boundaryScalings returns c_skip and c_out for the consistency boundary
// condition at timestep t.
func (s *LCM) boundaryScalings(t int64) (float64, float64) {
	const sigmaData = 0.5
	scaled := float64(t) * s.cfg.TimestepScaling
	cSkip := sigmaData * sigmaData / (scaled*scaled + sigmaData*sigmaData)
	cOut := scaled / math.Sqrt(scaled*scaled+sigmaData*sigmaData)
	return cSkip, cOut
}

func (s *LCM) Step(noisePred, latent *tensor.Tensor, step int, gen rng.Generator) (StepResult, error) {
	if err := s.begin(step); err != nil {
		return StepResult{}, err
	}
	if err := checkShapes(noisePred, latent); err != nil {
		return StepResult{}, err
	}

	t := s.timesteps[step]
	last := step == len(s.timesteps)-1

	prev := t
	if !last {
		prev = s.timesteps[step+1]
	}

	at := s.alphasCumprod[t]
	aprev := s.finalAlpha
	if prev >= 0 {
		aprev = s.alphasCumprod[prev]
	}

	sqrtAt, sqrtBt := float32(math.Sqrt(at)), float32(math.Sqrt(1-at))
	cSkip64, cOut64 := s.boundaryScalings(t)
	cSkip, cOut := float32(cSkip64), float32(cOut64)
	clip := float32(s.cfg.ClipSampleRange)

	denoised := tensor.New(latent.Shape...)
	for i, x := range latent.Data {
		m := noisePred.Data[i]

		var x0 float32
		switch s.cfg.PredictionType {
		case "epsilon":
			x0 = (x - sqrtBt*m) / sqrtAt
		case "v_prediction":
			x0 = sqrtAt*x - sqrtBt*m
		case "sample":
			x0 = m
		}

		if s.cfg.ClipSample {
			x0 = max(-clip, min(clip, x0))
		}

		denoised.Data[i] = cOut*x0 + cSkip*x
	}

	out := denoised.Clone()
	if !last {
		if gen == nil {
			return StepResult{}, fmt.Errorf("scheduler: multi-step LCM requires a generator")
		}
		noise := gen.Randn(latent.Shape...)
		tensor.Lerp(out.Data, float32(math.Sqrt(aprev)), denoised.Data, float32(math.Sqrt(1-aprev)), noise.Data)
	}

	s.end()
	return StepResult{Latent: out, Denoised: denoised}, nil
}
