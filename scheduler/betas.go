package scheduler

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
)

func betas(cfg Config) ([]float64, error) {
	n := cfg.NumTrainTimesteps
	if len(cfg.TrainedBetas) > 0 {
		return cfg.TrainedBetas, nil
	}
	if n <= 0 {
		return nil, fmt.Errorf("scheduler: num_train_timesteps must be positive, got %d", n)
	}

	b := make([]float64, n)
	switch cfg.BetaSchedule {
	case "linear":
		span(b, cfg.BetaStart, cfg.BetaEnd)
	case "scaled_linear":
		span(b, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		floats.Mul(b, b)
	case "squaredcos_cap_v2":
		alphaBar := func(t float64) float64 {
			c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
			return c * c
		}
		for i := range b {
			t1, t2 := float64(i)/float64(n), float64(i+1)/float64(n)
			b[i] = min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	default:
		return nil, fmt.Errorf("scheduler: unsupported beta_schedule %q", cfg.BetaSchedule)
	}
	return b, nil
}

// alphasCumprod returns the cumulative product of (1 - beta).
func alphasCumprod(b []float64) []float64 {
	alphas := make([]float64, len(b))
	for i, beta := range b {
		alphas[i] = 1 - beta
	}
	return floats.CumProd(alphas, alphas)
}

// spacedTimesteps returns numSteps descending, possibly fractional
// timesteps laid out per cfg.TimestepSpacing.
func spacedTimesteps(cfg Config, numSteps int) ([]float64, error) {
	n := cfg.NumTrainTimesteps
	if numSteps <= 0 {
		return nil, fmt.Errorf("scheduler: num_inference_steps must be positive, got %d", numSteps)
	}
	if numSteps > n {
		return nil, fmt.Errorf("scheduler: num_inference_steps %d exceeds num_train_timesteps %d", numSteps, n)
	}

	ts := make([]float64, numSteps)
	switch cfg.TimestepSpacing {
	case "linspace":
		span(ts, 0, float64(n-1))
	case "leading":
		ratio := n / numSteps
		if last := (numSteps-1)*ratio + cfg.StepsOffset; last >= n {
			return nil, fmt.Errorf("scheduler: %d leading steps with steps_offset %d reach timestep %d, past num_train_timesteps %d", numSteps, cfg.StepsOffset, last, n)
		}
		for i := range ts {
			ts[i] = float64(i*ratio + cfg.StepsOffset)
		}
	case "trailing":
		ratio := float64(n) / float64(numSteps)
		for i := range ts {
			// ascending order, reversed below
			ts[numSteps-1-i] = math.Round(float64(n)-float64(i)*ratio) - 1
		}
	default:
		return nil, fmt.Errorf("scheduler: unsupported timestep_spacing %q", cfg.TimestepSpacing)
	}

	slices.Reverse(ts)
	return ts, nil
}

// strengthStart returns the index of the first timestep kept when only the
// final strength fraction of numSteps is run.
func strengthStart(numSteps int, strength float32) (int, error) {
	if strength < 0 || strength > 1 {
		return 0, fmt.Errorf("scheduler: strength %v outside [0, 1]", strength)
	}

	// the epsilon keeps decimal strengths such as 0.7 from truncating to one step fewer
	initSteps := min(int(float64(numSteps)*float64(strength)+1e-5), numSteps)
	start := numSteps - initSteps
	if start >= numSteps {
		return 0, fmt.Errorf("%w: %d steps at strength %v", ErrNoTimesteps, numSteps, strength)
	}
	return start, nil
}

func roundTimesteps(ts []float64) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = int64(math.RoundToEven(t))
	}
	return out
}

// span fills dst with evenly spaced values from l to u inclusive. A single
// element gets l, matching numpy.linspace.
func span(dst []float64, l, u float64) {
	if len(dst) == 1 {
		dst[0] = l
		return
	}
	floats.Span(dst, l, u)
}
