// Package rng provides the seeded noise source shared by latent
// initialization and stochastic schedulers.
package rng

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jmorganca/sdpipe/tensor"
)

// Generator draws standard normal samples. Its state advances with every
// draw, so sharing one Generator across calls continues the sequence.
type Generator interface {
	Randn(shape ...int) *tensor.Tensor
	Seed(seed uint64)
}

type CPUGenerator struct {
	dist distuv.Normal
}

func NewGenerator(seed uint64) *CPUGenerator {
	g := &CPUGenerator{}
	g.Seed(seed)
	return g
}

// Seed resets the generator to the start of the sequence for seed.
func (g *CPUGenerator) Seed(seed uint64) {
	g.dist = distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)}
}

func (g *CPUGenerator) Randn(shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(g.dist.Rand())
	}
	return t
}
