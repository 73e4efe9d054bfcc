package fuzz

import (
	"math/rand/v2"
	"strings"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Random is the source of every random choice a fuzz run makes.
type Random interface {
	// Generates a boolean with probability `p` of it being true.
	GenBool(p float64) bool

	// Generates a number in [min, max).
	GenBetween(min, max uint64) uint64

	// Generates a random alphanumeric string of length n.
	GenString(n int) string
}

// DefaultRandom is a seeded PCG generator.
type DefaultRandom struct {
	rng *rand.Rand
}

// NewRand returns a generator whose sequence is fixed by seed.
func NewRand(seed uint64) *DefaultRandom {
	return &DefaultRandom{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Generates a boolean with probability `p` of it being true.
func (r *DefaultRandom) GenBool(p float64) bool {
	return r.rng.Float64() < p
}

// Generates a number in [min, max); min when the range is empty.
func (r *DefaultRandom) GenBetween(min, max uint64) uint64 {
	if max <= min {
		return min
	}
	return min + r.rng.Uint64N(max-min)
}

// Generates a random alphanumeric string of length n.
func (r *DefaultRandom) GenString(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(alphanumeric[r.rng.IntN(len(alphanumeric))])
	}
	return b.String()
}
