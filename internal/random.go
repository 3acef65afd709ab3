package internal

import (
	"math/rand/v2"
	"sync"
)

// Rand is a goroutine-safe pseudo-random source. A fixed seed makes question
// selection and coin-flip verdicts reproducible in tests.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand creates a Rand seeded with seed. A zero seed picks a random one.
func NewRand(seed uint64) *Rand {
	if seed == 0 {
		seed = rand.Uint64()
	}

	return &Rand{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// IntN returns a number in [0, n).
func (r *Rand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.IntN(n)
}

// Bool returns true half the time.
func (r *Rand) Bool() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Uint64()&1 == 1
}
