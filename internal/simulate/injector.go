package simulate

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Decider decides whether a request is turned into a simulated failure.
type Decider interface {
	ShouldFail(failRate float64) bool
}

// Sampler draws latencies from a range.
type Sampler interface {
	IntRange(lo, hi int) int
}

// FailureInjector draws failure decisions from a shared, mutex-guarded generator.
type FailureInjector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewFailureInjector returns an injector with a deterministic sequence for the seed.
func NewFailureInjector(seed uint64) *FailureInjector {
	return &FailureInjector{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomFailureInjector returns an injector seeded from the clock.
func NewRandomFailureInjector() *FailureInjector {
	now := uint64(time.Now().UnixNano())
	return &FailureInjector{rng: rand.New(rand.NewPCG(now, rand.Uint64()))}
}

// ShouldFail draws r uniformly in [0, 100) and reports r < failRate.
// failRate is a percentage; 0 never fails and 100 always fails. Every call consumes
// exactly one draw, so a seeded sequence does not depend on the rates requested.
func (f *FailureInjector) ShouldFail(failRate float64) bool {
	r := f.draw() * 100
	switch {
	case failRate != failRate || failRate <= MinFailRate:
		return false
	case failRate >= MaxFailRate:
		return true
	}
	return r < failRate
}

// Float64 returns a value in [0, 1) from the shared generator.
func (f *FailureInjector) Float64() float64 {
	return f.draw()
}

// IntRange returns a value in [lo, hi] from the shared generator.
func (f *FailureInjector) IntRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return lo + f.rng.IntN(hi-lo+1)
}

func (f *FailureInjector) draw() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64()
}
