package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
)

// Capacitive sensor range; readings are clamped to it.
const (
	MoistureMin = 200
	MoistureMax = 2000
)

// Simulated is a [Source] that random-walks plausible values. It stands
// in for the real sensor on development hosts.
type Simulated struct {
	mu       sync.Mutex
	rng      *rand.Rand
	moisture float64
	temp     float64

	// FailEvery makes every Nth read fail with ErrRead when positive.
	FailEvery int
	reads     int
}

// NewSimulated returns a simulated source seeded for reproducible
// sequences.
func NewSimulated(seed uint64) *Simulated {
	return &Simulated{
		rng:      rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		moisture: 800,
		temp:     21,
	}
}

func (s *Simulated) fail() bool {
	s.reads++
	return s.FailEvery > 0 && s.reads%s.FailEvery == 0
}

// ReadMoisture returns the next moisture value.
func (s *Simulated) ReadMoisture(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail() {
		return 0, ErrRead
	}
	s.moisture += (s.rng.Float64() - 0.5) * 40
	s.moisture = max(MoistureMin, min(MoistureMax, s.moisture))
	return int(math.Round(s.moisture)), nil
}

// ReadTemperature returns the next temperature, rounded to 0.1 degree.
func (s *Simulated) ReadTemperature(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail() {
		return 0, ErrRead
	}
	s.temp += (s.rng.Float64() - 0.5) * 0.4
	s.temp = max(-10, min(50, s.temp))
	return math.Round(s.temp*10) / 10, nil
}
