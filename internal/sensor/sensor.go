// Package sensor defines the sensor collaborator the daemon samples and
// a simulated implementation for hosts without the soil sensor attached.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRead reports a failed sensor read. The sampling loop treats it as
// "skip this cycle" and tries again on the next tick.
var ErrRead = errors.New("sensor read failed")

// Source is a moisture/temperature sensor.
type Source interface {
	// ReadMoisture returns the raw capacitive moisture count.
	ReadMoisture(ctx context.Context) (int, error)
	// ReadTemperature returns the sensor temperature in degrees Celsius.
	ReadTemperature(ctx context.Context) (float64, error)
}

// Reading is one sample. The JSON shape is the telemetry and shadow
// wire form.
type Reading struct {
	Moisture int       `json:"moisture"`
	Temp     float64   `json:"temp"`
	TakenAt  time.Time `json:"-"`
}

// Sample reads both values from src. Any failure is returned wrapping
// [ErrRead].
func Sample(ctx context.Context, src Source, now time.Time) (Reading, error) {
	moisture, err := src.ReadMoisture(ctx)
	if err != nil {
		return Reading{}, wrapRead("moisture", err)
	}
	temp, err := src.ReadTemperature(ctx)
	if err != nil {
		return Reading{}, wrapRead("temperature", err)
	}
	return Reading{Moisture: moisture, Temp: temp, TakenAt: now.UTC()}, nil
}

func wrapRead(what string, err error) error {
	if errors.Is(err, ErrRead) {
		return fmt.Errorf("read %s: %w", what, err)
	}
	return fmt.Errorf("%w: read %s: %w", ErrRead, what, err)
}
