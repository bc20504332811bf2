package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Satellite defaults model an Iridium short-burst-data terminal.
const (
	DefaultSatelliteSystem     = "iridium-sbd"
	DefaultSatelliteMaxPayload = 340
	DefaultSatelliteCost       = 0.01
	defaultSatelliteLatency    = 20 * time.Second
)

// SatelliteOptions configures NewSatellite.
type SatelliteOptions struct {
	Common
	System         string
	CostPerByte    float64
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	TypicalLatency time.Duration
}

// SatelliteDriver is the always-reachable, expensive, slow link.
type SatelliteDriver struct {
	base
	system string
}

// NewSatellite builds a satellite driver.
func NewSatellite(opts SatelliteOptions) (*SatelliteDriver, error) {
	if opts.Link == nil {
		return nil, errors.New("transport: satellite: link is required")
	}
	if opts.Name == "" {
		opts.Name = string(KindSatellite)
	}
	if opts.System == "" {
		opts.System = DefaultSatelliteSystem
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultSatelliteMaxPayload
	}
	if opts.CostPerByte <= 0 {
		opts.CostPerByte = DefaultSatelliteCost
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.TypicalLatency <= 0 {
		opts.TypicalLatency = defaultSatelliteLatency
	}

	chars := Characteristics{
		MaxPayloadBytes: opts.MaxPayloadBytes,
		CostPerByte:     opts.CostPerByte,
		TypicalLatency:  opts.TypicalLatency,
		MinSignal:       opts.MinSignal,
	}
	d := &SatelliteDriver{
		base:   newBase(opts.Name, KindSatellite, chars, opts.Link, opts.Logger),
		system: opts.System,
	}
	d.steps = []Step{
		openStep(opts.Link),
		acquireStep(opts.Link, opts.MinSignal, opts.AcquireTimeout, opts.PollInterval),
		configureStep("register", opts.Link, map[string]string{"system": opts.System}),
	}
	return d, nil
}

// System returns the satellite system identifier.
func (d *SatelliteDriver) System() string { return d.system }

// acquireStep polls at a fixed interval until the sky view clears the floor
// or the acquisition window closes.
func acquireStep(l Link, floor int, window, every time.Duration) Step {
	return Step{Name: "acquire", Run: func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, window)
		defer cancel()

		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			q, known := l.Signal()
			if !known || q >= floor {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("no sky view above %d within %s (last %d): %w", floor, window, q, ctx.Err())
			case <-tick.C:
			}
		}
	}}
}
