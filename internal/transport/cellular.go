package transport

import (
	"errors"
	"fmt"
	"time"
)

// CellularMode selects the bearer a cellular driver sends over.
type CellularMode string

// Cellular bearers.
const (
	ModeData CellularMode = "data"
	ModeSMS  CellularMode = "sms"
)

// SMSMaxPayload is the single-segment SMS limit in bytes.
const SMSMaxPayload = 160

// DefaultCellularMaxPayload caps a data-mode frame.
const DefaultCellularMaxPayload = 64 << 10

// DefaultCellularCosts is the per-byte tariff per bearer.
var DefaultCellularCosts = map[CellularMode]float64{
	ModeData: 0.00001,
	ModeSMS:  0.0005,
}

// CellularOptions configures NewCellular.
type CellularOptions struct {
	Common
	Mode    CellularMode
	APN     string
	Carrier string
	// CostTable overrides DefaultCellularCosts per mode.
	CostTable        map[CellularMode]float64
	RegisterAttempts int
	RegisterDelay    time.Duration
	TypicalLatency   time.Duration
}

// CellularDriver sends over a cellular modem or its HTTP uplink.
type CellularDriver struct {
	base
	mode CellularMode
}

// NewCellular builds a cellular driver.
func NewCellular(opts CellularOptions) (*CellularDriver, error) {
	if opts.Link == nil {
		return nil, errors.New("transport: cellular: link is required")
	}
	if opts.Name == "" {
		opts.Name = string(KindCellular)
	}
	if opts.Mode == "" {
		opts.Mode = ModeData
	}
	if opts.Mode != ModeData && opts.Mode != ModeSMS {
		return nil, fmt.Errorf("transport: cellular: unknown mode %q", opts.Mode)
	}

	limit := opts.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultCellularMaxPayload
	}
	if opts.Mode == ModeSMS && limit > SMSMaxPayload {
		limit = SMSMaxPayload
	}
	cost, ok := opts.CostTable[opts.Mode]
	if !ok {
		cost = DefaultCellularCosts[opts.Mode]
	}
	if opts.RegisterAttempts <= 0 {
		opts.RegisterAttempts = 5
	}
	if opts.RegisterDelay <= 0 {
		opts.RegisterDelay = time.Second
	}
	if opts.TypicalLatency <= 0 {
		opts.TypicalLatency = 800 * time.Millisecond
		if opts.Mode == ModeSMS {
			opts.TypicalLatency = 5 * time.Second
		}
	}

	chars := Characteristics{
		MaxPayloadBytes: limit,
		CostPerByte:     cost,
		TypicalLatency:  opts.TypicalLatency,
		MinSignal:       opts.MinSignal,
	}
	d := &CellularDriver{
		base: newBase(opts.Name, KindCellular, chars, opts.Link, opts.Logger),
		mode: opts.Mode,
	}
	d.steps = []Step{
		openStep(opts.Link),
		signalStep("register", opts.Link, opts.MinSignal, opts.RegisterAttempts, opts.RegisterDelay),
		configureStep("attach", opts.Link, map[string]string{
			"mode":    string(opts.Mode),
			"apn":     opts.APN,
			"carrier": opts.Carrier,
		}),
	}
	return d, nil
}

// Mode returns the bearer in use.
func (d *CellularDriver) Mode() CellularMode { return d.mode }
