package transport

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Radio defaults. The payload cap is the largest LoRa frame at SF7/125kHz
// under the common regional plans.
const (
	DefaultRadioMaxPayload = 222
	radioProcessingDelay   = 250 * time.Millisecond
)

// Common carries the settings every driver shares.
type Common struct {
	Name            string
	MaxPayloadBytes int
	MinSignal       int
	Link            Link
	Logger          *zap.Logger
}

// RadioParams are the LoRa channel parameters pushed to the modem.
type RadioParams struct {
	FrequencyMHz    float64
	BandwidthKHz    float64
	SpreadingFactor int
	// CodingRate is the denominator of 4/CR, 5 through 8.
	CodingRate     int
	PreambleLen    int
	TxPowerDBm     int
	ImplicitHeader bool
	NoCRC          bool
}

// DefaultRadioParams is an EU868 channel at SF7/125kHz.
func DefaultRadioParams() RadioParams {
	return RadioParams{
		FrequencyMHz:    868.1,
		BandwidthKHz:    125,
		SpreadingFactor: 7,
		CodingRate:      5,
		PreambleLen:     8,
		TxPowerDBm:      14,
	}
}

func (p RadioParams) validate() error {
	var errs []error
	if p.SpreadingFactor < 6 || p.SpreadingFactor > 12 {
		errs = append(errs, fmt.Errorf("spreading factor %d outside 6..12", p.SpreadingFactor))
	}
	if p.CodingRate < 5 || p.CodingRate > 8 {
		errs = append(errs, fmt.Errorf("coding rate 4/%d outside 4/5..4/8", p.CodingRate))
	}
	if p.BandwidthKHz <= 0 {
		errs = append(errs, fmt.Errorf("bandwidth %.1fkHz must be positive", p.BandwidthKHz))
	}
	if p.FrequencyMHz <= 0 {
		errs = append(errs, fmt.Errorf("frequency %.3fMHz must be positive", p.FrequencyMHz))
	}
	return errors.Join(errs...)
}

func (p RadioParams) settings() map[string]string {
	return map[string]string{
		"frequency_mhz":    strconv.FormatFloat(p.FrequencyMHz, 'f', -1, 64),
		"bandwidth_khz":    strconv.FormatFloat(p.BandwidthKHz, 'f', -1, 64),
		"spreading_factor": strconv.Itoa(p.SpreadingFactor),
		"coding_rate":      "4/" + strconv.Itoa(p.CodingRate),
		"tx_power_dbm":     strconv.Itoa(p.TxPowerDBm),
	}
}

// AirTime is the LoRa time on air of a payload of n bytes, per the Semtech
// SX127x formula. Low data rate optimization turns on when a symbol exceeds
// 16ms.
func (p RadioParams) AirTime(n int) time.Duration {
	preamble := p.PreambleLen
	if preamble == 0 {
		preamble = 8
	}
	sf := float64(p.SpreadingFactor)
	tsym := math.Exp2(sf) / (p.BandwidthKHz * 1000)

	de := 0.0
	if tsym > 0.016 {
		de = 1
	}
	ih := 0.0
	if p.ImplicitHeader {
		ih = 1
	}
	crc := 1.0
	if p.NoCRC {
		crc = 0
	}
	cr := float64(p.CodingRate - 4)

	num := 8*float64(n) - 4*sf + 28 + 16*crc - 20*ih
	symbols := 8 + math.Max(math.Ceil(num/(4*(sf-2*de)))*(cr+4), 0)
	total := (float64(preamble)+4.25)*tsym + symbols*tsym
	return time.Duration(total * float64(time.Second))
}

// RadioOptions configures NewRadio.
type RadioOptions struct {
	Common
	Params         RadioParams
	SignalAttempts int
	SignalDelay    time.Duration
}

// RadioDriver is the short-range LoRa link: free, slow, line of sight.
type RadioDriver struct {
	base
	params RadioParams
}

// NewRadio builds a radio driver. The link is usually a StreamLink to the
// modem bridge.
func NewRadio(opts RadioOptions) (*RadioDriver, error) {
	if opts.Link == nil {
		return nil, errors.New("transport: radio: link is required")
	}
	if opts.Name == "" {
		opts.Name = string(KindRadio)
	}
	if opts.Params == (RadioParams{}) {
		opts.Params = DefaultRadioParams()
	}
	if err := opts.Params.validate(); err != nil {
		return nil, fmt.Errorf("transport: radio: %w", err)
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultRadioMaxPayload
	}
	if opts.SignalAttempts <= 0 {
		opts.SignalAttempts = 3
	}
	if opts.SignalDelay <= 0 {
		opts.SignalDelay = 500 * time.Millisecond
	}

	chars := Characteristics{
		MaxPayloadBytes: opts.MaxPayloadBytes,
		TypicalLatency:  opts.Params.AirTime(opts.MaxPayloadBytes) + radioProcessingDelay,
		MinSignal:       opts.MinSignal,
	}
	d := &RadioDriver{
		base:   newBase(opts.Name, KindRadio, chars, opts.Link, opts.Logger),
		params: opts.Params,
	}
	d.steps = []Step{
		openStep(opts.Link),
		configureStep("channel", opts.Link, opts.Params.settings()),
		signalStep("signal", opts.Link, opts.MinSignal, opts.SignalAttempts, opts.SignalDelay),
	}
	return d, nil
}

// Params returns the channel parameters in use.
func (d *RadioDriver) Params() RadioParams { return d.params }
