package transport

import (
	"context"
	"errors"
	"time"
)

// Wifi defaults.
const (
	DefaultWifiMaxPayload = 1 << 20
	defaultWifiLatency    = 50 * time.Millisecond
)

// targeted is a link whose far end can be discovered at connect time.
type targeted interface {
	Target() string
	SetTarget(string)
}

// DiscoverFunc finds the gateway URL for an mDNS service.
type DiscoverFunc func(ctx context.Context, service string, timeout time.Duration) (string, error)

// WifiOptions configures NewWifi.
type WifiOptions struct {
	Common
	// Service is browsed when the link has no target.
	Service         string
	DiscoverTimeout time.Duration
	// Discover defaults to DiscoverGateway.
	Discover       DiscoverFunc
	TypicalLatency time.Duration
}

// WifiDriver is the local wireless link to the harbour gateway: free, fast,
// short range.
type WifiDriver struct {
	base
}

// NewWifi builds a wifi driver. The link is usually a WebSocketLink.
func NewWifi(opts WifiOptions) (*WifiDriver, error) {
	if opts.Link == nil {
		return nil, errors.New("transport: wifi: link is required")
	}
	if opts.Name == "" {
		opts.Name = string(KindWifi)
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultWifiMaxPayload
	}
	if opts.TypicalLatency <= 0 {
		opts.TypicalLatency = defaultWifiLatency
	}
	if opts.Discover == nil {
		opts.Discover = DiscoverGateway
	}

	chars := Characteristics{
		MaxPayloadBytes: opts.MaxPayloadBytes,
		TypicalLatency:  opts.TypicalLatency,
		MinSignal:       opts.MinSignal,
	}
	d := &WifiDriver{base: newBase(opts.Name, KindWifi, chars, opts.Link, opts.Logger)}
	d.steps = []Step{
		resolveStep(opts.Link, opts.Service, opts.DiscoverTimeout, opts.Discover),
		openStep(opts.Link),
		configureStep("handshake", opts.Link, map[string]string{"client": opts.Name}),
	}
	return d, nil
}

func resolveStep(l Link, service string, timeout time.Duration, discover DiscoverFunc) Step {
	return Step{Name: "resolve", Run: func(ctx context.Context) error {
		t, ok := l.(targeted)
		if !ok || t.Target() != "" {
			return nil
		}
		url, err := discover(ctx, service, timeout)
		if err != nil {
			return err
		}
		t.SetTarget(url)
		return nil
	}}
}
