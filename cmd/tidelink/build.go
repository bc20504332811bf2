package main

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zulandar/tidelink/internal/compress"
	"github.com/zulandar/tidelink/internal/config"
	"github.com/zulandar/tidelink/internal/db"
	"github.com/zulandar/tidelink/internal/transport"
)

// connectFromConfig loads config and opens the migrated store.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to store: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// buildRegistry creates a driver for every configured transport, in the
// order radio, cellular, satellite, wifi.
func buildRegistry(cfg *config.Config, log *zap.Logger) (*transport.Registry, error) {
	reg := transport.NewRegistry(log.Named("transport"))
	t := cfg.Transports

	if r := t.Radio; r != nil {
		var link transport.Link
		if r.Simulate {
			link = transport.NewSimLink(r.Fault)
		} else {
			link = transport.NewStreamLink(r.Addr, r.AckTimeout)
		}
		params := transport.DefaultRadioParams()
		if r.FrequencyMHz > 0 {
			params.FrequencyMHz = r.FrequencyMHz
		}
		if r.BandwidthKHz > 0 {
			params.BandwidthKHz = r.BandwidthKHz
		}
		if r.SpreadingFactor > 0 {
			params.SpreadingFactor = r.SpreadingFactor
		}
		if r.CodingRate > 0 {
			params.CodingRate = r.CodingRate
		}
		if r.TxPowerDBm != 0 {
			params.TxPowerDBm = r.TxPowerDBm
		}
		d, err := transport.NewRadio(transport.RadioOptions{
			Common: common(r.LinkConfig, link, log),
			Params: params,
		})
		if err := register(reg, d, err); err != nil {
			return nil, err
		}
	}

	if c := t.Cellular; c != nil {
		var link transport.Link
		if c.Simulate {
			link = transport.NewSimLink(c.Fault)
		} else {
			link = uplink(c.Endpoint, c.OAuth2)
		}
		mode := transport.CellularMode(c.Mode)
		costs := map[transport.CellularMode]float64{}
		for m, v := range c.CostTable {
			costs[transport.CellularMode(m)] = v
		}
		if c.CostPerByte > 0 {
			costs[mode] = c.CostPerByte
		}
		d, err := transport.NewCellular(transport.CellularOptions{
			Common:    common(c.LinkConfig, link, log),
			Mode:      mode,
			APN:       c.APN,
			Carrier:   c.Carrier,
			CostTable: costs,
		})
		if err := register(reg, d, err); err != nil {
			return nil, err
		}
	}

	if s := t.Satellite; s != nil {
		var link transport.Link
		if s.Simulate {
			link = transport.NewSimLink(s.Fault)
		} else {
			link = uplink(s.Endpoint, s.OAuth2)
		}
		d, err := transport.NewSatellite(transport.SatelliteOptions{
			Common:         common(s.LinkConfig, link, log),
			System:         s.System,
			CostPerByte:    s.CostPerByte,
			AcquireTimeout: s.AcquireTimeout,
		})
		if err := register(reg, d, err); err != nil {
			return nil, err
		}
	}

	if w := t.Wifi; w != nil {
		var link transport.Link
		if w.Simulate {
			link = transport.NewSimLink(w.Fault)
		} else {
			link = transport.NewWebSocketLink(w.URL, 0, nil)
		}
		d, err := transport.NewWifi(transport.WifiOptions{
			Common:  common(w.LinkConfig, link, log),
			Service: w.MDNSService,
		})
		if err := register(reg, d, err); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func common(l config.LinkConfig, link transport.Link, log *zap.Logger) transport.Common {
	return transport.Common{
		Name:            l.Name,
		MaxPayloadBytes: l.MaxPayloadBytes,
		MinSignal:       l.MinSignal,
		Link:            link,
		Logger:          log.Named(l.Name),
	}
}

func uplink(endpoint string, auth config.OAuth2Config) *transport.HTTPLink {
	return transport.NewHTTPLink(transport.HTTPLinkOptions{
		Endpoint:     endpoint,
		TokenURL:     auth.TokenURL,
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		Scopes:       auth.Scopes,
	})
}

func register(reg *transport.Registry, d transport.Driver, err error) error {
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	return reg.Register(d)
}

// buildPipeline creates the compression pipeline from config.
func buildPipeline(cfg *config.Config, log *zap.Logger) (*compress.Pipeline, error) {
	var disabled []compress.Method
	for _, name := range cfg.Compression.Disabled {
		m, err := compress.ParseMethod(name)
		if err != nil {
			return nil, err
		}
		disabled = append(disabled, m)
	}
	return compress.New(compress.Options{
		Weights:        cfg.Compression.Weights,
		MaxDecodedSize: cfg.Compression.MaxDecodedSize,
		Disabled:       disabled,
		Logger:         log.Named("compress"),
	})
}
