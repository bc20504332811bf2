// Package config provides YAML-based configuration loading for tidelink.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/tidelink/internal/compress"
	"github.com/zulandar/tidelink/internal/selector"
	"github.com/zulandar/tidelink/internal/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TIDELINK_"

// Config is the top-level agent configuration, loaded from tidelink.yaml.
type Config struct {
	Vessel      string            `yaml:"vessel" env:"VESSEL"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Store       StoreConfig       `yaml:"store" envPrefix:"STORE_"`
	Queue       QueueConfig       `yaml:"queue"`
	Agent       AgentConfig       `yaml:"agent"`
	Compression CompressionConfig `yaml:"compression"`
	Selector    selector.Weights  `yaml:"selector"`
	API         APIConfig         `yaml:"api" envPrefix:"API_"`
	Transports  TransportsConfig  `yaml:"transports"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// StoreConfig holds the durable queue database settings.
type StoreConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	Path     string `yaml:"path" env:"PATH"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Database string `yaml:"database" env:"DATABASE"`
}

// QueueConfig bounds the transmission queue.
type QueueConfig struct {
	Capacity    int           `yaml:"capacity"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	MaxAge      time.Duration `yaml:"max_age"`
	// Eviction picks which of the lowest-priority messages a full queue
	// drops: "oldest" or "newest".
	Eviction string `yaml:"eviction"`
}

// AgentConfig tunes the drain cycle.
type AgentConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	// Maintenance is a cron schedule for reconnects, probes and expiry.
	Maintenance string `yaml:"maintenance"`
}

// CompressionConfig tunes the compression pipeline.
type CompressionConfig struct {
	Weights        compress.Weights `yaml:"weights"`
	MaxTime        time.Duration    `yaml:"max_time"`
	MaxDecodedSize int              `yaml:"max_decoded_size"`
	Disabled       []string         `yaml:"disabled"`
}

// APIConfig is the local HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Listen  string `yaml:"listen" env:"LISTEN"`
}

// TransportsConfig lists the configured links. A nil entry is not fitted.
type TransportsConfig struct {
	Radio     *RadioConfig     `yaml:"radio" envPrefix:"RADIO_"`
	Cellular  *CellularConfig  `yaml:"cellular" envPrefix:"CELLULAR_"`
	Satellite *SatelliteConfig `yaml:"satellite" envPrefix:"SATELLITE_"`
	Wifi      *WifiConfig      `yaml:"wifi" envPrefix:"WIFI_"`
}

// LinkConfig carries the settings every transport shares.
type LinkConfig struct {
	Name            string               `yaml:"name"`
	MinSignal       int                  `yaml:"min_signal"`
	MaxPayloadBytes int                  `yaml:"max_payload_bytes"`
	CostPerByte     float64              `yaml:"cost_per_byte"`
	Simulate        bool                 `yaml:"simulate" env:"SIMULATE"`
	Fault           transport.FaultModel `yaml:"fault"`
}

// RadioConfig is the LoRa modem bridge.
type RadioConfig struct {
	LinkConfig      `yaml:",inline"`
	Addr            string        `yaml:"addr" env:"ADDR"`
	FrequencyMHz    float64       `yaml:"frequency_mhz"`
	BandwidthKHz    float64       `yaml:"bandwidth_khz"`
	SpreadingFactor int           `yaml:"spreading_factor"`
	CodingRate      int           `yaml:"coding_rate"`
	TxPowerDBm      int           `yaml:"tx_power_dbm"`
	AckTimeout      time.Duration `yaml:"ack_timeout"`
}

// OAuth2Config holds client-credentials settings for an HTTP uplink.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url" env:"TOKEN_URL"`
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	Scopes       []string `yaml:"scopes"`
}

// CellularConfig is the cellular modem's uplink.
type CellularConfig struct {
	LinkConfig `yaml:",inline"`
	Mode       string             `yaml:"mode"`
	APN        string             `yaml:"apn"`
	Carrier    string             `yaml:"carrier"`
	Endpoint   string             `yaml:"endpoint" env:"ENDPOINT"`
	OAuth2     OAuth2Config       `yaml:"oauth2"`
	CostTable  map[string]float64 `yaml:"cost_table"`
}

// SatelliteConfig is the satellite terminal's gateway.
type SatelliteConfig struct {
	LinkConfig     `yaml:",inline"`
	System         string        `yaml:"system"`
	Endpoint       string        `yaml:"endpoint" env:"ENDPOINT"`
	OAuth2         OAuth2Config  `yaml:"oauth2"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// WifiConfig is the harbour gateway over local wireless.
type WifiConfig struct {
	LinkConfig  `yaml:",inline"`
	URL         string `yaml:"url" env:"URL"`
	MDNSService string `yaml:"mdns_service"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes, applies TIDELINK_* environment overrides and
// returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Vessel == "" {
		c.Vessel = "vessel"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "tidelink.db"
	}
	if c.Store.Driver == "mysql" {
		if c.Store.Host == "" {
			c.Store.Host = "127.0.0.1"
		}
		if c.Store.Port == 0 {
			c.Store.Port = 3306
		}
		if c.Store.User == "" {
			c.Store.User = "root"
		}
		if c.Store.Database == "" {
			c.Store.Database = "tidelink_" + c.Vessel
		}
	}

	if c.Queue.Capacity == 0 {
		c.Queue.Capacity = 1000
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 5
	}
	if c.Queue.RetryBase == 0 {
		c.Queue.RetryBase = 30 * time.Second
	}
	if c.Queue.MaxAge == 0 {
		c.Queue.MaxAge = 72 * time.Hour
	}
	if c.Queue.Eviction == "" {
		c.Queue.Eviction = "oldest"
	}

	if c.Agent.DrainInterval == 0 {
		c.Agent.DrainInterval = 5 * time.Second
	}
	if c.Agent.SendTimeout == 0 {
		c.Agent.SendTimeout = 30 * time.Second
	}
	if c.Agent.Maintenance == "" {
		c.Agent.Maintenance = "@every 1m"
	}

	if c.Compression.Weights == (compress.Weights{}) {
		c.Compression.Weights = compress.DefaultWeights()
	}
	if c.Compression.MaxDecodedSize == 0 {
		c.Compression.MaxDecodedSize = compress.DefaultMaxDecodedSize
	}
	if c.Selector == (selector.Weights{}) {
		c.Selector = selector.DefaultWeights()
	}
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8470"
	}

	t := &c.Transports
	if t.Radio != nil {
		t.Radio.defaults(string(transport.KindRadio), 70)
	}
	if t.Cellular != nil {
		t.Cellular.defaults(string(transport.KindCellular), 60)
		if t.Cellular.Mode == "" {
			t.Cellular.Mode = string(transport.ModeData)
		}
	}
	if t.Satellite != nil {
		t.Satellite.defaults(string(transport.KindSatellite), 85)
		if t.Satellite.System == "" {
			t.Satellite.System = transport.DefaultSatelliteSystem
		}
	}
	if t.Wifi != nil {
		t.Wifi.defaults(string(transport.KindWifi), 90)
		if t.Wifi.MDNSService == "" {
			t.Wifi.MDNSService = transport.GatewayService
		}
	}
}

// defaults names the link after its kind and gives a simulated link a
// steady signal when no fault model was written.
func (l *LinkConfig) defaults(kind string, signal int) {
	if l.Name == "" {
		l.Name = kind
	}
	if l.Simulate && l.Fault == (transport.FaultModel{}) {
		l.Fault = transport.FaultModel{Signal: signal, SignalJitter: 5}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}
	switch c.Store.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or mysql", c.Store.Driver))
	}

	if c.Queue.Capacity < 1 {
		errs = append(errs, "queue.capacity must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be at least 1")
	}
	if c.Queue.RetryBase < 0 {
		errs = append(errs, "queue.retry_base must not be negative")
	}
	switch c.Queue.Eviction {
	case "oldest", "newest":
	default:
		errs = append(errs, fmt.Sprintf("queue.eviction %q must be oldest or newest", c.Queue.Eviction))
	}

	if c.Agent.DrainInterval < 0 || c.Agent.SendTimeout < 0 {
		errs = append(errs, "agent intervals must not be negative")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Agent.Maintenance); err != nil {
		errs = append(errs, fmt.Sprintf("agent.maintenance: %v", err))
	}

	for _, name := range c.Compression.Disabled {
		if _, err := compress.ParseMethod(name); err != nil {
			errs = append(errs, fmt.Sprintf("compression.disabled: unknown method %q", name))
		}
	}

	errs = append(errs, c.Transports.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (t *TransportsConfig) validate() []string {
	var errs []string
	names := map[string]bool{}
	seen := func(l LinkConfig) {
		if names[l.Name] {
			errs = append(errs, fmt.Sprintf("transports: duplicate name %q", l.Name))
		}
		names[l.Name] = true
		if l.MinSignal < 0 || l.MinSignal > 100 {
			errs = append(errs, fmt.Sprintf("transports.%s.min_signal must be 0-100", l.Name))
		}
		if l.MaxPayloadBytes < 0 {
			errs = append(errs, fmt.Sprintf("transports.%s.max_payload_bytes must not be negative", l.Name))
		}
	}

	if t.Radio != nil {
		seen(t.Radio.LinkConfig)
		if !t.Radio.Simulate && t.Radio.Addr == "" {
			errs = append(errs, "transports.radio.addr is required unless simulate is set")
		}
		if cr := t.Radio.CodingRate; cr != 0 && (cr < 5 || cr > 8) {
			errs = append(errs, "transports.radio.coding_rate must be 5-8")
		}
	}
	if t.Cellular != nil {
		seen(t.Cellular.LinkConfig)
		if !t.Cellular.Simulate && t.Cellular.Endpoint == "" {
			errs = append(errs, "transports.cellular.endpoint is required unless simulate is set")
		}
		if m := t.Cellular.Mode; m != string(transport.ModeData) && m != string(transport.ModeSMS) {
			errs = append(errs, fmt.Sprintf("transports.cellular.mode %q must be data or sms", m))
		}
	}
	if t.Satellite != nil {
		seen(t.Satellite.LinkConfig)
		if !t.Satellite.Simulate && t.Satellite.Endpoint == "" {
			errs = append(errs, "transports.satellite.endpoint is required unless simulate is set")
		}
	}
	if t.Wifi != nil {
		seen(t.Wifi.LinkConfig)
	}
	if len(names) == 0 {
		errs = append(errs, "at least one transport is required")
	}
	return errs
}
