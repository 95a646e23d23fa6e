// Package config loads the node's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/sleepy-node/internal/gpio"
)

// Config represents the node configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	GPIO        GPIOConfig        `yaml:"gpio"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	HTTP        HTTPConfig        `yaml:"http"`
	Store       StoreConfig       `yaml:"store"`
	Programming ProgrammingConfig `yaml:"programming"`
	Reset       ResetConfig       `yaml:"reset"`
	Sleep       SleepConfig       `yaml:"sleep"`
	Join        JoinConfig        `yaml:"join"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`

	// Heartbeat of zero disables the periodic status event.
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level string `yaml:"level"`
}

// GPIOConfig represents button and LED wiring.
type GPIOConfig struct {
	Chip         string        `yaml:"chip"`
	Poll         time.Duration `yaml:"poll"`
	Debounce     time.Duration `yaml:"debounce"`
	SwitchButton int           `yaml:"switch_button"`
	ProgButton   int           `yaml:"prog_button"`
	SwitchLED    int           `yaml:"switch_led"`
	ProgLED      int           `yaml:"prog_led"`
}

// Pins returns the configured line offsets.
func (g GPIOConfig) Pins() gpio.Pins {
	return gpio.Pins{
		SwitchButton: g.SwitchButton,
		ProgButton:   g.ProgButton,
		SwitchLED:    g.SwitchLED,
		ProgLED:      g.ProgLED,
	}
}

// MQTTConfig holds the broker used to seed join credentials at first boot.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BufferSize     int           `yaml:"buffer_size"`
}

// HTTPConfig represents the status server. Empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig represents persistent storage.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// ProgrammingConfig represents programming mode.
type ProgrammingConfig struct {
	Period time.Duration `yaml:"period"`
	// Hold is how long the programming button must be held to toggle the mode.
	Hold time.Duration `yaml:"hold"`
}

// ResetConfig represents the reset button behaviour.
type ResetConfig struct {
	Hold          time.Duration `yaml:"hold"`
	Long          time.Duration `yaml:"long"`
	HoldRepeat    bool          `yaml:"hold_repeat"`
	FlickerCount  int           `yaml:"flicker_count"`
	NetworkPeriod time.Duration `yaml:"network_period"`
	LinkPeriod    time.Duration `yaml:"link_period"`
	Level         int           `yaml:"level"`
	// Disabled is demo mode: reset presses are logged and ignored.
	Disabled bool `yaml:"disabled"`
}

// SleepConfig represents the sleep arbiter.
type SleepConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MinSleep   time.Duration `yaml:"min_sleep"`
	MinAwake   time.Duration `yaml:"min_awake"`
	PollPeriod time.Duration `yaml:"poll_period"`
}

// JoinConfig represents network join retries.
type JoinConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DiscoveryConfig represents mDNS advertising.
type DiscoveryConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interface string        `yaml:"interface"`
	Port      int           `yaml:"port"`
	TTL       time.Duration `yaml:"ttl"`
}

// Validation errors.
var (
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrInvalidPin      = errors.New("invalid pin")
	ErrResetThresholds = errors.New("reset long threshold must exceed hold threshold")
	ErrInvalidLevel    = errors.New("reset level must be positive")
)

// Default returns the built-in configuration.
func Default() *Config {
	pins := gpio.DefaultPins()
	return &Config{
		Log: LogConfig{Level: "info"},
		GPIO: GPIOConfig{
			Chip:         "gpiochip0",
			Poll:         50 * time.Millisecond,
			Debounce:     30 * time.Millisecond,
			SwitchButton: pins.SwitchButton,
			ProgButton:   pins.ProgButton,
			SwitchLED:    pins.SwitchLED,
			ProgLED:      pins.ProgLED,
		},
		MQTT: MQTTConfig{
			Broker:         "tcp://192.168.1.200:1883",
			ConnectTimeout: 10 * time.Second,
			BufferSize:     100,
		},
		HTTP:        HTTPConfig{Addr: ":80"},
		Store:       StoreConfig{Path: "/var/lib/knx-node/state.cbor"},
		Programming: ProgrammingConfig{Period: time.Second, Hold: 3 * time.Second},
		Reset: ResetConfig{
			Hold:          3 * time.Second,
			Long:          6 * time.Second,
			HoldRepeat:    true,
			FlickerCount:  5,
			NetworkPeriod: 300 * time.Millisecond,
			LinkPeriod:    600 * time.Millisecond,
			Level:         2,
		},
		Sleep: SleepConfig{
			Enabled:    true,
			MinSleep:   100 * time.Millisecond,
			MinAwake:   2 * time.Second,
			PollPeriod: 10 * time.Second,
		},
		Join:      JoinConfig{Interval: 6 * time.Second},
		Discovery: DiscoveryConfig{Enabled: true, TTL: 2 * time.Minute},
		Heartbeat: 15 * time.Minute,
	}
}

// Load reads filename over the defaults. An empty filename returns the
// defaults with environment overrides applied.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if broker := os.Getenv("KNX_MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}
	if user := os.Getenv("KNX_MQTT_USERNAME"); user != "" {
		c.MQTT.Username = user
	}
	if pass := os.Getenv("KNX_MQTT_PASSWORD"); pass != "" {
		c.MQTT.Password = pass
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"gpio.poll":            c.GPIO.Poll,
		"programming.period":   c.Programming.Period,
		"programming.hold":     c.Programming.Hold,
		"reset.hold":           c.Reset.Hold,
		"reset.network_period": c.Reset.NetworkPeriod,
		"reset.link_period":    c.Reset.LinkPeriod,
		"sleep.min_sleep":      c.Sleep.MinSleep,
		"sleep.poll_period":    c.Sleep.PollPeriod,
		"join.interval":        c.Join.Interval,
		"mqtt.connect_timeout": c.MQTT.ConnectTimeout,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrInvalidDuration))
		}
	}
	if c.GPIO.Debounce < 0 {
		errs = append(errs, fmt.Errorf("gpio.debounce: %w", ErrInvalidDuration))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("heartbeat: %w", ErrInvalidDuration))
	}

	for name, pin := range map[string]int{
		"gpio.switch_button": c.GPIO.SwitchButton,
		"gpio.prog_button":   c.GPIO.ProgButton,
		"gpio.switch_led":    c.GPIO.SwitchLED,
		"gpio.prog_led":      c.GPIO.ProgLED,
	} {
		if pin < 0 {
			errs = append(errs, fmt.Errorf("%s=%d: %w", name, pin, ErrInvalidPin))
		}
	}

	if c.Reset.Long != 0 && c.Reset.Long <= c.Reset.Hold {
		errs = append(errs, ErrResetThresholds)
	}
	if c.Reset.Level <= 0 {
		errs = append(errs, ErrInvalidLevel)
	}

	return errors.Join(errs...)
}
