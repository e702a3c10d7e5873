// Package config loads the node configuration from a YAML file, an optional
// .env file and SENSORNODE_ prefixed environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "sensornode.yaml"
	EnvPrefix   = "SENSORNODE_"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Bus     BusConfig     `yaml:"bus"`
	SPI     SPIConfig     `yaml:"spi"`
	Power   PowerConfig   `yaml:"power"`
	Sensors SensorsConfig `yaml:"sensors"`
	Uplink  UplinkConfig  `yaml:"uplink"`
	Monitor MonitorConfig `yaml:"monitor"`
	Trace   TraceConfig   `yaml:"trace"`
	Log     LogConfig     `yaml:"log"`
}

type NodeConfig struct {
	ID                string        `yaml:"id"`
	CycleInterval     time.Duration `yaml:"cycle_interval"`
	ReadInterval      time.Duration `yaml:"read_interval"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	MaxReadIterations int           `yaml:"max_read_iterations"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type BusConfig struct {
	// Adapter is mcp2221 or periph.
	Adapter    string        `yaml:"adapter"`
	Device     string        `yaml:"device"`
	Speed      int           `yaml:"speed"`
	ResetDelay time.Duration `yaml:"reset_delay"`
}

type SPIConfig struct {
	Enabled    bool  `yaml:"enabled"`
	Bus        int   `yaml:"bus"`
	ChipSelect int   `yaml:"chip_select"`
	Speed      int64 `yaml:"speed"`
}

type PowerConfig struct {
	Enabled bool `yaml:"enabled"`
	// RailDriver is expander (MCP23017 pin) or bridge (MCP2221 GP pin).
	RailDriver          string `yaml:"rail_driver"`
	RailExpanderAddress int    `yaml:"rail_expander_address"`
	RailPort            string `yaml:"rail_port"`
	RailPin             int    `yaml:"rail_pin"`
	ActiveLow           bool   `yaml:"active_low"`
}

type SensorConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SCD41Config struct {
	Enabled  bool   `yaml:"enabled"`
	Altitude uint16 `yaml:"altitude"`
}

type SPS30Config struct {
	Enabled           bool          `yaml:"enabled"`
	AutoCleanInterval time.Duration `yaml:"auto_clean_interval"`
}

type SensorsConfig struct {
	SHT45    SensorConfig `yaml:"sht45"`
	TSL2591  SensorConfig `yaml:"tsl2591"`
	ILPS22QS SensorConfig `yaml:"ilps22qs"`
	Flash    SensorConfig `yaml:"flash"`
	NFC      SensorConfig `yaml:"nfc"`
	SCD41    SCD41Config  `yaml:"scd41"`
	SPS30    SPS30Config  `yaml:"sps30"`
}

// Disabled returns the names of the sensors switched off in the config.
func (s SensorsConfig) Disabled() []string {
	var names []string
	for name, on := range map[string]bool{
		"sht45":    s.SHT45.Enabled,
		"tsl2591":  s.TSL2591.Enabled,
		"ilps22qs": s.ILPS22QS.Enabled,
		"flash":    s.Flash.Enabled,
		"nfc":      s.NFC.Enabled,
		"scd41":    s.SCD41.Enabled,
		"sps30":    s.SPS30.Enabled,
	} {
		if !on {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type SimConfig struct {
	JoinAfter int `yaml:"join_after"`
	BusyFor   int `yaml:"busy_for"`
}

type UplinkConfig struct {
	// Kind is mqtt, influx or sim.
	Kind      string       `yaml:"kind"`
	Port      uint8        `yaml:"port"`
	Confirmed bool         `yaml:"confirmed"`
	MQTT      MQTTConfig   `yaml:"mqtt"`
	Influx    InfluxConfig `yaml:"influx"`
	Sim       SimConfig    `yaml:"sim"`
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is charm or tint.
	Format string `yaml:"format"`
}

func Default() Config {
	on := SensorConfig{Enabled: true}
	return Config{
		Node: NodeConfig{
			ID:                "node-1",
			CycleInterval:     30 * time.Second,
			ReadInterval:      3 * time.Second,
			SettleDelay:       time.Second,
			MaxReadIterations: 10,
			PollInterval:      10 * time.Millisecond,
		},
		Bus: BusConfig{
			Adapter:    "mcp2221",
			Speed:      100_000,
			ResetDelay: 100 * time.Millisecond,
		},
		SPI: SPIConfig{Speed: 1_000_000},
		Power: PowerConfig{
			RailDriver:          "expander",
			RailExpanderAddress: 0x21,
			RailPort:            "A",
		},
		Sensors: SensorsConfig{
			SHT45:    on,
			TSL2591:  on,
			ILPS22QS: on,
			Flash:    on,
			NFC:      on,
			SCD41:    SCD41Config{Enabled: true},
			SPS30:    SPS30Config{Enabled: true},
		},
		Uplink: UplinkConfig{
			Kind: "sim",
			Port: 2,
			MQTT: MQTTConfig{Broker: "localhost", Port: 1883},
		},
		Monitor: MonitorConfig{Addr: ":8080"},
		Trace:   TraceConfig{Path: "sensornode-trace.db"},
		Log:     LogConfig{Level: "info", Format: "charm"},
	}
}

type loadOptions struct {
	envFile string
}

type LoadOpt func(*loadOptions)

// WithEnvFile replaces the default .env file location.
func WithEnvFile(path string) LoadOpt {
	return func(o *loadOptions) {
		o.envFile = path
	}
}

// Load reads path on top of the defaults and applies the environment
// overrides. A missing file is not an error.
func Load(path string, opts ...LoadOpt) (Config, error) {
	o := loadOptions{envFile: ".env"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.envFile != "" {
		if _, err := os.Stat(o.envFile); err == nil {
			if err := godotenv.Load(o.envFile); err != nil {
				return Config{}, fmt.Errorf("config: load %s: %w", o.envFile, err)
			}
		}
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"LOG_LEVEL":    &c.Log.Level,
		"LOG_FORMAT":   &c.Log.Format,
		"BUS_ADAPTER":  &c.Bus.Adapter,
		"BUS_DEVICE":   &c.Bus.Device,
		"UPLINK_KIND":  &c.Uplink.Kind,
		"MQTT_BROKER":  &c.Uplink.MQTT.Broker,
		"INFLUX_URL":   &c.Uplink.Influx.URL,
		"INFLUX_TOKEN": &c.Uplink.Influx.Token,
		"MONITOR_ADDR": &c.Monitor.Addr,
		"TRACE_PATH":   &c.Trace.Path,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "MQTT_PORT"); ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: invalid %sMQTT_PORT %q: %w", EnvPrefix, v, err)
		}
		c.Uplink.MQTT.Port = port
	}
	return nil
}

// Validate checks the values Load cannot fix on its own.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Node.ID != "", "node.id is empty")
	check(c.Node.CycleInterval > 0, "node.cycle_interval must be positive, got %v", c.Node.CycleInterval)
	check(c.Node.ReadInterval > 0, "node.read_interval must be positive, got %v", c.Node.ReadInterval)
	check(c.Node.SettleDelay >= 0, "node.settle_delay must not be negative, got %v", c.Node.SettleDelay)
	check(c.Node.MaxReadIterations > 0, "node.max_read_iterations must be positive, got %d", c.Node.MaxReadIterations)
	check(c.Node.PollInterval > 0, "node.poll_interval must be positive, got %v", c.Node.PollInterval)
	check(c.Bus.Adapter == "mcp2221" || c.Bus.Adapter == "periph", "bus.adapter %q (allowed: mcp2221, periph)", c.Bus.Adapter)
	check(c.Power.RailPin >= 0 && c.Power.RailPin <= 7, "power.rail_pin %d out of range 0..7", c.Power.RailPin)
	switch c.Power.RailDriver {
	case "expander":
	case "bridge":
		check(c.Bus.Adapter == "mcp2221", "power.rail_driver bridge needs bus.adapter mcp2221")
		check(c.Power.RailPin <= 3, "power.rail_pin %d out of range 0..3 for the bridge", c.Power.RailPin)
	default:
		check(false, "power.rail_driver %q (allowed: expander, bridge)", c.Power.RailDriver)
	}
	check(c.Power.RailPort == "A" || c.Power.RailPort == "B", "power.rail_port %q (allowed: A, B)", c.Power.RailPort)
	check(c.Uplink.Port >= 1 && c.Uplink.Port <= 223, "uplink.port %d out of range 1..223", c.Uplink.Port)
	switch c.Uplink.Kind {
	case "sim":
	case "mqtt":
		check(c.Uplink.MQTT.Broker != "", "uplink.mqtt.broker is empty")
		check(c.Uplink.MQTT.Port > 0, "uplink.mqtt.port must be positive")
	case "influx":
		check(c.Uplink.Influx.URL != "", "uplink.influx.url is empty")
		check(c.Uplink.Influx.Org != "" && c.Uplink.Influx.Bucket != "", "uplink.influx org and bucket are required")
	default:
		errs = append(errs, fmt.Errorf("uplink.kind %q (allowed: mqtt, influx, sim)", c.Uplink.Kind))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	check(c.Log.Format == "charm" || c.Log.Format == "tint", "log.format %q (allowed: charm, tint)", c.Log.Format)
	check(!c.Monitor.Enabled || c.Monitor.Addr != "", "monitor.addr is empty")
	check(!c.Trace.Enabled || c.Trace.Path != "", "trace.path is empty")
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ParseLevel maps a level name onto slog.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (allowed: debug, info, warn, error)", s)
	}
}

// String renders the configuration as YAML with the influx token masked.
func (c Config) String() string {
	if c.Uplink.Influx.Token != "" {
		c.Uplink.Influx.Token = "***"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
