package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "none.yaml"), WithEnvFile(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "node.yaml", `
node:
  id: roof
  cycle_interval: 1m
  max_read_iterations: 5
bus:
  adapter: periph
  device: /dev/i2c-0
power:
  enabled: true
  rail_expander_address: 0x20
  rail_pin: 3
sensors:
  nfc:
    enabled: false
  scd41:
    enabled: true
    altitude: 340
  sps30:
    enabled: true
    auto_clean_interval: 168h
uplink:
  kind: mqtt
  confirmed: true
  mqtt:
    broker: broker.local
`)
	cfg, err := Load(path, WithEnvFile(""))
	require.NoError(t, err)

	assert.Equal(t, "roof", cfg.Node.ID)
	assert.Equal(t, time.Minute, cfg.Node.CycleInterval)
	assert.Equal(t, 3*time.Second, cfg.Node.ReadInterval, "untouched keys keep defaults")
	assert.Equal(t, 5, cfg.Node.MaxReadIterations)
	assert.Equal(t, "periph", cfg.Bus.Adapter)
	assert.Equal(t, 0x20, cfg.Power.RailExpanderAddress)
	assert.Equal(t, 3, cfg.Power.RailPin)
	assert.Equal(t, uint16(340), cfg.Sensors.SCD41.Altitude)
	assert.Equal(t, 168*time.Hour, cfg.Sensors.SPS30.AutoCleanInterval)
	assert.Equal(t, []string{"nfc"}, cfg.Sensors.Disabled())
	assert.Equal(t, "broker.local", cfg.Uplink.MQTT.Broker)
	assert.Equal(t, 1883, cfg.Uplink.MQTT.Port)
	assert.True(t, cfg.Uplink.Confirmed)
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "node.yaml", "uplink:\n  kind: sim\nlog:\n  level: info\n")
	envFile := writeFile(t, dir, ".env", "SENSORNODE_TRACE_PATH=/var/lib/node/trace.db\nSENSORNODE_LOG_LEVEL=warn\n")
	t.Setenv("SENSORNODE_LOG_LEVEL", "debug")
	t.Setenv("SENSORNODE_UPLINK_KIND", "influx")
	t.Setenv("SENSORNODE_INFLUX_URL", "http://influx:8086")
	t.Setenv("SENSORNODE_INFLUX_TOKEN", "secret")
	t.Setenv("SENSORNODE_MQTT_PORT", "8883")
	t.Cleanup(func() { _ = os.Unsetenv("SENSORNODE_TRACE_PATH") })

	_, err := Load(path, WithEnvFile(envFile))
	require.ErrorIs(t, err, ErrInvalid, "influx needs org and bucket")

	t.Setenv("SENSORNODE_UPLINK_KIND", "sim")
	cfg, err := Load(path, WithEnvFile(envFile))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level, "process environment wins over .env")
	assert.Equal(t, "/var/lib/node/trace.db", cfg.Trace.Path)
	assert.Equal(t, "http://influx:8086", cfg.Uplink.Influx.URL)
	assert.Equal(t, 8883, cfg.Uplink.MQTT.Port)
	assert.NotContains(t, cfg.String(), "secret")
}

func TestLoad_BadEnvPort(t *testing.T) {
	t.Setenv("SENSORNODE_MQTT_PORT", "abc")
	_, err := Load(filepath.Join(t.TempDir(), "x.yaml"), WithEnvFile(""))
	assert.ErrorContains(t, err, "MQTT_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, ok: true},
		{name: "zero read iterations", mutate: func(c *Config) { c.Node.MaxReadIterations = 0 }},
		{name: "unknown adapter", mutate: func(c *Config) { c.Bus.Adapter = "ftdi" }},
		{name: "unknown uplink", mutate: func(c *Config) { c.Uplink.Kind = "lora" }},
		{name: "mqtt without broker", mutate: func(c *Config) { c.Uplink.Kind = "mqtt"; c.Uplink.MQTT.Broker = "" }},
		{name: "port zero", mutate: func(c *Config) { c.Uplink.Port = 0 }},
		{name: "rail pin", mutate: func(c *Config) { c.Power.RailPin = 8 }},
		{name: "bridge rail", mutate: func(c *Config) { c.Power.RailDriver = "bridge"; c.Power.RailPin = 2 }, ok: true},
		{name: "bridge rail pin", mutate: func(c *Config) { c.Power.RailDriver = "bridge"; c.Power.RailPin = 5 }},
		{name: "bridge rail on periph", mutate: func(c *Config) { c.Power.RailDriver = "bridge"; c.Bus.Adapter = "periph" }},
		{name: "rail driver", mutate: func(c *Config) { c.Power.RailDriver = "relay" }},
		{name: "log format", mutate: func(c *Config) { c.Log.Format = "json" }},
		{name: "log level", mutate: func(c *Config) { c.Log.Level = "loud" }},
		{name: "trace without path", mutate: func(c *Config) { c.Trace.Enabled = true; c.Trace.Path = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
