package main

import (
	"context"
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/adapter"
	"github.com/mklimuk/sensornode/air"
	"github.com/mklimuk/sensornode/config"
	"github.com/mklimuk/sensornode/gpio"
	"github.com/mklimuk/sensornode/i2c"
	"github.com/mklimuk/sensornode/memory"
	"github.com/mklimuk/sensornode/power"
	"github.com/mklimuk/sensornode/registry"
	"github.com/mklimuk/sensornode/transport"
)

// hardware is the set of buses the node talks to.
type hardware struct {
	guard   *i2c.Guard
	bridge  *adapter.MCP2221
	flash   *memory.Flash
	closers []func() error
}

// openBus opens the configured I2C adapter behind a bus guard.
func openBus(ctx context.Context, bc config.BusConfig) (*hardware, error) {
	h := &hardware{}
	var bus i2c.ResettableBus
	switch bc.Adapter {
	case "mcp2221":
		ad := adapter.NewMCP2221(adapter.WithSpeed(bc.Speed))
		if err := ad.Init(ctx); err != nil {
			return nil, fmt.Errorf("adapter initialization error: %w", err)
		}
		h.bridge = ad
		bus = ad
	case "periph":
		b, err := i2c.NewGenericBus(bc.Device)
		if err != nil {
			return nil, fmt.Errorf("bus initialization error: %w", err)
		}
		if bc.Speed > 0 {
			if err := b.SetSpeed(physic.Frequency(bc.Speed) * physic.Hertz); err != nil {
				slog.Warn("bus speed not applied", "speed", bc.Speed, "error", err)
			}
		}
		h.closers = append(h.closers, b.Close)
		bus = b
	default:
		return nil, fmt.Errorf("unknown bus adapter %q", bc.Adapter)
	}
	h.guard = i2c.NewGuard(bus, i2c.WithResetDelay(bc.ResetDelay))
	return h, nil
}

// openHardware opens the I2C bus and, when enabled, the SPI flash.
func openHardware(ctx context.Context, c config.Config) (*hardware, error) {
	h, err := openBus(ctx, c.Bus)
	if err != nil {
		return nil, err
	}
	if c.SPI.Enabled && c.Sensors.Flash.Enabled {
		flash, err := memory.OpenFlash(nanopi.NewNeoAdaptor(), c.SPI.Bus, c.SPI.ChipSelect, c.SPI.Speed)
		if err != nil {
			h.Close()
			return nil, err
		}
		h.flash = flash
	}
	return h, nil
}

func (h *hardware) Close() {
	for _, c := range h.closers {
		if err := c(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// registry builds the hardware sensors from the sensors section.
func (h *hardware) registry(sc config.SensorsConfig) *registry.Registry {
	opts := []registry.Opt{registry.WithDisabled(sc.Disabled()...)}
	if sc.SCD41.Altitude > 0 {
		opts = append(opts, registry.WithSCD41(air.WithAltitude(sc.SCD41.Altitude)))
	}
	if sc.SPS30.AutoCleanInterval > 0 {
		opts = append(opts, registry.WithSPS30(air.WithAutoCleanInterval(sc.SPS30.AutoCleanInterval)))
	}
	var flash memory.Device
	if h.flash != nil {
		flash = h.flash
	}
	return registry.Default(h.guard, flash, opts...)
}

// hooks returns the rail switch when power switching is enabled.
func (h *hardware) hooks(ctx context.Context, pc config.PowerConfig) (power.Hooks, error) {
	if !pc.Enabled {
		return power.NewHost(), nil
	}
	var pin interface {
		power.Output
		Init(context.Context) error
	}
	switch {
	case pc.RailDriver == "bridge" && h.bridge != nil:
		pin = power.NewBridgePin(h.bridge, pc.RailPin)
	case pc.RailDriver == "bridge":
		return nil, fmt.Errorf("rail driver bridge needs the mcp2221 adapter")
	default:
		port := gpio.PortA
		if pc.RailPort == "B" {
			port = gpio.PortB
		}
		expander := gpio.NewMCP23017(h.guard, byte(pc.RailExpanderAddress))
		pin = power.NewExpanderPin(expander, port, pc.RailPin)
	}
	if err := pin.Init(ctx); err != nil {
		return nil, fmt.Errorf("rail pin setup: %w", err)
	}
	opts := []power.RailOpt{power.WithBusReset(h.guard)}
	if pc.ActiveLow {
		opts = append(opts, power.WithActiveLow())
	}
	return power.NewRail(pin, opts...), nil
}

// newUplink builds the configured network session.
func newUplink(c config.Config) transport.Uplink {
	switch c.Uplink.Kind {
	case "mqtt":
		return transport.NewMQTT(transport.MQTTConfig{
			Broker:   c.Uplink.MQTT.Broker,
			Port:     c.Uplink.MQTT.Port,
			ClientID: c.Uplink.MQTT.ClientID,
			NodeID:   c.Node.ID,
		})
	case "influx":
		return transport.NewInflux(transport.InfluxConfig{
			URL:    c.Uplink.Influx.URL,
			Token:  c.Uplink.Influx.Token,
			Org:    c.Uplink.Influx.Org,
			Bucket: c.Uplink.Influx.Bucket,
			NodeID: c.Node.ID,
		})
	default:
		return transport.NewSimulated(
			transport.WithJoinAfter(c.Uplink.Sim.JoinAfter),
			transport.WithBusyFor(c.Uplink.Sim.BusyFor),
		)
	}
}

// sensorByName looks a sensor up in the hardware registry.
func sensorByName(r *registry.Registry, name string) (sensornode.Sensor, error) {
	s, ok := r.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown or disabled sensor %q (available: %v)", name, r.Names())
	}
	return s, nil
}
