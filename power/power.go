// Package power implements the lifecycle hooks the sequencer calls around an
// acquisition cycle: switching the sensor supply rail and asking for low-power
// sleep once the cycle is done.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/adapter"
	"github.com/mklimuk/sensornode/gpio"
)

// Hooks is the lifecycle boundary between the sequencer and the board.
type Hooks interface {
	BusOn(ctx context.Context) error
	BusOff(ctx context.Context) error
	// RequestLowPowerSleep records that the node may sleep until the next cycle.
	RequestLowPowerSleep(ctx context.Context)
}

// Sleeper is implemented by hooks that hand the sleep request to the control loop.
type Sleeper interface {
	// SleepRequested reports and clears a pending sleep request.
	SleepRequested() bool
}

// Output is a single digital output.
type Output interface {
	Set(ctx context.Context, high bool) error
}

type sleepLatch struct {
	mx      sync.Mutex
	pending bool
	total   int
}

func (s *sleepLatch) request() {
	s.mx.Lock()
	s.pending = true
	s.total++
	s.mx.Unlock()
}

func (s *sleepLatch) SleepRequested() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	p := s.pending
	s.pending = false
	return p
}

// Requests returns how many sleep requests were made so far.
func (s *sleepLatch) Requests() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.total
}

var _ Hooks = &Host{}
var _ Sleeper = &Host{}

// Host has no supply rail to switch. It only records sleep requests.
type Host struct {
	sleepLatch
}

func NewHost() *Host {
	return &Host{}
}

func (h *Host) BusOn(ctx context.Context) error {
	return nil
}

func (h *Host) BusOff(ctx context.Context) error {
	return nil
}

func (h *Host) RequestLowPowerSleep(ctx context.Context) {
	slog.Debug("low power sleep requested")
	h.request()
}

var _ Hooks = &Rail{}
var _ Sleeper = &Rail{}

type RailOpt func(*Rail)

// WithActiveLow drives the output low to power the rail.
func WithActiveLow() RailOpt {
	return func(r *Rail) {
		r.activeLow = true
	}
}

// WithRampDelay sets how long the rail takes to stabilise after switching on.
func WithRampDelay(d time.Duration) RailOpt {
	return func(r *Rail) {
		r.ramp = d
	}
}

// WithBusReset resets the bus controller every time the rail comes up.
// Sensors that lost power mid-transfer can leave SDA held low.
func WithBusReset(bus sensornode.Resetter) RailOpt {
	return func(r *Rail) {
		r.bus = bus
	}
}

// Rail switches the sensor supply through a digital output.
type Rail struct {
	sleepLatch
	out       Output
	bus       sensornode.Resetter
	activeLow bool
	ramp      time.Duration
	on        bool
}

func NewRail(out Output, opts ...RailOpt) *Rail {
	r := &Rail{out: out, ramp: 5 * time.Millisecond}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Rail) BusOn(ctx context.Context) error {
	if err := r.out.Set(ctx, !r.activeLow); err != nil {
		return fmt.Errorf("power: rail on: %w", err)
	}
	r.on = true
	if err := sensornode.Wait(ctx, r.ramp); err != nil {
		return fmt.Errorf("power: rail ramp: %w", err)
	}
	if r.bus != nil {
		if err := r.bus.Reset(ctx); err != nil {
			return fmt.Errorf("power: bus reset: %w", err)
		}
	}
	return nil
}

func (r *Rail) BusOff(ctx context.Context) error {
	if err := r.out.Set(ctx, r.activeLow); err != nil {
		return fmt.Errorf("power: rail off: %w", err)
	}
	r.on = false
	return nil
}

// IsOn returns the last commanded rail state.
func (r *Rail) IsOn() bool {
	return r.on
}

func (r *Rail) RequestLowPowerSleep(ctx context.Context) {
	slog.Debug("low power sleep requested", "rail", r.on)
	r.request()
}

// ExpanderPin is an MCP23017 output pin.
type ExpanderPin struct {
	expander *gpio.MCP23017
	port     gpio.Port
	pin      int
}

func NewExpanderPin(expander *gpio.MCP23017, port gpio.Port, pin int) *ExpanderPin {
	return &ExpanderPin{expander: expander, port: port, pin: pin}
}

// Init configures the pin as an output. The remaining pins of the port stay inputs.
func (p *ExpanderPin) Init(ctx context.Context) error {
	return p.expander.SetDirection(ctx, p.port, ^byte(1<<p.pin))
}

func (p *ExpanderPin) Set(ctx context.Context, high bool) error {
	return p.expander.SetPin(ctx, p.port, p.pin, high)
}

// BridgePin is one of the four GP pins of the MCP2221 USB bridge, for bench
// setups where the rail switch hangs off the bridge.
type BridgePin struct {
	bridge *adapter.MCP2221
	pin    int
}

func NewBridgePin(bridge *adapter.MCP2221, pin int) *BridgePin {
	return &BridgePin{bridge: bridge, pin: pin}
}

// Init switches the pin to GPIO output, leaving the other pins as they are.
func (p *BridgePin) Init(ctx context.Context) error {
	pins, err := p.bridge.GetGPIOParameters(ctx)
	if err != nil {
		return fmt.Errorf("power: bridge pin %d: %w", p.pin, err)
	}
	pins[p.pin].Mode = adapter.GPIOModeOut
	pins[p.pin].Designation = adapter.GPIOOperation
	if err := p.bridge.SetGPIOParameters(ctx, pins); err != nil {
		return fmt.Errorf("power: bridge pin %d: %w", p.pin, err)
	}
	return nil
}

func (p *BridgePin) Set(ctx context.Context, high bool) error {
	return p.bridge.SetGPIOOutput(ctx, p.pin, high)
}
