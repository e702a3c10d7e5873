package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/sensornode"
)

type registry int

const DefaultMCP23017Address = 0x21

const (
	IODIR registry = iota
	GPPU
	GPIO
	OLAT
	IOCON
)

type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

// register addresses for IOCON.BANK=0 (power-on default), indexed by port
var bank0 = map[registry][2]byte{
	IODIR: {0x00, 0x01},
	GPPU:  {0x0C, 0x0D},
	GPIO:  {0x12, 0x13},
	OLAT:  {0x14, 0x15},
	IOCON: {0x0A, 0x0B},
}

// MCP23017 is a 16-bit I2C port expander. The node uses it to switch the
// sensor supply rail.
type MCP23017 struct {
	mx         sync.Mutex
	transport  sensornode.I2CBus
	address    byte
	retryLimit int
	latch      [2]byte
}

type MCP23017Opt func(*MCP23017)

// WithRetryLimit sets how many attempts a transfer gets when the bus reports busy.
func WithRetryLimit(n int) MCP23017Opt {
	return func(m *MCP23017) {
		if n > 0 {
			m.retryLimit = n
		}
	}
}

func NewMCP23017(bus sensornode.I2CBus, address byte, opts ...MCP23017Opt) *MCP23017 {
	m := &MCP23017{retryLimit: 2, transport: bus, address: address}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// retry runs op until it succeeds, fails with something other than a busy
// bus, or the retry limit is reached. The bus is released between attempts.
func (m *MCP23017) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, sensornode.ErrBusBusy) {
			return fmt.Errorf("mcp23017: %s: %w", what, err)
		}
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("mcp23017: %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, port Port, value byte) error {
	return m.retry(ctx, fmt.Sprintf("write %d on port %s", reg, port), func() error {
		return m.transport.WriteToAddr(ctx, m.address, []byte{bank0[reg][port], value})
	})
}

func (m *MCP23017) readRegistry(ctx context.Context, reg registry, port Port) (byte, error) {
	buf := make([]byte, 1)
	err := m.retry(ctx, fmt.Sprintf("read %d on port %s", reg, port), func() error {
		return sensornode.ReadRegister(ctx, m.transport, m.address, []byte{bank0[reg][port]}, buf)
	})
	return buf[0], err
}

// SetDirection writes IODIR for the port; a set bit is an input.
func (m *MCP23017) SetDirection(ctx context.Context, port Port, inputs byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.writeRegistry(ctx, IODIR, port, inputs)
}

// PullUp enables the internal pull-ups selected by mask.
func (m *MCP23017) PullUp(ctx context.Context, port Port, mask byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.writeRegistry(ctx, GPPU, port, mask)
}

// SetPin drives a single output pin, keeping the other latched outputs.
func (m *MCP23017) SetPin(ctx context.Context, port Port, pin int, high bool) error {
	if pin < 0 || pin > 7 {
		return fmt.Errorf("mcp23017: invalid pin %d", pin)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	latch := m.latch[port]
	if high {
		latch |= 1 << pin
	} else {
		latch &^= 1 << pin
	}
	if err := m.writeRegistry(ctx, OLAT, port, latch); err != nil {
		return err
	}
	m.latch[port] = latch
	return nil
}

// ReadPort returns the live logic levels of the port.
func (m *MCP23017) ReadPort(ctx context.Context, port Port) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.readRegistry(ctx, GPIO, port)
}

// Settings returns the IOCON register.
func (m *MCP23017) Settings(ctx context.Context) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.readRegistry(ctx, IOCON, PortA)
}
