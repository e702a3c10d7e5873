package i2c

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/sensornode"
)

var _ sensornode.I2CBus = &GenericBus{}
var _ sensornode.Resetter = &GenericBus{}

// GenericBus is a host I2C controller opened through periph.
type GenericBus struct {
	mx    sync.Mutex
	dev   string
	speed physic.Frequency
	bus   i2c.BusCloser
}

func NewGenericBus(dev string) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		dev: dev,
		bus: bus,
	}, nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, classify(err))
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, classify(err))
	}
	return nil
}

// Probe performs a one byte read and reports whether the address acknowledged.
func (b *GenericBus) Probe(ctx context.Context, address byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var scratch [1]byte
	err := b.bus.Tx(uint16(address), nil, scratch[:])
	if err == nil {
		return nil
	}
	err = classify(err)
	if errors.Is(err, sensornode.ErrBusBusy) {
		return err
	}
	return fmt.Errorf("%w: %#x: %v", sensornode.ErrNoDevice, address, err)
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

// Reset closes the controller and opens it again.
func (b *GenericBus) Reset(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if err := b.bus.Close(); err != nil {
		slog.Warn("could not close i2c bus before reset", "device", b.dev, "error", err)
	}
	bus, err := i2creg.Open(b.dev)
	if err != nil {
		return fmt.Errorf("could not reopen i2c bus %s: %w", b.dev, err)
	}
	b.bus = bus
	if b.speed != 0 {
		if err := b.bus.SetSpeed(b.speed); err != nil {
			return fmt.Errorf("could not restore bus speed: %w", err)
		}
	}
	return nil
}

// SetSpeed sets the clock frequency, it is reapplied after every reset.
func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.speed = f
	return b.bus.SetSpeed(f)
}

func (b *GenericBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.bus.Close()
}

// classify maps controller lockups onto ErrBusBusy. The Linux i2c-dev driver
// reports them as EBUSY or ETIMEDOUT, periph flattens the errno into text.
func classify(err error) error {
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETIMEDOUT) {
		return fmt.Errorf("%w: %v", sensornode.ErrBusBusy, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "busy") || strings.Contains(msg, "timed out") {
		return fmt.Errorf("%w: %v", sensornode.ErrBusBusy, err)
	}
	return err
}
