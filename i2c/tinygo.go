package i2c

import (
	"context"
	"errors"
	"fmt"

	"tinygo.org/x/drivers"

	"github.com/mklimuk/sensornode"
)

var _ sensornode.I2CBus = &TinyGoBus{}

// TinyGoBus adapts a tinygo drivers.I2C controller. Reset is delegated to the
// optional reinit function since the drivers interface has none.
type TinyGoBus struct {
	bus    drivers.I2C
	reinit func() error
}

func NewTinyGoBus(bus drivers.I2C, reinit func() error) *TinyGoBus {
	return &TinyGoBus{bus: bus, reinit: reinit}
}

func (b *TinyGoBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := b.bus.Tx(uint16(address), nil, buffer); err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, classify(err))
	}
	return nil
}

func (b *TinyGoBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := b.bus.Tx(uint16(address), buffer, nil); err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, classify(err))
	}
	return nil
}

func (b *TinyGoBus) Probe(ctx context.Context, address byte) error {
	var scratch [1]byte
	if err := b.bus.Tx(uint16(address), nil, scratch[:]); err != nil {
		err = classify(err)
		if errors.Is(err, sensornode.ErrBusBusy) {
			return err
		}
		return fmt.Errorf("%w: %#x: %v", sensornode.ErrNoDevice, address, err)
	}
	return nil
}

func (b *TinyGoBus) Release(ctx context.Context) error {
	return nil
}

func (b *TinyGoBus) Reset(ctx context.Context) error {
	if b.reinit == nil {
		return nil
	}
	return b.reinit()
}
