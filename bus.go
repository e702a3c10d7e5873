package sensornode

import (
	"context"
	"errors"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")
var ErrNoDevice = fmt.Errorf("no device acknowledged the address")

type BusReader interface {
	Read(ctx context.Context, buffer []byte) error
}

type BusWriter interface {
	Write(ctx context.Context, buffer []byte) error
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// Prober checks whether a device acknowledges its address. Implementations
// return ErrNoDevice for a NACK and ErrBusBusy when the controller is wedged.
type Prober interface {
	Probe(ctx context.Context, address byte) error
}

// Resetter reinitializes the bus controller.
type Resetter interface {
	Reset(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
	Prober
}

type I2CDevice interface {
	BusReader
	BusWriter
}

// Probe checks device presence. A busy result is retried exactly once, the
// bus guard has reset the controller in between.
func Probe(ctx context.Context, bus Prober, address byte) error {
	err := bus.Probe(ctx, address)
	if errors.Is(err, ErrBusBusy) {
		err = bus.Probe(ctx, address)
	}
	if err != nil {
		return fmt.Errorf("probe %#x: %w", address, err)
	}
	return nil
}

// ReadRegister writes reg to the device and reads len(buffer) bytes back.
func ReadRegister(ctx context.Context, bus I2CBus, address byte, reg []byte, buffer []byte) error {
	if err := bus.WriteToAddr(ctx, address, reg); err != nil {
		return err
	}
	return bus.ReadFromAddr(ctx, address, buffer)
}
