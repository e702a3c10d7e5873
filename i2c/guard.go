package i2c

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/sensornode"
)

// ResettableBus is a bus whose controller can be reinitialized.
type ResettableBus interface {
	sensornode.I2CBus
	sensornode.Resetter
}

var _ sensornode.I2CBus = &Guard{}

const DefaultResetDelay = 100 * time.Millisecond

type GuardOpt func(*Guard)

// WithResetDelay sets the pause between deinit and reinit.
func WithResetDelay(d time.Duration) GuardOpt {
	return func(g *Guard) {
		g.resetDelay = d
	}
}

// Guard recovers a wedged bus. A probe that reports ErrBusBusy resets the
// controller before the original error is returned; a plain NACK does not.
type Guard struct {
	bus        ResettableBus
	resetDelay time.Duration
	resets     int
}

func NewGuard(bus ResettableBus, opts ...GuardOpt) *Guard {
	g := &Guard{bus: bus, resetDelay: DefaultResetDelay}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Probe(ctx context.Context, address byte) error {
	err := g.bus.Probe(ctx, address)
	if errors.Is(err, sensornode.ErrBusBusy) {
		slog.Warn("i2c bus busy during probe, resetting controller", "address", fmt.Sprintf("%#x", address))
		if rerr := g.Reset(ctx); rerr != nil {
			slog.Error("i2c bus reset failed", "error", rerr)
		}
	}
	return err
}

// Reset deinitializes the controller, waits and reinitializes it.
func (g *Guard) Reset(ctx context.Context) error {
	g.resets++
	if err := sensornode.Wait(ctx, g.resetDelay); err != nil {
		return err
	}
	if err := g.bus.Reset(ctx); err != nil {
		return fmt.Errorf("i2c guard: reset failed: %w", err)
	}
	return nil
}

// Resets returns how many controller resets the guard performed.
func (g *Guard) Resets() int {
	return g.resets
}

func (g *Guard) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	return g.bus.ReadFromAddr(ctx, address, buffer)
}

func (g *Guard) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	return g.bus.WriteToAddr(ctx, address, buffer)
}

func (g *Guard) Release(ctx context.Context) error {
	return g.bus.Release(ctx)
}

// Scan probes every 7-bit address and returns those that acknowledged.
func Scan(ctx context.Context, bus sensornode.Prober) ([]byte, error) {
	var found []byte
	for addr := byte(0x01); addr < 0x7F; addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if err := bus.Probe(ctx, addr); err == nil {
			found = append(found, addr)
		}
	}
	return found, nil
}
