package sensornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrBusy means the chip has not finished a conversion yet. Retry later.
	ErrBusy = errors.New("sensor busy")
	// ErrTimeout means a read was attempted while the sensor is powered off.
	ErrTimeout = errors.New("sensor is off")
	// ErrChecksum means a data integrity check failed.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrNotPresent is returned by operations on a sensor that was never detected.
	ErrNotPresent = errors.New("sensor not present")
)

// Sensor is the capability contract every driver satisfies.
type Sensor interface {
	Name() string
	// Is returns cached presence. When absent and tryInit is set, Init is
	// attempted once.
	Is(ctx context.Context, tryInit bool) bool
	Init(ctx context.Context) error
	On(ctx context.Context) error
	Off(ctx context.Context) error
	IsOn(ctx context.Context) (bool, error)
	// Read returns nil, ErrBusy, ErrTimeout or a wrapped bus/data error.
	Read(ctx context.Context) error
	// Fields returns the last valid reading formatted for the report.
	Fields() []Field
}

type Status int

const (
	StatusOk Status = iota
	StatusBusy
	StatusTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	default:
		return "error"
	}
}

// StatusOf maps a Read/Init result onto the four-way status taxonomy.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	default:
		return StatusError
	}
}

// Presence caches the result of the presence probe for one sensor.
type Presence struct {
	known bool
}

// Is implements Sensor.Is on top of the given init function.
func (p *Presence) Is(ctx context.Context, tryInit bool, init func(context.Context) error) bool {
	if !p.known && tryInit {
		_ = init(ctx)
	}
	return p.known
}

func (p *Presence) Set(known bool) {
	p.known = known
}

func (p *Presence) Known() bool {
	return p.known
}

var wallClock = clock.New()

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	return WaitOn(ctx, wallClock, d)
}

// WaitOn is Wait measured on clk.
func WaitOn(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cooldown delays the next command to a chip that needs an idle period after
// the previous one, without blocking the command that started it.
type Cooldown struct {
	until time.Time
	clock clock.Clock
}

// NewCooldown measures idle periods on clk, nil means the wall clock.
func NewCooldown(clk clock.Clock) *Cooldown {
	if clk == nil {
		clk = wallClock
	}
	return &Cooldown{clock: clk}
}

// Start schedules an idle period of d starting now.
func (c *Cooldown) Start(d time.Duration) {
	c.until = c.clock.Now().Add(d)
}

// Wait blocks until the idle period started by Start has passed.
func (c *Cooldown) Wait(ctx context.Context) error {
	remaining := c.until.Sub(c.clock.Now())
	if remaining <= 0 {
		return nil
	}
	if err := WaitOn(ctx, c.clock, remaining); err != nil {
		return fmt.Errorf("cooldown interrupted: %w", err)
	}
	return nil
}
