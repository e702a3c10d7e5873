package memory

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mklimuk/sensornode"
)

// Device is the flash API the counter relies on.
type Device interface {
	ID(ctx context.Context) ([3]byte, error)
	Read(ctx context.Context, address uint32, length int) ([]byte, error)
	Write(ctx context.Context, address uint32, data []byte) error
	EraseSector(ctx context.Context, address uint32) error
	PowerDown(ctx context.Context) error
	Resume(ctx context.Context) error
}

var _ Device = &Flash{}
var _ sensornode.Sensor = &Counter{}

// erased flash reads back as all ones
const erasedWord = 0xFFFFFFFF

// counterSlots is the number of counter words in one sector.
const counterSlots = SectorSize / 4

type CounterOpt func(*Counter)

// WithBase sets the sector aligned address holding the counter.
func WithBase(address uint32) CounterOpt {
	return func(c *Counter) {
		c.base = address &^ (SectorSize - 1)
	}
}

// Counter is a persistent 32-bit counter logged through one flash sector.
// The first Read after On counts the power-on window by appending the
// incremented value to the next free word; the sector is erased only when
// all of its words are used. Later Reads in the same window report the
// same value.
type Counter struct {
	presence sensornode.Presence
	flash    Device
	base     uint32
	on       bool
	counted  bool
	valid    bool
	value    uint32
}

func NewCounter(flash Device, opts ...CounterOpt) *Counter {
	c := &Counter{flash: flash}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Counter) Name() string { return "flash" }

func (c *Counter) Is(ctx context.Context, tryInit bool) bool {
	return c.presence.Is(ctx, tryInit, c.Init)
}

func (c *Counter) Init(ctx context.Context) error {
	// a chip in deep power-down ignores the id command
	if err := c.flash.Resume(ctx); err != nil {
		c.presence.Set(false)
		return fmt.Errorf("flash counter: %w", err)
	}
	if _, err := c.flash.ID(ctx); err != nil {
		c.presence.Set(false)
		return fmt.Errorf("flash counter: %w", err)
	}
	c.presence.Set(true)
	c.on = true
	return c.Off(ctx)
}

func (c *Counter) On(ctx context.Context) error {
	if err := c.flash.Resume(ctx); err != nil {
		return fmt.Errorf("flash counter: on failed: %w", err)
	}
	c.on = true
	c.counted = false
	return nil
}

func (c *Counter) Off(ctx context.Context) error {
	if !c.on {
		return nil
	}
	if err := c.flash.PowerDown(ctx); err != nil {
		return fmt.Errorf("flash counter: off failed: %w", err)
	}
	c.on = false
	return nil
}

func (c *Counter) IsOn(ctx context.Context) (bool, error) {
	return c.on, nil
}

// Read counts the current window once. A failed write leaves the previous
// word in place so the stored count is kept.
func (c *Counter) Read(ctx context.Context) error {
	if !c.on {
		return fmt.Errorf("flash counter: %w", sensornode.ErrTimeout)
	}
	if c.counted {
		return nil
	}
	sector, err := c.flash.Read(ctx, c.base, SectorSize)
	if err != nil {
		return fmt.Errorf("flash counter: %w", err)
	}
	slot, n := lastWord(sector)
	n++
	if slot == counterSlots {
		if err := c.flash.EraseSector(ctx, c.base); err != nil {
			return fmt.Errorf("flash counter: %w", err)
		}
		slot = 0
	}
	address := c.base + uint32(slot)*4
	if err := c.flash.Write(ctx, address, binary.BigEndian.AppendUint32(nil, n)); err != nil {
		return fmt.Errorf("flash counter: %w", err)
	}
	c.value = n
	c.valid = true
	c.counted = true
	return nil
}

// lastWord returns the index of the first erased word and the value stored
// just before it, 0 for an erased sector.
func lastWord(sector []byte) (int, uint32) {
	var value uint32
	for slot := 0; slot < len(sector)/4; slot++ {
		w := binary.BigEndian.Uint32(sector[slot*4:])
		if w == erasedWord {
			return slot, value
		}
		value = w
	}
	return len(sector) / 4, value
}

// Value returns the last counter value.
func (c *Counter) Value() (uint32, bool) {
	return c.value, c.valid
}

func (c *Counter) Fields() []sensornode.Field {
	if !c.valid {
		return nil
	}
	return []sensornode.Field{sensornode.Int("flash", int64(c.value))}
}
