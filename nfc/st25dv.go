// Package nfc drives the ST25DV dynamic NFC tag. The node uses its EEPROM as
// a small shared memory between a phone and the firmware.
package nfc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/sensornode"
)

const (
	// UserAddress exposes the user EEPROM and the dynamic registers.
	UserAddress = 0x53
	// SystemAddress exposes the static configuration area.
	SystemAddress = 0x57
)

const (
	regGPOCtrlDyn uint16 = 0x2000
	regMBCtrlDyn  uint16 = 0x000D

	// GPO_EN, RF_PUT_MSG, RF_WRITE and FIELD_CHANGE interrupts
	gpoAllEvents byte = 0x95
	gpoEnable    byte = 0x80

	// user word written by the phone app
	counterAddress uint16 = 0x0000

	// ST25DV writes in blocks of 4 bytes
	writeChunk = 4

	EEPROMSize = 512
)

var ErrInvalidRange = errors.New("eeprom range out of bounds")

type ST25DVOpts struct {
	Retries     int
	RetryDelay  time.Duration
	WriteCycle  time.Duration
	SettleDelay time.Duration
	EnableDelay time.Duration
}

type ST25DVOpt func(*ST25DVOpts)

// WithRetries sets how many times dynamic register writes are attempted. An
// RF field in range makes the chip NACK I2C transfers.
func WithRetries(n int, delay time.Duration) ST25DVOpt {
	return func(o *ST25DVOpts) {
		if n > 0 {
			o.Retries = n
		}
		o.RetryDelay = delay
	}
}

func WithWriteCycle(d time.Duration) ST25DVOpt {
	return func(o *ST25DVOpts) {
		o.WriteCycle = d
	}
}

// WithInitDelays sets the waits after enabling and after clearing the mailbox.
func WithInitDelays(settle, enable time.Duration) ST25DVOpt {
	return func(o *ST25DVOpts) {
		o.SettleDelay = settle
		o.EnableDelay = enable
	}
}

var _ sensornode.Sensor = &ST25DV{}

// ST25DV is a dynamic NFC/RFID tag with I2C EEPROM. "On" enables the GPO
// interrupt output, the EEPROM is readable either way.
type ST25DV struct {
	mx        sync.Mutex
	presence  sensornode.Presence
	config    ST25DVOpts
	transport sensornode.I2CBus
	valid     bool
	value     uint32
}

func NewST25DV(trans sensornode.I2CBus, opts ...ST25DVOpt) *ST25DV {
	config := ST25DVOpts{
		Retries:     5,
		RetryDelay:  10 * time.Millisecond,
		WriteCycle:  5 * time.Millisecond,
		SettleDelay: 50 * time.Millisecond,
		EnableDelay: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &ST25DV{transport: trans, config: config}
}

func (s *ST25DV) Name() string { return "nfc" }

func (s *ST25DV) Is(ctx context.Context, tryInit bool) bool {
	return s.presence.Is(ctx, tryInit, s.Init)
}

func memWrite(reg uint16, data ...byte) []byte {
	return append(binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(data)), reg), data...)
}

func (s *ST25DV) writeRetry(ctx context.Context, reg uint16, value byte) error {
	var err error
	for i := 0; i < s.config.Retries; i++ {
		if i > 0 {
			if werr := sensornode.Wait(ctx, s.config.RetryDelay); werr != nil {
				return werr
			}
		}
		err = s.transport.WriteToAddr(ctx, UserAddress, memWrite(reg, value))
		if err == nil {
			return nil
		}
	}
	return err
}

// Init checks the tag answers, resets the mailbox control and leaves the
// GPO output disabled.
func (s *ST25DV) Init(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := sensornode.Probe(ctx, s.transport, UserAddress); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("st25dv: %w", err)
	}
	if err := s.writeRetry(ctx, regMBCtrlDyn, 0x01); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("st25dv: enable mailbox failed: %w", err)
	}
	if err := sensornode.Wait(ctx, s.config.SettleDelay); err != nil {
		return err
	}
	// clears both host and RF put flags
	if err := s.transport.WriteToAddr(ctx, UserAddress, memWrite(regMBCtrlDyn, 0x00)); err != nil {
		s.presence.Set(false)
		return fmt.Errorf("st25dv: clear mailbox failed: %w", err)
	}
	if err := sensornode.Wait(ctx, s.config.EnableDelay); err != nil {
		return err
	}
	s.presence.Set(true)
	return s.off(ctx)
}

func (s *ST25DV) On(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.writeRetry(ctx, regGPOCtrlDyn, gpoAllEvents); err != nil {
		return fmt.Errorf("st25dv: on failed: %w", err)
	}
	return nil
}

func (s *ST25DV) Off(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.off(ctx)
}

func (s *ST25DV) off(ctx context.Context) error {
	if err := s.writeRetry(ctx, regGPOCtrlDyn, 0x00); err != nil {
		return fmt.Errorf("st25dv: off failed: %w", err)
	}
	return nil
}

func (s *ST25DV) IsOn(ctx context.Context) (bool, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.isOn(ctx)
}

func (s *ST25DV) isOn(ctx context.Context) (bool, error) {
	buf := make([]byte, 1)
	if err := sensornode.ReadRegister(ctx, s.transport, UserAddress, memWrite(regGPOCtrlDyn), buf); err != nil {
		return false, fmt.Errorf("st25dv: read gpo control failed: %w", err)
	}
	return buf[0]&gpoEnable != 0, nil
}

// Read loads the 32-bit big endian user word at the start of the EEPROM.
func (s *ST25DV) Read(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	on, err := s.isOn(ctx)
	if err != nil {
		return err
	}
	if !on {
		return fmt.Errorf("st25dv: %w", sensornode.ErrTimeout)
	}
	buf := make([]byte, 4)
	if err := s.readEEPROM(ctx, counterAddress, buf); err != nil {
		return err
	}
	s.value = binary.BigEndian.Uint32(buf)
	s.valid = true
	return nil
}

func (s *ST25DV) Value() (uint32, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.value, s.valid
}

func (s *ST25DV) Fields() []sensornode.Field {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !s.valid {
		return nil
	}
	return []sensornode.Field{sensornode.Int("nfc", int64(s.value))}
}

func checkRange(addr uint16, n int) error {
	if n < 0 || int(addr)+n > EEPROMSize {
		return fmt.Errorf("st25dv: %d@%#x: %w", n, addr, ErrInvalidRange)
	}
	return nil
}

func (s *ST25DV) readEEPROM(ctx context.Context, addr uint16, buf []byte) error {
	if err := checkRange(addr, len(buf)); err != nil {
		return err
	}
	if err := sensornode.ReadRegister(ctx, s.transport, UserAddress, memWrite(addr), buf); err != nil {
		return fmt.Errorf("st25dv: read eeprom failed: %w", err)
	}
	return nil
}

// ReadEEPROM reads len(buf) bytes of user memory starting at addr.
func (s *ST25DV) ReadEEPROM(ctx context.Context, addr uint16, buf []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.readEEPROM(ctx, addr, buf)
}

// WriteEEPROM programs data at addr in 4-byte blocks, waiting one write
// cycle after each block.
func (s *ST25DV) WriteEEPROM(ctx context.Context, addr uint16, data []byte) error {
	if err := checkRange(addr, len(data)); err != nil {
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	for i := 0; i < len(data); i += writeChunk {
		chunk := data[i:min(i+writeChunk, len(data))]
		err := s.transport.WriteToAddr(ctx, UserAddress, memWrite(addr+uint16(i), chunk...))
		if werr := sensornode.Wait(ctx, s.config.WriteCycle); werr != nil && err == nil {
			err = werr
		}
		if err != nil {
			return fmt.Errorf("st25dv: write eeprom at %#x failed: %w", addr+uint16(i), err)
		}
	}
	return nil
}

// WriteValue stores the user word read back by Read.
func (s *ST25DV) WriteValue(ctx context.Context, v uint32) error {
	return s.WriteEEPROM(ctx, counterAddress, binary.BigEndian.AppendUint32(nil, v))
}

// ResetEEPROM zeroes the first n bytes of user memory.
func (s *ST25DV) ResetEEPROM(ctx context.Context, n int) error {
	return s.WriteEEPROM(ctx, 0, make([]byte, n))
}
