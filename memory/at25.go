// Package memory provides the AT25EU0041A SPI flash driver and the flash
// backed wake-up counter reported by the node.
//
// The flash is driven through gobot's SPI driver. On a NanoPi:
//
//	adaptor := nanopi.NewNeoAdaptor()
//	f, err := memory.OpenFlash(adaptor, 0, 0, 5_000_000)
//	if err != nil { log.Fatal(err) }
//	id, _ := f.ID(ctx)
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/spi"

	"github.com/mklimuk/sensornode"
)

// --- device constants (AT25EU0041A instruction set) ---
const (
	cmdReadID      = 0x9F
	cmdRead        = 0x03
	cmdPageProgram = 0x02
	cmdWREN        = 0x06
	cmdRDSR        = 0x05
	cmdSectorErase = 0x20
	cmdPowerDown   = 0xB9
	cmdResume      = 0xAB

	statusWIP = 0x01 // STATUS bit 0, operation in progress

	ManufacturerID = 0x1F

	PageSize   = 256
	SectorSize = 4096
	Capacity   = 512 * 1024 // 4 Mbit
)

var (
	ErrOutOfRange   = errors.New("address out of range")
	ErrWrongID      = errors.New("unexpected manufacturer id")
	ErrWriteTimeout = errors.New("timeout waiting for write completion")
)

// Conn is the subset of gobot's SPI connection the flash needs. Every call
// is one chip-select framed transaction.
type Conn interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

type FlashOpt func(*Flash)

// WithPollInterval sets the delay between status polls while a write is in progress.
func WithPollInterval(d time.Duration) FlashOpt {
	return func(f *Flash) {
		f.pollInterval = d
	}
}

// WithWriteTimeout bounds page program and sector erase cycles.
func WithWriteTimeout(d time.Duration) FlashOpt {
	return func(f *Flash) {
		f.writeTimeout = d
	}
}

// Flash is an AT25EU0041A serial NOR flash.
type Flash struct {
	mx           sync.Mutex
	conn         Conn
	pollInterval time.Duration
	writeTimeout time.Duration
	resumeDelay  time.Duration
}

func NewFlash(conn Conn, opts ...FlashOpt) *Flash {
	f := &Flash{
		conn:         conn,
		pollInterval: 500 * time.Microsecond,
		writeTimeout: 500 * time.Millisecond,
		resumeDelay:  50 * time.Microsecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// OpenFlash starts a gobot SPI driver on the given bus and chip select and
// wraps its connection.
func OpenFlash(adaptor spi.Connector, bus, chip int, speed int64, opts ...FlashOpt) (*Flash, error) {
	d := spi.NewDriver(adaptor, "at25", spi.WithBusNumber(bus), spi.WithChipNumber(chip))
	// mode 0 (CPOL=0, CPHA=0)
	d.SetMode(0)
	if speed > 0 {
		d.SetSpeed(speed)
	}
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("flash: spi start failed: %w", err)
	}
	conn, ok := d.Connection().(Conn)
	if !ok {
		return nil, fmt.Errorf("flash: spi connection does not support required operations")
	}
	return NewFlash(conn, opts...), nil
}

// ID returns the manufacturer, device type and density bytes.
func (f *Flash) ID(ctx context.Context) ([3]byte, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	var id [3]byte
	if err := f.conn.ReadCommandData([]byte{cmdReadID}, id[:]); err != nil {
		return id, fmt.Errorf("flash: read id failed: %w", err)
	}
	if id[0] != ManufacturerID {
		return id, fmt.Errorf("flash: got %#x: %w", id[0], ErrWrongID)
	}
	return id, nil
}

func header(cmd byte, address uint32) []byte {
	return []byte{cmd, byte(address >> 16), byte(address >> 8), byte(address)}
}

// Read returns length bytes starting at address.
func (f *Flash) Read(ctx context.Context, address uint32, length int) ([]byte, error) {
	if length < 0 || address+uint32(length) > Capacity {
		return nil, fmt.Errorf("flash: read %d@%#x: %w", length, address, ErrOutOfRange)
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	data := make([]byte, length)
	if err := f.conn.ReadCommandData(header(cmdRead, address), data); err != nil {
		return nil, fmt.Errorf("flash: read failed: %w", err)
	}
	return data, nil
}

// Write programs data at address, splitting it on page boundaries and
// polling the status register until each page cycle completes. The target
// range must have been erased.
func (f *Flash) Write(ctx context.Context, address uint32, data []byte) error {
	if address+uint32(len(data)) > Capacity {
		return fmt.Errorf("flash: write %d@%#x: %w", len(data), address, ErrOutOfRange)
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	offset := 0
	for offset < len(data) {
		space := PageSize - int(address%PageSize)
		chunk := data[offset:]
		if len(chunk) > space {
			chunk = chunk[:space]
		}
		if err := f.pageProgram(ctx, address, chunk); err != nil {
			return err
		}
		offset += len(chunk)
		address += uint32(len(chunk))
	}
	return nil
}

// EraseSector sets the 4 KiB sector containing address to 0xFF.
func (f *Flash) EraseSector(ctx context.Context, address uint32) error {
	if address >= Capacity {
		return fmt.Errorf("flash: erase %#x: %w", address, ErrOutOfRange)
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.conn.WriteBytes(header(cmdSectorErase, address&^(SectorSize-1))); err != nil {
		return fmt.Errorf("flash: sector erase failed: %w", err)
	}
	return f.waitUntilReady(ctx)
}

// PowerDown enters deep power-down. Only Resume is accepted afterwards.
func (f *Flash) PowerDown(ctx context.Context) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if err := f.conn.WriteBytes([]byte{cmdPowerDown}); err != nil {
		return fmt.Errorf("flash: power down failed: %w", err)
	}
	return nil
}

func (f *Flash) Resume(ctx context.Context) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	if err := f.conn.WriteBytes([]byte{cmdResume}); err != nil {
		return fmt.Errorf("flash: resume failed: %w", err)
	}
	return sensornode.Wait(ctx, f.resumeDelay)
}

// Status returns the status register.
func (f *Flash) Status(ctx context.Context) (byte, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.readStatus()
}

// --- helpers ---
func (f *Flash) writeEnable() error {
	if err := f.conn.WriteBytes([]byte{cmdWREN}); err != nil {
		return fmt.Errorf("flash: write enable failed: %w", err)
	}
	return nil
}

func (f *Flash) readStatus() (byte, error) {
	st := make([]byte, 1)
	if err := f.conn.ReadCommandData([]byte{cmdRDSR}, st); err != nil {
		return 0, fmt.Errorf("flash: read status failed: %w", err)
	}
	return st[0], nil
}

func (f *Flash) waitUntilReady(ctx context.Context) error {
	deadline := time.Now().Add(f.writeTimeout)
	for {
		st, err := f.readStatus()
		if err != nil {
			return err
		}
		if st&statusWIP == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("flash: %w", ErrWriteTimeout)
		}
		if err := sensornode.Wait(ctx, f.pollInterval); err != nil {
			return err
		}
	}
}

func (f *Flash) pageProgram(ctx context.Context, address uint32, data []byte) error {
	if len(data) == 0 || len(data) > PageSize {
		return fmt.Errorf("flash: invalid page size %d", len(data))
	}
	if err := f.writeEnable(); err != nil {
		return err
	}
	tx := append(header(cmdPageProgram, address), data...)
	if err := f.conn.WriteBytes(tx); err != nil {
		return fmt.Errorf("flash: page program failed: %w", err)
	}
	return f.waitUntilReady(ctx)
}
