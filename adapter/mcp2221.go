package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/sensornode"
	"github.com/mklimuk/sensornode/snsctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrDeviceNotFound = errors.New("MCP2221 device not found")

var _ sensornode.I2CBus = &MCP2221{}
var _ sensornode.Resetter = &MCP2221{}

// HID report opcodes
const (
	cmdStatusSetParams byte = 0x10
	cmdI2CWrite        byte = 0x90
	cmdI2CRead         byte = 0x91
	cmdI2CReadData     byte = 0x40
	cmdSetGPIOValues   byte = 0x50
	cmdGetGPIOValues   byte = 0x51
	cmdSetSRAM         byte = 0xB1
	cmdGetSRAM         byte = 0xB0

	statusCancelTransfer byte = 0x10
	statusSetSpeed       byte = 0x20
	respEngineBusy       byte = 0x01
	respReadError        byte = 0x41
)

// MCP2221 is a USB-HID to I2C bridge. Every request is a 64 byte report
// answered by a 64 byte response.
type MCP2221 struct {
	mx           sync.Mutex
	request      []byte
	response     []byte
	responseWait time.Duration
	speedDivider byte
}

type MCP2221Status struct {
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	ReadPending            int
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

// GPIOOperation selects plain GPIO on any pin. Alternate functions are not
// used by the node.
const GPIOOperation GPIODesignation = 0b00000000

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

// GPIOPin is the state of one GP pin. Designation is only filled from the
// SRAM settings, Value only from a live read.
type GPIOPin struct {
	Mode        GPIOMode        `yaml:"mode"`
	Designation GPIODesignation `yaml:"designation"`
	Value       byte            `yaml:"value"`
}

// GPIOPins holds GP0..GP3 in order.
type GPIOPins [4]GPIOPin

type MCP2221Opt func(*MCP2221)

// WithSpeed sets the I2C clock in Hz, applied by Init and after every reset.
func WithSpeed(hz int) MCP2221Opt {
	return func(d *MCP2221) {
		// 12 MHz internal clock, divider = 12e6/hz - 2 (datasheet 3.1.1)
		if hz > 0 {
			d.speedDivider = byte(12_000_000/hz - 2)
		}
	}
}

func NewMCP2221(opts ...MCP2221Opt) *MCP2221 {
	d := &MCP2221{
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init checks the bridge is attached and applies the configured bus speed.
func (d *MCP2221) Init(ctx context.Context) error {
	if len(hid.Enumerate(VendorID, ProductID)) == 0 {
		return ErrDeviceNotFound
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.applySpeed(ctx)
}

func (d *MCP2221) applySpeed(ctx context.Context) error {
	if d.speedDivider == 0 {
		return nil
	}
	d.resetBuffers()
	d.request[0] = cmdStatusSetParams
	d.request[3] = statusSetSpeed
	d.request[4] = d.speedDivider
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set speed request failed: %w", err)
	}
	if d.response[3] != statusSetSpeed {
		return fmt.Errorf("speed change rejected: %w", sensornode.ErrBusBusy)
	}
	return nil
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdI2CWrite
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	if len(buffer) > 0 {
		copy(d.request[4:], buffer)
	}
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	if d.response[1] == respEngineBusy {
		slog.Debug("adapter busy", "address", address)
		return sensornode.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.read(ctx, address, buffer)
}

func (d *MCP2221) read(ctx context.Context, address byte, buffer []byte) error {
	d.resetBuffers()
	d.request[0] = cmdI2CRead
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.response[1] == respEngineBusy {
		return sensornode.ErrBusBusy
	}
	d.request[0] = cmdI2CReadData
	clear(d.response)
	err = d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == respReadError {
		return fmt.Errorf("%w: slave %#x did not answer", sensornode.ErrNoDevice, address)
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

// Probe reads a single byte from address.
func (d *MCP2221) Probe(ctx context.Context, address byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	var scratch [1]byte
	err := d.read(ctx, address, scratch[:])
	if err == nil || errors.Is(err, sensornode.ErrBusBusy) || errors.Is(err, sensornode.ErrNoDevice) {
		return err
	}
	return fmt.Errorf("%w: %v", sensornode.ErrNoDevice, err)
}

// Reset cancels any pending transfer, which frees a stuck I2C engine, and
// restores the bus speed.
func (d *MCP2221) Reset(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if _, err := d.releaseBus(ctx); err != nil {
		return err
	}
	return d.applySpeed(ctx)
}

// SetGPIOParameters writes mode and designation of all four pins to SRAM.
func (d *MCP2221) SetGPIOParameters(ctx context.Context, pins GPIOPins) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetSRAM
	d.request[1] = 0x01
	for i, p := range pins {
		d.request[2+i] = byte(p.Designation) | byte(p.Mode)
	}
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set GP parameters failed: %w", err)
	}
	if d.response[1] == respEngineBusy {
		return ErrCommandFailed
	}
	return nil
}

// SetGPIOOutput drives one of the four GP pins. The pin must be configured
// as an output.
func (d *MCP2221) SetGPIOOutput(ctx context.Context, pin int, high bool) error {
	if pin < 0 || pin > 3 {
		return fmt.Errorf("invalid GP pin %d", pin)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetGPIOValues
	// each pin has 4 bytes: alter output, output value, alter direction, direction
	offset := 2 + pin*4
	d.request[offset] = 0x01
	if high {
		d.request[offset+1] = 0x01
	}
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("set GPIO values command write failed: %w", err)
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

// ReadGPIO returns live direction and value of every pin. Pins not
// configured for GPIO report GPIOModeNoOperation.
func (d *MCP2221) ReadGPIO(ctx context.Context, id ...int) (GPIOPins, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetGPIOValues
	var pins GPIOPins
	if err := d.send(ctx, true, id...); err != nil {
		return pins, fmt.Errorf("read GPIO values failed: %w", err)
	}
	if d.response[1] == respEngineBusy {
		return pins, ErrCommandFailed
	}
	for i := range pins {
		pins[i].Mode, pins[i].Value = gpioValue(d.response[2+2*i], d.response[3+2*i])
	}
	return pins, nil
}

func gpioValue(value, direction byte) (GPIOMode, byte) {
	if direction == byte(GPIOModeNoOperation) {
		return GPIOModeNoOperation, value
	}
	return GPIOMode(direction << 3), value
}

// GetGPIOParameters reads mode and designation of all four pins from SRAM.
func (d *MCP2221) GetGPIOParameters(ctx context.Context) (GPIOPins, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetSRAM
	d.request[1] = 0x01
	var pins GPIOPins
	if err := d.send(ctx, true); err != nil {
		return pins, fmt.Errorf("get GP parameters failed: %w", err)
	}
	if d.response[1] == respEngineBusy {
		return pins, ErrCommandUnsupported
	}
	for i := range pins {
		b := d.response[4+i]
		pins[i].Mode = GPIOMode(b & gpioModeMask)
		pins[i].Designation = GPIODesignation(b & gpioOperationMask)
	}
	return pins, nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatusSetParams
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9-10: requested I2C transfer length (LE)
		11-12: already transferred number of bytes (LE)
		13: internal I2C data buffer counter
		14: current I2C speed divider
		15: current I2C timeout
		16-17: I2C address being used
		25: read pending
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatusSetParams
	d.request[2] = statusCancelTransfer
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("cancel transfer request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

// open picks the bridge by enumeration index. Without an index exactly one
// bridge must be attached.
func open(id ...int) (*hid.Device, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	switch {
	case len(devs) == 0:
		return nil, ErrDeviceNotFound
	case len(id) == 0 && len(devs) > 1:
		return nil, fmt.Errorf("%d bridges attached, pick one by index", len(devs))
	}
	idx := 0
	if len(id) > 0 {
		idx = id[0]
	}
	if idx < 0 || idx >= len(devs) {
		return nil, fmt.Errorf("no bridge with index %d", idx)
	}
	dev, err := devs[idx].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening bridge: %w", err)
	}
	return dev, nil
}

// send writes the request report and, when asked, reads the response. The
// HID handle is opened per exchange so an unplugged bridge is noticed.
func (d *MCP2221) send(ctx context.Context, response bool, id ...int) error {
	dev, err := open(id...)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close hid device", "error", err)
		}
	}()
	verbose := snsctx.IsVerbose(ctx)
	if verbose {
		slog.Debug("sending message to adapter", "dump", hex.Dump(d.request))
	}
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	if err := sensornode.Wait(ctx, d.responseWait); err != nil {
		return err
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != 64 {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		slog.Debug("read message from adapter", "dump", hex.Dump(d.response))
	}
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
