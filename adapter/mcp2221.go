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

	"github.com/mklimuk/twipoll"
	"github.com/mklimuk/twipoll/busctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

// MCP2221 internal clock used to derive the I2C speed divider
const mcp2221Clock = 12_000_000

const (
	cmdStatus     byte = 0x10
	cmdWriteData  byte = 0x90
	cmdReadData   byte = 0x91
	cmdGetI2CData byte = 0x40

	statusCancelTransfer byte = 0x10
	statusSetSpeed       byte = 0x20
	statusSpeedAccepted  byte = 0x20

	// i2c engine state reported in byte 8 of the status response
	stateAddrNack byte = 0x25
)

var _ twipoll.I2CBus = &MCP2221{}

var ErrCommandFailed = errors.New("command failed")

// hidDevice is the part of an opened HID device the adapter talks to.
type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

// MCP2221 is a Microchip MCP2221 USB to I2C bridge. Every command opens the
// HID device, exchanges one 64 byte report and closes it again.
type MCP2221 struct {
	mx           sync.Mutex
	open         func(device int) (hidDevice, error)
	request      []byte
	response     []byte
	responseWait time.Duration
	speed        int
	device       int
}

type MCP2221Status struct {
	I2CDataBufferCounter   int    `yaml:"i2c_data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"i2c_speed_divider"`
	I2CTimeout             int    `yaml:"i2c_timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested_size"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent_size"`
	ReadPending            int    `yaml:"read_pending"`
}

type MCP2221Opt func(*MCP2221)

// WithSpeed sets the I2C clock applied by Init, in Hz.
func WithSpeed(hz int) MCP2221Opt {
	return func(d *MCP2221) {
		d.speed = hz
	}
}

// WithDevice selects the adapter by enumeration index when several are plugged in.
func WithDevice(id int) MCP2221Opt {
	return func(d *MCP2221) {
		d.device = id
	}
}

func NewMCP2221(opts ...MCP2221Opt) *MCP2221 {
	d := &MCP2221{
		open:         openHID,
		request:      make([]byte, 64),
		response:     make([]byte, 64),
		responseWait: 50 * time.Millisecond,
		speed:        100_000,
		device:       -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init applies the configured bus speed.
func (d *MCP2221) Init(ctx context.Context) error {
	return d.SetSpeed(ctx, d.speed)
}

func (d *MCP2221) SetSpeed(ctx context.Context, hz int) error {
	if hz <= 0 || mcp2221Clock/hz < 4 {
		return fmt.Errorf("unsupported i2c speed: %d Hz", hz)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = statusSetSpeed
	d.request[4] = byte(mcp2221Clock/hz - 3)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("set speed request failed: %w", err)
	}
	if d.response[3] != statusSpeedAccepted {
		return fmt.Errorf("speed %d Hz not accepted: %w", hz, ErrCommandFailed)
	}
	return nil
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdWriteData
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	if len(buffer) > 0 {
		copy(d.request[4:], buffer)
	}
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	// write could not be performed
	if d.response[1] == 0x01 {
		slog.Debug("adapter busy")
		return twipoll.ErrBusBusy
	}
	// the write command is acknowledged before the transfer runs, the slave
	// answer is only visible in the engine state
	d.resetBuffers()
	d.request[0] = cmdStatus
	err = d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("status after write to %x failed: %w", address, err)
	}
	if d.response[8] == stateAddrNack {
		return fmt.Errorf("write to %x: %w", address, twipoll.ErrNoAcknowledge)
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdReadData
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.response[1] == 0x01 {
		return twipoll.ErrBusBusy
	}
	d.request[0] = cmdGetI2CData
	resetBuffer(d.response)
	err = d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	// the engine could not read from the slave
	if d.response[1] == 0x41 {
		return fmt.Errorf("read from %x: %w", address, twipoll.ErrNoAcknowledge)
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}

	copy(buffer, d.response[4:])
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
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

// Release cancels the current I2C transfer, freeing the bus.
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
	d.request[0] = cmdStatus
	d.request[2] = statusCancelTransfer
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func openHID(device int) (hidDevice, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) > 1 && device < 0 {
		return nil, fmt.Errorf("ambiguous device identification")
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("MCP2221 device not found")
	}
	idx := 0
	if device >= 0 {
		if device >= len(devs) {
			return nil, fmt.Errorf("no device with id %d", device)
		}
		idx = device
	}
	dev, err := devs[idx].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

func (d *MCP2221) send(ctx context.Context, response bool) error {
	dev, err := d.open(d.device)
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Debug("could not close adapter", "error", err)
		}
	}()
	verbose := busctx.IsVerbose(ctx)
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
	timer := time.NewTimer(d.responseWait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
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
	resetBuffer(d.request)
	resetBuffer(d.response)
}

func resetBuffer(buf []byte) {
	for i := range buf {
		buf[i] = 0x00
	}
}
