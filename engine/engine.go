// Package engine emulates the register interface of a TWI master peripheral
// on top of a transaction-level I2C bus (Linux i2c-dev, USB bridges, ...).
//
// Every control write carrying twi.Int is executed synchronously against the
// bus and raises the event flag with the status a hardware engine would
// report. Address acknowledgment is checked with an empty write, the offset is
// written as its own transfer and the read phase fetches a whole frame at once,
// which is then handed out one byte per event.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/mklimuk/twipoll"
	"github.com/mklimuk/twipoll/busctx"
	"github.com/mklimuk/twipoll/twi"
)

var _ twi.Registers = &Engine{}

// DefaultFrameLength covers the seven payload bytes plus the byte the master
// refuses to acknowledge.
const DefaultFrameLength = 8

// idle bus lines read as ones
const idleByte = 0xFF

type state int

const (
	stateIdle state = iota
	// start condition sent, expecting an address
	stateStarted
	// bus owned, no slave addressed
	stateHeld
	stateTransmit
	stateReceive
)

type Opts struct {
	FrameLength int
	TxTimeout   time.Duration
}

type Opt func(*Opts)

func WithFrameLength(n int) Opt {
	return func(o *Opts) {
		o.FrameLength = n
	}
}

// WithTxTimeout bounds every bus transfer issued by the engine.
func WithTxTimeout(timeout time.Duration) Opt {
	return func(o *Opts) {
		o.TxTimeout = timeout
	}
}

type Engine struct {
	ctx    context.Context
	config Opts
	bus    twipoll.I2CBus

	state   state
	pending bool
	status  twi.Status
	data    byte
	address byte
	failed  bool

	frame []byte
	pos   int
}

// New creates an engine bound to bus. ctx is used as the parent of every bus
// transfer; its values (e.g. busctx verbosity) reach the transport.
func New(ctx context.Context, bus twipoll.I2CBus, opts ...Opt) *Engine {
	config := Opts{
		FrameLength: DefaultFrameLength,
		TxTimeout:   time.Second,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Engine{
		ctx:    ctx,
		config: config,
		bus:    bus,
		frame:  make([]byte, config.FrameLength),
	}
}

func (e *Engine) Pending() bool {
	return e.pending
}

func (e *Engine) Status() twi.Status {
	return e.status
}

func (e *Engine) Data() byte {
	return e.data
}

func (e *Engine) SetData(b byte) {
	e.data = b
}

func (e *Engine) Control(c twi.Control) {
	if !c.Has(twi.Int) {
		return
	}
	e.pending = false
	if !c.Has(twi.En) {
		e.release()
		return
	}
	switch {
	case c.Has(twi.Sta | twi.Sto):
		e.release()
		e.start(twi.Start)
	case c.Has(twi.Sta):
		if e.state == stateIdle {
			e.start(twi.Start)
			return
		}
		e.start(twi.RepeatedStart)
	case c.Has(twi.Sto):
		e.release()
	default:
		e.transfer(c)
	}
}

func (e *Engine) start(status twi.Status) {
	e.state = stateStarted
	e.raise(status)
}

func (e *Engine) raise(status twi.Status) {
	e.status = status
	e.pending = true
}

// release frees the bus. Transports are only asked to release it after a
// failed transfer.
func (e *Engine) release() {
	e.state = stateIdle
	if !e.failed {
		return
	}
	e.failed = false
	ctx, cancel := e.txContext()
	defer cancel()
	if err := e.bus.Release(ctx); err != nil {
		slog.Debug("could not release bus", "error", err)
	}
}

func (e *Engine) transfer(c twi.Control) {
	switch e.state {
	case stateStarted:
		e.address = e.data >> 1
		if e.data&0x01 == 0 {
			e.addressForWrite()
			return
		}
		e.addressForRead()
	case stateTransmit:
		e.writeByte()
	case stateReceive:
		e.readByte(c.Has(twi.Ack))
	default:
		e.fail(twi.BusError)
	}
}

func (e *Engine) addressForWrite() {
	ctx, cancel := e.txContext()
	defer cancel()
	err := e.bus.WriteToAddr(ctx, e.address, nil)
	if err != nil {
		e.nack(err, twi.MTAddrNack)
		return
	}
	e.state = stateTransmit
	e.raise(twi.MTAddrAck)
}

func (e *Engine) writeByte() {
	ctx, cancel := e.txContext()
	defer cancel()
	err := e.bus.WriteToAddr(ctx, e.address, []byte{e.data})
	if err != nil {
		e.nack(err, twi.MTDataNack)
		return
	}
	e.raise(twi.MTDataAck)
}

func (e *Engine) addressForRead() {
	ctx, cancel := e.txContext()
	defer cancel()
	err := e.bus.ReadFromAddr(ctx, e.address, e.frame)
	if err != nil {
		e.nack(err, twi.MRAddrNack)
		return
	}
	if busctx.IsVerbose(e.ctx) {
		slog.Debug("frame received", "address", e.address, "frame", hex.EncodeToString(e.frame))
	}
	e.pos = 0
	e.state = stateReceive
	e.raise(twi.MRAddrAck)
}

func (e *Engine) readByte(ack bool) {
	e.data = idleByte
	if e.pos < len(e.frame) {
		e.data = e.frame[e.pos]
	}
	e.pos++
	if ack {
		e.raise(twi.MRDataAck)
		return
	}
	// the slave lets go of the bus once its byte is refused
	e.state = stateHeld
	e.raise(twi.MRDataNack)
}

func (e *Engine) nack(err error, status twi.Status) {
	e.failed = true
	if errors.Is(err, twipoll.ErrBusBusy) {
		slog.Debug("bus busy", "address", e.address, "error", err)
		e.fail(twi.BusError)
		return
	}
	slog.Debug("transfer not acknowledged", "address", e.address, "status", status, "error", err)
	e.state = stateHeld
	e.raise(status)
}

func (e *Engine) fail(status twi.Status) {
	e.failed = true
	e.state = stateIdle
	e.raise(status)
}

func (e *Engine) txContext() (context.Context, context.CancelFunc) {
	if e.config.TxTimeout <= 0 {
		return context.WithCancel(e.ctx)
	}
	return context.WithTimeout(e.ctx, e.config.TxTimeout)
}
