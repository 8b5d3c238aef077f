// Package poller drives a write-then-read TWI transaction against a single
// slave: the register offset is written, the bus is restarted and a fixed-size
// payload is read back. The next transaction is started as soon as one
// completes, so once kicked off the poller keeps re-reading the same registers.
//
// Poll must be called serially from a single loop; Poller is not safe for
// concurrent use.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/mklimuk/twipoll/twi"
)

const (
	DefaultAddress      byte = 0x60
	DefaultOffset       byte = 0x02
	DefaultResetTimeout      = 10 * time.Millisecond
)

var ErrResetTimeout = errors.New("bus reset timed out")

// Observer receives a snapshot after every completed or aborted transaction.
// It is called from within Poll.
type Observer func(Snapshot)

type Opts struct {
	Address      byte
	Offset       byte
	ResetTimeout time.Duration
	Observer     Observer
}

type Opt func(*Opts)

// WithAddress sets the 7-bit slave address.
func WithAddress(addr byte) Opt {
	return func(o *Opts) {
		o.Address = addr
	}
}

// WithOffset sets the register offset the payload is read from.
func WithOffset(offset byte) Opt {
	return func(o *Opts) {
		o.Offset = offset
	}
}

// WithResetTimeout bounds the wait for the bus reset issued on address NACK.
// A zero timeout waits until the bus responds or the context is done.
func WithResetTimeout(timeout time.Duration) Opt {
	return func(o *Opts) {
		o.ResetTimeout = timeout
	}
}

func WithObserver(observer Observer) Opt {
	return func(o *Opts) {
		o.Observer = observer
	}
}

type Poller struct {
	config    Opts
	regs      twi.Registers
	writeAddr byte
	readAddr  byte

	phase    Phase
	received int
	payload  Payload
	diag     Diagnostics
}

func New(regs twi.Registers, opts ...Opt) *Poller {
	config := Opts{
		Address:      DefaultAddress,
		Offset:       DefaultOffset,
		ResetTimeout: DefaultResetTimeout,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Poller{
		config:    config,
		regs:      regs,
		writeAddr: twi.WriteAddress(config.Address),
		readAddr:  twi.ReadAddress(config.Address),
		phase:     PhaseAddressingForWrite,
	}
}

// Start issues the start condition that opens the first transaction.
func (p *Poller) Start() {
	p.regs.Control(twi.Int | twi.Sta | twi.En)
}

// Poll handles at most one pending bus event.
func (p *Poller) Poll(ctx context.Context) {
	p.diag.IdlePolls++
	if !p.regs.Pending() {
		return
	}
	status := p.regs.Status() & twi.StatusMask
	switch status {
	case twi.Start, twi.RepeatedStart:
		p.onStart()
	case twi.MTAddrAck:
		p.onWriteAddrAck()
	case twi.MTAddrNack:
		p.onWriteAddrNack(ctx, status)
	case twi.MTDataAck:
		p.onOffsetAck()
	case twi.MRAddrAck:
		p.onReadAddrAck()
	case twi.MRAddrNack:
		p.onReadAddrNack(ctx, status)
	case twi.MRDataAck:
		p.onDataAck()
	case twi.MRDataNack:
		p.onDataNack()
	default:
		p.onUnexpected(status)
	}
}

func (p *Poller) onStart() {
	if p.phase == PhaseAddressingForWrite {
		p.diag.Step = StepWriteAddress
		p.diag.WriteRetry = false
		p.diag.ReadRetry = false
		p.regs.SetData(p.writeAddr)
		p.regs.Control(twi.Int | twi.En)
		return
	}
	p.diag.Step = StepReadAddress
	p.diag.IdlePolls = 0
	p.diag.Restarts++
	p.regs.SetData(p.readAddr)
	p.regs.Control(twi.Int | twi.En)
}

func (p *Poller) onWriteAddrAck() {
	p.diag.Step = StepOffset
	p.regs.SetData(p.config.Offset)
	p.regs.Control(twi.Int | twi.En)
}

func (p *Poller) onWriteAddrNack(ctx context.Context, status twi.Status) {
	p.regs.Control(twi.Int | twi.Sta | twi.Sto | twi.En)
	if err := p.waitEvent(ctx); err != nil {
		p.abortRetry(status, err)
		return
	}
	slog.Debug("write address not acknowledged, retrying", "address", p.config.Address)
	p.regs.SetData(p.writeAddr)
	p.diag.WriteRetry = true
	p.regs.Control(twi.Int | twi.En)
}

func (p *Poller) onOffsetAck() {
	p.phase = PhaseAddressingForRead
	p.diag.Step = StepRepeatedStart
	p.regs.Control(twi.Int | twi.Sta | twi.En)
}

func (p *Poller) onReadAddrAck() {
	p.diag.Step = StepReading
	p.received = 0
	p.regs.Control(twi.Int | twi.En | twi.Ack)
}

func (p *Poller) onReadAddrNack(ctx context.Context, status twi.Status) {
	p.regs.Control(twi.Int | twi.Sta | twi.En)
	if err := p.waitEvent(ctx); err != nil {
		p.abortRetry(status, err)
		return
	}
	slog.Debug("read address not acknowledged, retrying", "address", p.config.Address)
	p.regs.SetData(p.readAddr)
	p.diag.ReadRetry = true
	p.regs.Control(twi.Int | twi.En)
}

func (p *Poller) onDataAck() {
	if p.received < PayloadLength {
		p.payload[p.received] = p.regs.Data()
		p.received++
		p.regs.Control(twi.Int | twi.En | twi.Ack)
		return
	}
	p.diag.Step = StepOverflow
	p.regs.Control(twi.Int | twi.En)
}

func (p *Poller) onDataNack() {
	// the NACKed byte is the last one of the frame
	if p.received < PayloadLength {
		p.payload[p.received] = p.regs.Data()
	}
	p.diag.Step = StepComplete
	p.diag.Completed++
	p.received = 0
	p.phase = PhaseAddressingForWrite
	p.regs.Control(twi.Int | twi.En | twi.Sta | twi.Sto)
	p.notify(EventComplete)
}

func (p *Poller) onUnexpected(status twi.Status) {
	p.fault(status, FaultUnexpectedStatus)
	slog.Warn("unexpected bus status, restarting transaction", "status", status)
	p.regs.Control(twi.Int | twi.En | twi.Sta | twi.Sto)
	p.notify(EventFault)
}

func (p *Poller) abortRetry(status twi.Status, err error) {
	p.fault(status, FaultResetTimeout)
	slog.Warn("bus reset did not complete, abandoning transaction", "status", status, "error", err)
	p.regs.Control(twi.Int | twi.En | twi.Sta | twi.Sto)
	p.notify(EventFault)
}

func (p *Poller) fault(status twi.Status, kind FaultKind) {
	p.received = 0
	p.phase = PhaseAddressingForWrite
	p.diag.Fault = true
	p.diag.FaultStatus = status
	p.diag.FaultKind = kind
}

// waitEvent spins until the bus signals the pending event.
func (p *Poller) waitEvent(ctx context.Context) error {
	var deadline time.Time
	if p.config.ResetTimeout > 0 {
		deadline = time.Now().Add(p.config.ResetTimeout)
	}
	for !p.regs.Pending() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrResetTimeout
		}
		runtime.Gosched()
	}
	return nil
}

func (p *Poller) notify(event Event) {
	if p.config.Observer == nil {
		return
	}
	s := p.Snapshot()
	s.Event = event
	p.config.Observer(s)
}

func (p *Poller) Phase() Phase {
	return p.phase
}

// Received returns the number of payload bytes stored in the running read phase.
func (p *Poller) Received() int {
	return p.received
}

func (p *Poller) Payload() Payload {
	return p.payload
}

func (p *Poller) Diagnostics() Diagnostics {
	return p.diag
}

func (p *Poller) Snapshot() Snapshot {
	return Snapshot{
		Time:        time.Now(),
		Phase:       p.phase,
		Received:    p.received,
		Payload:     p.payload,
		Diagnostics: p.diag,
	}
}
