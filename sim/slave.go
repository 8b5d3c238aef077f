package sim

import (
	"context"
	"sync"

	"github.com/mklimuk/twipoll"
)

var _ twipoll.I2CBus = &Slave{}

// UpdateFunc refreshes the register file before every read, the way a real
// sensor refreshes its measurement registers.
type UpdateFunc func(registers []byte)

type SlaveOpts struct {
	WriteNACKs int
	ReadNACKs  int
	Update     UpdateFunc
}

type SlaveOpt func(*SlaveOpts)

// WithWriteNACKs makes the first n address checks fail.
func WithWriteNACKs(n int) SlaveOpt {
	return func(o *SlaveOpts) {
		o.WriteNACKs = n
	}
}

// WithReadNACKs makes the first n reads fail.
func WithReadNACKs(n int) SlaveOpt {
	return func(o *SlaveOpts) {
		o.ReadNACKs = n
	}
}

func WithUpdate(update UpdateFunc) SlaveOpt {
	return func(o *SlaveOpts) {
		o.Update = update
	}
}

// Slave is an in-memory I2C slave with a 256 byte register file and an auto
// incrementing register pointer.
type Slave struct {
	mx        sync.Mutex
	config    SlaveOpts
	address   byte
	registers []byte
	pointer   byte
	reads     int
}

func NewSlave(address byte, opts ...SlaveOpt) *Slave {
	var config SlaveOpts
	for _, opt := range opts {
		opt(&config)
	}
	return &Slave{
		config:    config,
		address:   address,
		registers: make([]byte, 256),
	}
}

// Load writes data into the register file starting at offset.
func (s *Slave) Load(offset byte, data []byte) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for i, b := range data {
		s.registers[(int(offset)+i)%len(s.registers)] = b
	}
}

func (s *Slave) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if address != s.address {
		return twipoll.ErrNoAcknowledge
	}
	if len(buffer) == 0 {
		if s.config.WriteNACKs > 0 {
			s.config.WriteNACKs--
			return twipoll.ErrNoAcknowledge
		}
		return nil
	}
	s.pointer = buffer[0]
	for _, b := range buffer[1:] {
		s.registers[s.pointer] = b
		s.pointer++
	}
	return nil
}

func (s *Slave) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if address != s.address {
		return twipoll.ErrNoAcknowledge
	}
	if s.config.ReadNACKs > 0 {
		s.config.ReadNACKs--
		return twipoll.ErrNoAcknowledge
	}
	if s.config.Update != nil {
		s.config.Update(s.registers)
	}
	for i := range buffer {
		buffer[i] = s.registers[s.pointer]
		s.pointer++
	}
	s.reads++
	return nil
}

func (s *Slave) Release(ctx context.Context) error {
	return nil
}

// Reads returns the number of successful reads served.
func (s *Slave) Reads() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reads
}
