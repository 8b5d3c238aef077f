package i2c

import (
	"context"
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/twipoll"
)

var _ twipoll.I2CBus = &GobotBus{}

// GobotBus talks to an I2C bus exposed by a gobot platform adaptor
// (e.g. nanopi.NewNeoAdaptor). Connections are opened per slave address on
// first use and kept until Close.
type GobotBus struct {
	mx        sync.Mutex
	connector i2c.Connector
	bus       int
	conns     map[byte]i2c.Connection
}

// NewGobotBus binds to bus number busNr of the connector. A negative busNr
// selects the adaptor's default bus.
func NewGobotBus(connector i2c.Connector, busNr int) *GobotBus {
	if busNr < 0 {
		busNr = connector.DefaultI2cBus()
	}
	return &GobotBus{
		connector: connector,
		bus:       busNr,
		conns:     make(map[byte]i2c.Connection),
	}
}

func (b *GobotBus) connection(address byte) (i2c.Connection, error) {
	if conn, ok := b.conns[address]; ok {
		return conn, nil
	}
	conn, err := b.connector.GetI2cConnection(int(address), b.bus)
	if err != nil {
		return nil, fmt.Errorf("could not open connection to %x on bus %d: %w", address, b.bus, err)
	}
	b.conns[address] = conn
	return conn, nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := conn.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from %x: %d of %d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	conn, err := b.connection(address)
	if err != nil {
		return err
	}
	// i2c-dev does not accept empty writes through gobot, read a byte instead
	if len(buffer) == 0 {
		_, err = conn.ReadByte()
		if err != nil {
			return fmt.Errorf("%x did not acknowledge its address: %w", address, twipoll.ErrNoAcknowledge)
		}
		return nil
	}
	n, err := conn.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to %x: %d of %d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var firstErr error
	for addr, conn := range b.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("could not close connection to %x: %w", addr, err)
		}
		delete(b.conns, addr)
	}
	return firstErr
}
