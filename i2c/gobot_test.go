package i2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/twipoll"
)

type fakeConnection struct {
	i2c.Connection
	written []byte
	read    []byte
	acks bool
	closed  bool
}

func (c *fakeConnection) Read(b []byte) (int, error) {
	return copy(b, c.read), nil
}

func (c *fakeConnection) Write(b []byte) (int, error) {
	c.written = append(c.written, b...)
	return len(b), nil
}

func (c *fakeConnection) ReadByte() (byte, error) {
	if !c.acks {
		return 0, errors.New("remote I/O error")
	}
	return 0, nil
}

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

type fakeConnector struct {
	conns map[int]*fakeConnection
	opens int
	bus   int
}

func (f *fakeConnector) GetI2cConnection(address int, busNum int) (i2c.Connection, error) {
	f.opens++
	f.bus = busNum
	conn, ok := f.conns[address]
	if !ok {
		return nil, errors.New("no such device")
	}
	return conn, nil
}

func (f *fakeConnector) DefaultI2cBus() int {
	return 2
}

func TestGobotBus(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConnection{read: []byte{1, 2, 3}, acks: true}
	connector := &fakeConnector{conns: map[int]*fakeConnection{0x60: conn}}
	bus := NewGobotBus(connector, -1)

	require.NoError(t, bus.WriteToAddr(ctx, 0x60, nil))
	require.NoError(t, bus.WriteToAddr(ctx, 0x60, []byte{0x02}))
	buf := make([]byte, 3)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x60, buf))

	assert.Equal(t, []byte{0x02}, conn.written)
	assert.Equal(t, []byte{1, 2, 3}, buf)
	assert.Equal(t, 1, connector.opens, "connection must be reused")
	assert.Equal(t, 2, connector.bus)

	assert.Error(t, bus.ReadFromAddr(ctx, 0x61, buf))
	assert.Error(t, bus.ReadFromAddr(ctx, 0x60, make([]byte, 4)), "short read")

	require.NoError(t, bus.Close())
	assert.True(t, conn.closed)
}

func TestGobotBus_AddressNack(t *testing.T) {
	conn := &fakeConnection{}
	bus := NewGobotBus(&fakeConnector{conns: map[int]*fakeConnection{0x60: conn}}, 1)
	err := bus.WriteToAddr(context.Background(), 0x60, nil)
	assert.ErrorIs(t, err, twipoll.ErrNoAcknowledge)
}
