package i2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/twipoll"
	"github.com/mklimuk/twipoll/engine"
	"github.com/mklimuk/twipoll/poller"
)

// fakeBus behaves like the i2c-dev driver: an empty transfer succeeds without
// reaching the slave, any other transfer to an absent slave fails.
type fakeBus struct {
	i2c.BusCloser
	present map[uint16][]byte
	txs     int
	speed   physic.Frequency
}

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	f.txs++
	regs, ok := f.present[addr]
	if !ok {
		return errors.New("sysfs-i2c: remote I/O error")
	}
	copy(r, regs)
	return nil
}

func (f *fakeBus) SetSpeed(freq physic.Frequency) error {
	f.speed = freq
	return nil
}

func (f *fakeBus) Close() error {
	return nil
}

func TestGenericBus_EmptyWriteChecksAddress(t *testing.T) {
	ctx := context.Background()
	bus := newGenericBus(&fakeBus{present: map[uint16][]byte{0x60: {0x01}}})

	require.NoError(t, bus.WriteToAddr(ctx, 0x60, nil))
	err := bus.WriteToAddr(ctx, 0x61, nil)
	assert.ErrorIs(t, err, twipoll.ErrNoAcknowledge)
}

func TestGenericBus_ReadWrite(t *testing.T) {
	ctx := context.Background()
	fake := &fakeBus{present: map[uint16][]byte{0x60: {0xAA, 0xBB}}}
	bus := newGenericBus(fake)

	require.NoError(t, bus.SetSpeed(400*physic.KiloHertz))
	assert.Equal(t, 400*physic.KiloHertz, fake.speed)
	require.NoError(t, bus.WriteToAddr(ctx, 0x60, []byte{0x02}))
	buf := make([]byte, 2)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x60, buf))
	assert.Equal(t, []byte{0xAA, 0xBB}, buf)
	assert.Error(t, bus.ReadFromAddr(ctx, 0x10, buf))
}

func TestGenericBus_AbsentSlaveRetriesWriteAddress(t *testing.T) {
	ctx := context.Background()
	bus := newGenericBus(&fakeBus{present: map[uint16][]byte{}})
	p := poller.New(engine.New(ctx, bus))

	p.Start()
	for range 4 {
		p.Poll(ctx)
	}

	diag := p.Diagnostics()
	assert.True(t, diag.WriteRetry)
	assert.False(t, diag.Fault)
	assert.Equal(t, poller.StepWriteAddress, diag.Step)
}
