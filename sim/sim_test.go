package sim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/twipoll"
	"github.com/mklimuk/twipoll/twi"
)

func TestScript_Replay(t *testing.T) {
	s := NewScript(Event{Status: twi.Start}, Event{Status: twi.MRDataAck, Data: 0x42})
	require.True(t, s.Pending())
	assert.Equal(t, twi.Start, s.Status())

	s.SetData(0xC0)
	s.Control(twi.En)
	assert.Equal(t, twi.Start, s.Status(), "control without INT must not advance")

	s.Control(twi.Int | twi.En)
	require.True(t, s.Pending())
	assert.Equal(t, twi.MRDataAck, s.Status())
	assert.Equal(t, byte(0x42), s.Data())
	assert.Equal(t, 0, s.Remaining())

	s.Control(twi.Int | twi.En)
	assert.False(t, s.Pending())

	assert.Equal(t, []Write{
		{Data: 0xC0, IsData: true},
		{Control: twi.En},
		{Control: twi.Int | twi.En},
		{Control: twi.Int | twi.En},
	}, s.Log())
	assert.Equal(t, []twi.Control{twi.En, twi.Int | twi.En, twi.Int | twi.En}, s.Controls())
	assert.Equal(t, "data 0xc0", s.Log()[0].String())
	assert.Equal(t, "ctrl INT|EN", s.Log()[2].String())
}

func TestScript_Hang(t *testing.T) {
	s := NewScript(Event{Status: twi.Start, Hang: true}, Event{Status: twi.MTAddrAck})
	assert.False(t, s.Pending())
	s.Control(twi.Int | twi.Sta | twi.En)
	assert.True(t, s.Pending())
	assert.Equal(t, twi.MTAddrAck, s.Status())
}

func TestScript_Append(t *testing.T) {
	s := NewScript()
	assert.False(t, s.Pending())
	s.Append(Event{Status: twi.Start})
	require.True(t, s.Pending())
	assert.Equal(t, twi.Start, s.Status())

	s.Append(Event{Status: twi.MTAddrAck})
	assert.Equal(t, twi.Start, s.Status(), "pending event must not be replaced")
	s.Control(twi.Int | twi.En)
	assert.Equal(t, twi.MTAddrAck, s.Status())
}

func TestSlave_RegisterPointer(t *testing.T) {
	ctx := context.Background()
	s := NewSlave(0x60)
	s.Load(0xFE, []byte{1, 2, 3, 4})

	require.NoError(t, s.WriteToAddr(ctx, 0x60, []byte{0xFE}))
	buf := make([]byte, 4)
	require.NoError(t, s.ReadFromAddr(ctx, 0x60, buf))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf, "pointer wraps around the register file")

	require.NoError(t, s.WriteToAddr(ctx, 0x60, []byte{0x10, 0xAA, 0xBB}))
	require.NoError(t, s.WriteToAddr(ctx, 0x60, []byte{0x10}))
	buf = make([]byte, 2)
	require.NoError(t, s.ReadFromAddr(ctx, 0x60, buf))
	assert.Equal(t, []byte{0xAA, 0xBB}, buf)
	assert.Equal(t, 2, s.Reads())
}

func TestSlave_NACKs(t *testing.T) {
	ctx := context.Background()
	s := NewSlave(0x60, WithWriteNACKs(2), WithReadNACKs(1))

	assert.ErrorIs(t, s.WriteToAddr(ctx, 0x61, nil), twipoll.ErrNoAcknowledge)
	assert.ErrorIs(t, s.WriteToAddr(ctx, 0x60, nil), twipoll.ErrNoAcknowledge)
	assert.ErrorIs(t, s.WriteToAddr(ctx, 0x60, nil), twipoll.ErrNoAcknowledge)
	assert.NoError(t, s.WriteToAddr(ctx, 0x60, nil))

	buf := make([]byte, 1)
	assert.ErrorIs(t, s.ReadFromAddr(ctx, 0x60, buf), twipoll.ErrNoAcknowledge)
	assert.NoError(t, s.ReadFromAddr(ctx, 0x60, buf))
	assert.NoError(t, s.Release(ctx))
}

func TestSlave_Update(t *testing.T) {
	ctx := context.Background()
	var counter byte
	s := NewSlave(0x60, WithUpdate(func(registers []byte) {
		counter++
		registers[0x02] = counter
	}))
	buf := make([]byte, 1)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.WriteToAddr(ctx, 0x60, []byte{0x02}))
		require.NoError(t, s.ReadFromAddr(ctx, 0x60, buf))
		assert.Equal(t, byte(i), buf[0])
	}
}
