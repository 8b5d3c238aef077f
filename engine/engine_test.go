package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/twipoll"
	"github.com/mklimuk/twipoll/poller"
	"github.com/mklimuk/twipoll/sim"
	"github.com/mklimuk/twipoll/twi"
)

// MockI2CBus is a mock implementation of twipoll.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

const addr = 0x60

func TestEngine_StartConditions(t *testing.T) {
	e := New(context.Background(), new(MockI2CBus))
	assert.False(t, e.Pending())

	e.Control(twi.Int | twi.Sta | twi.En)
	require.True(t, e.Pending())
	assert.Equal(t, twi.Start, e.Status())

	e.Control(twi.Int | twi.Sta | twi.En)
	assert.Equal(t, twi.RepeatedStart, e.Status())

	e.Control(twi.Int | twi.Sta | twi.Sto | twi.En)
	assert.Equal(t, twi.Start, e.Status())

	e.Control(twi.Int | twi.Sto | twi.En)
	assert.False(t, e.Pending())
}

func TestEngine_ControlWithoutInterruptIsIgnored(t *testing.T) {
	e := New(context.Background(), new(MockI2CBus))
	e.Control(twi.Int | twi.Sta | twi.En)
	e.Control(twi.En)
	assert.True(t, e.Pending())
	assert.Equal(t, twi.Start, e.Status())
}

func TestEngine_WriteThenRead(t *testing.T) {
	bus := new(MockI2CBus)
	frame := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	bus.On("WriteToAddr", mock.Anything, byte(addr), []byte(nil)).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(addr), []byte{0x02}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(addr), mock.Anything).Return(frame, nil).Once()
	e := New(context.Background(), bus)

	e.Control(twi.Int | twi.Sta | twi.En)
	e.SetData(twi.WriteAddress(addr))
	e.Control(twi.Int | twi.En)
	assert.Equal(t, twi.MTAddrAck, e.Status())

	e.SetData(0x02)
	e.Control(twi.Int | twi.En)
	assert.Equal(t, twi.MTDataAck, e.Status())

	e.Control(twi.Int | twi.Sta | twi.En)
	assert.Equal(t, twi.RepeatedStart, e.Status())

	e.SetData(twi.ReadAddress(addr))
	e.Control(twi.Int | twi.En)
	assert.Equal(t, twi.MRAddrAck, e.Status())

	for i := range 7 {
		e.Control(twi.Int | twi.En | twi.Ack)
		require.True(t, e.Pending())
		assert.Equal(t, twi.MRDataAck, e.Status())
		assert.Equal(t, frame[i], e.Data())
	}
	e.Control(twi.Int | twi.En)
	assert.Equal(t, twi.MRDataNack, e.Status())
	assert.Equal(t, byte(8), e.Data())

	bus.AssertExpectations(t)
}

func TestEngine_ReadPastFrame(t *testing.T) {
	bus := new(MockI2CBus)
	bus.On("ReadFromAddr", mock.Anything, byte(addr), mock.Anything).Return([]byte{0xAB}, nil).Once()
	e := New(context.Background(), bus, WithFrameLength(1))

	e.Control(twi.Int | twi.Sta | twi.En)
	e.SetData(twi.ReadAddress(addr))
	e.Control(twi.Int | twi.En)
	e.Control(twi.Int | twi.En | twi.Ack)
	assert.Equal(t, byte(0xAB), e.Data())
	e.Control(twi.Int | twi.En | twi.Ack)
	assert.Equal(t, byte(0xFF), e.Data())
	bus.AssertExpectations(t)
}

func TestEngine_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected twi.Status
	}{
		{"nack", twipoll.ErrNoAcknowledge, twi.MTAddrNack},
		{"generic", errors.New("i/o error"), twi.MTAddrNack},
		{"busy", twipoll.ErrBusBusy, twi.BusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := new(MockI2CBus)
			bus.On("WriteToAddr", mock.Anything, byte(addr), []byte(nil)).Return(tt.err).Once()
			bus.On("Release", mock.Anything).Return(nil).Once()
			e := New(context.Background(), bus)

			e.Control(twi.Int | twi.Sta | twi.En)
			e.SetData(twi.WriteAddress(addr))
			e.Control(twi.Int | twi.En)
			assert.Equal(t, tt.expected, e.Status())

			// the poller resets the bus after a failure
			e.Control(twi.Int | twi.Sta | twi.Sto | twi.En)
			assert.Equal(t, twi.Start, e.Status())
			bus.AssertExpectations(t)
		})
	}
}

func TestEngine_ReadNack(t *testing.T) {
	bus := new(MockI2CBus)
	bus.On("ReadFromAddr", mock.Anything, byte(addr), mock.Anything).Return(nil, twipoll.ErrNoAcknowledge).Once()
	e := New(context.Background(), bus)

	e.Control(twi.Int | twi.Sta | twi.En)
	e.SetData(twi.ReadAddress(addr))
	e.Control(twi.Int | twi.En)
	assert.Equal(t, twi.MRAddrNack, e.Status())

	// bus is still held, so a start is a repeated start
	e.Control(twi.Int | twi.Sta | twi.En)
	assert.Equal(t, twi.RepeatedStart, e.Status())
	bus.AssertExpectations(t)
}

func TestEngine_DataWithoutAddress(t *testing.T) {
	e := New(context.Background(), new(MockI2CBus))
	e.SetData(0x02)
	e.Control(twi.Int | twi.En)
	assert.True(t, e.Pending())
	assert.Equal(t, twi.BusError, e.Status())
}

func TestEngine_Poller(t *testing.T) {
	tests := []struct {
		name       string
		opts       []sim.SlaveOpt
		writeRetry bool
		readRetry  bool
	}{
		{name: "clean"},
		{name: "write nack", opts: []sim.SlaveOpt{sim.WithWriteNACKs(1)}, writeRetry: true},
		{name: "read nack", opts: []sim.SlaveOpt{sim.WithReadNACKs(1)}, readRetry: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := sim.NewSlave(addr, tt.opts...)
			slave.Load(0x02, []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80})
			ctx := context.Background()
			e := New(ctx, slave)
			var snapshots []poller.Snapshot
			p := poller.New(e, poller.WithObserver(func(s poller.Snapshot) {
				snapshots = append(snapshots, s)
			}))

			p.Start()
			for i := 0; i < 100 && len(snapshots) == 0; i++ {
				p.Poll(ctx)
			}

			require.Len(t, snapshots, 1)
			s := snapshots[0]
			assert.Equal(t, poller.EventComplete, s.Event)
			assert.Equal(t, poller.Payload{0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70}, s.Payload)
			assert.Equal(t, tt.writeRetry, s.Diagnostics.WriteRetry)
			assert.Equal(t, tt.readRetry, s.Diagnostics.ReadRetry)
			assert.False(t, s.Diagnostics.Fault)
			assert.Equal(t, 1, slave.Reads())

			// the next transaction starts on its own
			assert.True(t, e.Pending())
			assert.Equal(t, twi.Start, e.Status())
		})
	}
}

func TestEngine_PollerWrongAddress(t *testing.T) {
	slave := sim.NewSlave(0x61)
	ctx := context.Background()
	e := New(ctx, slave)
	p := poller.New(e)

	p.Start()
	for range 10 {
		p.Poll(ctx)
	}
	// an absent slave keeps the poller retrying the write address
	diag := p.Diagnostics()
	assert.True(t, diag.WriteRetry)
	assert.False(t, diag.Fault)
	assert.Equal(t, poller.StepWriteAddress, diag.Step)
	assert.Equal(t, poller.PhaseAddressingForWrite, p.Phase())
	assert.Equal(t, uint8(0), diag.Completed)
	assert.Equal(t, twi.MTAddrNack, e.Status())
}
