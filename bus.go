// Package twipoll holds the transaction-level bus contract shared by the
// transports and the software TWI engine.
package twipoll

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// ErrNoAcknowledge is returned by transports able to tell an address NACK apart
// from other failures.
var ErrNoAcknowledge = fmt.Errorf("slave did not acknowledge")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}
