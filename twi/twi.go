// Package twi describes the register-level interface of a two-wire (TWI/I2C)
// master peripheral: a status register, a data register and a control register.
//
// Status values follow the AVR TWI status codes with the prescaler bits masked
// out (TWSR & 0xF8).
package twi

import (
	"fmt"
	"strings"
)

// Status is the bus status code reported after a bus event.
type Status byte

// StatusMask strips the prescaler bits from a raw status register value.
const StatusMask = 0xF8

const (
	BusError      Status = 0x00
	Start         Status = 0x08
	RepeatedStart Status = 0x10
	NoInfo        Status = 0xF8

	// master transmitter
	MTAddrAck  Status = 0x18
	MTAddrNack Status = 0x20
	MTDataAck  Status = 0x28
	MTDataNack Status = 0x30
	ArbitLost  Status = 0x38

	// master receiver
	MRAddrAck  Status = 0x40
	MRAddrNack Status = 0x48
	MRDataAck  Status = 0x50
	MRDataNack Status = 0x58
)

func (s Status) String() string {
	switch s {
	case BusError:
		return "BUS_ERROR"
	case Start:
		return "START"
	case RepeatedStart:
		return "REP_START"
	case MTAddrAck:
		return "MT_SLA_ACK"
	case MTAddrNack:
		return "MT_SLA_NACK"
	case MTDataAck:
		return "MT_DATA_ACK"
	case MTDataNack:
		return "MT_DATA_NACK"
	case ArbitLost:
		return "ARB_LOST"
	case MRAddrAck:
		return "MR_SLA_ACK"
	case MRAddrNack:
		return "MR_SLA_NACK"
	case MRDataAck:
		return "MR_DATA_ACK"
	case MRDataNack:
		return "MR_DATA_NACK"
	case NoInfo:
		return "NO_INFO"
	default:
		return fmt.Sprintf("UNKNOWN(%#02x)", byte(s))
	}
}

// Control is a combination of control register flags.
type Control byte

const (
	// Int clears the pending event and starts the next bus operation.
	Int Control = 1 << 7
	// Ack enables acknowledging received bytes.
	Ack Control = 1 << 6
	// Sta requests a (repeated) start condition.
	Sta Control = 1 << 5
	// Sto requests a stop condition.
	Sto Control = 1 << 4
	// En enables the peripheral.
	En Control = 1 << 2
)

func (c Control) Has(flag Control) bool {
	return c&flag == flag
}

func (c Control) String() string {
	names := make([]string, 0, 5)
	for _, f := range []struct {
		flag Control
		name string
	}{{Int, "INT"}, {Ack, "EA"}, {Sta, "STA"}, {Sto, "STO"}, {En, "EN"}} {
		if c.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// Registers is the register triple of a TWI master peripheral.
//
// Writing a control value carrying Int acknowledges the pending event and
// triggers the next bus operation; Pending reports true again once that
// operation has completed and Status holds its result.
type Registers interface {
	Pending() bool
	Status() Status
	Data() byte
	SetData(b byte)
	Control(c Control)
}

// WriteAddress returns the SLA+W byte for a 7-bit address.
func WriteAddress(addr byte) byte {
	return addr << 1
}

// ReadAddress returns the SLA+R byte for a 7-bit address.
func ReadAddress(addr byte) byte {
	return addr<<1 | 1
}
