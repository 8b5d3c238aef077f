// Package telemetry exports poller snapshots to upstream consumers: a compact
// binary frame for serial links and JSON messages for websocket clients.
package telemetry

import (
	"fmt"

	"github.com/mklimuk/twipoll/poller"
	"github.com/mklimuk/twipoll/twi"
)

// FrameHeader starts every frame.
const FrameHeader byte = 0xA5

// FrameLength is header, nine diagnostic bytes, the payload and the CRC.
const FrameLength = 1 + 9 + poller.PayloadLength + 1

var ErrInvalidFrame = fmt.Errorf("invalid telemetry frame")

// Frame layout:
//
//	0:     header 0xA5
//	1:     step
//	2:     completed transactions
//	3:     write address retry flag
//	4:     read address retry flag
//	5:     idle polls
//	6:     fault flag
//	7:     last fault status
//	8:     restarts
//	9:     fault kind
//	10-16: payload
//	17:    CRC-8 of bytes 1-16
func Frame(s poller.Snapshot) []byte {
	d := s.Diagnostics
	buf := make([]byte, FrameLength)
	buf[0] = FrameHeader
	buf[1] = byte(d.Step)
	buf[2] = d.Completed
	buf[3] = flag(d.WriteRetry)
	buf[4] = flag(d.ReadRetry)
	buf[5] = d.IdlePolls
	buf[6] = flag(d.Fault)
	buf[7] = byte(d.FaultStatus)
	buf[8] = d.Restarts
	buf[9] = byte(d.FaultKind)
	copy(buf[10:], s.Payload[:])
	buf[FrameLength-1] = checkCRC(buf[1 : FrameLength-1])
	return buf
}

// ParseFrame decodes a frame produced by Frame. The snapshot time and
// transaction progress are not part of the frame.
func ParseFrame(buf []byte) (poller.Snapshot, error) {
	var s poller.Snapshot
	if len(buf) != FrameLength {
		return s, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidFrame, FrameLength, len(buf))
	}
	if buf[0] != FrameHeader {
		return s, fmt.Errorf("%w: bad header %#02x", ErrInvalidFrame, buf[0])
	}
	crc := checkCRC(buf[1 : FrameLength-1])
	if crc != buf[FrameLength-1] {
		return s, fmt.Errorf("%w: crc mismatch: expected %#x, got %#x", ErrInvalidFrame, buf[FrameLength-1], crc)
	}
	s.Diagnostics = poller.Diagnostics{
		Step:        poller.Step(buf[1]),
		Completed:   buf[2],
		WriteRetry:  buf[3] != 0,
		ReadRetry:   buf[4] != 0,
		IdlePolls:   buf[5],
		Fault:       buf[6] != 0,
		FaultStatus: twi.Status(buf[7]),
		Restarts:    buf[8],
		FaultKind:   poller.FaultKind(buf[9]),
	}
	copy(s.Payload[:], buf[10:])
	return s, nil
}

func flag(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// checkCRC calculates CRC8 checksum with initial value 0xFF and polynomial 0x31.
func checkCRC(data []byte) byte {
	crc := byte(0xFF)
	for _, b := range data {
		crc ^= b
		for range 8 {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x31
			} else {
				crc = crc << 1
			}
		}
	}
	return crc
}
