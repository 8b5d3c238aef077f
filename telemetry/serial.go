package telemetry

import (
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"

	"github.com/mklimuk/twipoll/poller"
)

// SerialWriter writes one frame per snapshot.
type SerialWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func NewSerialWriter(w io.Writer) *SerialWriter {
	return &SerialWriter{w: w}
}

// OpenSerial opens a serial port for frame export.
func OpenSerial(name string, baud int) (*serial.Port, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", name, err)
	}
	return port, nil
}

func (w *SerialWriter) Publish(s poller.Snapshot) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	frame := Frame(s)
	n, err := w.w.Write(frame)
	if err != nil {
		return fmt.Errorf("could not write telemetry frame: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("short write: %d of %d", n, len(frame))
	}
	return nil
}
