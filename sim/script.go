// Package sim provides simulated bus hardware: a scripted register set that
// replays status codes and an in-memory slave device for the software engine.
package sim

import (
	"fmt"

	"github.com/mklimuk/twipoll/twi"
)

// Event is one bus event replayed by a Script.
type Event struct {
	Status twi.Status
	Data   byte
	// Hang leaves the event flag low after the event is loaded, as a stuck bus would.
	Hang bool
}

// Write is one register write recorded by a Script.
type Write struct {
	Control twi.Control
	Data    byte
	IsData  bool
}

func (w Write) String() string {
	if w.IsData {
		return fmt.Sprintf("data %#02x", w.Data)
	}
	return fmt.Sprintf("ctrl %s", w.Control)
}

// Script implements twi.Registers by replaying a fixed sequence of events.
// The first event is pending right away; every control write carrying
// twi.Int loads the next one. Once the script is exhausted the event flag
// stays low.
type Script struct {
	events  []Event
	next    int
	current Event
	pending bool
	data    byte
	log     []Write
}

func NewScript(events ...Event) *Script {
	s := &Script{events: events}
	s.advance()
	return s
}

// Append queues more events. If the script was exhausted the first appended
// event becomes pending.
func (s *Script) Append(events ...Event) {
	exhausted := s.next >= len(s.events) && !s.pending
	s.events = append(s.events, events...)
	if exhausted {
		s.advance()
	}
}

func (s *Script) advance() {
	if s.next >= len(s.events) {
		s.pending = false
		return
	}
	s.current = s.events[s.next]
	s.next++
	s.pending = !s.current.Hang
}

func (s *Script) Pending() bool {
	return s.pending
}

func (s *Script) Status() twi.Status {
	return s.current.Status
}

func (s *Script) Data() byte {
	return s.current.Data
}

func (s *Script) SetData(b byte) {
	s.data = b
	s.log = append(s.log, Write{Data: b, IsData: true})
}

func (s *Script) Control(c twi.Control) {
	s.log = append(s.log, Write{Control: c})
	if c.Has(twi.Int) {
		s.advance()
	}
}

// Log returns all register writes in the order they were issued.
func (s *Script) Log() []Write {
	return append([]Write(nil), s.log...)
}

// Controls returns the control writes only.
func (s *Script) Controls() []twi.Control {
	var res []twi.Control
	for _, w := range s.log {
		if !w.IsData {
			res = append(res, w.Control)
		}
	}
	return res
}

// Remaining returns the number of events not loaded yet.
func (s *Script) Remaining() int {
	return len(s.events) - s.next
}

func (s *Script) ResetLog() {
	s.log = nil
}
