package poller

import (
	"fmt"
	"time"

	"github.com/mklimuk/twipoll/twi"
)

// PayloadLength is the number of sensor bytes read in every transaction.
const PayloadLength = 7

// Payload holds the sensor bytes of the current or most recent transaction.
type Payload [PayloadLength]byte

// Phase tells which half of the write-then-read transaction is active.
type Phase byte

const (
	PhaseAddressingForWrite Phase = iota
	PhaseAddressingForRead
)

func (p Phase) String() string {
	switch p {
	case PhaseAddressingForWrite:
		return "addressing-for-write"
	case PhaseAddressingForRead:
		return "addressing-for-read"
	default:
		return fmt.Sprintf("phase(%d)", byte(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	for _, candidate := range []Phase{PhaseAddressingForWrite, PhaseAddressingForRead} {
		if candidate.String() == string(text) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", text)
}

// Step is the progress marker of the running transaction.
type Step uint8

const (
	StepIdle Step = iota
	StepWriteAddress
	StepOffset
	StepRepeatedStart
	StepReadAddress
	StepReading
	StepOverflow
	StepComplete
)

var stepNames = [...]string{
	StepIdle:          "idle",
	StepWriteAddress:  "write-address",
	StepOffset:        "offset",
	StepRepeatedStart: "repeated-start",
	StepReadAddress:   "read-address",
	StepReading:       "reading",
	StepOverflow:      "overflow",
	StepComplete:      "complete",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	for i, name := range stepNames {
		if name == string(text) {
			*s = Step(i)
			return nil
		}
	}
	return fmt.Errorf("unknown step %q", text)
}

// FaultKind classifies the last recorded fault.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	// FaultUnexpectedStatus is recorded when the bus reports a status the
	// transaction does not expect.
	FaultUnexpectedStatus
	// FaultResetTimeout is recorded when the bus does not signal the end of a
	// retry reset within the configured timeout.
	FaultResetTimeout
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultUnexpectedStatus:
		return "unexpected-status"
	case FaultResetTimeout:
		return "reset-timeout"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

func (k FaultKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *FaultKind) UnmarshalText(text []byte) error {
	for _, candidate := range []FaultKind{FaultNone, FaultUnexpectedStatus, FaultResetTimeout} {
		if candidate.String() == string(text) {
			*k = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown fault kind %q", text)
}

// Diagnostics are the observability registers of the poller. Counters are
// 8 bits wide and wrap.
type Diagnostics struct {
	Step        Step       `json:"step" yaml:"step"`
	WriteRetry  bool       `json:"write_retry" yaml:"write_retry"`
	ReadRetry   bool       `json:"read_retry" yaml:"read_retry"`
	Fault       bool       `json:"fault" yaml:"fault"`
	FaultStatus twi.Status `json:"fault_status" yaml:"fault_status"`
	FaultKind   FaultKind  `json:"fault_kind" yaml:"fault_kind"`
	Completed   uint8      `json:"completed" yaml:"completed"`
	Restarts    uint8      `json:"restarts" yaml:"restarts"`
	IdlePolls   uint8      `json:"idle_polls" yaml:"idle_polls"`
}

// Event tells observers why a snapshot was taken.
type Event uint8

const (
	EventNone Event = iota
	EventComplete
	EventFault
)

func (e Event) String() string {
	switch e {
	case EventComplete:
		return "complete"
	case EventFault:
		return "fault"
	default:
		return "none"
	}
}

func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Event) UnmarshalText(text []byte) error {
	for _, candidate := range []Event{EventNone, EventComplete, EventFault} {
		if candidate.String() == string(text) {
			*e = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown event %q", text)
}

// Snapshot is a copy of the poller state taken between two polls.
type Snapshot struct {
	Time        time.Time   `json:"time" yaml:"time"`
	Event       Event       `json:"event" yaml:"event"`
	Phase       Phase       `json:"phase" yaml:"phase"`
	Received    int         `json:"received" yaml:"received"`
	Payload     Payload     `json:"payload" yaml:"payload"`
	Diagnostics Diagnostics `json:"diagnostics" yaml:"diagnostics"`
}
