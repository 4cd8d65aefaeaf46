package commission

import (
	"fmt"
	"time"
)

// Step names one stage of a device's commissioning sequence
type Step int

const (
	StepDiscover Step = iota
	StepAllocate
	StepConnect
	StepSetKey
	StepSetAddress
	StepWaitAddress
	StepReset
	StepAlive
	StepIdentify
	StepDone
)

var stepNames = [...]string{
	StepDiscover:    "discover",
	StepAllocate:    "allocate",
	StepConnect:     "connect",
	StepSetKey:      "set key",
	StepSetAddress:  "set address",
	StepWaitAddress: "wait for address",
	StepReset:       "reset",
	StepAlive:       "alive check",
	StepIdentify:    "identify",
	StepDone:        "done",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// Status is the state of a step when an Event is emitted
type Status int

const (
	StatusStarted Status = iota
	StatusSucceeded
	StatusSkipped
	StatusWarning
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusSucceeded:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusWarning:
		return "warning"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Event reports progress. Serial is zero for run-level events.
type Event struct {
	RunID   string
	Serial  uint64
	Index   int // position of the device in the run, from 1
	Total   int // devices in the run
	Step    Step
	Status  Status
	Message string
	Err     error
	At      time.Time
}

// Observer receives events synchronously on the run's goroutine
type Observer func(Event)
