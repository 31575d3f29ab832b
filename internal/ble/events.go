package ble

import (
	"time"

	"github.com/chaz8081/chargekeeper/internal/ble/protocol"
)

// Phase is a state of the command-delivery state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResolving
	PhaseConnecting
	PhaseDiscovering
	PhaseWriting
	PhaseTeardown
	PhaseRetrying
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:        "idle",
	PhaseResolving:   "resolving",
	PhaseConnecting:  "connecting",
	PhaseDiscovering: "discovering-services",
	PhaseWriting:     "writing",
	PhaseTeardown:    "teardown",
	PhaseRetrying:    "retrying",
	PhaseFailed:      "failed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// EventKind classifies diagnostic events.
type EventKind int

const (
	EventPhase EventKind = iota
	EventRetry
	EventSucceeded
	EventFailed
	EventAdapterDisabled
	EventSuperseded
)

var eventNames = [...]string{
	EventPhase:           "phase",
	EventRetry:           "retry",
	EventSucceeded:       "succeeded",
	EventFailed:          "failed",
	EventAdapterDisabled: "adapter-disabled",
	EventSuperseded:      "superseded",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is one entry of the engine's diagnostic stream.
type Event struct {
	Kind       EventKind
	AttemptID  string
	Address    string
	Target     protocol.State
	Phase      Phase
	Attempt    int // failed tries so far
	MaxRetries int
	Err        error
	Time       time.Time
}

// EventSink receives engine events. Emit is called from the engine loop and
// must not block.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

type discardSink struct{}

func (discardSink) Emit(Event) {}
