// Package policy decides, from a battery percentage, whether the charger
// outlet must be switched. It holds no state of its own.
package policy

import (
	"fmt"
	"time"

	"github.com/chaz8081/chargekeeper/internal/ble/protocol"
)

// Decision is the outcome of evaluating one battery sample.
type Decision int

const (
	NoAction Decision = iota
	AssertOn
	AssertOff
)

func (d Decision) String() string {
	switch d {
	case AssertOn:
		return "assert-on"
	case AssertOff:
		return "assert-off"
	default:
		return "no-action"
	}
}

// Target returns the outlet state the decision asks for. ok is false for
// NoAction.
func (d Decision) Target() (state protocol.State, ok bool) {
	switch d {
	case AssertOn:
		return protocol.On, true
	case AssertOff:
		return protocol.Off, true
	default:
		return protocol.Off, false
	}
}

// For returns the decision that asserts state.
func For(state protocol.State) Decision {
	if state == protocol.On {
		return AssertOn
	}
	return AssertOff
}

// Thresholds is the charge band. Low must be strictly below High.
type Thresholds struct {
	Low  int
	High int
}

// Validate reports whether the band is usable.
func (t Thresholds) Validate() error {
	if t.Low < 0 || t.High > 100 {
		return fmt.Errorf("thresholds must be within 0..100, got low=%d high=%d", t.Low, t.High)
	}
	if t.Low >= t.High {
		return fmt.Errorf("low threshold (%d) must be below high threshold (%d)", t.Low, t.High)
	}
	return nil
}

// Confirmed is the last outlet state known to have been written
// successfully. A nil *Confirmed means the state is unknown.
type Confirmed struct {
	On    bool      `yaml:"on"`
	Level int       `yaml:"level"` // battery percent at confirmation
	At    time.Time `yaml:"at"`
}

// State returns the confirmed outlet state.
func (c Confirmed) State() protocol.State {
	return protocol.State(c.On)
}

// Desired returns the side of the band the outlet should be on. Inside the
// dead zone the confirmed side is kept; with no confirmed state there is no
// safe answer and ok is false.
func Desired(percent int, th Thresholds, confirmed *Confirmed) (state protocol.State, ok bool) {
	percent = clamp(percent)
	switch {
	case percent <= th.Low:
		return protocol.On, true
	case percent >= th.High:
		return protocol.Off, true
	case confirmed != nil:
		return confirmed.State(), true
	default:
		return protocol.Off, false
	}
}

// InDeadZone reports whether percent lies strictly between the thresholds.
func InDeadZone(percent int, th Thresholds) bool {
	percent = clamp(percent)
	return percent > th.Low && percent < th.High
}

// Decide maps a battery sample to a decision. A known confirmed state that
// already matches the desired side yields NoAction, so a command goes out
// once per transition. An unknown state never matches, so the first sample
// outside the dead zone always asserts.
func Decide(percent int, th Thresholds, confirmed *Confirmed) Decision {
	desired, ok := Desired(percent, th, confirmed)
	if !ok {
		return NoAction
	}
	if confirmed != nil && confirmed.State() == desired {
		return NoAction
	}
	return For(desired)
}

func clamp(percent int) int {
	switch {
	case percent < 0:
		return 0
	case percent > 100:
		return 100
	default:
		return percent
	}
}
