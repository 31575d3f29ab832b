// Package notify renders engine events for people and other systems: a
// structured log sink and an MQTT publisher.
package notify

import (
	"log/slog"

	"github.com/chaz8081/chargekeeper/internal/ble"
)

// Fanout forwards each event to every sink in order.
type Fanout []ble.EventSink

func (f Fanout) Emit(ev ble.Event) {
	for _, s := range f {
		s.Emit(ev)
	}
}

// LogSink writes events to a slog logger.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a LogSink on logger, or on slog.Default if nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Emit(ev ble.Event) {
	attrs := []any{
		"attempt_id", ev.AttemptID,
		"address", ev.Address,
		"target", ev.Target,
		"phase", ev.Phase,
	}
	switch ev.Kind {
	case ble.EventPhase:
		s.Logger.Debug("[BLE] phase", attrs...)
	case ble.EventRetry:
		s.Logger.Warn("[BLE] attempt failed",
			append(attrs, "attempt", ev.Attempt, "max", ev.MaxRetries, "error", ev.Err)...)
	case ble.EventSucceeded:
		s.Logger.Info("[BLE] outlet command confirmed", attrs...)
	case ble.EventFailed:
		s.Logger.Error("[BLE] outlet command failed", append(attrs, "error", ev.Err)...)
	case ble.EventAdapterDisabled:
		s.Logger.Error("[BLE] bluetooth adapter is disabled", append(attrs, "error", ev.Err)...)
	case ble.EventSuperseded:
		s.Logger.Info("[BLE] command superseded by a newer one", attrs...)
	}
}

// Status is the coarse delivery state shown to users.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// StatusOf maps an event to the delivery status it implies. ok is false for
// events that do not change it.
func StatusOf(ev ble.Event) (s Status, ok bool) {
	switch {
	case ev.Kind == ble.EventPhase && ev.Phase == ble.PhaseResolving && ev.Attempt == 0:
		return StatusPending, true
	case ev.Kind == ble.EventSucceeded:
		return StatusConfirmed, true
	case ev.Kind == ble.EventFailed, ev.Kind == ble.EventAdapterDisabled:
		return StatusFailed, true
	default:
		return "", false
	}
}
