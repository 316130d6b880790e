// Package events delivers status-change notifications to interested
// listeners. Emission is fire-and-forget: a broken transport must never
// block or fail the caller.
package events

import (
	"context"
	"log/slog"
)

// Event names emitted by the core.
const (
	DocumentStatusChanged = "document.status_changed"
	IndexRepaired         = "index.repaired"
)

// Emitter delivers an event about a patient to listeners.
type Emitter interface {
	Notify(ctx context.Context, patientID, event string, payload any)
}

// LogEmitter writes events to the structured log. It is the default
// emitter when no broker is configured.
type LogEmitter struct{}

func (LogEmitter) Notify(_ context.Context, patientID, event string, payload any) {
	slog.Info("event", "patient_id", patientID, "event", event, "payload", payload)
}

// Multi fans an event out to every wrapped emitter.
type Multi []Emitter

func (m Multi) Notify(ctx context.Context, patientID, event string, payload any) {
	for _, e := range m {
		e.Notify(ctx, patientID, event, payload)
	}
}
