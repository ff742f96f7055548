// Package audit records authorization decisions for compliance review.
// Records are append-only: nothing written here is ever read back into a
// decision, so the engine stays stateless across requests.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Decision is one rendered authorization decision.
type Decision struct {
	ID           string    `json:"id"`
	Time         time.Time `json:"time"`
	RequestID    string    `json:"requestId,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Operation    string    `json:"operation"`
	ResourceType string    `json:"resourceType,omitempty"`
	Allowed      bool      `json:"allowed"`
	Cause        string    `json:"cause,omitempty"`
}

// Recorder persists decisions. Implementations must not fail the request
// path: a recording error is logged by the caller, never surfaced.
type Recorder interface {
	Record(ctx context.Context, d Decision) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, d Decision) error

func (f RecorderFunc) Record(ctx context.Context, d Decision) error { return f(ctx, d) }

// NewDecision stamps id and time on a decision.
func NewDecision(d Decision) Decision {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Time.IsZero() {
		d.Time = time.Now().UTC()
	}
	return d
}

// LogRecorder writes decisions to the structured log. It is the fallback
// when no database is configured.
type LogRecorder struct {
	log zerolog.Logger
}

func NewLogRecorder(log zerolog.Logger) *LogRecorder {
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(_ context.Context, d Decision) error {
	r.log.Info().
		Str("auditId", d.ID).
		Str("requestId", d.RequestID).
		Str("subject", d.Subject).
		Str("operation", d.Operation).
		Str("resourceType", d.ResourceType).
		Bool("allowed", d.Allowed).
		Str("cause", d.Cause).
		Msg("authorization decision")
	return nil
}
