package audit

import "time"

// Outcome of the audited action.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry is one immutable, append-only audit trail event. Producers redact any
// patient-identifying field in Detail before handing the entry to a Sink.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Component string         `json:"component"`
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome"`
	Detail    map[string]any `json:"detail,omitempty"`
}
