package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sink is the append-only audit trail. Append ordering is preserved per
// request identifier; cross-request ordering is not guaranteed. The sink is
// PHI-unaware: redaction already happened in the producing component.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
	ListByRequest(ctx context.Context, requestID string) ([]Entry, error)
}

// MemorySink is a thread-safe, in-memory Sink for tests and the development
// profile. Entries for a request id are kept in append order.
type MemorySink struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{entries: make(map[string][]Entry)}
}

func (s *MemorySink) Append(_ context.Context, entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RequestID] = append(s.entries[entry.RequestID], entry)
	return nil
}

func (s *MemorySink) ListByRequest(_ context.Context, requestID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries[requestID]...), nil
}

// LoggedSink wraps another Sink and mirrors every entry to zerolog, so the
// audit trail is visible in the structured log stream as well.
type LoggedSink struct {
	next   Sink
	logger zerolog.Logger
}

// NewLoggedSink wraps next with structured logging.
func NewLoggedSink(next Sink, logger zerolog.Logger) *LoggedSink {
	return &LoggedSink{next: next, logger: logger}
}

func (s *LoggedSink) Append(ctx context.Context, entry Entry) error {
	err := s.next.Append(ctx, entry)

	evt := s.logger.Info()
	if entry.Outcome == OutcomeFailure {
		evt = s.logger.Warn()
	}
	evt.
		Str("type", "audit").
		Str("component", entry.Component).
		Str("request_id", entry.RequestID).
		Str("action", entry.Action).
		Str("outcome", entry.Outcome).
		Interface("detail", entry.Detail).
		Msg("audit_entry")

	return err
}

func (s *LoggedSink) ListByRequest(ctx context.Context, requestID string) ([]Entry, error) {
	return s.next.ListByRequest(ctx, requestID)
}
