package priorauth

import "context"

// StatusStore is the durable keyed storage for WorkflowRecords. Its
// compare-and-set Transition is the sole synchronization primitive between
// concurrent writers (the orchestrator's initial write racing a tracker
// poll); no component ever holds a long-lived lock on a record.
type StatusStore interface {
	// Create persists a new record. Fails with ErrDuplicateRequest if the
	// request id already exists.
	Create(ctx context.Context, rec *WorkflowRecord) error

	// Transition atomically moves a record from expected to next, appending a
	// history entry with the given cause. Fails with ErrStaleTransition when
	// the stored status no longer matches expected, and ErrIllegalTransition
	// when expected -> next is not an edge of the state machine.
	Transition(ctx context.Context, requestID string, expected, next Status, cause string) (*WorkflowRecord, error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, requestID string) (*WorkflowRecord, error)

	// ListOpen returns all records in a non-terminal status, ordered by
	// creation time. The result is computed fresh on every call so a polling
	// pass is restartable after a crash with no in-memory bookkeeping.
	ListOpen(ctx context.Context) ([]*WorkflowRecord, error)

	// IncrementPoll bumps the poll counter and sets the consecutive poll
	// error count for a record after a tracker pass touches it.
	IncrementPoll(ctx context.Context, requestID string, consecutiveErrs int) error

	// SetTracking records the external tracking identifier captured when a
	// re-routed record is resubmitted after human review.
	SetTracking(ctx context.Context, requestID, trackingID string) error
}
