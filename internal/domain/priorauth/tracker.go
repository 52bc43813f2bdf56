package priorauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/domain/audit"
	"github.com/priorauth/priorauth/internal/platform/payer"
	"github.com/priorauth/priorauth/internal/platform/retry"
)

const componentTracker = "tracker"

// externalStatusMap is the fixed mapping from payer-reported status to the
// internal state machine target. External values outside this table are
// ignored (audited as unknown, no transition).
var externalStatusMap = map[string]Status{
	"approved":    StatusApproved,
	"denied":      StatusDenied,
	"pending":     StatusPendingPayer,
	"in_progress": StatusPendingPayer,
	"needs_info":  StatusNeedsReview,
}

// TrackerConfig sets the polling behavior.
type TrackerConfig struct {
	// Interval between polling passes.
	Interval time.Duration
	// Workers bounds per-pass concurrency so one hung payer query cannot
	// stall the whole pass.
	Workers int
	// PollTimeout applies per record.
	PollTimeout time.Duration
	// ErrorThreshold is the number of consecutive poll failures after which a
	// record is escalated to needs_review instead of retried silently.
	ErrorThreshold int
}

// DefaultTrackerConfig matches the documented defaults: five-minute passes,
// four workers, ten-second per-record timeout, escalation after three
// consecutive errors.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Interval:       5 * time.Minute,
		Workers:        4,
		PollTimeout:    10 * time.Second,
		ErrorThreshold: 3,
	}
}

// Tracker is the background polling loop that drives open workflow records
// toward a terminal state. It is fully re-derivable on restart from
// StatusStore.ListOpen; it keeps no registry of its own.
type Tracker struct {
	store   StatusStore
	querier payer.StatusQuerier
	breaker *retry.Breaker
	sink    audit.Sink
	cfg     TrackerConfig
	logger  zerolog.Logger
}

// NewTracker wires a tracker. The breaker is shared with whoever else talks
// to the same payer tracking endpoint; pass nil to poll unguarded.
func NewTracker(store StatusStore, querier payer.StatusQuerier, breaker *retry.Breaker, sink audit.Sink, cfg TrackerConfig, logger zerolog.Logger) *Tracker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTrackerConfig().Interval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultTrackerConfig().Workers
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultTrackerConfig().PollTimeout
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultTrackerConfig().ErrorThreshold
	}
	return &Tracker{
		store:   store,
		querier: querier,
		breaker: breaker,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run executes polling passes on the configured interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.logger.Info().
		Dur("interval", t.cfg.Interval).
		Int("workers", t.cfg.Workers).
		Msg("status tracker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("status tracker stopped")
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil {
				t.logger.Error().Err(err).Msg("polling pass failed")
			}
		}
	}
}

// RunOnce executes a single polling pass over all open records with bounded
// concurrency and returns the number of records polled. A failure for one
// record never aborts the pass for the others.
func (t *Tracker) RunOnce(ctx context.Context) (int, error) {
	open, err := t.store.ListOpen(ctx)
	if err != nil {
		return 0, err
	}

	work := make(chan *WorkflowRecord)
	var wg sync.WaitGroup
	var mu sync.Mutex
	polled := 0

	for i := 0; i < t.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				if t.pollRecord(ctx, rec) {
					mu.Lock()
					polled++
					mu.Unlock()
				}
			}
		}()
	}

	for _, rec := range open {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return polled, ctx.Err()
		case work <- rec:
		}
	}
	close(work)
	wg.Wait()
	return polled, nil
}

// pollRecord queries the payer for one record and applies the mapped
// transition. Returns false for records that carry no tracking identifier
// (escalated before submission, or waiting on human review).
func (t *Tracker) pollRecord(ctx context.Context, rec *WorkflowRecord) bool {
	if rec.ExternalTrackingID == "" {
		return false
	}

	pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	defer cancel()

	external, err := t.query(pollCtx, rec.ExternalTrackingID)
	if err != nil {
		t.handlePollError(ctx, rec, err)
		return true
	}

	if err := t.store.IncrementPoll(ctx, rec.RequestID, 0); err != nil {
		t.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to increment poll counter")
	}

	target, known := externalStatusMap[external]
	if !known {
		t.audit(ctx, rec.RequestID, audit.OutcomeFailure, map[string]any{
			"external_status": external,
			"note":            "unknown external status, no transition applied",
		})
		return true
	}

	if target == rec.Status {
		t.audit(ctx, rec.RequestID, audit.OutcomeSuccess, map[string]any{
			"external_status": external,
			"status":          string(rec.Status),
		})
		return true
	}

	if err := t.applyTransition(ctx, rec, target, "payer reported "+external); err != nil {
		// A stale transition means another writer already moved the record;
		// the next pass sees the fresh state.
		if errors.Is(err, ErrStaleTransition) {
			t.logger.Debug().Str("request_id", rec.RequestID).Msg("transition lost race, skipping")
			return true
		}
		t.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to apply payer status")
		t.audit(ctx, rec.RequestID, audit.OutcomeFailure, map[string]any{
			"external_status": external,
			"error":           err.Error(),
		})
		return true
	}

	t.audit(ctx, rec.RequestID, audit.OutcomeSuccess, map[string]any{
		"external_status": external,
		"transitioned_to": string(target),
	})
	return true
}

func (t *Tracker) query(ctx context.Context, trackingID string) (string, error) {
	if t.breaker == nil {
		return t.querier.QueryStatus(ctx, trackingID)
	}
	var status string
	err := t.breaker.Call(ctx, func(ctx context.Context) error {
		s, err := t.querier.QueryStatus(ctx, trackingID)
		if err != nil {
			return err
		}
		status = s
		return nil
	})
	return status, err
}

// applyTransition moves rec to target, stepping through
// pending_payer_response when the payer's answer arrives while the record is
// still in submitted.
func (t *Tracker) applyTransition(ctx context.Context, rec *WorkflowRecord, target Status, cause string) error {
	from := rec.Status
	if !CanTransition(from, target) && CanTransition(from, StatusPendingPayer) && CanTransition(StatusPendingPayer, target) {
		if _, err := t.store.Transition(ctx, rec.RequestID, from, StatusPendingPayer, cause); err != nil {
			return err
		}
		from = StatusPendingPayer
	}
	if from == target {
		return nil
	}
	_, err := t.store.Transition(ctx, rec.RequestID, from, target, cause)
	return err
}

// handlePollError isolates one record's failure, counts consecutive errors,
// and escalates to needs_review once the threshold is crossed instead of
// retrying silently forever.
func (t *Tracker) handlePollError(ctx context.Context, rec *WorkflowRecord, pollErr error) {
	consecutive := rec.ConsecutivePollErr + 1
	if err := t.store.IncrementPoll(ctx, rec.RequestID, consecutive); err != nil {
		t.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to record poll error")
	}

	detail := map[string]any{
		"error":                   pollErr.Error(),
		"consecutive_poll_errors": consecutive,
	}

	if consecutive >= t.cfg.ErrorThreshold && rec.Status != StatusNeedsReview {
		if err := t.applyTransition(ctx, rec, StatusNeedsReview, "tracking unavailable"); err != nil {
			t.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to escalate record")
		} else {
			detail["escalated"] = true
		}
	}

	t.audit(ctx, rec.RequestID, audit.OutcomeFailure, detail)
}

func (t *Tracker) audit(ctx context.Context, requestID, outcome string, detail map[string]any) {
	err := t.sink.Append(ctx, audit.Entry{
		Component: componentTracker,
		RequestID: requestID,
		Action:    "status_poll",
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		t.logger.Error().Err(err).Str("request_id", requestID).Msg("failed to append audit entry")
	}
}
