package priorauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/priorauth/priorauth/internal/domain/audit"
	"github.com/priorauth/priorauth/internal/platform/payer"
	"github.com/priorauth/priorauth/internal/platform/phi"
	"github.com/priorauth/priorauth/internal/platform/retry"
)

const componentOrchestrator = "orchestrator"

// ErrSubmissionFailed is returned when the external submission capability
// permanently failed after retries. The workflow record still exists in
// submission_failed status and is visible via GetStatus; the caller needs to
// arrange manual intervention.
var ErrSubmissionFailed = errors.New("external submission failed after retries; manual intervention required")

// Target wraps one external submission channel with its circuit breaker.
type Target struct {
	Submitter payer.Submitter
	Breaker   *retry.Breaker
}

// Service is the orchestrator: it owns the workflow lifecycle from validated
// request to durable record, delegating scoring, routing, submission, and
// persistence to its collaborators. Each invocation is independent; the only
// shared mutable state is the StatusStore.
type Service struct {
	scorer Scorer
	store  StatusStore
	sink   audit.Sink
	fhir   Target
	edi    Target
	policy *retry.Policy
	logger zerolog.Logger
}

// NewService wires an orchestrator.
func NewService(scorer Scorer, store StatusStore, sink audit.Sink, fhir, edi Target, policy *retry.Policy, logger zerolog.Logger) *Service {
	if policy == nil {
		policy = retry.DefaultPolicy()
	}
	return &Service{
		scorer: scorer,
		store:  store,
		sink:   sink,
		fhir:   fhir,
		edi:    edi,
		policy: policy,
		logger: logger,
	}
}

// Submit runs the full acceptance workflow for one validated request. It
// creates exactly one WorkflowRecord and at least one audit entry. The
// submission sequence runs detached from the caller's cancellation: the
// workflow's truth lives in the store, not in the caller's connection.
func (s *Service) Submit(ctx context.Context, req *PriorAuthRequest, caller string) (*WorkflowRecord, error) {
	if err := req.Validate(); err != nil {
		s.audit(ctx, audit.Entry{
			Component: componentOrchestrator,
			RequestID: "",
			Action:    "submit",
			Outcome:   audit.OutcomeFailure,
			Detail:    map[string]any{"caller": caller, "error": err.Error()},
		})
		return nil, err
	}

	assessment, err := s.scorer.Score(req)
	if err != nil {
		return nil, err
	}
	route := DecideRoute(assessment, req.Protocol)
	requestID := NewRequestID()

	// Client disconnects must not abort the in-progress state transition.
	ctx = context.WithoutCancel(ctx)

	if route == RouteReview {
		rec := &WorkflowRecord{
			RequestID: requestID,
			Status:    StatusNeedsReview,
			Risk:      assessment,
			Route:     route,
			Request:   *req,
		}
		if err := s.store.Create(ctx, rec); err != nil {
			return nil, err
		}
		s.auditOutcome(ctx, requestID, caller, req, assessment, route, StatusNeedsReview, "", nil)
		return rec, nil
	}

	rec := &WorkflowRecord{
		RequestID: requestID,
		Status:    StatusSubmitted,
		Risk:      assessment,
		Route:     route,
		Request:   *req,
	}

	trackingID, submitErr := s.submitExternal(ctx, requestID, route, req)
	if submitErr == nil {
		rec.ExternalTrackingID = trackingID
		if err := s.store.Create(ctx, rec); err != nil {
			return nil, err
		}
		s.auditOutcome(ctx, requestID, caller, req, assessment, route, StatusSubmitted, trackingID, nil)
		return rec, nil
	}

	// Retries exhausted: the record is still created so the failure is
	// visible via GetStatus, then moved along the submission_failed edge.
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	failed, err := s.store.Transition(ctx, requestID, StatusSubmitted, StatusSubmissionFailed,
		"submission attempt exhausted retries")
	if err != nil {
		return nil, err
	}
	s.auditOutcome(ctx, requestID, caller, req, assessment, route, StatusSubmissionFailed, "", submitErr)
	return failed, fmt.Errorf("%w: %s", ErrSubmissionFailed, requestID)
}

// submitExternal performs the retry-wrapped, breaker-guarded external
// submission for the chosen route, auditing every attempt.
func (s *Service) submitExternal(ctx context.Context, requestID string, route Route, req *PriorAuthRequest) (string, error) {
	target := s.edi
	if route == RouteFHIR {
		target = s.fhir
	}

	var trackingID string
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return target.Breaker.Call(ctx, func(ctx context.Context) error {
			id, err := target.Submitter.Submit(ctx, submissionPayload(requestID, req))
			if err != nil {
				return err
			}
			trackingID = id
			return nil
		})
	}, func(attempt int, attemptErr error) {
		s.audit(ctx, audit.Entry{
			Component: componentOrchestrator,
			RequestID: requestID,
			Action:    "submission_attempt",
			Outcome:   audit.OutcomeFailure,
			Detail: map[string]any{
				"route":   string(route),
				"attempt": attempt,
				"error":   attemptErr.Error(),
			},
		})
	})
	return trackingID, err
}

// submissionPayload is the opaque body handed to the payer capability. The
// concrete wire format (FHIR resources, X12 segments) is built downstream.
func submissionPayload(requestID string, req *PriorAuthRequest) map[string]any {
	return map[string]any{
		"request_id":      requestID,
		"patient_id":      req.PatientID,
		"member_id":       req.MemberID,
		"provider_npi":    req.ProviderNPI,
		"payer":           req.Payer,
		"procedure_code":  req.ProcedureCode,
		"diagnosis_codes": req.DiagnosisCodes,
		"service_date":    req.ServiceDate.Format(time.RFC3339),
		"supporting_docs": req.SupportingDocs,
	}
}

// GetStatus returns the workflow record for a request identifier.
func (s *Service) GetStatus(ctx context.Context, requestID string) (*WorkflowRecord, error) {
	return s.store.Get(ctx, requestID)
}

// Explanation is the caller-facing projection of a stored risk assessment.
type Explanation struct {
	RequestID       string         `json:"request_id"`
	Risk            RiskAssessment `json:"risk"`
	Route           Route          `json:"route"`
	Recommendations []string       `json:"recommendations"`
}

// Explain reads the risk snapshot captured at decision time. It never
// rescores: the explanation must match the decision that was actually made.
func (s *Service) Explain(ctx context.Context, requestID string) (*Explanation, error) {
	rec, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &Explanation{
		RequestID:       rec.RequestID,
		Risk:            rec.Risk,
		Route:           rec.Route,
		Recommendations: Recommendations(rec.Risk),
	}, nil
}

// ListOpen returns all records the tracker still drives toward a terminal
// state, for work-queue views.
func (s *Service) ListOpen(ctx context.Context) ([]*WorkflowRecord, error) {
	return s.store.ListOpen(ctx)
}

// AuditTrail returns the append-only audit entries for one request.
func (s *Service) AuditTrail(ctx context.Context, requestID string) ([]audit.Entry, error) {
	if _, err := s.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	return s.sink.ListByRequest(ctx, requestID)
}

// ReviewDecision applies a human reviewer's decision to a needs_review
// record. Approval re-routes by the declared protocol preference and
// resubmits; rejection moves the record to denied.
func (s *Service) ReviewDecision(ctx context.Context, requestID string, approve bool, reviewer string) (*WorkflowRecord, error) {
	rec, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)

	if !approve {
		denied, err := s.store.Transition(ctx, requestID, rec.Status, StatusDenied,
			"rejected by human review")
		if err != nil {
			return nil, err
		}
		s.audit(ctx, audit.Entry{
			Component: componentOrchestrator,
			RequestID: requestID,
			Action:    "review_decision",
			Outcome:   audit.OutcomeSuccess,
			Detail:    map[string]any{"reviewer": reviewer, "decision": "denied"},
		})
		return denied, nil
	}

	route := RouteEDI
	if rec.Request.Protocol == ProtocolFHIR {
		route = RouteFHIR
	}

	submitted, err := s.store.Transition(ctx, requestID, rec.Status, StatusSubmitted,
		"approved by human review, re-routed")
	if err != nil {
		return nil, err
	}

	trackingID, submitErr := s.submitExternal(ctx, requestID, route, &rec.Request)
	if submitErr != nil {
		failed, err := s.store.Transition(ctx, requestID, StatusSubmitted, StatusSubmissionFailed,
			"submission attempt exhausted retries")
		if err != nil {
			return nil, err
		}
		s.audit(ctx, audit.Entry{
			Component: componentOrchestrator,
			RequestID: requestID,
			Action:    "review_decision",
			Outcome:   audit.OutcomeFailure,
			Detail:    map[string]any{"reviewer": reviewer, "decision": "approved", "error": submitErr.Error()},
		})
		return failed, fmt.Errorf("%w: %s", ErrSubmissionFailed, requestID)
	}

	if err := s.store.SetTracking(ctx, requestID, trackingID); err != nil {
		return nil, err
	}
	submitted.ExternalTrackingID = trackingID
	s.audit(ctx, audit.Entry{
		Component: componentOrchestrator,
		RequestID: requestID,
		Action:    "review_decision",
		Outcome:   audit.OutcomeSuccess,
		Detail: map[string]any{
			"reviewer":    reviewer,
			"decision":    "approved",
			"route":       string(route),
			"tracking_id": trackingID,
		},
	})
	return submitted, nil
}

// Close applies the administrative close-out edge to an adjudicated record.
func (s *Service) Close(ctx context.Context, requestID, actor string) (*WorkflowRecord, error) {
	rec, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	closed, err := s.store.Transition(ctx, requestID, rec.Status, StatusClosed, "administrative close-out")
	if err != nil {
		return nil, err
	}
	s.audit(ctx, audit.Entry{
		Component: componentOrchestrator,
		RequestID: requestID,
		Action:    "close",
		Outcome:   audit.OutcomeSuccess,
		Detail:    map[string]any{"actor": actor, "from": string(rec.Status)},
	})
	return closed, nil
}

// auditOutcome writes the single end-of-workflow audit entry for Submit.
// Risk factors and route are not PHI; patient identifiers are redacted.
func (s *Service) auditOutcome(ctx context.Context, requestID, caller string, req *PriorAuthRequest, assessment RiskAssessment, route Route, status Status, trackingID string, submitErr error) {
	factors := make([]string, len(assessment.Factors))
	for i, f := range assessment.Factors {
		factors[i] = f.Name
	}
	detail := map[string]any{
		"caller":         caller,
		"payer":          req.Payer,
		"procedure_code": req.ProcedureCode,
		"risk_score":     assessment.Score,
		"risk_level":     string(assessment.Level),
		"factors":        factors,
		"route":          string(route),
		"status":         string(status),
		"patient_ref":    phi.Redact(req.PatientID),
		"member_ref":     phi.Redact(req.MemberID),
	}
	outcome := audit.OutcomeSuccess
	if submitErr != nil {
		outcome = audit.OutcomeFailure
		detail["error"] = submitErr.Error()
	}
	if trackingID != "" {
		detail["tracking_id"] = trackingID
	}
	s.audit(ctx, audit.Entry{
		Component: componentOrchestrator,
		RequestID: requestID,
		Action:    "submit",
		Outcome:   outcome,
		Detail:    detail,
	})
}

func (s *Service) audit(ctx context.Context, entry audit.Entry) {
	if err := s.sink.Append(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("failed to append audit entry")
	}
}
