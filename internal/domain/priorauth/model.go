package priorauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the prior-auth workflow. Handlers map these to HTTP
// status codes; callers can test them with errors.Is.
var (
	ErrInvalidRequest    = errors.New("invalid prior auth request")
	ErrIncompleteRequest = errors.New("incomplete prior auth request")
	ErrDuplicateRequest  = errors.New("duplicate request id")
	ErrStaleTransition   = errors.New("stale status transition")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotFound          = errors.New("workflow record not found")
)

// Protocol is the declared payer submission channel preference.
type Protocol string

const (
	ProtocolFHIR Protocol = "fhir"
	ProtocolEDI  Protocol = "edi"
)

// Status is the lifecycle state of a WorkflowRecord.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusPendingPayer     Status = "pending_payer_response"
	StatusNeedsReview      Status = "needs_review"
	StatusApproved         Status = "approved"
	StatusDenied           Status = "denied"
	StatusSubmissionFailed Status = "submission_failed"
	StatusClosed           Status = "closed"
)

// legalTransitions is the complete edge set of the workflow state machine.
// Any transition not listed here is rejected with ErrIllegalTransition.
var legalTransitions = map[Status][]Status{
	StatusSubmitted:    {StatusPendingPayer, StatusSubmissionFailed},
	StatusPendingPayer: {StatusApproved, StatusDenied, StatusNeedsReview},
	StatusNeedsReview:  {StatusSubmitted, StatusDenied},
	StatusApproved:     {StatusClosed},
	StatusDenied:       {StatusClosed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is an end state of the workflow. Approved and
// denied still admit an administrative close-out edge, but the payer decision
// is final and the tracker stops polling.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusSubmissionFailed, StatusClosed:
		return true
	}
	return false
}

// Payer display names with configured base denial rates. Unknown payers fall
// back to the default rate rather than failing.
const (
	PayerUHC   = "UnitedHealthcare"
	PayerCigna = "Cigna"
	PayerAetna = "Aetna"
)

// PriorAuthRequest is the validated inbound request. It is immutable once
// accepted; field-level schema validation happens upstream, but Validate
// re-checks the invariants this core depends on and fails closed.
type PriorAuthRequest struct {
	PatientID      string    `json:"patient_id"`
	MemberID       string    `json:"member_id"`
	ProviderNPI    string    `json:"provider_npi"`
	ProviderName   string    `json:"provider_name,omitempty"`
	Payer          string    `json:"payer"`
	ProcedureCode  string    `json:"procedure_code"`
	ProcedureDesc  string    `json:"procedure_description,omitempty"`
	DiagnosisCodes []string  `json:"diagnosis_codes"`
	Quantity       int       `json:"quantity,omitempty"`
	PlaceOfService string    `json:"place_of_service,omitempty"`
	ServiceDate    time.Time `json:"service_date"`
	SupportingDocs []string  `json:"supporting_docs,omitempty"`
	Protocol       Protocol  `json:"protocol"`
}

// Validate re-checks the upstream well-formedness gate. A request that fails
// here never creates state.
func (r *PriorAuthRequest) Validate() error {
	if r == nil {
		return ErrInvalidRequest
	}
	if r.ProcedureCode == "" {
		return fmt.Errorf("%w: procedure code is required", ErrIncompleteRequest)
	}
	if len(r.DiagnosisCodes) == 0 {
		return fmt.Errorf("%w: at least one diagnosis code is required", ErrIncompleteRequest)
	}
	if r.Protocol != ProtocolFHIR && r.Protocol != ProtocolEDI {
		return fmt.Errorf("%w: protocol must be %q or %q", ErrInvalidRequest, ProtocolFHIR, ProtocolEDI)
	}
	return nil
}

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Impact qualifies how strongly a factor contributed to the score.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// RiskFactor is one named contributor to a RiskAssessment, in the order the
// rules were applied.
type RiskFactor struct {
	Name   string  `json:"name"`
	Impact Impact  `json:"impact"`
	Weight float64 `json:"weight"`
}

// RiskAssessment is the immutable output of the risk engine. It is snapshotted
// into the WorkflowRecord at decision time and never recomputed afterwards.
type RiskAssessment struct {
	Score      float64      `json:"score"`
	Level      RiskLevel    `json:"level"`
	Factors    []RiskFactor `json:"factors"`
	Confidence float64      `json:"confidence"`
}

// Route is the payer routing decision.
type Route string

const (
	RouteFHIR   Route = "route-to-fhir"
	RouteEDI    Route = "route-to-edi"
	RouteReview Route = "escalate-to-review"
)

// StatusTransition is one append-only history entry on a WorkflowRecord.
type StatusTransition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	Cause string    `json:"cause"`
}

// WorkflowRecord is the durable entity owned by this core: one per request
// identifier, created at acceptance, mutated only through StatusStore
// compare-and-set transitions, never deleted.
type WorkflowRecord struct {
	RequestID          string             `json:"request_id"`
	Status             Status             `json:"status"`
	Risk               RiskAssessment     `json:"risk"`
	Route              Route              `json:"route"`
	ExternalTrackingID string             `json:"external_tracking_id,omitempty"`
	PollCount          int                `json:"poll_count"`
	ConsecutivePollErr int                `json:"consecutive_poll_errors"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	History            []StatusTransition `json:"history"`

	// Request carries the accepted request attributes needed for re-routing
	// after human review. Patient identifiers in it never reach logs.
	Request PriorAuthRequest `json:"request"`
}

// NewRequestID assigns a caller-visible, globally unique request identifier.
func NewRequestID() string {
	return "PA-" + uuid.New().String()
}
