package priorauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/priorauth/priorauth/internal/platform/auth"
)

var errConnRefused = errors.New("connection refused")

func newTestServer(t *testing.T, f *serviceFixture, roles ...string) *echo.Echo {
	t.Helper()
	if roles == nil {
		roles = []string{"admin"}
	}
	e := echo.New()
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, auth.CallerIDKey, "test-caller")
			ctx = context.WithValue(ctx, auth.CallerRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(f.svc, nil).RegisterRoutes(api)
	return e
}

func submitBody() string {
	b, _ := json.Marshal(validRequest())
	return string(b)
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerSubmit(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f)

	rec := doJSON(e, http.MethodPost, "/api/v1/prior-auth", submitBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var out WorkflowRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != StatusSubmitted {
		t.Errorf("Status = %v, want %v", out.Status, StatusSubmitted)
	}
	if !strings.HasPrefix(out.RequestID, "PA-") {
		t.Errorf("RequestID = %q, want PA- prefix", out.RequestID)
	}
}

func TestHandlerSubmitIncomplete(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f)

	req := validRequest()
	req.ProcedureCode = ""
	b, _ := json.Marshal(req)

	rec := doJSON(e, http.MethodPost, "/api/v1/prior-auth", string(b))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandlerSubmitGatewayFailure(t *testing.T) {
	f := newFixture(mediumAssessment())
	f.fhir.err = errConnRefused
	e := newTestServer(t, f)

	rec := doJSON(e, http.MethodPost, "/api/v1/prior-auth", submitBody())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body.String())
	}

	var out struct {
		Record WorkflowRecord `json:"record"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Record.Status != StatusSubmissionFailed {
		t.Errorf("record Status = %v, want %v", out.Record.Status, StatusSubmissionFailed)
	}
}

func TestHandlerGetStatus(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f)

	created, err := f.svc.Submit(context.Background(), validRequest(), "test-caller")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/prior-auth/"+created.RequestID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if rec := doJSON(e, http.MethodGet, "/api/v1/prior-auth/PA-missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status for unknown id = %d, want 404", rec.Code)
	}
}

func TestHandlerExplain(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f)

	created, err := f.svc.Submit(context.Background(), validRequest(), "test-caller")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/prior-auth/"+created.RequestID+"/explain", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var out Explanation
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Risk.Score != 0.38 {
		t.Errorf("explained score = %v, want 0.38", out.Risk.Score)
	}
}

func TestHandlerListOpenPagination(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.svc.Submit(ctx, validRequest(), "test-caller"); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	rec := doJSON(e, http.MethodGet, "/api/v1/prior-auth?limit=2&offset=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var out struct {
		Data    []WorkflowRecord `json:"data"`
		Total   int              `json:"total"`
		HasMore bool             `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Data) != 2 {
		t.Errorf("page size = %d, want 2", len(out.Data))
	}
	if out.Total != 5 {
		t.Errorf("total = %d, want 5", out.Total)
	}
	if !out.HasMore {
		t.Error("has_more = false, want true")
	}
}

func TestHandlerReviewRequiresRole(t *testing.T) {
	f := newFixture(highAssessment())
	created, err := f.svc.Submit(context.Background(), validRequest(), "test-caller")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// An unprivileged caller is rejected.
	e := newTestServer(t, f, "clinic-app")
	rec := doJSON(e, http.MethodPost, "/api/v1/prior-auth/"+created.RequestID+"/review", `{"approve":false}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	// A reviewer may decide.
	e = newTestServer(t, f, "reviewer")
	rec = doJSON(e, http.MethodPost, "/api/v1/prior-auth/"+created.RequestID+"/review", `{"approve":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var out WorkflowRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != StatusDenied {
		t.Errorf("Status = %v, want %v", out.Status, StatusDenied)
	}
}

func TestHandlerReviewConflict(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f, "reviewer")

	created, err := f.svc.Submit(context.Background(), validRequest(), "test-caller")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/prior-auth/"+created.RequestID+"/review", `{"approve":true}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("review of a submitted record = %d, want 409", rec.Code)
	}
}

func TestHandlerClose(t *testing.T) {
	f := newFixture(mediumAssessment())
	e := newTestServer(t, f)
	ctx := context.Background()

	created, err := f.svc.Submit(ctx, validRequest(), "test-caller")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := f.store.Transition(ctx, created.RequestID, StatusSubmitted, StatusPendingPayer, "payer accepted"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := f.store.Transition(ctx, created.RequestID, StatusPendingPayer, StatusDenied, "payer denied"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}

	rec := doJSON(e, http.MethodPost, "/api/v1/prior-auth/"+created.RequestID+"/close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerAuditTrailRequiresAdmin(t *testing.T) {
	f := newFixture(mediumAssessment())

	created, err := f.svc.Submit(context.Background(), validRequest(), "test-caller")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	e := newTestServer(t, f, "reviewer")
	if rec := doJSON(e, http.MethodGet, "/api/v1/prior-auth/"+created.RequestID+"/audit", ""); rec.Code != http.StatusForbidden {
		t.Errorf("status for reviewer = %d, want 403", rec.Code)
	}

	e = newTestServer(t, f, "admin")
	rec := doJSON(e, http.MethodGet, "/api/v1/prior-auth/"+created.RequestID+"/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status for admin = %d, want 200", rec.Code)
	}
}
