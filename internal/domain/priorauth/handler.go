package priorauth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/priorauth/priorauth/internal/platform/auth"
	"github.com/priorauth/priorauth/pkg/pagination"
)

// Handler is the transport binding of the orchestrator. The front door layer
// (token issuance, schema validation) sits in front of it; by the time a
// request reaches these handlers it carries a caller identity and a
// well-formed body.
type Handler struct {
	svc     *Service
	tracker *Tracker
}

// NewHandler creates a handler. tracker may be nil when the manual poll
// endpoint is not exposed.
func NewHandler(svc *Service, tracker *Tracker) *Handler {
	return &Handler{svc: svc, tracker: tracker}
}

// RegisterRoutes mounts the prior-auth API on the given group.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/prior-auth", h.Submit)
	api.GET("/prior-auth", h.ListOpen)
	api.GET("/prior-auth/:id", h.GetStatus)
	api.GET("/prior-auth/:id/explain", h.Explain)
	api.GET("/prior-auth/:id/audit", h.AuditTrail, auth.RequireRole("admin"))
	api.POST("/prior-auth/:id/review", h.Review, auth.RequireRole("reviewer"))
	api.POST("/prior-auth/:id/close", h.Close, auth.RequireRole("admin"))
	if h.tracker != nil {
		api.POST("/tracker/poll", h.TriggerPoll, auth.RequireRole("admin"))
	}
}

func (h *Handler) Submit(c echo.Context) error {
	var req PriorAuthRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	caller := auth.CallerFromContext(c.Request().Context())
	rec, err := h.svc.Submit(c.Request().Context(), &req, caller)
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, rec)
	case errors.Is(err, ErrSubmissionFailed):
		// Partial success: the record exists and getStatus will show it.
		return c.JSON(http.StatusBadGateway, map[string]any{
			"record": rec,
			"error":  "submission failed after retries; manual intervention required",
		})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrIncompleteRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrDuplicateRequest):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetStatus(c echo.Context) error {
	rec, err := h.svc.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Explain(c echo.Context) error {
	expl, err := h.svc.Explain(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, expl)
}

func (h *Handler) ListOpen(c echo.Context) error {
	pg := pagination.FromContext(c)
	open, err := h.svc.ListOpen(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	start, end := pg.Slice(len(open))
	return c.JSON(http.StatusOK, pagination.NewResponse(open[start:end], len(open), pg.Limit, pg.Offset))
}

func (h *Handler) AuditTrail(c echo.Context) error {
	entries, err := h.svc.AuditTrail(c.Request().Context(), c.Param("id"))
	if err != nil {
		return notFoundOr500(err)
	}
	return c.JSON(http.StatusOK, entries)
}

type reviewRequest struct {
	Approve bool `json:"approve"`
}

func (h *Handler) Review(c echo.Context) error {
	var body reviewRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	reviewer := auth.CallerFromContext(c.Request().Context())
	rec, err := h.svc.ReviewDecision(c.Request().Context(), c.Param("id"), body.Approve, reviewer)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, rec)
	case errors.Is(err, ErrSubmissionFailed):
		return c.JSON(http.StatusBadGateway, map[string]any{
			"record": rec,
			"error":  "resubmission failed after retries; manual intervention required",
		})
	default:
		return transitionError(err)
	}
}

func (h *Handler) Close(c echo.Context) error {
	actor := auth.CallerFromContext(c.Request().Context())
	rec, err := h.svc.Close(c.Request().Context(), c.Param("id"), actor)
	if err != nil {
		return transitionError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) TriggerPoll(c echo.Context) error {
	polled, err := h.tracker.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"polled": polled})
}

func notFoundOr500(err error) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrStaleTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
