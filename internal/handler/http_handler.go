package handler

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pesio-ai/be-gl-closing/internal/closing"
	"github.com/pesio-ai/be-gl-closing/internal/errors"
	"github.com/pesio-ai/be-gl-closing/internal/logger"
	"github.com/pesio-ai/be-gl-closing/internal/repository"
	"github.com/pesio-ai/be-gl-closing/internal/service"
)

// UserIDHeader carries the acting user on every request.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ProcedureOrchestrator
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.ProcedureOrchestrator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// Register mounts every route on mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /api/v1/closure-types", h.ListClosureTypes)

	mux.HandleFunc("POST /api/v1/procedures", h.CreateProcedure)
	mux.HandleFunc("GET /api/v1/procedures", h.ListProcedures)
	mux.HandleFunc("GET /api/v1/procedures/{id}", h.GetProcedure)
	mux.HandleFunc("DELETE /api/v1/procedures/{id}", h.DiscardProcedure)
	mux.HandleFunc("POST /api/v1/procedures/{id}/start", h.StartProcedure)
	mux.HandleFunc("POST /api/v1/procedures/{id}/resume", h.ResumeProcedure)
	mux.HandleFunc("POST /api/v1/procedures/{id}/steps/{stepId}/complete", h.CompleteStep)
	mux.HandleFunc("POST /api/v1/procedures/{id}/steps/{stepId}/retry", h.RetryStep)
	mux.HandleFunc("POST /api/v1/procedures/{id}/anomalies/{anomalyId}/resolve", h.ResolveAnomaly)
	mux.HandleFunc("POST /api/v1/procedures/{id}/approve", h.ApproveProcedure)
	mux.HandleFunc("POST /api/v1/procedures/{id}/reject", h.RejectProcedure)
	mux.HandleFunc("POST /api/v1/procedures/{id}/cancel", h.CancelProcedure)
}

// Health reports liveness.
func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ListClosureTypes returns the closure type catalog.
func (h *HTTPHandler) ListClosureTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"closure_types": h.service.ClosureTypes()})
}

type createProcedureBody struct {
	CompanyID   string `json:"company_id"`
	ClosureType string `json:"closure_type"`
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// CreateProcedure handles create procedure HTTP requests
func (h *HTTPHandler) CreateProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}

	var body createProcedureBody
	if err := decodeBody(r, &body, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	period, err := parsePeriod(body.PeriodStart, body.PeriodEnd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.service.CreateProcedure(r.Context(), service.CreateProcedureRequest{
		CompanyID:   body.CompanyID,
		ClosureType: body.ClosureType,
		Period:      period,
	}, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListProcedures handles list procedures HTTP requests
func (h *HTTPHandler) ListProcedures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListFilter{
		CompanyID: q.Get("company_id"),
		State:     closing.ProcedureState(q.Get("state")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, r, errors.InvalidInput("limit", "must be a non-negative integer"))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, r, errors.InvalidInput("offset", "must be a non-negative integer"))
		return
	}

	procedures, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"procedures": procedures, "count": len(procedures)})
}

// GetProcedure returns a procedure with its steps, controls and audit trail.
func (h *HTTPHandler) GetProcedure(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DiscardProcedure deletes a procedure that was never started.
func (h *HTTPHandler) DiscardProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	if err := h.service.Discard(r.Context(), r.PathValue("id"), user); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartProcedure handles start procedure HTTP requests
func (h *HTTPHandler) StartProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	p, err := h.service.Start(r.Context(), r.PathValue("id"), user)
	h.respond(w, r, p, err)
}

// ResumeProcedure re-runs pending automatic steps of a running procedure.
func (h *HTTPHandler) ResumeProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	p, err := h.service.Resume(r.Context(), r.PathValue("id"), user)
	h.respond(w, r, p, err)
}

// CompleteStep records the outcome of a manual step.
func (h *HTTPHandler) CompleteStep(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	var outcome service.ManualOutcome
	if err := decodeBody(r, &outcome, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.service.CompleteManualStep(r.Context(), r.PathValue("id"), r.PathValue("stepId"), user, outcome)
	h.respond(w, r, p, err)
}

// RetryStep re-runs a failed automatic step.
func (h *HTTPHandler) RetryStep(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	p, err := h.service.RetryStep(r.Context(), r.PathValue("id"), r.PathValue("stepId"), user)
	h.respond(w, r, p, err)
}

type commentBody struct {
	Comment string `json:"comment"`
	Reason  string `json:"reason"`
}

// ResolveAnomaly marks an anomaly resolved.
func (h *HTTPHandler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	var body commentBody
	if err := decodeBody(r, &body, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.service.ResolveAnomaly(r.Context(), r.PathValue("id"), r.PathValue("anomalyId"), user, body.Comment)
	h.respond(w, r, p, err)
}

// ApproveProcedure handles approve procedure HTTP requests
func (h *HTTPHandler) ApproveProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	var body commentBody
	if err := decodeBody(r, &body, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.service.Approve(r.Context(), r.PathValue("id"), user, body.Comment)
	h.respond(w, r, p, err)
}

// RejectProcedure handles reject procedure HTTP requests
func (h *HTTPHandler) RejectProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	var body commentBody
	if err := decodeBody(r, &body, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.service.Reject(r.Context(), r.PathValue("id"), user, body.Comment)
	h.respond(w, r, p, err)
}

// CancelProcedure hard-stops a procedure.
func (h *HTTPHandler) CancelProcedure(w http.ResponseWriter, r *http.Request) {
	user, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	var body commentBody
	if err := decodeBody(r, &body, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.service.Cancel(r.Context(), r.PathValue("id"), user, body.Reason)
	h.respond(w, r, p, err)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) actingUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserIDHeader)
	if user == "" {
		h.writeError(w, r, errors.InvalidInput(UserIDHeader, "header is required"))
		return "", false
	}
	return user, true
}

func (h *HTTPHandler) respond(w http.ResponseWriter, r *http.Request, p *closing.Procedure, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: errors.CodeOf(err), Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(r *http.Request, dst any, required bool) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if stderrors.Is(err, io.EOF) && !required {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

func parsePeriod(start, end string) (closing.Period, error) {
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return closing.Period{}, errors.InvalidInput("period_start", "must be a YYYY-MM-DD date")
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return closing.Period{}, errors.InvalidInput("period_end", "must be a YYYY-MM-DD date")
	}
	return closing.Period{Start: s, End: e}, nil
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(errors.ErrCodeInvalidInput, "invalid integer")
	}
	return n, nil
}
