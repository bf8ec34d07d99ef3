/*
handlers.go - HTTP API handlers for the recurring-transaction engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates to the engine and the query facade.

ENDPOINTS:
  Transactions:
    POST   /api/transactions                  Create (standalone or recurring)
    PUT    /api/transactions/{id}             Update, with optional escopoEdicao
    DELETE /api/transactions/{id}             Delete, with optional ?escopoEdicao=
    GET    /api/transactions?mes=&ano=        Month listing (stored + previews)
    GET    /api/transactions/preview?mes=&ano= Previews only

  Series:
    GET    /api/series                        List the owner's series
    GET    /api/series/{id}                   Series definition
    POST   /api/series/{id}/cancel            End a FIXA series

  Admin:
    POST   /api/admin/materialize             Run the materialization job now

OWNERSHIP:
  Every request carries the owner in the X-Owner-ID header. Authentication
  happens upstream; this service only scopes reads and writes by owner.

ERROR HANDLING:
  Errors are returned as JSON {error, code, details}:
  - 400: VALIDATION_ERROR
  - 404: NOT_FOUND
  - 409: PREVIEW_IMMUTABLE, MATERIALIZATION_CONFLICT
  - 422: INVALID_SCOPE
  - 500: INTERNAL_ERROR

SEE ALSO:
  - dto.go: Response data structures
  - factory/transaction.go: Request bodies
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/recurrence-engine/factory"
	"github.com/warp/recurrence-engine/recurrence"
)

// OwnerHeader carries the authenticated owner of the request.
const OwnerHeader = "X-Owner-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *recurrence.Engine
	Query     *recurrence.QueryFacade
	Scheduler *MaterializationScheduler
	Logger    *slog.Logger
}

// NewHandler wires the query facade to the engine's store and backstop.
func NewHandler(engine *recurrence.Engine, scheduler *MaterializationScheduler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	q := recurrence.NewQueryFacade(engine.Store, engine.HorizonMonths(), engine)
	q.Clock = engine.Clock
	return &Handler{
		Engine:    engine,
		Query:     q,
		Scheduler: scheduler,
		Logger:    logger.With("component", "api"),
	}
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// CreateTransaction handles POST /api/transactions.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req factory.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON", err)
		return
	}
	in, err := req.ToCreateInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Engine.Create(r.Context(), owner, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

// UpdateTransaction handles PUT /api/transactions/{id}.
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id, ok := h.occurrenceID(w, r)
	if !ok {
		return
	}

	var req factory.UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON", err)
		return
	}
	in, err := req.ToUpdateInput()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Engine.Update(r.Context(), owner, id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// DeleteTransaction handles DELETE /api/transactions/{id}?escopoEdicao=.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id, ok := h.occurrenceID(w, r)
	if !ok {
		return
	}
	scope, err := recurrence.ParseScope(r.URL.Query().Get("escopoEdicao"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Engine.Delete(r.Context(), owner, id, scope)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultDTO(res))
}

// ListTransactions handles GET /api/transactions?mes=&ano=.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	year, month, err := parseMonth(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.Query.ListMonth(r.Context(), owner, year, month)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOccurrenceDTOs(entries))
}

// ListPreviews handles GET /api/transactions/preview?mes=&ano=.
func (h *Handler) ListPreviews(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	year, month, err := parseMonth(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	previews, err := h.Query.ListPreviews(r.Context(), owner, year, month)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]OccurrenceDTO, 0, len(previews))
	for _, p := range previews {
		dtos = append(dtos, toOccurrenceDTO(recurrence.Preview{Occurrence: p}))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SERIES ENDPOINTS
// =============================================================================

// ListSeries handles GET /api/series.
func (h *Handler) ListSeries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	series, err := h.Engine.Store.ListSeries(r.Context(), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSeriesDTOs(series))
}

// GetSeries handles GET /api/series/{id}.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	s, err := h.Engine.Store.GetSeries(r.Context(), owner, recurrence.SeriesID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSeriesDTO(s))
}

// CancelSeries handles POST /api/series/{id}/cancel. An empty body ends the
// series today.
func (h *Handler) CancelSeries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req CancelSeriesRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid JSON", err)
			return
		}
	}
	var end *recurrence.Date
	if req.DataFim != "" {
		d, err := recurrence.ParseDate(req.DataFim)
		if err != nil {
			h.fail(w, r, &recurrence.ValidationError{Field: "dataFim", Reason: err.Error()})
			return
		}
		end = &d
	}

	s, err := h.Engine.CancelSeries(r.Context(), owner, recurrence.SeriesID(chi.URLParam(r, "id")), end)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSeriesDTO(s))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// TriggerMaterialization handles POST /api/admin/materialize.
func (h *Handler) TriggerMaterialization(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "SCHEDULER_DISABLED", "Materialization scheduler not configured", nil)
		return
	}
	summary := h.Scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toRunDTO(summary))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (recurrence.OwnerID, bool) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing "+OwnerHeader+" header", nil)
		return "", false
	}
	return recurrence.OwnerID(owner), true
}

// occurrenceID rejects writes addressed to a preview. Clients render a
// preview's null id as "null" or leave the segment empty.
func (h *Handler) occurrenceID(w http.ResponseWriter, r *http.Request) (recurrence.OccurrenceID, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || id == "null" || id == "undefined" {
		h.fail(w, r, recurrence.ErrPreviewImmutable)
		return "", false
	}
	return recurrence.OccurrenceID(id), true
}

func parseMonth(r *http.Request) (int, time.Month, error) {
	q := r.URL.Query()
	month, err := strconv.Atoi(q.Get("mes"))
	if err != nil || month < 1 || month > 12 {
		return 0, 0, &recurrence.ValidationError{Field: "mes", Reason: "must be a month number between 1 and 12"}
	}
	year, err := strconv.Atoi(q.Get("ano"))
	if err != nil || year < 1 || year > 9999 {
		return 0, 0, &recurrence.ValidationError{Field: "ano", Reason: "must be a four digit year"}
	}
	return year, time.Month(month), nil
}

// fail maps engine errors to HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, recurrence.ErrValidation):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", err)
	case errors.Is(err, recurrence.ErrInvalidScope):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_SCOPE", "Edit scope not applicable to this transaction", err)
	case errors.Is(err, recurrence.ErrPreviewImmutable):
		writeError(w, http.StatusConflict, "PREVIEW_IMMUTABLE", "Preview occurrences cannot be modified", err)
	case recurrence.IsRetryable(err):
		writeError(w, http.StatusConflict, "MATERIALIZATION_CONFLICT", "Series is being modified, try again", err)
	case recurrence.IsNotFound(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", err)
	default:
		h.Logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func strPtr(s string) *string {
	return &s
}
