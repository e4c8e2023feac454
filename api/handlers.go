/*
handlers.go - HTTP API handlers for the allocation engine

PURPOSE:
  Exposes allocation, complaint routing and SLA operations over REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  engine, routing and sla packages.

ENDPOINTS:
  Requests:
    GET    /api/requests/{id}                    Request details
    GET    /api/requests/{id}/suggestions        Ranked candidate resources
    POST   /api/requests/{id}/allocate           Automatic allocation
    POST   /api/requests/{id}/allocate/manual    Allocation to a chosen resource
    POST   /api/requests/{id}/reject             Close a pending request

  Complaints:
    POST   /api/requests/{id}/assign             Route to an operator
    POST   /api/requests/{id}/start              ASSIGNED -> IN_PROGRESS
    POST   /api/requests/{id}/resolve            -> RESOLVED

  Allocations:
    GET    /api/allocations/{id}                 Allocation details
    POST   /api/allocations/{id}/cancel          Release stock
    POST   /api/allocations/{id}/dispatch        ALLOCATED -> IN_TRANSIT
    POST   /api/allocations/{id}/deliver         IN_TRANSIT -> DELIVERED

  Resources:
    GET    /api/resources/{id}                   Resource counters

  Routing:
    GET    /api/routing?area=&category=          Preview operator ranking

  Admin:
    POST   /api/admin/allocate-pending           Batch auto-allocation
    POST   /api/admin/sla-sweep                  Run one SLA sweep now

ERROR HANDLING:
  Errors are returned as JSON {error, message} with status:
  - 400: Validation errors, invalid input
  - 404: Request, resource, allocation or zone not found
  - 409: Conflict (state does not allow the operation, no stock)
  - 500: Store failures. The cause is logged, never returned.

SECURITY NOTE:
  No authentication. actor_id is trusted as sent.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/relief-engine/engine"
	"github.com/warp/relief-engine/routing"
	"github.com/warp/relief-engine/sla"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *engine.Service
	Desk      *routing.Desk
	Scheduler *sla.Scheduler
	Log       *logrus.Entry

	validate *validator.Validate
}

func NewHandler(svc *engine.Service, desk *routing.Desk, sched *sla.Scheduler, log *logrus.Entry) *Handler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handler{
		Service:   svc,
		Desk:      desk,
		Scheduler: sched,
		Log:       log.WithField("component", "api"),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// GetRequest returns one request.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Service.GetRequest(r.Context(), requestID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// SuggestResources ranks candidates without allocating.
// GET /api/requests/{id}/suggestions?limit=5
func (h *Handler) SuggestResources(w http.ResponseWriter, r *http.Request) {
	limit := engine.DefaultSuggestLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > engine.MaxSuggestLimit {
			writeError(w, http.StatusBadRequest, "validation",
				fmt.Sprintf("limit must be an integer between 1 and %d", engine.MaxSuggestLimit), nil)
			return
		}
		limit = n
	}

	cands, err := h.Service.SuggestResources(r.Context(), requestID(r), limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCandidateDTOs(cands))
}

// AllocateAuto allocates the best candidate.
// POST /api/requests/{id}/allocate
func (h *Handler) AllocateAuto(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.AllocateAuto(r.Context(), requestID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(a))
}

// AllocateManual allocates a chosen resource.
// POST /api/requests/{id}/allocate/manual
func (h *Handler) AllocateManual(w http.ResponseWriter, r *http.Request) {
	var body ManualAllocationRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	a, err := h.Service.AllocateManual(r.Context(), requestID(r), engine.ResourceID(body.ResourceID), body.ActorID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(a))
}

// RejectRequest closes a pending request.
// POST /api/requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	var body RejectRequestRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	req, err := h.Service.RejectRequest(r.Context(), requestID(r), body.ActorID, body.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// =============================================================================
// COMPLAINT HANDLERS
// =============================================================================

// AssignComplaint routes a pending complaint. An unmatched complaint stays
// pending and the response has assigned=false.
// POST /api/requests/{id}/assign
func (h *Handler) AssignComplaint(w http.ResponseWriter, r *http.Request) {
	var body ActorRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	req, assigned, err := h.Desk.Assign(r.Context(), requestID(r), body.ActorID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	dto := toRequestDTO(req)
	writeJSON(w, http.StatusOK, AssignmentDTO{Request: &dto, Operator: dto.AssignedTo, Assigned: assigned})
}

// StartComplaint moves an assigned complaint to IN_PROGRESS.
// POST /api/requests/{id}/start
func (h *Handler) StartComplaint(w http.ResponseWriter, r *http.Request) {
	var body ActorRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	req, err := h.Desk.Start(r.Context(), requestID(r), body.ActorID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// ResolveComplaint closes a complaint.
// POST /api/requests/{id}/resolve
func (h *Handler) ResolveComplaint(w http.ResponseWriter, r *http.Request) {
	var body ResolveComplaintRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	req, err := h.Desk.Resolve(r.Context(), requestID(r), body.ActorID, body.Note)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// PreviewRoute shows the operator ranking for an area without writing.
// GET /api/routing?area=north&category=WATER
func (h *Handler) PreviewRoute(w http.ResponseWriter, r *http.Request) {
	area := r.URL.Query().Get("area")
	if strings.TrimSpace(area) == "" {
		writeError(w, http.StatusBadRequest, "validation", "area is required", nil)
		return
	}

	var specialties []engine.Category
	if c := r.URL.Query().Get("category"); c != "" {
		var err error
		specialties, err = h.Desk.Router.SpecialtiesFor(engine.Category(strings.ToUpper(c)))
		if err != nil {
			h.writeEngineError(w, r, err)
			return
		}
	}

	ranked, err := h.Desk.Router.Rank(r.Context(), area, specialties)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRouteCandidateDTOs(ranked))
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// GetAllocation returns one allocation.
// GET /api/allocations/{id}
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.GetAllocation(r.Context(), allocationID(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// CancelAllocation releases an allocation's stock.
// POST /api/allocations/{id}/cancel
func (h *Handler) CancelAllocation(w http.ResponseWriter, r *http.Request) {
	var body CancelAllocationRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	a, err := h.Service.CancelAllocation(r.Context(), allocationID(r), body.ActorID, body.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// DispatchAllocation marks an allocation in transit.
// POST /api/allocations/{id}/dispatch
func (h *Handler) DispatchAllocation(w http.ResponseWriter, r *http.Request) {
	var body ActorRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	a, err := h.Service.DispatchAllocation(r.Context(), allocationID(r), body.ActorID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// MarkDelivered completes an allocation.
// POST /api/allocations/{id}/deliver
func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	var body ActorRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	a, err := h.Service.MarkDelivered(r.Context(), allocationID(r), body.ActorID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAllocationDTO(a))
}

// GetResource returns counters for one resource.
// GET /api/resources/{id}
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.GetResource(r.Context(), engine.ResourceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResourceDTO(res))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AllocatePending runs one batch of automatic allocations.
// POST /api/admin/allocate-pending
func (h *Handler) AllocatePending(w http.ResponseWriter, r *http.Request) {
	var body AllocatePendingRequest
	if !h.decodeAndValidate(w, r, &body) {
		return
	}

	res, err := h.Service.AllocatePending(r.Context(), body.Limit)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	dto := BatchResultDTO{
		Allocated: make([]AllocationDTO, len(res.Allocated)),
		Failed:    make(map[string]ErrorDTO, len(res.Failed)),
	}
	for i, a := range res.Allocated {
		dto.Allocated[i] = toAllocationDTO(a)
	}
	for id, ferr := range res.Failed {
		_, code := classify(ferr)
		dto.Failed[string(id)] = ErrorDTO{Error: code, Message: publicMessage(ferr)}
	}
	writeJSON(w, http.StatusOK, dto)
}

// RunSLASweep runs one sweep. If the scheduler's sweep is in flight the
// call is skipped and ran=false.
// POST /api/admin/sla-sweep
func (h *Handler) RunSLASweep(w http.ResponseWriter, r *http.Request) {
	res, ran, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepDTO{Result: res, Ran: ran})
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func requestID(r *http.Request) engine.RequestID {
	return engine.RequestID(chi.URLParam(r, "id"))
}

func allocationID(r *http.Request) engine.AllocationID {
	return engine.AllocationID(chi.URLParam(r, "id"))
}

// decodeAndValidate reads an optional JSON body into dst and runs struct
// validation. It writes the 400 response itself and returns false on failure.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body", nil)
			return false
		}
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "validation", err.Error(), nil)
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeError(w, http.StatusBadRequest, "validation", "request body failed validation", fields)
		return false
	}
	return true
}

// classify maps an engine error to an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case engine.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case engine.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case engine.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, engine.ErrTransaction):
		return http.StatusInternalServerError, "transaction"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// publicMessage hides store and unexpected errors from clients.
func publicMessage(err error) string {
	if status, _ := classify(err); status < http.StatusInternalServerError {
		return err.Error()
	}
	return "internal error"
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.Log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).WithError(err).Error("request failed")
	}
	writeError(w, status, code, publicMessage(err), nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, fields map[string]string) {
	writeJSON(w, status, ErrorDTO{Error: code, Message: message, Fields: fields})
}
