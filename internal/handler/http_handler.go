package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-crm-deals/internal/apperrors"
	"github.com/pesio-ai/be-crm-deals/internal/service"
)

// HTTPHandler exposes the deal approval API.
type HTTPHandler struct {
	deals       *service.DealService
	approvals   *service.ApprovalService
	assignments *service.AssignmentService
	log         zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	deals *service.DealService,
	approvals *service.ApprovalService,
	assignments *service.AssignmentService,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		deals:       deals,
		approvals:   approvals,
		assignments: assignments,
		log:         log.With().Str("handler", "http").Logger(),
	}
}

// Register mounts all routes on the router.
func (h *HTTPHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/deals", h.CreateDeal).Methods(http.MethodPost)
	api.HandleFunc("/deals", h.ListDeals).Methods(http.MethodGet)
	api.HandleFunc("/deals/approval/bulk", h.BulkApprove).Methods(http.MethodPost)
	api.HandleFunc("/deals/approval/candidates", h.ApprovalCandidates).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id}", h.GetDeal).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id}/submit", h.SubmitForApproval).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}/approval", h.ProcessApproval).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}/assign", h.AssignDeal).Methods(http.MethodPost)
	api.HandleFunc("/deals/{id}/approvals", h.ApprovalHistory).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id}/assignments", h.AssignmentHistory).Methods(http.MethodGet)
	api.HandleFunc("/deals/{id}/conflicts", h.Conflicts).Methods(http.MethodGet)

	api.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
}

// actorID resolves the acting user from the X-User-ID header. The
// gateway authenticates and sets it; the core never defaults an actor.
func actorID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// CreateDeal handles create deal requests.
func (h *HTTPHandler) CreateDeal(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}
	if actor := actorID(r); actor != "" {
		req.CreatedBy = &actor
	}

	deal, err := h.deals.CreateDeal(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, deal)
}

// GetDeal handles get deal requests.
func (h *HTTPHandler) GetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := h.deals.GetDeal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deal)
}

// ListDeals handles list deal requests with filters and pagination.
func (h *HTTPHandler) ListDeals(w http.ResponseWriter, r *http.Request) {
	var status, resellerID *string
	if v := r.URL.Query().Get("status"); v != "" {
		status = &v
	}
	if v := r.URL.Query().Get("reseller_id"); v != "" {
		resellerID = &v
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}

	deals, total, err := h.deals.ListDeals(r.Context(), status, resellerID, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"deals":     deals,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// SubmitForApproval attaches a workflow to a deal and opens step 1.
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	current, err := h.deals.SubmitForApproval(r.Context(), mux.Vars(r)["id"], req.WorkflowID, actorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, current)
}

// ProcessApproval applies an approve / reject / escalate action to the
// deal's current step.
func (h *HTTPHandler) ProcessApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action     string  `json:"action"`
		Comments   *string `json:"comments"`
		EscalateTo string  `json:"escalate_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	var action service.ApprovalAction
	switch req.Action {
	case "approve":
		action = service.Approve()
	case "reject":
		action = service.Reject()
	case "escalate":
		action = service.Escalate(req.EscalateTo)
	default:
		h.writeError(w, apperrors.InvalidInput("action", "action must be approve, reject or escalate"))
		return
	}

	result, err := h.approvals.ProcessApprovalAction(r.Context(), mux.Vars(r)["id"], actorID(r), action, req.Comments)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// BulkApprove applies the approve transition across many deals.
func (h *HTTPHandler) BulkApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DealIDs  []string `json:"deal_ids"`
		Comments *string  `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.approvals.BulkApprove(r.Context(), req.DealIDs, actorID(r), req.Comments)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ApprovalCandidates lists deals the acting user can approve right now.
func (h *HTTPHandler) ApprovalCandidates(w http.ResponseWriter, r *http.Request) {
	deals, err := h.approvals.GetBulkApprovalCandidates(r.Context(), actorID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

// AssignDeal routes a deal to a reseller and resolves open conflicts.
func (h *HTTPHandler) AssignDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResellerID string  `json:"reseller_id"`
		Reason     *string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.assignments.AssignDeal(r.Context(), mux.Vars(r)["id"], req.ResellerID, actorID(r), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ApprovalHistory returns the full approval ledger for a deal.
func (h *HTTPHandler) ApprovalHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.deals.GetApprovalHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// AssignmentHistory returns the assignment audit trail for a deal.
func (h *HTTPHandler) AssignmentHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.assignments.GetAssignmentHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// Conflicts returns the conflict records flagged on a deal.
func (h *HTTPHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.assignments.GetConflicts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// CreateWorkflow adds a workflow definition to the catalog.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidInput("body", "invalid request body"))
		return
	}

	wf, err := h.deals.CreateWorkflowDefinition(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, wf)
}

// GetWorkflow retrieves one workflow definition with its steps.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.deals.GetWorkflowDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wf)
}

// ListWorkflows lists the workflow definition catalog.
func (h *HTTPHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs, err := h.deals.ListWorkflowDefinitions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
}

// ── response helpers ─────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
}
