package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for quota inspection and rule
// management
type Handler struct {
	config Config
}

// Routes returns an http.Handler serving every API endpoint:
//
//	GET    /quota           caller's quota standing
//	GET    /usage           caller's usage summary (?period=day|week|month)
//	GET    /quota/{userID}  quota standing for any user
//	PUT    /quota/{userID}  partial quota update
//	GET    /rules           rules the engine enforces
//	GET    /rules/{id}      single rule
//	PUT    /rules/{id}      create or replace a rule
//	DELETE /rules/{id}      delete a rule
//
// Callers that need different paths can mount the individual handler
// methods on their own router instead.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /quota", h.GetQuota)
	mux.HandleFunc("GET /usage", h.GetUsage)
	mux.HandleFunc("GET /quota/{userID}", h.GetUserQuota)
	mux.HandleFunc("PUT /quota/{userID}", h.UpdateQuota)
	mux.HandleFunc("GET /rules", h.ListRules)
	mux.HandleFunc("GET /rules/{id}", h.GetRule)
	mux.HandleFunc("PUT /rules/{id}", h.PutRule)
	mux.HandleFunc("DELETE /rules/{id}", h.DeleteRule)
	return mux
}

// GetQuota returns the calling user's current quota standing
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	quota, err := h.config.Service.GetQuota(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get quota: %w", err), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newQuotaResponse(quota))
}

// GetUsage returns the calling user's aggregated traffic over a period
// The period query parameter accepts day, week or month and defaults to day
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	period := ratekeeper.StatsPeriod(r.URL.Query().Get("period"))
	if period == "" {
		period = ratekeeper.PeriodDay
	}

	summary, err := h.config.Service.GetUsageStats(r.Context(), userID, period)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get usage stats: %w", err), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newUsageResponse(summary))
}

// GetUserQuota returns the quota standing for the user named in the path
func (h *Handler) GetUserQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	quota, err := h.config.Service.GetQuota(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get quota: %w", err), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newQuotaResponse(quota))
}

// UpdateQuota applies a partial update to the quota of the user named in
// the path and returns the updated record. Fields absent from the request
// body are left unchanged
func (h *Handler) UpdateQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUser(w, r)
	if !ok {
		return
	}

	var req QuotaPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	ctx := h.config.actorContext(r.Context(), r)
	quota, err := h.config.Service.UpdateQuota(ctx, userID, req.toPatch())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to update quota: %w", err), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newQuotaResponse(quota))
}

// ListRules returns the rules the engine enforces. Disabled rules are
// not listed
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if !h.rulesConfigured(w, r) {
		return
	}

	rules, err := h.config.Rules.ListEnabledRules(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list rules: %w", err), statusForError(err))
		return
	}

	payloads := make([]RulePayload, 0, len(rules))
	for _, rule := range rules {
		payloads = append(payloads, newRulePayload(rule))
	}
	h.writeJSON(w, http.StatusOK, payloads)
}

// GetRule returns the rule named in the path
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	if !h.rulesConfigured(w, r) {
		return
	}

	rule, err := h.config.Rules.GetRule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get rule: %w", err), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newRulePayload(rule))
}

// PutRule creates or replaces the rule named in the path. The path ID
// wins over any ID in the request body. The engine picks the change up
// at its next rule refresh
func (h *Handler) PutRule(w http.ResponseWriter, r *http.Request) {
	if !h.rulesConfigured(w, r) {
		return
	}

	var payload RulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	payload.ID = r.PathValue("id")
	if payload.Endpoint == "" {
		h.handleError(w, r, fmt.Errorf("endpoint pattern is required"), http.StatusBadRequest)
		return
	}

	ctx := h.config.actorContext(r.Context(), r)
	if err := h.config.Rules.PutRule(ctx, payload.toRule()); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to store rule: %w", err), statusForError(err))
		return
	}

	// Read back so the response carries repository-assigned timestamps.
	stored, err := h.config.Rules.GetRule(ctx, payload.ID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to read back rule: %w", err), statusForError(err))
		return
	}
	h.writeJSON(w, http.StatusOK, newRulePayload(stored))
}

// DeleteRule deletes the rule named in the path
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.rulesConfigured(w, r) {
		return
	}

	ctx := h.config.actorContext(r.Context(), r)
	if err := h.config.Rules.DeleteRule(ctx, r.PathValue("id")); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to delete rule: %w", err), statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requestUser extracts and validates the calling user's ID, writing the
// error response itself when absent or malformed
func (h *Handler) requestUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

// pathUser extracts and validates the {userID} path segment
func (h *Handler) pathUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.PathValue("userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) rulesConfigured(w http.ResponseWriter, r *http.Request) bool {
	if h.config.Rules == nil {
		h.handleError(w, r, fmt.Errorf("rule repository not configured"), http.StatusNotImplemented)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response already committed; nothing useful to do.
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if encodeErr := json.NewEncoder(w).Encode(errorResponse); encodeErr != nil {
		_ = encodeErr
	}
}

// statusForError maps service errors onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, ratekeeper.ErrQuotaNotFound), errors.Is(err, ratekeeper.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, ratekeeper.ErrInvalidPeriod), errors.Is(err, ratekeeper.ErrInvalidTier):
		return http.StatusBadRequest
	case errors.Is(err, ratekeeper.ErrNotConfigured):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
