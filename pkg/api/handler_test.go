package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
	"github.com/inkwellhq/ratekeeper/storage/memory"
)

// Test helper to create a service backed by the memory store
func setupTestService(t *testing.T, cfg ratekeeper.Config) (*ratekeeper.Service, *memory.Store) {
	t.Helper()

	store := memory.New()
	svc, err := ratekeeper.NewService(ratekeeper.Dependencies{
		Counters: store,
		Quotas:   store,
		Rules:    store,
		Usage:    store,
		Audit:    store,
	}, cfg)
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	return svc, store
}

func setupHandler(t *testing.T, svc *ratekeeper.Service, store *memory.Store) *Handler {
	t.Helper()

	h, err := NewHandler(Config{
		Service:   svc,
		Rules:     store,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	return h
}

func TestNewHandler_Validation(t *testing.T) {
	svc, _ := setupTestService(t, ratekeeper.Config{})

	if _, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")}); err == nil {
		t.Error("Expected error for missing Service")
	}
	if _, err := NewHandler(Config{Service: svc}); err == nil {
		t.Error("Expected error for missing GetUserID")
	}
	if _, err := NewHandler(Config{Service: svc, GetUserID: FromHeader("X-User-ID")}); err != nil {
		t.Errorf("Expected valid config to pass, got %v", err)
	}
}

func TestHandler_GetQuota_DefaultTier(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	req := httptest.NewRequest("GET", "/quota", nil)
	req.Header.Set("X-User-ID", "new-user")
	rec := httptest.NewRecorder()

	h.GetQuota(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp QuotaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.UserID != "new-user" {
		t.Errorf("Expected user_id new-user, got %s", resp.UserID)
	}
	if resp.PlanTier != ratekeeper.TierFree {
		t.Errorf("Expected plan_tier free, got %s", resp.PlanTier)
	}
	if resp.DailyGenerations != 10 {
		t.Errorf("Expected daily_generations 10, got %d", resp.DailyGenerations)
	}
	if resp.DailyRemaining != 10 {
		t.Errorf("Expected daily_remaining 10, got %d", resp.DailyRemaining)
	}
	if resp.MonthlyRemaining != 200 {
		t.Errorf("Expected monthly_remaining 200, got %d", resp.MonthlyRemaining)
	}
}

func TestHandler_GetQuota_UnlimitedCeiling(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	err := store.SaveQuota(context.Background(), &ratekeeper.UserQuota{
		UserID:   "boundless",
		PlanTier: ratekeeper.TierCustom,
		Usage:    ratekeeper.QuotaUsage{LastReset: time.Now()},
	})
	if err != nil {
		t.Fatalf("Failed to save quota: %v", err)
	}

	req := httptest.NewRequest("GET", "/quota", nil)
	req.Header.Set("X-User-ID", "boundless")
	rec := httptest.NewRecorder()

	h.GetQuota(rec, req)

	var resp QuotaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.DailyRemaining != -1 {
		t.Errorf("Expected daily_remaining -1 for unlimited, got %d", resp.DailyRemaining)
	}
	if resp.MonthlyRemaining != -1 {
		t.Errorf("Expected monthly_remaining -1 for unlimited, got %d", resp.MonthlyRemaining)
	}
}

func TestHandler_GetQuota_Unauthorized(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	req := httptest.NewRequest("GET", "/quota", nil)
	rec := httptest.NewRecorder()

	h.GetQuota(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestHandler_GetUsage(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	now := time.Now()
	metrics := []*ratekeeper.UsageMetric{
		{UserID: "user1", Endpoint: "/api/generate", Outcome: ratekeeper.OutcomeAllowed, Timestamp: now},
		{UserID: "user1", Endpoint: "/api/generate", Outcome: ratekeeper.OutcomeAllowed, Timestamp: now},
		{UserID: "user1", Endpoint: "/api/generate", Outcome: ratekeeper.ReasonQuotaDaily, Timestamp: now},
		{UserID: "user1", Endpoint: "/api/models", Outcome: ratekeeper.OutcomeCompleted, StatusCode: 200, Timestamp: now},
		{UserID: "other", Endpoint: "/api/models", Outcome: ratekeeper.OutcomeAllowed, Timestamp: now},
	}
	for _, m := range metrics {
		if err := store.InsertMetric(context.Background(), m); err != nil {
			t.Fatalf("Failed to insert metric: %v", err)
		}
	}

	req := httptest.NewRequest("GET", "/usage", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()

	h.GetUsage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp UsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Period != string(ratekeeper.PeriodDay) {
		t.Errorf("Expected default period day, got %s", resp.Period)
	}
	if resp.TotalChecks != 3 {
		t.Errorf("Expected 3 total checks, got %d", resp.TotalChecks)
	}
	if resp.Allowed != 2 {
		t.Errorf("Expected 2 allowed, got %d", resp.Allowed)
	}
	if resp.Denied != 1 {
		t.Errorf("Expected 1 denied, got %d", resp.Denied)
	}
	if resp.DeniedByReason[ratekeeper.ReasonQuotaDaily] != 1 {
		t.Errorf("Expected 1 daily-quota denial, got %d", resp.DeniedByReason[ratekeeper.ReasonQuotaDaily])
	}
	if resp.TopEndpoints["/api/generate"] != 3 {
		t.Errorf("Expected 3 checks on /api/generate, got %d", resp.TopEndpoints["/api/generate"])
	}
}

func TestHandler_GetUsage_InvalidPeriod(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	req := httptest.NewRequest("GET", "/usage?period=fortnight", nil)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()

	h.GetUsage(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandler_UpdateQuota(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)
	routes := h.Routes()

	body := strings.NewReader(`{"plan_tier": "pro"}`)
	req := httptest.NewRequest("PUT", "/quota/user1", body)
	rec := httptest.NewRecorder()

	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp QuotaResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.PlanTier != ratekeeper.TierPro {
		t.Errorf("Expected plan_tier pro, got %s", resp.PlanTier)
	}
	if resp.DailyGenerations != 100 {
		t.Errorf("Expected tier change to rewrite daily ceiling to 100, got %d", resp.DailyGenerations)
	}

	// The update persists and is visible on the admin read path.
	req = httptest.NewRequest("GET", "/quota/user1", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.PlanTier != ratekeeper.TierPro {
		t.Errorf("Expected stored plan_tier pro, got %s", resp.PlanTier)
	}
}

func TestHandler_UpdateQuota_InvalidTier(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	body := strings.NewReader(`{"plan_tier": "gold"}`)
	req := httptest.NewRequest("PUT", "/quota/user1", body)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandler_UpdateQuota_BadJSON(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	req := httptest.NewRequest("PUT", "/quota/user1", strings.NewReader("{"))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandler_Rules_CRUD(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)
	routes := h.Routes()

	body := strings.NewReader(`{"endpoint": "/api/generate", "per_minute": 10, "enabled": true}`)
	req := httptest.NewRequest("PUT", "/rules/gen-cap", body)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var rule RulePayload
	if err := json.NewDecoder(rec.Body).Decode(&rule); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if rule.ID != "gen-cap" {
		t.Errorf("Expected path ID gen-cap to win, got %s", rule.ID)
	}
	if rule.PerMinute != 10 {
		t.Errorf("Expected per_minute 10, got %d", rule.PerMinute)
	}
	if rule.CreatedAt.IsZero() || rule.UpdatedAt.IsZero() {
		t.Error("Expected repository-assigned timestamps on the response")
	}

	req = httptest.NewRequest("GET", "/rules/gen-cap", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/rules", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var rules []RulePayload
	if err := json.NewDecoder(rec.Body).Decode(&rules); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "gen-cap" {
		t.Errorf("Expected one listed rule gen-cap, got %+v", rules)
	}

	req = httptest.NewRequest("DELETE", "/rules/gen-cap", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/rules/gen-cap", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 after delete, got %d", rec.Code)
	}

	req = httptest.NewRequest("DELETE", "/rules/gen-cap", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on double delete, got %d", rec.Code)
	}
}

func TestHandler_ListRules_SkipsDisabled(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)
	routes := h.Routes()

	body := strings.NewReader(`{"endpoint": "/api/export", "per_hour": 5, "enabled": false}`)
	req := httptest.NewRequest("PUT", "/rules/export-cap", body)
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/rules", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	var rules []RulePayload
	if err := json.NewDecoder(rec.Body).Decode(&rules); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("Expected disabled rule to be absent from listing, got %+v", rules)
	}

	// Still addressable by ID.
	req = httptest.NewRequest("GET", "/rules/export-cap", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for direct get, got %d", rec.Code)
	}
}

func TestHandler_PutRule_MissingEndpoint(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})
	h := setupHandler(t, svc, store)

	req := httptest.NewRequest("PUT", "/rules/bad", strings.NewReader(`{"per_minute": 10}`))
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rec.Code)
	}
}

func TestHandler_Rules_NotConfigured(t *testing.T) {
	svc, _ := setupTestService(t, ratekeeper.Config{})
	h, err := NewHandler(Config{
		Service:   svc,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("GET", "/rules", nil)
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Errorf("Expected status 501, got %d", rec.Code)
	}
}

func TestHandler_CustomErrorHandler(t *testing.T) {
	svc, store := setupTestService(t, ratekeeper.Config{})

	h, err := NewHandler(Config{
		Service:   svc,
		Rules:     store,
		GetUserID: FromHeader("X-User-ID"),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		},
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	req := httptest.NewRequest("GET", "/quota", nil)
	rec := httptest.NewRecorder()

	h.GetQuota(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected custom handler status 418, got %d", rec.Code)
	}
}

type captureAudit struct {
	mu     sync.Mutex
	events []*ratekeeper.AuditEvent
}

func (c *captureAudit) Log(_ context.Context, event *ratekeeper.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func TestHandler_UpdateQuota_RecordsActor(t *testing.T) {
	store := memory.New()
	audit := &captureAudit{}
	svc, err := ratekeeper.NewService(ratekeeper.Dependencies{
		Counters: store,
		Quotas:   store,
		Rules:    store,
		Usage:    store,
		Audit:    audit,
	}, ratekeeper.Config{})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}

	h, err := NewHandler(Config{
		Service:   svc,
		Rules:     store,
		GetUserID: FromHeader("X-User-ID"),
		GetActor:  FromHeader("X-Admin-ID"),
	})
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}

	body := strings.NewReader(`{"plan_tier": "pro"}`)
	req := httptest.NewRequest("PUT", "/quota/user1", body)
	req.Header.Set("X-Admin-ID", "admin-7")
	rec := httptest.NewRecorder()

	h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Audit events flow through the async recorder; Close drains it.
	if err := svc.Close(); err != nil {
		t.Fatalf("Failed to close service: %v", err)
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	for _, e := range audit.events {
		if e.Event == "quota.updated" {
			if e.Actor != "admin-7" {
				t.Errorf("Expected actor admin-7, got %s", e.Actor)
			}
			if e.UserID != "user1" {
				t.Errorf("Expected audited user user1, got %s", e.UserID)
			}
			return
		}
	}
	t.Error("Expected a quota.updated audit event")
}
