package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pedro-meseguer/xai-business/internal/auth"
	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/store"
)

const testAPIKey = "xai_test_key"

func newTestHTTP(t *testing.T, ds dataStore) http.Handler {
	t.Helper()
	svc := newTestService(t, ds, Dependencies{})
	return NewHTTPServer(svc, "*", logger.Nop()).Handler()
}

func seedClient(t *testing.T, ms *store.MemoryStore, tenantID string, enabled bool, key string) {
	t.Helper()
	err := ms.InsertAPIClient(context.Background(), store.APIClient{
		ID:         "cli_" + tenantID,
		TenantID:   tenantID,
		Name:       "test",
		Enabled:    enabled,
		APIKeyHash: auth.HashKey(key),
	})
	if err != nil {
		t.Fatalf("insert api client: %v", err)
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path, key string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(apiKeyHeader, key)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	payload := map[string]any{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, payload
}

func TestHealthAndReady(t *testing.T) {
	ms := store.NewMemoryStore()
	rs := &raceStore{MemoryStore: ms}
	handler := newTestHTTP(t, rs)

	rec, payload := doJSON(t, handler, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("expected healthy, got %d %v", rec.Code, payload)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}

	rec, payload = doJSON(t, handler, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rec.Code, payload)
	}

	rs.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rec, payload = doJSON(t, handler, http.MethodGet, "/ready", "", nil)
	if rec.Code != http.StatusServiceUnavailable || payload["status"] != "not_ready" {
		t.Fatalf("expected not ready, got %d %v", rec.Code, payload)
	}
}

func TestAPIKeyIsRequired(t *testing.T) {
	ms := store.NewMemoryStore()
	seedClient(t, ms, "t1", true, testAPIKey)
	seedClient(t, ms, "t9", false, "disabled-key")
	handler := newTestHTTP(t, ms)

	for _, key := range []string{"", "wrong-key", "disabled-key"} {
		rec, payload := doJSON(t, handler, http.MethodGet, "/v1/reports", key, nil)
		if rec.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
			t.Fatalf("key %q: expected 403, got %d %v", key, rec.Code, payload)
		}
	}

	rec, payload := doJSON(t, handler, http.MethodGet, "/v1/me", testAPIKey, nil)
	if rec.Code != http.StatusOK || payload["tenant_id"] != "t1" {
		t.Fatalf("expected principal for t1, got %d %v", rec.Code, payload)
	}
}

func TestReportHTTPFlow(t *testing.T) {
	ms := store.NewMemoryStore()
	seedClient(t, ms, "t1", true, testAPIKey)
	handler := newTestHTTP(t, ms)

	event := map[string]any{
		"decision_id":     "dec_1",
		"occurred_at":     "2026-02-12T20:00:00Z",
		"model":           map[string]any{"model_id": "m1", "model_version": "1.0.0"},
		"final_decision":  map[string]any{"label": "denied"},
		"idempotency_key": "idem-1",
	}
	rec, payload := doJSON(t, handler, http.MethodPost, "/v1/decision-events", testAPIKey, event)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", rec.Code, payload)
	}
	eventID := payload["event_id"].(string)
	rec, _ = doJSON(t, handler, http.MethodPost, "/v1/decision-events", testAPIKey, event)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec.Code)
	}

	if _, err := ms.InsertExplanation(context.Background(), store.Explanation{
		ID: "ex_1", TenantID: "t1", DecisionEventID: eventID, Status: store.ExplanationDone, Method: "stub",
		Evidence: json.RawMessage(oneFactorEvidence),
	}); err != nil {
		t.Fatalf("insert explanation: %v", err)
	}

	rec, payload = doJSON(t, handler, http.MethodPost, "/v1/reports", testAPIKey, map[string]any{
		"decision_event_id": eventID, "explanation_id": "ex_1",
	})
	if rec.Code != http.StatusCreated || payload["status"] != store.ReportStatusDraft {
		t.Fatalf("expected 201 DRAFT, got %d %v", rec.Code, payload)
	}
	reportID := payload["report_id"].(string)
	reportPath := "/v1/reports/" + reportID

	rec, payload = doJSON(t, handler, http.MethodGet, reportPath, testAPIKey, nil)
	if rec.Code != http.StatusOK || payload["version"] != float64(1) {
		t.Fatalf("expected v1 report, got %d %v", rec.Code, payload)
	}

	var sections []any
	if err := json.Unmarshal([]byte(replacementSections), &sections); err != nil {
		t.Fatalf("sections fixture: %v", err)
	}
	rec, payload = doJSON(t, handler, http.MethodPatch, reportPath, testAPIKey, map[string]any{"expected_version": 1, "sections": sections})
	if rec.Code != http.StatusOK || payload["version"] != float64(2) {
		t.Fatalf("expected v2 after patch, got %d %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, handler, http.MethodPatch, reportPath, testAPIKey, map[string]any{"expected_version": 1, "sections": []any{}})
	if rec.Code != http.StatusConflict || payload["code"] != "VERSION_CONFLICT" {
		t.Fatalf("expected 409 VERSION_CONFLICT, got %d %v", rec.Code, payload)
	}
	details, _ := payload["details"].(map[string]any)
	if details["current_version"] != float64(2) {
		t.Fatalf("expected current_version 2, got %v", payload["details"])
	}

	rec, payload = doJSON(t, handler, http.MethodPost, reportPath+"/finalize", testAPIKey, map[string]any{"expected_version": 2})
	if rec.Code != http.StatusOK || payload["status"] != store.ReportStatusFinal {
		t.Fatalf("expected FINAL, got %d %v", rec.Code, payload)
	}
	rec, payload = doJSON(t, handler, http.MethodPost, reportPath+"/finalize", testAPIKey, map[string]any{"expected_version": 3})
	if rec.Code != http.StatusConflict || payload["code"] != "REPORT_FINAL" {
		t.Fatalf("expected 409 REPORT_FINAL, got %d %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, handler, http.MethodPost, reportPath+"/render", testAPIKey, nil)
	if rec.Code != http.StatusOK || payload["report_text"] == "" {
		t.Fatalf("expected rendered text, got %d %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, handler, http.MethodGet, reportPath+"/revisions?limit=2", testAPIKey, nil)
	if rec.Code != http.StatusOK || payload["total"] != float64(3) {
		t.Fatalf("expected 3 revisions, got %d %v", rec.Code, payload)
	}
	if items, _ := payload["items"].([]any); len(items) != 2 {
		t.Fatalf("expected a page of 2, got %v", payload["items"])
	}

	rec, payload = doJSON(t, handler, http.MethodGet, "/v1/reports?status=final&occurred_after=2026-01-01T00:00:00Z", testAPIKey, nil)
	if rec.Code != http.StatusOK || payload["total"] != float64(1) {
		t.Fatalf("expected one FINAL report, got %d %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, handler, http.MethodGet, "/v1/reports?limit=abc", testAPIKey, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad limit, got %d %v", rec.Code, payload)
	}

	rec, payload = doJSON(t, handler, http.MethodGet, "/v1/reports/search?q=dec_1", testAPIKey, nil)
	if rec.Code != http.StatusOK || payload["total"] != float64(1) {
		t.Fatalf("expected one search hit, got %d %v", rec.Code, payload)
	}

	rec, _ = doJSON(t, handler, http.MethodGet, "/v1/reports/rpt_missing", testAPIKey, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	ms := store.NewMemoryStore()
	seedClient(t, ms, "t1", true, testAPIKey)
	handler := newTestHTTP(t, ms)

	req := httptest.NewRequest(http.MethodPost, "/v1/reports", bytes.NewReader([]byte("{")))
	req.Header.Set(apiKeyHeader, testAPIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRouteLabelIsBounded(t *testing.T) {
	tests := map[string]string{
		"/health":                     "/health",
		"/metrics":                    "/metrics",
		"/v1/me":                      "/v1/me",
		"/v1/reports":                 "/v1/reports",
		"/v1/reports/search":          "/v1/reports/search",
		"/v1/reports/rpt_1":           "/v1/reports/{id}",
		"/v1/reports/rpt_1/revisions": "/v1/reports/{id}/revisions",
		"/v1/explanations/ex_abc":     "/v1/explanations/{id}",
		"/":                           "other",
		"/wp-admin/setup.php":         "other",
		"/v1/reports/rpt_1/unknown":   "other",
		"/v1/reports/a/b/c/d":         "other",
		"/v2/reports":                 "other",
	}
	for path, want := range tests {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestEmptyFinalizeBodyIsValidationError(t *testing.T) {
	ms := store.NewMemoryStore()
	seedClient(t, ms, "t1", true, testAPIKey)
	handler := newTestHTTP(t, ms)

	rec, payload := doJSON(t, handler, http.MethodPost, "/v1/reports/rpt_1/finalize", testAPIKey, nil)
	if rec.Code != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 422 VALIDATION_ERROR for a missing expected_version, got %d %v", rec.Code, payload)
	}
}

func TestDecisionPayloadKeepsLargeIntegers(t *testing.T) {
	ms := store.NewMemoryStore()
	seedClient(t, ms, "t1", true, testAPIKey)
	handler := newTestHTTP(t, ms)

	const body = `{"decision_id":"dec_big","occurred_at":"2026-02-12T20:00:00Z",` +
		`"model":{"model_id":"m1","model_version":"1.0.0"},` +
		`"final_decision":{"label":"denied","applicant_ref":9007199254740993},"idempotency_key":"idem-big"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/decision-events", bytes.NewReader([]byte(body)))
	req.Header.Set(apiKeyHeader, testAPIKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	event, err := ms.GetDecisionEvent(context.Background(), "t1", created.EventID)
	if err != nil {
		t.Fatalf("get decision event: %v", err)
	}
	if !bytes.Contains(event.FinalDecision, []byte(`"applicant_ref":9007199254740993`)) {
		t.Fatalf("stored final_decision lost precision: %s", event.FinalDecision)
	}

	if _, err := ms.InsertExplanation(context.Background(), store.Explanation{
		ID: "ex_big", TenantID: "t1", DecisionEventID: created.EventID, Status: store.ExplanationDone, Method: "stub",
		Evidence: json.RawMessage(oneFactorEvidence),
	}); err != nil {
		t.Fatalf("insert explanation: %v", err)
	}
	rec, payload := doJSON(t, handler, http.MethodPost, "/v1/reports", testAPIKey, map[string]any{
		"decision_event_id": created.EventID, "explanation_id": "ex_big",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", rec.Code, payload)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/reports/"+payload["report_id"].(string), nil)
	req.Header.Set(apiKeyHeader, testAPIKey)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"applicant_ref":9007199254740993`)) {
		t.Fatalf("report facts lost precision: %d %s", rec.Code, rec.Body.String())
	}
}
