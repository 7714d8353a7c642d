package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pedro-meseguer/xai-business/internal/auth"
	"github.com/pedro-meseguer/xai-business/internal/logger"
	"github.com/pedro-meseguer/xai-business/internal/metrics"
	"github.com/pedro-meseguer/xai-business/internal/store"
)

const apiKeyHeader = "X-API-Key"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logger.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, baseLog *logger.Logger) *HTTPServer {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: baseLog.Component("HTTP")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "me" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, principal)

	case len(parts) == 2 && parts[1] == "decision-events" && r.Method == http.MethodPost:
		var body DecisionEventInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		payload, err := s.service.IngestDecisionEvent(r.Context(), principal, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		status := http.StatusOK
		if created, _ := payload["created"].(bool); created {
			status = http.StatusCreated
		}
		writeJSON(w, status, payload)

	case len(parts) >= 2 && parts[1] == "explanations":
		s.handleExplanations(w, r, principal, parts[2:])

	case len(parts) >= 2 && parts[1] == "reports":
		s.handleReports(w, r, principal, parts[2:])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleExplanations(w http.ResponseWriter, r *http.Request, principal auth.Principal, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		payload, err := s.service.CreateExplanation(r.Context(), principal, r.URL.Query().Get("decision_event_id"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, payload)

	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err := s.service.GetExplanation(r.Context(), principal, parts[0])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReports(w http.ResponseWriter, r *http.Request, principal auth.Principal, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var body CreateReportInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			report, err := s.service.CreateReport(r.Context(), principal, body)
			if err != nil {
				s.fail(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"report_id": report.ID, "status": report.Status})
		case http.MethodGet:
			s.handleListReports(w, r, principal)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet {
		limit, err := queryInt(r, "limit", defaultReportLimit)
		if err != nil {
			s.fail(w, err)
			return
		}
		payload, err := s.service.SearchReports(r.Context(), principal, r.URL.Query().Get("q"), limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	reportID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		view, err := s.service.GetReport(r.Context(), principal, reportID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(parts) == 1 && r.Method == http.MethodPatch:
		var body PatchReportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.PatchReport(r.Context(), principal, reportID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(parts) == 2 && parts[1] == "finalize" && r.Method == http.MethodPost:
		var body FinalizeReportInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		view, err := s.service.FinalizeReport(r.Context(), principal, reportID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case len(parts) == 2 && parts[1] == "render" && r.Method == http.MethodPost:
		payload, err := s.service.RenderReport(r.Context(), principal, reportID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 2 && parts[1] == "revisions" && r.Method == http.MethodGet:
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			s.fail(w, err)
			return
		}
		limit, err := queryInt(r, "limit", defaultRevisionLimit)
		if err != nil {
			s.fail(w, err)
			return
		}
		page, err := s.service.ListRevisions(r.Context(), principal, reportID, offset, limit)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListReports(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	query := r.URL.Query()
	in := ListReportsInput{
		Status:          strings.ToUpper(strings.TrimSpace(query.Get("status"))),
		DecisionEventID: strings.TrimSpace(query.Get("decision_event_id")),
		DecisionID:      strings.TrimSpace(query.Get("decision_id")),
	}
	var err error
	if in.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.fail(w, err)
		return
	}
	if in.Limit, err = queryInt(r, "limit", defaultReportLimit); err != nil {
		s.fail(w, err)
		return
	}
	if in.OccurredAfter, err = queryTime(r, "occurred_after"); err != nil {
		s.fail(w, err)
		return
	}
	if in.OccurredBefore, err = queryTime(r, "occurred_before"); err != nil {
		s.fail(w, err)
		return
	}

	page, err := s.service.ListReports(r.Context(), principal, in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// requirePrincipal resolves X-API-Key. A missing, unknown or disabled key
// is a 403 without saying which.
func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, err := s.service.Authenticate(r.Context(), r.Header.Get(apiKeyHeader))
	if err != nil {
		if errors.Is(err, auth.ErrMissingKey) || errors.Is(err, auth.ErrInvalidKey) || errors.Is(err, auth.ErrDisabledClient) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Invalid or missing API key", nil)
			return auth.Principal{}, false
		}
		s.log.Error("API key lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "API key lookup failed", nil)
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		metrics.HTTPDuration.WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(writer.status)).Observe(elapsed.Seconds())
		s.log.Info("Request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// routeLabel maps a path onto one of the served routes with ids collapsed.
// Anything else is "other" so the metric stays low-cardinality.
func routeLabel(path string) string {
	parts := splitPath(path)
	switch {
	case len(parts) == 1 && (parts[0] == "health" || parts[0] == "ready" || parts[0] == "metrics"):
		return "/" + parts[0]
	case len(parts) < 2 || parts[0] != "v1":
		return "other"
	}

	switch parts[1] {
	case "me", "decision-events":
		if len(parts) == 2 {
			return "/v1/" + parts[1]
		}
	case "explanations":
		switch len(parts) {
		case 2:
			return "/v1/explanations"
		case 3:
			return "/v1/explanations/{id}"
		}
	case "reports":
		switch {
		case len(parts) == 2:
			return "/v1/reports"
		case len(parts) == 3 && parts[2] == "search":
			return "/v1/reports/search"
		case len(parts) == 3:
			return "/v1/reports/{id}"
		case len(parts) == 4 && (parts[3] == "finalize" || parts[3] == "render" || parts[3] == "revisions"):
			return "/v1/reports/{id}/" + parts[3]
		}
	}
	return "other"
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	// Client payloads are stored as sent; large integers must not pass
	// through float64.
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		// An empty body is an empty object; the service reports missing fields.
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidInput(key + " must be an integer")
	}
	return parsed, nil
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, invalidInput(key + " must be an RFC 3339 timestamp")
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var stale *store.VersionConflictError
	if errors.As(err, &stale) {
		d := versionConflict(stale.Current)
		return d.Status, d.Code, d.Message, d.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrReportFinal) {
		return http.StatusConflict, "REPORT_FINAL", "Report is FINAL", nil
	}
	if errors.Is(err, auth.ErrMissingKey) || errors.Is(err, auth.ErrInvalidKey) || errors.Is(err, auth.ErrDisabledClient) {
		return http.StatusForbidden, "FORBIDDEN", "Invalid or missing API key", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
