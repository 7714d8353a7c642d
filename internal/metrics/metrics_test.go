package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReportMutationsCounts(t *testing.T) {
	before := testutil.ToFloat64(ReportMutations.WithLabelValues("PATCH", "applied"))
	ReportMutations.WithLabelValues("PATCH", "applied").Inc()
	after := testutil.ToFloat64(ReportMutations.WithLabelValues("PATCH", "applied"))
	if after-before != 1 {
		t.Fatalf("expected counter to advance by 1, got %v", after-before)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ExplanationJobs.WithLabelValues("DONE").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "xai_reports_explain_jobs_total") {
		t.Fatal("expected explanation job counter in exposition")
	}
}
