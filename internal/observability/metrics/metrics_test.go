package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarketResearch/internal/job"
	"MarketResearch/internal/research"
)

func TestMiddlewareRecordsRequests(t *testing.T) {
	Reset()

	ok := Middleware("reports", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	broken := Middleware("reports", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	ok.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/reports", nil))
	broken.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/reports", nil))

	out := Render()
	for _, want := range []string{
		`market_research_http_requests_total{handler="reports",method="GET",code="200"} 1`,
		`market_research_http_requests_total{handler="reports",method="POST",code="502"} 1`,
		`market_research_http_request_errors_total{handler="reports",method="POST"} 1`,
		`market_research_http_request_duration_seconds_count{handler="reports",method="GET"} 1`,
		`market_research_http_request_duration_seconds_bucket{handler="reports",method="GET",le="+Inf"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestPipelineAndJobRecorders(t *testing.T) {
	Reset()

	var p Pipeline
	p.TaskFinished(research.TaskResearch, 2*time.Second, nil)
	p.TaskFinished(research.TaskMarketAnalysis, time.Second, errors.New("boom"))
	p.RunFinished(research.OutcomeFailed, 3*time.Second)
	p.RunFinished(research.OutcomeRejected, 0)

	Jobs{}.JobFinished(job.StatusFailed, 3*time.Second)

	out := Render()
	for _, want := range []string{
		`market_research_pipeline_tasks_total{task="` + research.TaskResearch + `",result="ok"} 1`,
		`market_research_pipeline_tasks_total{task="` + research.TaskMarketAnalysis + `",result="error"} 1`,
		`market_research_pipeline_runs_total{outcome="failed"} 1`,
		`market_research_pipeline_runs_total{outcome="rejected"} 1`,
		`market_research_pipeline_run_duration_seconds_bucket{outcome="failed",le="5"} 1`,
		`market_research_jobs_finished_total{status="failed"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, `market_research_pipeline_run_duration_seconds_count{outcome="rejected"}`) {
		t.Fatalf("rejected runs must not be timed")
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	Reset()
	ObserveHTTPRequest("healthz", http.MethodGet, http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if rec.Header().Get("Content-Type") != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(string(body), "# TYPE market_research_http_requests_total counter") {
		t.Fatalf("unexpected body: %s", body)
	}
	if !strings.Contains(string(body), `le="0.05"} 1`) {
		t.Fatalf("expected 10ms in the first bucket: %s", body)
	}
}

func TestEscapeLabelValues(t *testing.T) {
	if got := makeLabels("handler", "a\"b\\c\nd"); got != `handler="a\"b\\cd"` {
		t.Fatalf("unexpected labels: %s", got)
	}
}
