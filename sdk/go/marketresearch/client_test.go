package marketresearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL+"/", srv.Client())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080", nil)
	require.Error(t, err)
}

func TestSubmitReport(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/reports", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var q Query
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, Query{CompanyName: "Acme", Domain: "EV batteries"}, q)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Report{ID: "job-1", Query: q, Status: StatusPending, Progress: Progress{Total: 8}})
	})

	report, err := client.SubmitReport(context.Background(), Query{CompanyName: "Acme", Domain: "EV batteries"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", report.ID)
	assert.Equal(t, 8, report.Progress.Total)
	assert.False(t, report.Terminal())
}

func TestGetReportDecodesAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/reports/missing", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"JOB_NOT_FOUND","message":"job not found"}}`))
	})

	_, err := client.GetReport(context.Background(), "missing")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "JOB_NOT_FOUND", apiErr.Code)
	assert.Equal(t, "job not found", apiErr.Message)
	assert.True(t, IsNotFound(err))
}

func TestPlainTextErrorBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service closed", http.StatusServiceUnavailable)
	})

	_, err := client.Stats(context.Background(), ListOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "service closed", apiErr.Message)
}

func TestListReportsEncodesFilters(t *testing.T) {
	has := true
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "succeeded,failed", query.Get("status"))
		assert.Equal(t, "5", query.Get("limit"))
		assert.Equal(t, "10", query.Get("offset"))
		assert.Equal(t, "acme", query.Get("q"))
		assert.Equal(t, "true", query.Get("has_artifact"))
		assert.Equal(t, "asc", query.Get("order"))
		_ = json.NewEncoder(w).Encode(map[string][]Report{"jobs": {{ID: "job-1", Status: StatusSucceeded}}})
	})

	reports, err := client.ListReports(context.Background(), ListOptions{
		Statuses:    []string{StatusSucceeded, StatusFailed},
		Limit:       5,
		Offset:      10,
		Query:       "acme",
		HasArtifact: &has,
		Ascending:   true,
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Terminal())
}

func TestHistory(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/history", r.URL.Path)
		assert.Equal(t, "Acme", r.URL.Query().Get("company"))
		_ = json.NewEncoder(w).Encode(map[string][]HistoryRecord{"reports": {{JobID: "job-1", CompanyName: "Acme"}}})
	})

	records, err := client.History(context.Background(), "Acme", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "job-1", records[0].JobID)
}

func TestDownload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/reports/job-1/download", r.URL.Path)
		assert.Equal(t, "md", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="Market Analysis of Acme.md"`)
		_, _ = w.Write([]byte("# Market Analysis of Acme\n"))
	})

	file, err := client.Download(context.Background(), "job-1", "md")
	require.NoError(t, err)
	assert.Equal(t, "Market Analysis of Acme.md", file.Filename)
	assert.Equal(t, "text/markdown; charset=utf-8", file.ContentType)
	assert.Equal(t, "# Market Analysis of Acme\n", string(file.Data))
}

func TestDownloadConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"CONFLICT","message":"not ready","metadata":{"status":"running"}}}`))
	})

	_, err := client.Download(context.Background(), "job-1", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "running", apiErr.Metadata["status"])
}

func TestWaitForReport(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		status := StatusRunning
		if calls.Add(1) >= 3 {
			status = StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(Report{ID: "job-1", Status: status})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := client.WaitForReport(ctx, "job-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, report.Status)
	assert.EqualValues(t, 3, calls.Load())
}
