// Package marketresearch is a Go client for the market research report API.
package marketresearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// Report statuses returned by the API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the report API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Query identifies the company and market domain to research.
type Query struct {
	CompanyName string `json:"company_name"`
	Domain      string `json:"domain"`
}

// Progress reports the pipeline step currently running.
type Progress struct {
	Step      int    `json:"step"`
	Total     int    `json:"total"`
	TaskID    string `json:"task_id,omitempty"`
	TaskTitle string `json:"task_title,omitempty"`
}

// Artifact describes a finished report. The document bytes are fetched with Download.
type Artifact struct {
	Title       string   `json:"title"`
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	Markdown    string   `json:"markdown"`
	Sources     []string `json:"sources,omitempty"`
}

// Report is the server side view of a report generation job.
type Report struct {
	ID          string    `json:"id"`
	Query       Query     `json:"query"`
	Status      string    `json:"status"`
	Progress    Progress  `json:"progress"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	Artifact    *Artifact `json:"artifact,omitempty"`
	CreatedAt   int64     `json:"created_at"`
	UpdatedAt   int64     `json:"updated_at"`
}

// Terminal reports whether the job has finished, successfully or not.
func (r Report) Terminal() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// Stats aggregates job counts by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// HistoryRecord is an archived report.
type HistoryRecord struct {
	ID          int64    `json:"id"`
	JobID       string   `json:"job_id"`
	CompanyName string   `json:"company_name"`
	Domain      string   `json:"domain"`
	Title       string   `json:"title"`
	Filename    string   `json:"filename"`
	Sections    []string `json:"sections"`
	Sources     []string `json:"sources"`
	Markdown    string   `json:"markdown"`
	CreatedAt   int64    `json:"created_at"`
}

// ListOptions filters ListReports. Zero values are omitted from the request.
type ListOptions struct {
	Statuses    []string
	Limit       int
	Offset      int
	Query       string
	HasArtifact *bool
	Ascending   bool
}

// File is a downloaded report document.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("market research api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("market research api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API at rawURL. When httpClient is
// nil a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitReport queues a new report for the given company and domain.
func (c *Client) SubmitReport(ctx context.Context, q Query) (Report, error) {
	var report Report
	if err := c.post(ctx, "/api/v1/reports", q, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// GetReport fetches a job by identifier.
func (c *Client) GetReport(ctx context.Context, id string) (Report, error) {
	var report Report
	if err := c.get(ctx, "/api/v1/reports/"+id, nil, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}

// ListReports returns jobs matching opts.
func (c *Client) ListReports(ctx context.Context, opts ListOptions) ([]Report, error) {
	var out struct {
		Jobs []Report `json:"jobs"`
	}
	if err := c.get(ctx, "/api/v1/reports", opts.values(), &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Stats returns job counts matching opts.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/reports/stats", opts.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// History lists archived reports, optionally restricted to one company.
func (c *Client) History(ctx context.Context, company string, limit int) ([]HistoryRecord, error) {
	params := url.Values{}
	if company != "" {
		params.Set("company", company)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Reports []HistoryRecord `json:"reports"`
	}
	if err := c.get(ctx, "/api/v1/history", params, &out); err != nil {
		return nil, err
	}
	return out.Reports, nil
}

// Download fetches the finished report in format (docx, md or html).
func (c *Client) Download(ctx context.Context, id, format string) (File, error) {
	params := url.Values{}
	if format != "" {
		params.Set("format", format)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/reports/"+id+"/download", params, nil)
	if err != nil {
		return File{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return File{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return File{}, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return File{}, fmt.Errorf("read document: %w", err)
	}
	file := File{ContentType: resp.Header.Get("Content-Type"), Data: data}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		file.Filename = params["filename"]
	}
	return file, nil
}

// WaitForReport polls until the job reaches a terminal status or ctx ends.
func (c *Client) WaitForReport(ctx context.Context, id string, interval time.Duration) (Report, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := c.GetReport(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if report.Terminal() {
			return report, nil
		}
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o ListOptions) values() url.Values {
	params := url.Values{}
	if len(o.Statuses) > 0 {
		params.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Limit > 0 {
		params.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		params.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Query != "" {
		params.Set("q", o.Query)
	}
	if o.HasArtifact != nil {
		params.Set("has_artifact", strconv.FormatBool(*o.HasArtifact))
	}
	if o.Ascending {
		params.Set("order", "asc")
	}
	return params
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, params, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		if err := json.Unmarshal(data, &envelope); err != nil {
			// flat payloads such as plain text errors
			apiErr.Message = string(bytes.TrimSpace(data))
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// IsNotFound reports whether err is an API error with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
