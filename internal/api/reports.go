package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/export"
	"MarketResearch/internal/job"
	"MarketResearch/internal/research"
	"MarketResearch/internal/storage/mysql"
)

const maxRequestBody = 64 << 10

type createReportRequest struct {
	CompanyName string `json:"company_name"`
	Domain      string `json:"domain"`
}

type listReportsResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

type historyResponse struct {
	Reports []mysql.ReportRecord `json:"reports"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req createReportRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	created, err := s.jobs.Submit(r.Context(), research.Query{CompanyName: req.CompanyName, Domain: req.Domain})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/reports/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleReportDetail(w http.ResponseWriter, r *http.Request) {
	found, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, listReportsResponse{Jobs: jobs})
}

func (s *Server) handleReportStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleHistory 返回归档中的历史报告，未配置归档时返回空列表。
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeJSON(w, http.StatusOK, historyResponse{Reports: []mysql.ReportRecord{}})
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var records []mysql.ReportRecord
	if company := strings.TrimSpace(r.URL.Query().Get("company")); company != "" {
		records, err = s.archive.ListByCompany(r.Context(), company, limit)
	} else {
		records, err = s.archive.ListLatest(r.Context(), limit)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []mysql.ReportRecord{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Reports: records})
}

// handleDownload 以附件形式返回报告，format 缺省为 docx。
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	found, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if found.Status != job.StatusSucceeded || found.Artifact == nil {
		s.writeError(w, r, xerrors.New(xerrors.CodeConflict, "报告尚未生成完成",
			xerrors.WithMetadata("status", string(found.Status))))
		return
	}

	format := export.Format(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))))
	if format == "markdown" {
		format = export.FormatMarkdown
	}
	artifact := found.Artifact
	var (
		filename string
		body     []byte
	)
	switch format {
	case export.FormatDOCX, "":
		if artifact.ContentType != export.ContentType(export.FormatDOCX) || len(artifact.Document) == 0 {
			s.writeError(w, r, xerrors.New(xerrors.CodeNotFound, "该报告没有 DOCX 文档",
				xerrors.WithMetadata("content_type", artifact.ContentType)))
			return
		}
		format, filename, body = export.FormatDOCX, artifact.Filename, artifact.Document
	case export.FormatMarkdown:
		filename = export.Filename(found.Query.CompanyName, export.FormatMarkdown)
		body = []byte(artifact.Markdown)
	case export.FormatHTML:
		filename = export.Filename(found.Query.CompanyName, export.FormatHTML)
		body = export.HTMLPage(artifact.Title, artifact.Markdown)
	default:
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "不支持的导出格式: "+string(format),
			xerrors.WithMetadata("format", string(format))))
		return
	}

	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func listOptionsFromQuery(r *http.Request) ([]job.ListOption, error) {
	values := r.URL.Query()
	var opts []job.ListOption

	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		opts = append(opts, job.WithLimit(limit))
	}
	offset, err := intParam(r, "offset")
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		opts = append(opts, job.WithOffset(offset))
	}

	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if !job.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part,
					xerrors.WithMetadata("status", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := strings.TrimSpace(values.Get("has_artifact")); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "has_artifact 参数无效")
		}
		opts = append(opts, job.WithArtifactPresence(has))
	}
	if strings.EqualFold(values.Get("order"), "asc") {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	if q := values.Get("q"); q != "" {
		opts = append(opts, job.WithQuery(q))
	}
	return opts, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 参数无效", name),
			xerrors.WithMetadata(name, raw))
	}
	return value, nil
}
