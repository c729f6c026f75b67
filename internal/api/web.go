package api

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/export"
	"MarketResearch/internal/job"
	"MarketResearch/internal/research"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const (
	recentLimit     = 10
	refreshInterval = 3
	missingFields   = "Please enter both a company name and a domain."
)

type recentItem struct {
	JobID       string
	CompanyName string
	Domain      string
	Status      string
}

type pageData struct {
	PageTitle   string
	Refresh     int
	Error       string
	CompanyName string
	Domain      string
	Recent      []recentItem
	Job         *job.Job
	ReportHTML  template.HTML
	Outline     []export.Heading
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderIndex(w, r, http.StatusOK, pageData{})
}

// handleSubmitForm 提交表单，成功后重定向到进度页。
func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := r.ParseForm(); err != nil {
		s.renderIndex(w, r, http.StatusBadRequest, pageData{Error: "The form could not be read."})
		return
	}
	data := pageData{CompanyName: r.PostFormValue("company_name"), Domain: r.PostFormValue("domain")}

	created, err := s.jobs.Submit(r.Context(), research.Query{CompanyName: data.CompanyName, Domain: data.Domain})
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			data.Error = missingFields
		} else {
			data.Error = "The report could not be queued: " + xerrors.MessageOf(err)
		}
		s.renderIndex(w, r, xerrors.HTTPStatus(err), data)
		return
	}
	http.Redirect(w, r, "/reports/"+created.ID, http.StatusSeeOther)
}

// handleReportPage 渲染任务进度或生成完成的报告。
func (s *Server) handleReportPage(w http.ResponseWriter, r *http.Request) {
	found, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		message := "The report could not be loaded: " + xerrors.MessageOf(err)
		if job.IsJobError(err, job.CodeJobNotFound) {
			message = "Report not found."
		}
		s.renderIndex(w, r, xerrors.HTTPStatus(err), pageData{Error: message})
		return
	}

	data := pageData{PageTitle: research.Title(found.Query.CompanyName), Job: found}
	switch {
	case !found.Status.Terminal():
		data.Refresh = refreshInterval
	case found.Status == job.StatusSucceeded && found.Artifact != nil:
		data.PageTitle = found.Artifact.Title
		body, outline := export.RenderOutline(found.Artifact.Markdown)
		data.ReportHTML = template.HTML(body)
		data.Outline = outline
	}
	s.render(w, r, "report", http.StatusOK, data)
}

func (s *Server) renderIndex(w http.ResponseWriter, r *http.Request, status int, data pageData) {
	data.PageTitle = "Market Research Report Generator"
	data.Recent = s.recent(r)
	s.render(w, r, "index", status, data)
}

// recent 优先读取归档，没有归档时退回到任务列表。
func (s *Server) recent(r *http.Request) []recentItem {
	if s.archive != nil {
		records, err := s.archive.ListLatest(r.Context(), recentLimit)
		if err != nil {
			s.logger.Warn("读取历史报告失败", slog.Any("error", err))
			return nil
		}
		items := make([]recentItem, 0, len(records))
		for _, rec := range records {
			items = append(items, recentItem{JobID: rec.JobID, CompanyName: rec.CompanyName, Domain: rec.Domain, Status: string(job.StatusSucceeded)})
		}
		return items
	}

	jobs, err := s.jobs.List(r.Context(), job.WithLimit(recentLimit))
	if err != nil {
		s.logger.Warn("读取最近任务失败", slog.Any("error", err))
		return nil
	}
	items := make([]recentItem, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, recentItem{JobID: j.ID, CompanyName: j.Query.CompanyName, Domain: j.Query.Domain, Status: string(j.Status)})
	}
	return items
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, name string, status int, data pageData) {
	var buf bytes.Buffer
	if err := s.pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("页面渲染失败", slog.String("template", name), slog.String("path", r.URL.Path), slog.Any("error", err))
		http.Error(w, "页面渲染失败", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}
