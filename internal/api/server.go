package api

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"MarketResearch/internal/job"
	"MarketResearch/internal/observability/metrics"
	"MarketResearch/internal/research"
	"MarketResearch/internal/storage/mysql"
	"MarketResearch/pkg/logger"
)

// JobService 是 API 层依赖的任务服务能力。
type JobService interface {
	Submit(ctx context.Context, q research.Query) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, opts ...job.ListOption) ([]*job.Job, error)
	Stats(ctx context.Context, opts ...job.ListOption) (job.Stats, error)
}

// Server 负责暴露网页界面与 REST 接口。
type Server struct {
	addr              string
	jobs              JobService
	archive           mysql.ReportRepository
	metricsPath       string
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	logger            *slog.Logger
	pages             *template.Template
}

// Option 自定义 Server。
type Option func(*Server)

// WithArchive 启用基于归档的历史报告查询。
func WithArchive(archive mysql.ReportRepository) Option {
	return func(s *Server) {
		s.archive = archive
	}
}

// WithMetrics 记录请求指标，并在 path 非空时挂载指标端点。
func WithMetrics(path string) Option {
	return func(s *Server) {
		if path == "" {
			path = "/metrics"
		}
		s.metricsPath = path
	}
}

// WithTimeouts 设置读取请求头与优雅关闭的超时时间。
func WithTimeouts(readHeader, shutdown time.Duration) Option {
	return func(s *Server) {
		if readHeader > 0 {
			s.readHeaderTimeout = readHeader
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs JobService, opts ...Option) *Server {
	s := &Server{
		addr:              addr,
		jobs:              jobs,
		readHeaderTimeout: 5 * time.Second,
		shutdownTimeout:   5 * time.Second,
		logger:            logger.Named("api"),
		pages:             pages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /{$}", "index", s.handleIndex)
	s.handle(mux, "POST /reports", "submit", s.handleSubmitForm)
	s.handle(mux, "GET /reports/{id}", "report", s.handleReportPage)
	s.handle(mux, "GET /reports/{id}/download", "download", s.handleDownload)

	s.handle(mux, "POST /api/v1/reports", "api_submit", s.handleCreateReport)
	s.handle(mux, "GET /api/v1/reports", "api_list", s.handleListReports)
	s.handle(mux, "GET /api/v1/reports/stats", "api_stats", s.handleReportStats)
	s.handle(mux, "GET /api/v1/reports/{id}", "api_detail", s.handleReportDetail)
	s.handle(mux, "GET /api/v1/reports/{id}/download", "api_download", s.handleDownload)
	s.handle(mux, "GET /api/v1/history", "api_history", s.handleHistory)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metricsPath != "" {
		mux.Handle("GET "+s.metricsPath, metrics.Handler())
	}
	return mux
}

func (s *Server) handle(mux *http.ServeMux, pattern, name string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.metricsPath != "" {
		h = metrics.Middleware(name, h)
	}
	mux.Handle(pattern, h)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	InFlight int    `json:"in_flight"`
}

// handleHealth 读取一次任务统计，存储不可用时返回 503。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.logger.Warn("健康检查读取任务统计失败", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", InFlight: stats.InFlight()})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
