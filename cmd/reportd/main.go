package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"MarketResearch/internal/agent"
	"MarketResearch/internal/api"
	"MarketResearch/internal/config"
	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/job"
	"MarketResearch/internal/llm"
	"MarketResearch/internal/llm/openai"
	"MarketResearch/internal/observability/alerting"
	"MarketResearch/internal/observability/metrics"
	"MarketResearch/internal/research"
	"MarketResearch/internal/scrape"
	"MarketResearch/internal/scrape/firecrawl"
	"MarketResearch/internal/search"
	"MarketResearch/internal/search/serpapi"
	"MarketResearch/internal/storage/mysql"
	"MarketResearch/pkg/logger"
)

// main 是报告服务守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("reportd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		AddSource:   cfg.Logging.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return err
	}

	pipeline := newPipeline(cfg)

	store, err := openJobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	archive, err := openArchive(ctx, cfg)
	if err != nil {
		return err
	}
	if archive != nil {
		defer func() { _ = archive.Close() }()
	}

	metricsEnabled := !cfg.Metrics.Disabled
	procOpts := []job.ProcessorOption{
		job.WithWorkerCount(cfg.Job.Worker),
		job.WithProcessorLogger(logger.Named("job")),
		job.WithAlertDispatcher(newAlerter(cfg)),
	}
	if archive != nil {
		procOpts = append(procOpts, job.WithArchive(archive))
	}
	if metricsEnabled {
		procOpts = append(procOpts, job.WithRecorder(metrics.Jobs{}))
	}

	service := job.NewService(store, queue, cfg.Job.MaxAttempts)
	processor := job.NewProcessor(pipeline, store, queue, queue, procOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	serverOpts := []api.Option{
		api.WithTimeouts(cfg.Server.ReadHeaderTimeout(), cfg.Server.ShutdownTimeout()),
	}
	if archive != nil {
		serverOpts = append(serverOpts, api.WithArchive(archive))
	}
	if metricsEnabled {
		if cfg.Metrics.Address != "" {
			go func() {
				if err := metrics.StartServer(ctx, cfg.Metrics.Address, cfg.Metrics.Path); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		} else {
			serverOpts = append(serverOpts, api.WithMetrics(cfg.Metrics.Path))
		}
	}

	server := api.NewServer(cfg.Server.Address, service, serverOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newPipeline 组装上游客户端。缺失的凭证不会阻止启动，报告运行时会以 MISSING_CREDENTIALS 失败。
func newPipeline(cfg *config.Config) *research.Pipeline {
	creds := research.Credentials{
		SearchAPIKey: cfg.Search.SerpAPI.Resolve(),
		ScrapeAPIKey: cfg.Scrape.Firecrawl.Resolve(),
		LLMAPIKey:    cfg.LLM.OpenAI.Resolve(),
	}
	if missing := creds.Missing(); len(missing) > 0 {
		logger.L().Warn("部分 API 凭证缺失，报告生成将失败", slog.Any("missing", missing))
	}

	var searcher search.Searcher
	if client, err := serpapi.NewClient(serpapi.Config{
		APIKey:  creds.SearchAPIKey,
		BaseURL: cfg.Search.SerpAPI.BaseURL,
		Engine:  cfg.Search.SerpAPI.Engine,
		Timeout: cfg.Search.SerpAPI.Timeout(),
	}); err == nil {
		searcher = client
	} else {
		logClientError(logger.L(), "search", err)
	}

	var scraper scrape.Scraper
	if client, err := firecrawl.NewClient(firecrawl.Config{
		APIKey:          creds.ScrapeAPIKey,
		BaseURL:         cfg.Scrape.Firecrawl.BaseURL,
		PageTimeoutMS:   cfg.Scrape.Firecrawl.PageTimeoutMS,
		WaitForMS:       cfg.Scrape.Firecrawl.WaitForMS,
		OnlyMainContent: cfg.Scrape.Firecrawl.MainContentOnly(),
		Timeout:         cfg.Scrape.Firecrawl.Timeout(),
	}); err == nil {
		scraper = client
	} else {
		logClientError(logger.L(), "scrape", err)
	}

	var llmClient llm.Client
	if client, err := openai.NewClient(openai.Config{
		APIKey:      creds.LLMAPIKey,
		BaseURL:     cfg.LLM.OpenAI.BaseURL,
		Model:       cfg.LLM.OpenAI.Model,
		Temperature: cfg.LLM.OpenAI.Temperature,
		Timeout:     cfg.LLM.OpenAI.Timeout(),
	}); err == nil {
		llmClient = client
	} else {
		logClientError(logger.L(), "llm", err)
	}

	executor := agent.New(llmClient, searcher, scraper,
		agent.WithSearchLimit(cfg.Search.Limit),
		agent.WithScrapeTopN(cfg.Scrape.TopN),
		agent.WithMaxPageChars(cfg.Scrape.MaxChars),
		agent.WithMaxContextChars(cfg.Pipeline.MaxContextChars),
		agent.WithLLMTimeout(cfg.Pipeline.LLMTimeout()),
	)

	opts := []research.Option{research.WithLogger(logger.Named("pipeline"))}
	if !cfg.Metrics.Disabled {
		opts = append(opts, research.WithObserver(metrics.Pipeline{}))
	}
	return research.NewPipeline(executor, creds, opts...)
}

// logClientError 记录上游客户端的构建失败。缺失凭证已在上方汇总告警，这里只记录其余错误（例如地址无效）。
func logClientError(log *slog.Logger, component string, err error) bool {
	if err == nil || xerrors.CodeOf(err) == xerrors.CodeMissingCredentials {
		return false
	}
	log.Error("上游客户端初始化失败，相关步骤将以 INITIALIZATION_FAILURE 失败",
		slog.String("component", component), slog.Any("error", err))
	return true
}

func openJobStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Storage.JobStore.Driver {
	case "memory", "":
		return job.NewMemoryStore(), nil
	case "mysql":
		return job.NewMySQLStore(ctx, databaseConfig(cfg.Storage.JobStore))
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.JobStore.Driver)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (job.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory", "":
		return job.NewMemoryQueue(cfg.Queue.Buffer), nil
	case "redis":
		return job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.BlockWait(),
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// openArchive 返回 nil 表示不归档。
func openArchive(ctx context.Context, cfg *config.Config) (mysql.ReportRepository, error) {
	switch cfg.Storage.Archive.Driver {
	case "none", "":
		return nil, nil
	case "file":
		return mysql.NewFileReportRepository(cfg.Storage.Archive.Path)
	case "mysql":
		return mysql.NewSQLReportRepository(ctx, databaseConfig(cfg.Storage.Archive))
	default:
		return nil, fmt.Errorf("未知的归档驱动: %s", cfg.Storage.Archive.Driver)
	}
}

func databaseConfig(db config.DatabaseConfig) mysql.Config {
	return mysql.Config{
		DSN:             db.DSN,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime(),
		ConnMaxIdleTime: db.ConnMaxIdleTime(),
	}
}

func newAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Named("alerting")})
	}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout()))
	}
	return alerting.NewFanout(notifiers...)
}
