package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境变量名称。
const (
	EnvConfigPath     = "MARKET_RESEARCH_CONFIG"
	EnvSerpAPIKey     = "SERPAPI_API_KEY"
	EnvFirecrawlKey   = "FIRECRAWL_API_KEY"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvOpenAIModel    = "OPENAI_MODEL_NAME"
	DefaultConfigPath = "configs/reportd.yaml"
	DefaultModel      = "gpt-4o-mini"
)

// Config 描述了报告服务在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Search   SearchConfig   `json:"search" yaml:"search"`
	Scrape   ScrapeConfig   `json:"scrape" yaml:"scrape"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Job      JobConfig      `json:"job" yaml:"job"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// ServerConfig 控制 HTTP 服务的监听地址与超时。
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	ReadHeaderTimeoutSecs  int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// ReadHeaderTimeout 返回读取请求头的超时时间。
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return seconds(s.ReadHeaderTimeoutSecs)
}

// ShutdownTimeout 返回优雅停机的等待时间。
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return seconds(s.ShutdownTimeoutSeconds)
}

// Credential 描述一个上游 API Key 的来源：内联值优先，其次读取环境变量。
type Credential struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
}

// Resolve 返回最终生效的 API Key，可能为空。
func (c Credential) Resolve() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

// LLMConfig 用于配置大模型的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI Chat Completions 接入参数。
// Temperature 未配置时为 nil，由客户端使用默认值 0.2；显式配置的 0 原样生效。
type OpenAIConfig struct {
	Credential     `json:",inline" yaml:",inline"`
	BaseURL        string   `json:"base_url" yaml:"base_url"`
	Model          string   `json:"model" yaml:"model"`
	ModelEnv       string   `json:"model_env" yaml:"model_env"`
	Temperature    *float64 `json:"temperature" yaml:"temperature"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次推理的超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// SearchConfig 配置搜索服务。
type SearchConfig struct {
	Provider string        `json:"provider" yaml:"provider"`
	Limit    int           `json:"limit" yaml:"limit"`
	SerpAPI  SerpAPIConfig `json:"serpapi" yaml:"serpapi"`
}

// SerpAPIConfig 描述 SerpApi 的接入参数。
type SerpAPIConfig struct {
	Credential     `json:",inline" yaml:",inline"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	Engine         string `json:"engine" yaml:"engine"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回搜索请求超时时间。
func (c SerpAPIConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// ScrapeConfig 配置网页抓取服务。
type ScrapeConfig struct {
	Provider  string          `json:"provider" yaml:"provider"`
	TopN      int             `json:"top_n" yaml:"top_n"`
	MaxChars  int             `json:"max_chars" yaml:"max_chars"`
	Firecrawl FirecrawlConfig `json:"firecrawl" yaml:"firecrawl"`
}

// FirecrawlConfig 描述 Firecrawl 的接入参数。
type FirecrawlConfig struct {
	Credential      `json:",inline" yaml:",inline"`
	BaseURL         string `json:"base_url" yaml:"base_url"`
	PageTimeoutMS   int    `json:"page_timeout_ms" yaml:"page_timeout_ms"`
	WaitForMS       int    `json:"wait_for_ms" yaml:"wait_for_ms"`
	OnlyMainContent *bool  `json:"only_main_content" yaml:"only_main_content"`
	TimeoutSeconds  int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回抓取请求超时时间。
func (c FirecrawlConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// MainContentOnly 返回是否只抽取正文，默认开启。
func (c FirecrawlConfig) MainContentOnly() bool {
	return c.OnlyMainContent == nil || *c.OnlyMainContent
}

// PipelineConfig 控制报告流水线的行为。
type PipelineConfig struct {
	LLMTimeoutSeconds int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`
	MaxContextChars   int `json:"max_context_chars" yaml:"max_context_chars"`
}

// LLMTimeout 返回单个任务调用大模型的超时时间，0 表示不限制。
func (c PipelineConfig) LLMTimeout() time.Duration {
	return seconds(c.LLMTimeoutSeconds)
}

// JobConfig 控制异步任务的执行方式。
type JobConfig struct {
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	Worker      int `json:"worker" yaml:"worker"`
}

// StorageConfig 统一描述任务存储与报告归档的后端。
type StorageConfig struct {
	DataDir  string         `json:"data_dir" yaml:"data_dir"`
	JobStore DatabaseConfig `json:"job_store" yaml:"job_store"`
	Archive  DatabaseConfig `json:"archive" yaml:"archive"`
}

// DatabaseConfig 描述单个存储后端。
type DatabaseConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	Path                   string `json:"path" yaml:"path"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// ConnMaxLifetime 返回连接最长存活时间。
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return seconds(c.ConnMaxLifetimeSeconds)
}

// ConnMaxIdleTime 返回连接最长空闲时间。
func (c DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return seconds(c.ConnMaxIdleTimeSeconds)
}

// QueueConfig 描述任务队列驱动。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Buffer   int            `json:"buffer" yaml:"buffer"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列参数。
type RedisConfig struct {
	Address          string `json:"address" yaml:"address"`
	Password         string `json:"password" yaml:"password"`
	DB               int    `json:"db" yaml:"db"`
	Queue            string `json:"queue" yaml:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds" yaml:"block_wait_seconds"`
}

// BlockWait 返回 BRPOP 的阻塞时间。
func (c RedisConfig) BlockWait() time.Duration {
	return seconds(c.BlockWaitSeconds)
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Queue      string `json:"queue" yaml:"queue"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string      `json:"level" yaml:"level"`
	Format    string      `json:"format" yaml:"format"`
	Outputs   []string    `json:"outputs" yaml:"outputs"`
	AddSource bool        `json:"add_source" yaml:"add_source"`
	Audit     AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
}

// AlertingConfig 描述失败告警的投递方式。
type AlertingConfig struct {
	Log            bool   `json:"log" yaml:"log"`
	WebhookURL     string `json:"webhook_url" yaml:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回 webhook 请求超时时间。
func (c AlertingConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// MetricsConfig 控制指标暴露方式。
type MetricsConfig struct {
	Disabled bool   `json:"disabled" yaml:"disabled"`
	Path     string `json:"path" yaml:"path"`
	Address  string `json:"address" yaml:"address"`
}

// Path 返回配置文件路径：优先环境变量，其次默认路径。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
// 文件不存在时返回全默认配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// 使用默认配置。
	case err != nil:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	default:
		if err := decode(path, content, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeoutSecs <= 0 {
		c.Server.ReadHeaderTimeoutSecs = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = EnvOpenAIKey
	}
	if c.LLM.OpenAI.ModelEnv == "" {
		c.LLM.OpenAI.ModelEnv = EnvOpenAIModel
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = strings.TrimSpace(os.Getenv(c.LLM.OpenAI.ModelEnv))
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = DefaultModel
	}
	if c.LLM.OpenAI.TimeoutSeconds <= 0 {
		c.LLM.OpenAI.TimeoutSeconds = 120
	}

	if c.Search.Provider == "" {
		c.Search.Provider = "serpapi"
	}
	if c.Search.Limit <= 0 {
		c.Search.Limit = 8
	}
	if c.Search.SerpAPI.APIKeyEnv == "" {
		c.Search.SerpAPI.APIKeyEnv = EnvSerpAPIKey
	}
	if c.Search.SerpAPI.Engine == "" {
		c.Search.SerpAPI.Engine = "google"
	}
	if c.Search.SerpAPI.TimeoutSeconds <= 0 {
		c.Search.SerpAPI.TimeoutSeconds = 30
	}

	if c.Scrape.Provider == "" {
		c.Scrape.Provider = "firecrawl"
	}
	if c.Scrape.TopN <= 0 {
		c.Scrape.TopN = 3
	}
	if c.Scrape.MaxChars <= 0 {
		c.Scrape.MaxChars = 6000
	}
	if c.Scrape.Firecrawl.APIKeyEnv == "" {
		c.Scrape.Firecrawl.APIKeyEnv = EnvFirecrawlKey
	}
	if c.Scrape.Firecrawl.PageTimeoutMS <= 0 {
		c.Scrape.Firecrawl.PageTimeoutMS = 30000
	}
	if c.Scrape.Firecrawl.WaitForMS <= 0 {
		c.Scrape.Firecrawl.WaitForMS = 2000
	}
	if c.Scrape.Firecrawl.TimeoutSeconds <= 0 {
		c.Scrape.Firecrawl.TimeoutSeconds = 60
	}

	if c.Pipeline.MaxContextChars <= 0 {
		c.Pipeline.MaxContextChars = 12000
	}

	if c.Job.MaxAttempts <= 0 {
		c.Job.MaxAttempts = 1
	}
	if c.Job.Worker <= 0 {
		c.Job.Worker = 1
	}

	if c.Storage.DataDir == "" {
		c.Storage.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Storage.DataDir) {
		c.Storage.DataDir = filepath.Join(baseDir, c.Storage.DataDir)
	}
	if c.Storage.JobStore.Driver == "" {
		c.Storage.JobStore.Driver = "memory"
	}
	if c.Storage.Archive.Driver == "" {
		c.Storage.Archive.Driver = "none"
	}
	if c.Storage.Archive.Driver == "file" && c.Storage.Archive.Path == "" {
		c.Storage.Archive.Path = filepath.Join(c.Storage.DataDir, "reports.log")
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
