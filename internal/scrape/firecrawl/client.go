package firecrawl

import (
	"context"
	stdErrors "errors"
	"net"
	"net/http"
	"strings"
	"time"

	fcsdk "github.com/mendableai/firecrawl-go/v2"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/scrape"
)

const (
	defaultBaseURL     = "https://api.firecrawl.dev"
	defaultTimeout     = 60 * time.Second
	defaultPageTimeout = 30000
	defaultWaitFor     = 2000
)

// Config 描述了调用 Firecrawl 所需的信息。
type Config struct {
	APIKey          string
	BaseURL         string
	PageTimeoutMS   int
	WaitForMS       int
	OnlyMainContent bool
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// Client 通过 Firecrawl SDK 的 ScrapeURL 抓取网页正文，只请求 markdown 格式。
type Client struct {
	app    *fcsdk.FirecrawlApp
	params fcsdk.ScrapeParams
}

// NewClient 根据配置创建 Firecrawl 客户端。API Key 为空时返回 MISSING_CREDENTIALS，不读取环境变量。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeMissingCredentials, "未提供 Firecrawl API Key",
			xerrors.WithMetadata("credential", "scrape"))
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	app, err := fcsdk.NewFirecrawlApp(apiKey, baseURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Firecrawl 客户端失败")
	}
	if cfg.HTTPClient != nil {
		app.Client = cfg.HTTPClient
	} else {
		app.Client = &http.Client{Timeout: positive(cfg.Timeout, defaultTimeout)}
	}

	pageTimeout := positive(cfg.PageTimeoutMS, defaultPageTimeout)
	waitFor := positive(cfg.WaitForMS, defaultWaitFor)
	onlyMain := cfg.OnlyMainContent
	return &Client{
		app: app,
		params: fcsdk.ScrapeParams{
			Formats:         []string{"markdown"},
			OnlyMainContent: &onlyMain,
			WaitFor:         &waitFor,
			Timeout:         &pageTimeout,
		},
	}, nil
}

type scrapeResult struct {
	doc *fcsdk.FirecrawlDocument
	err error
}

// Scrape 抓取指定 URL。SDK 调用不接收 ctx，ctx 结束时立即返回，底层请求由 HTTP 客户端超时收尾。
func (c *Client) Scrape(ctx context.Context, target string) (*scrape.Page, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "抓取地址不能为空")
	}

	params := c.params
	done := make(chan scrapeResult, 1)
	go func() {
		doc, err := c.app.ScrapeURL(target, &params)
		done <- scrapeResult{doc: doc, err: err}
	}()

	var res scrapeResult
	select {
	case <-ctx.Done():
		if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "Firecrawl 请求超时",
				xerrors.WithMetadata("url", target))
		}
		return nil, xerrors.Wrap(xerrors.CodeCanceled, ctx.Err(), "Firecrawl 请求已取消")
	case res = <-done:
	}

	if res.err != nil {
		return nil, classify(res.err, target)
	}
	if res.doc == nil || strings.TrimSpace(res.doc.Markdown) == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "Firecrawl 返回的正文为空",
			xerrors.WithMetadata("url", target))
	}

	page := &scrape.Page{URL: target, Markdown: strings.TrimSpace(res.doc.Markdown)}
	if meta := res.doc.Metadata; meta != nil && meta.Title != nil {
		page.Title = strings.TrimSpace(*meta.Title)
	}
	return page, nil
}

// classify 把 SDK 的错误映射为错误码。SDK 只返回格式化后的文本，超时依据网络错误或 408 文案判断。
func classify(err error, target string) error {
	var netErr net.Error
	if (stdErrors.As(err, &netErr) && netErr.Timeout()) || strings.HasPrefix(err.Error(), "Request Timeout") {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "Firecrawl 请求超时", xerrors.WithMetadata("url", target))
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "Firecrawl 抓取失败", xerrors.WithMetadata("url", target))
}

func positive[T int | time.Duration](value, fallback T) T {
	if value > 0 {
		return value
	}
	return fallback
}

var _ scrape.Scraper = (*Client)(nil)
