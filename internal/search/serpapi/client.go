package serpapi

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	serpsdk "github.com/serpapi/google-search-results-golang"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/search"
)

const (
	defaultEngine  = "google"
	defaultTimeout = 30 * time.Second
	maxLimit       = 100
	maxBodyBytes   = 4 << 20
	// SerpApi 对零结果的查询返回 200 加 error 字段。
	noResultsMessage = "hasn't returned any results"
)

// Config 描述了调用 SerpApi 所需的信息。BaseURL 为空时请求 SDK 内置的 serpapi.com。
type Config struct {
	APIKey     string
	BaseURL    string
	Engine     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 通过 SerpApi 官方 SDK 执行搜索。
type Client struct {
	apiKey    string
	engine    string
	timeout   time.Duration
	endpoint  *url.URL
	transport http.RoundTripper
}

// NewClient 根据配置创建 SerpApi 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeMissingCredentials, "未提供 SerpApi API Key",
			xerrors.WithMetadata("credential", "search"))
	}
	c := &Client{
		apiKey:    apiKey,
		engine:    strings.TrimSpace(cfg.Engine),
		timeout:   cfg.Timeout,
		transport: http.DefaultTransport,
	}
	if c.engine == "" {
		c.engine = defaultEngine
	}
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			c.transport = cfg.HTTPClient.Transport
		}
		if c.timeout <= 0 {
			c.timeout = cfg.HTTPClient.Timeout
		}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if raw := strings.TrimSpace(cfg.BaseURL); raw != "" {
		endpoint, err := url.Parse(strings.TrimRight(raw, "/"))
		if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "SerpApi 地址无效", xerrors.WithMetadata("base_url", raw))
		}
		c.endpoint = endpoint
	}
	return c, nil
}

type organicResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date"`
	Source  string `json:"source"`
}

// Search 执行一次搜索，结果条数不超过 limit。
func (c *Client) Search(ctx context.Context, query string, limit int) ([]search.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "搜索关键词不能为空")
	}
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, maxLimit)

	// 超时放在 ctx 上，callTransport 替换请求的 ctx 后 http.Client.Timeout 不再生效。
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tr := &callTransport{ctx: ctx, base: c.transport, endpoint: c.endpoint}
	s := serpsdk.NewSearch(c.engine, map[string]string{
		"q":   query,
		"num": strconv.Itoa(limit),
	}, c.apiKey)
	s.HttpSearch = &http.Client{Transport: tr}

	raw, err := s.GetJSON()
	if err != nil {
		if tr.status == http.StatusOK && strings.Contains(err.Error(), noResultsMessage) {
			return []search.Result{}, nil
		}
		return nil, c.classify(ctx, err, tr.status)
	}

	var organic []organicResult
	if items, ok := raw["organic_results"]; ok {
		encoded, err := json.Marshal(items)
		if err == nil {
			err = json.Unmarshal(encoded, &organic)
		}
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析 SerpApi 自然结果失败")
		}
	}

	results := make([]search.Result, 0, min(len(organic), limit))
	for _, item := range organic {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		results = append(results, search.Result{
			Title:   strings.TrimSpace(item.Title),
			URL:     link,
			Snippet: strings.TrimSpace(item.Snippet),
			Date:    item.Date,
			Source:  item.Source,
		})
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// classify 映射 SDK 错误。SDK 把响应中的 error 字段原样作为错误文本返回，HTTP 状态码由 callTransport 记录。
func (c *Client) classify(ctx context.Context, err error, status int) error {
	var netErr net.Error
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded), stdErrors.As(err, &netErr) && netErr.Timeout():
		return xerrors.Wrap(xerrors.CodeTimeout, err, "SerpApi 请求超时")
	case ctx.Err() != nil:
		return xerrors.Wrap(xerrors.CodeCanceled, err, "SerpApi 请求已取消")
	}
	opts := []xerrors.Option{xerrors.WithMetadata("engine", c.engine)}
	if status != 0 {
		opts = append(opts, xerrors.WithMetadata("status", strconv.Itoa(status)))
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "SerpApi 返回错误: "+err.Error(), opts...)
}

// callTransport 为单次调用绑定 ctx，可选地改写目标地址，并把响应体读入内存后关闭连接。
type callTransport struct {
	ctx      context.Context
	base     http.RoundTripper
	endpoint *url.URL
	status   int
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(t.ctx)
	if t.endpoint != nil {
		req.URL.Scheme = t.endpoint.Scheme
		req.URL.Host = t.endpoint.Host
		req.URL.Path = t.endpoint.Path + req.URL.Path
		req.Host = ""
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	t.status = resp.StatusCode
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

var _ search.Searcher = (*Client)(nil)
