package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/llm"
	"MarketResearch/internal/research"
	"MarketResearch/internal/scrape"
	"MarketResearch/internal/search"
	"MarketResearch/pkg/logger"
)

const (
	defaultSearchLimit     = 8
	defaultScrapeTopN      = 3
	defaultMaxPageChars    = 6000
	defaultMaxContextChars = 12000
)

const systemPrompt = "You are a senior business analyst writing one section of a market research report. " +
	"Work only from the provided context and tool observations, cite sources inline as [Source Name](URL), " +
	"and answer in Markdown without repeating the section title."

// Agent 依次调用搜索、抓取与大模型完成单个研究任务。
type Agent struct {
	llmClient       llm.Client
	searcher        search.Searcher
	scraper         scrape.Scraper
	searchLimit     int
	scrapeTopN      int
	maxPageChars    int
	maxContextChars int
	llmTimeout      time.Duration
}

var _ research.Executor = (*Agent)(nil)

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithSearchLimit 设置每次搜索返回的结果数量。
func WithSearchLimit(limit int) Option {
	return func(a *Agent) {
		a.searchLimit = limit
	}
}

// WithScrapeTopN 设置抓取排名靠前的搜索结果数量。
func WithScrapeTopN(n int) Option {
	return func(a *Agent) {
		a.scrapeTopN = n
	}
}

// WithMaxPageChars 限制单个网页写入提示词的字符数。
func WithMaxPageChars(n int) Option {
	return func(a *Agent) {
		a.maxPageChars = n
	}
}

// WithMaxContextChars 限制前序任务输出写入提示词的字符数。
func WithMaxContextChars(n int) Option {
	return func(a *Agent) {
		a.maxContextChars = n
	}
}

// WithLLMTimeout 设置调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, searcher search.Searcher, scraper scrape.Scraper, opts ...Option) *Agent {
	ag := &Agent{
		llmClient: llmClient,
		searcher:  searcher,
		scraper:   scraper,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.searchLimit <= 0 {
		ag.searchLimit = defaultSearchLimit
	}
	if ag.scrapeTopN <= 0 {
		ag.scrapeTopN = defaultScrapeTopN
	}
	if ag.maxPageChars <= 0 {
		ag.maxPageChars = defaultMaxPageChars
	}
	if ag.maxContextChars <= 0 {
		ag.maxContextChars = defaultMaxContextChars
	}
	return ag
}

// Execute 按任务声明的工具收集资料，再调用大模型撰写章节。
func (a *Agent) Execute(ctx context.Context, task research.Task, prior []research.TaskResult) (*research.TaskResult, error) {
	if a.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(task.Description) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}
	log := logger.Named("agent").With("task", task.ID)

	var (
		hits         []search.Result
		pages        []*scrape.Page
		observations []string
		err          error
	)

	if task.Uses(research.ToolSearch) {
		hits, err = a.search(ctx, task)
		if err != nil {
			return nil, err
		}
		log.Debug("搜索完成", "query", task.SearchQuery, "hits", len(hits))
	}

	if task.Uses(research.ToolScrape) && len(hits) > 0 {
		var failures []string
		pages, failures, err = a.scrapeTop(ctx, hits)
		if err != nil {
			return nil, err
		}
		for _, f := range failures {
			observations = appendObservation(observations, f)
		}
		log.Debug("抓取完成", "pages", len(pages), "failures", len(failures))
	}

	llmCtx := ctx
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	resp, err := a.llmClient.Complete(llmCtx, llm.Request{
		System: systemPrompt,
		Prompt: a.buildPrompt(task, prior, hits, pages, observations),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时", xerrors.WithMetadata("task", task.ID))
		}
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "大模型推理失败", xerrors.WithMetadata("task", task.ID))
	}
	if resp == nil || strings.TrimSpace(resp.Text) == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "大模型返回空内容", xerrors.WithMetadata("task", task.ID))
	}
	log.Debug("大模型完成", "model", resp.Model, "prompt_tokens", resp.PromptTokens, "completion_tokens", resp.CompletionTokens)

	return &research.TaskResult{
		TaskID:  task.ID,
		Text:    strings.TrimSpace(resp.Text),
		Sources: sourcesOf(hits),
	}, nil
}

func (a *Agent) search(ctx context.Context, task research.Task) ([]search.Result, error) {
	if a.searcher == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置搜索客户端")
	}
	query := strings.TrimSpace(task.SearchQuery)
	if query == "" {
		query = task.Title
	}
	hits, err := a.searcher.Search(ctx, query, a.searchLimit)
	if err != nil {
		return nil, upstream(err, "搜索失败", task.ID)
	}
	return hits, nil
}

// scrapeTop 抓取前 N 个结果。单个页面失败只记录观察，全部失败时任务失败。
func (a *Agent) scrapeTop(ctx context.Context, hits []search.Result) ([]*scrape.Page, []string, error) {
	if a.scraper == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置网页抓取客户端")
	}
	n := min(a.scrapeTopN, len(hits))
	var (
		pages    []*scrape.Page
		failures []string
		lastErr  error
	)
	for _, hit := range hits[:n] {
		page, err := a.scraper.Scrape(ctx, hit.URL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, upstream(err, "网页抓取中断", "")
			}
			lastErr = err
			failures = append(failures, fmt.Sprintf("抓取 %s 失败: %s", hit.URL, xerrors.MessageOf(err)))
			continue
		}
		pages = append(pages, page)
	}
	if len(pages) == 0 && lastErr != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, lastErr, "所有网页抓取均失败",
			xerrors.WithMetadata("attempts", fmt.Sprint(n)))
	}
	return pages, failures, nil
}

func (a *Agent) buildPrompt(task research.Task, prior []research.TaskResult, hits []search.Result, pages []*scrape.Page, observations []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n\nExpected output: %s\n", task.Title, task.Description, task.ExpectedOutput)

	if len(prior) > 0 {
		b.WriteString("\nContext from earlier sections:\n")
		budget := a.maxContextChars
		for _, r := range prior {
			if budget <= 0 {
				break
			}
			text := truncate(strings.TrimSpace(r.Text), budget)
			budget -= len(text)
			fmt.Fprintf(&b, "\n[%s]\n%s\n", r.TaskID, text)
		}
	}

	if len(hits) > 0 {
		b.WriteString("\nSearch results:\n")
		for i, hit := range hits {
			fmt.Fprintf(&b, "%d. %s (%s)", i+1, hit.Title, hit.URL)
			if hit.Date != "" {
				fmt.Fprintf(&b, " %s", hit.Date)
			}
			if hit.Snippet != "" {
				fmt.Fprintf(&b, "\n   %s", hit.Snippet)
			}
			b.WriteString("\n")
		}
	} else if task.SearchCapable() {
		b.WriteString("\nSearch returned no results; say so where information is missing.\n")
	}

	for _, page := range pages {
		title := page.Title
		if title == "" {
			title = page.URL
		}
		fmt.Fprintf(&b, "\nPage content from %s (%s):\n%s\n", title, page.URL, truncate(page.Markdown, a.maxPageChars))
	}

	if len(observations) > 0 {
		b.WriteString("\nTool notes:\n")
		for _, o := range observations {
			fmt.Fprintf(&b, "- %s\n", o)
		}
	}
	return b.String()
}

func sourcesOf(hits []search.Result) []string {
	if len(hits) == 0 {
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.URL != "" {
			out = append(out, hit.URL)
		}
	}
	return out
}

// appendObservation 追加一条非空观察。
func appendObservation(existing []string, next string) []string {
	next = strings.TrimSpace(next)
	if next == "" {
		return existing
	}
	return append(existing, next)
}

// truncate 按 rune 边界截断文本。
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

func upstream(err error, message, taskID string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message, xerrors.WithMetadata("task", taskID))
	}
	if stdErrors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeCanceled, err, message, xerrors.WithMetadata("task", taskID))
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnknown {
		return err
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, message, xerrors.WithMetadata("task", taskID))
}
