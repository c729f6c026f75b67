package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/llm"
	"MarketResearch/internal/research"
	"MarketResearch/internal/scrape"
	"MarketResearch/internal/search"
)

type stubLLM struct {
	resp    *llm.Response
	err     error
	wait    time.Duration
	prompts []string
}

func (s *stubLLM) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

type stubSearcher struct {
	results []search.Result
	err     error
	queries []string
	limit   int
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) ([]search.Result, error) {
	s.queries = append(s.queries, query)
	s.limit = limit
	return s.results, s.err
}

type stubScraper struct {
	fail map[string]bool
	urls []string
}

func (s *stubScraper) Scrape(_ context.Context, url string) (*scrape.Page, error) {
	s.urls = append(s.urls, url)
	if s.fail[url] {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "blocked")
	}
	return &scrape.Page{URL: url, Title: "page " + url, Markdown: "content of " + url}, nil
}

func hits(n int) []search.Result {
	out := make([]search.Result, n)
	for i := range out {
		out[i] = search.Result{Title: "hit", URL: "https://example.com/" + string(rune('a'+i)), Snippet: "snippet"}
	}
	return out
}

func researchTask(t *testing.T) research.Task {
	t.Helper()
	return research.Bind(research.Query{CompanyName: "Acme", Domain: "rockets"})[0]
}

func TestAgentExecuteSearchAndScrape(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Text: " overview text "}}
	searcher := &stubSearcher{results: hits(5)}
	scraper := &stubScraper{}
	ag := New(llmClient, searcher, scraper)

	result, err := ag.Execute(context.Background(), researchTask(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != "overview text" || result.TaskID != research.TaskResearch {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Sources) != 5 {
		t.Fatalf("expected all search hits as sources, got %v", result.Sources)
	}
	if searcher.limit != defaultSearchLimit || searcher.queries[0] != "Acme rockets company overview" {
		t.Fatalf("unexpected search call: %v limit=%d", searcher.queries, searcher.limit)
	}
	if len(scraper.urls) != defaultScrapeTopN {
		t.Fatalf("expected top %d pages scraped, got %v", defaultScrapeTopN, scraper.urls)
	}
	if !strings.Contains(llmClient.prompts[0], "content of https://example.com/a") {
		t.Fatalf("prompt is missing scraped content: %s", llmClient.prompts[0])
	}
}

func TestAgentExecuteToleratesPartialScrapeFailure(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Text: "ok"}}
	scraper := &stubScraper{fail: map[string]bool{"https://example.com/a": true}}
	ag := New(llmClient, &stubSearcher{results: hits(3)}, scraper)

	if _, err := ag.Execute(context.Background(), researchTask(t), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(llmClient.prompts[0], "抓取 https://example.com/a 失败") {
		t.Fatalf("expected failure note in prompt: %s", llmClient.prompts[0])
	}
}

func TestAgentExecuteFailsWhenEveryScrapeFails(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Text: "ok"}}
	scraper := &stubScraper{fail: map[string]bool{"https://example.com/a": true, "https://example.com/b": true}}
	ag := New(llmClient, &stubSearcher{results: hits(2)}, scraper)

	_, err := ag.Execute(context.Background(), researchTask(t), nil)
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if len(llmClient.prompts) != 0 {
		t.Fatalf("llm should not be called after scrape failure")
	}
}

func TestAgentExecuteNoSearchResults(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Text: "nothing found"}}
	scraper := &stubScraper{}
	ag := New(llmClient, &stubSearcher{}, scraper)

	result, err := ag.Execute(context.Background(), researchTask(t), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scraper.urls) != 0 || len(result.Sources) != 0 {
		t.Fatalf("expected no scraping and no sources, got %v %v", scraper.urls, result.Sources)
	}
}

func TestAgentExecuteSearchFailure(t *testing.T) {
	ag := New(&stubLLM{resp: &llm.Response{Text: "ok"}}, &stubSearcher{err: errors.New("dial tcp: refused")}, &stubScraper{})
	_, err := ag.Execute(context.Background(), researchTask(t), nil)
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamFailure {
		t.Fatalf("expected upstream failure, got %v", err)
	}
}

func TestAgentExecuteUsesPriorContext(t *testing.T) {
	llmClient := &stubLLM{resp: &llm.Response{Text: "segments"}}
	// customer_segmentation 不使用任何工具。
	task := research.Bind(research.Query{CompanyName: "Acme", Domain: "rockets"})[4]
	ag := New(llmClient, nil, nil, WithMaxContextChars(10))

	prior := []research.TaskResult{{TaskID: research.TaskResearch, Text: strings.Repeat("x", 50)}}
	if _, err := ag.Execute(context.Background(), task, prior); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(llmClient.prompts[0], "[research]\nxxxxxxxxxx\n[truncated]") {
		t.Fatalf("expected truncated context in prompt: %s", llmClient.prompts[0])
	}
}

func TestAgentExecuteTimeout(t *testing.T) {
	llmClient := &stubLLM{wait: 50 * time.Millisecond}
	task := research.Bind(research.Query{CompanyName: "Acme", Domain: "rockets"})[4]
	ag := New(llmClient, nil, nil, WithLLMTimeout(10*time.Millisecond))

	_, err := ag.Execute(context.Background(), task, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestAgentExecuteRequiresLLM(t *testing.T) {
	_, err := New(nil, nil, nil).Execute(context.Background(), researchTask(t), nil)
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("unexpected error: %v", err)
	}
}
