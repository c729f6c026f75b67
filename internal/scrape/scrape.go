// Package scrape defines the content extraction contract used by the research agent.
package scrape

import "context"

// Page 是抓取并清洗后的网页正文。
type Page struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Markdown string `json:"markdown"`
}

// Scraper 抓取单个 URL 并返回 Markdown 正文。
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Page, error)
}
