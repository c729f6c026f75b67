// Package search defines the web search contract used by the research agent.
package search

import "context"

// Result 是一条自然搜索结果。
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Date    string `json:"date,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Searcher 根据查询词返回按相关度排序的结果。
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}
