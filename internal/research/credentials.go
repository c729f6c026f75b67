package research

import (
	"strings"

	xerrors "MarketResearch/internal/errors"
)

// Credentials 汇总流水线依赖的三个上游 API Key，启动时加载后显式传入。
type Credentials struct {
	SearchAPIKey string
	ScrapeAPIKey string
	LLMAPIKey    string
}

// Missing 返回缺失的凭证名称。
func (c Credentials) Missing() []string {
	var missing []string
	if strings.TrimSpace(c.SearchAPIKey) == "" {
		missing = append(missing, "search")
	}
	if strings.TrimSpace(c.ScrapeAPIKey) == "" {
		missing = append(missing, "scrape")
	}
	if strings.TrimSpace(c.LLMAPIKey) == "" {
		missing = append(missing, "llm")
	}
	return missing
}

// Validate 在任何网络调用之前检查凭证是否齐全。
func (c Credentials) Validate() error {
	missing := c.Missing()
	if len(missing) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeMissingCredentials,
		"缺少 API 凭证: "+strings.Join(missing, ", "),
		xerrors.WithMetadata("missing", strings.Join(missing, ",")))
}
