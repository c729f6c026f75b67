package openai

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	xerrors "MarketResearch/internal/errors"
	"MarketResearch/internal/llm"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModelName   = "gpt-4o-mini"
	defaultTimeout     = 120 * time.Second
	defaultTemperature = 0.2
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client 通过官方 SDK 调用 OpenAI 的补全能力。
type Client struct {
	sdk         sdk.Client
	model       string
	temperature float64
}

// NewClient 根据配置创建 OpenAI 客户端。SDK 自带的重试被关闭，失败直接返回给调用方。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeMissingCredentials, "未提供 OpenAI API Key",
			xerrors.WithMetadata("credential", "llm"))
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	// Temperature 为 nil 时取默认值，显式的 0 表示确定性输出。
	temperature := defaultTemperature
	if cfg.Temperature != nil {
		temperature = *cfg.Temperature
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		sdk: sdk.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL+"/"),
			option.WithHTTPClient(httpClient),
			option.WithMaxRetries(0),
		),
		model:       model,
		temperature: temperature,
	}, nil
}

// Model 返回实际使用的模型名称。
func (c *Client) Model() string {
	return c.model
}

// Complete 发送 system + user 两条消息并返回首个候选的文本。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提示词不能为空")
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, sdk.SystemMessage(system))
	}
	messages = append(messages, sdk.UserMessage(prompt))

	completion, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:       sdk.ChatModel(c.model),
		Messages:    messages,
		Temperature: sdk.Float(c.temperature),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应内容为空")
	}

	return &llm.Response{
		Text:             content,
		Model:            completion.Model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}

func classify(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "OpenAI 请求超时")
	}
	var apiErr *sdk.Error
	if stdErrors.As(err, &apiErr) {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err,
			fmt.Sprintf("OpenAI 返回错误状态 %d", apiErr.StatusCode),
			xerrors.WithMetadata("status", fmt.Sprint(apiErr.StatusCode)))
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 OpenAI 失败")
}
