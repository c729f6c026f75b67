package llm

import "context"

// Request 描述一次补全调用的输入。
type Request struct {
	System string
	Prompt string
}

// Response 是大模型返回的文本及用量信息。
type Response struct {
	Text             string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许用普通函数实现 Client，便于测试替身。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Complete 实现 Client 接口。
func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
