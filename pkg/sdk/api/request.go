package api

import (
	"context"
	"time"

	"github.com/betbot/gotradier/pkg/ratelimit"
)

// RequestOptions 单次请求的选项
type RequestOptions struct {
	Headers map[string]string
	Params  map[string]string // 查询参数
	Form    map[string]string // 表单数据（Tradier 的写操作用 form 编码）
	Class   ratelimit.EndpointClass
	Cost    int // 速率限制成本，默认 1
}

// Outcome 请求结果
type Outcome struct {
	StatusCode int
	Body       []byte
	RetryAfter time.Duration // 服务端的 Retry-After 提示（可选）
}

// Executor 执行一次逻辑请求（限流、认证、重试都在实现内部完成）
type Executor interface {
	Execute(ctx context.Context, method, path string, opt *RequestOptions) (*Outcome, error)
}
