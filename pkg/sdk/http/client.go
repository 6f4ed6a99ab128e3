package http

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotradier/pkg/credentials"
	"github.com/betbot/gotradier/pkg/ratelimit"
	"github.com/betbot/gotradier/pkg/sdk/api"
)

// Config 调度器配置
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int           // 瞬时错误的最大重试次数
	RetryBaseDelay time.Duration // 指数退避的起始延迟
	RetryMaxDelay  time.Duration // 退避上限
	UserAgent      string
}

// DefaultConfig 返回默认调度器配置
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		RetryBaseDelay: 500 * time.Millisecond,
		RetryMaxDelay:  10 * time.Second,
		UserAgent:      "gotradier/1.0",
	}
}

// Dispatcher 带认证注入、速率限制和类型化错误映射的请求调度器。
// 所有出站 REST 请求都经过这里；重试对调用方透明，
// 每次 Execute 调用在逻辑上只有一个请求在途。
type Dispatcher struct {
	client  *resty.Client
	creds   *credentials.Store
	limiter *ratelimit.Manager
	cfg     Config
	log     *logrus.Entry
}

var _ api.Executor = (*Dispatcher)(nil)

// NewDispatcher 创建请求调度器
func NewDispatcher(cfg Config, creds *credentials.Store, limiter *ratelimit.Manager) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		// 重试由 Execute 自己做，关闭 resty 的内置重试
		SetRetryCount(0)

	return &Dispatcher{
		client:  client,
		creds:   creds,
		limiter: limiter,
		cfg:     cfg,
		log:     logrus.WithField("component", "dispatcher"),
	}
}

// classify 根据路径推断端点分类
func classify(method, path string) ratelimit.EndpointClass {
	switch {
	case strings.HasPrefix(path, "/v1/markets"):
		return ratelimit.ClassMarketData
	case strings.Contains(path, "/orders") && method != http.MethodGet:
		return ratelimit.ClassTrading
	case strings.HasPrefix(path, "/v1/accounts"), strings.HasPrefix(path, "/v1/user"):
		return ratelimit.ClassAccount
	default:
		return ratelimit.ClassDefault
	}
}

// Execute 执行一次逻辑请求：限流 → 注入凭证 → HTTP 调用 → 分类结果。
//   - 2xx 成功返回
//   - 401/403 触发一次凭证刷新并重试一次，仍失败则报 AuthError
//   - 429/5xx 按 Retry-After 或指数退避重试，超过上限报 TransientError
//   - 其他 4xx 立即报 RequestError，不重试
func (d *Dispatcher) Execute(ctx context.Context, method, path string, opt *api.RequestOptions) (*api.Outcome, error) {
	if opt == nil {
		opt = &api.RequestOptions{}
	}
	class := opt.Class
	if class == "" {
		class = classify(method, path)
	}
	cost := opt.Cost
	if cost <= 0 {
		cost = 1
	}

	if err := d.limiter.Acquire(ctx, class, cost); err != nil {
		return nil, errors.Wrap(err, "等待速率限制令牌失败")
	}

	// 凭证即将过期时主动刷新；失败不阻塞请求，401 路径会兜底
	if d.creds.NeedsRefresh() {
		if _, err := d.creds.Refresh(ctx); err != nil {
			d.log.WithError(err).Warn("主动刷新凭证失败，继续使用当前凭证")
		}
	}

	refreshed := false
	delay := d.cfg.RetryBaseDelay
	var lastErr error
	var lastStatus int
	var lastBody string

	for attempt := 1; attempt <= d.cfg.MaxRetries+1; attempt++ {
		resp, err := d.do(ctx, method, path, opt)
		if err != nil {
			// 传输层错误按瞬时处理
			lastErr = err
			if attempt > d.cfg.MaxRetries {
				break
			}
			if err := d.sleep(ctx, d.jitter(delay)); err != nil {
				return nil, err
			}
			delay = d.nextDelay(delay)
			continue
		}

		status := resp.StatusCode()
		body := resp.Body()

		switch {
		case status >= 200 && status < 300:
			return &api.Outcome{StatusCode: status, Body: body}, nil

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			if !refreshed {
				refreshed = true
				if _, err := d.creds.Refresh(ctx); err != nil {
					d.log.WithError(err).Error("401 后刷新凭证失败")
					return nil, &api.AuthError{Endpoint: path, Status: status, Body: truncate(body)}
				}
				continue
			}
			return nil, &api.AuthError{Endpoint: path, Status: status, Body: truncate(body)}

		case status == http.StatusTooManyRequests || status >= 500:
			lastStatus = status
			lastBody = truncate(body)
			if attempt > d.cfg.MaxRetries {
				break
			}
			wait := d.jitter(delay)
			if ra := parseRetryAfter(resp.Header().Get("Retry-After")); ra > 0 {
				// 服务端比本地估计更严格时以服务端为准
				d.limiter.SetRetryAfter(class, ra)
				wait = ra
			}
			d.log.WithFields(logrus.Fields{
				"path":    path,
				"status":  status,
				"attempt": attempt,
				"wait":    wait,
			}).Warn("瞬时失败，退避后重试")
			if err := d.sleep(ctx, wait); err != nil {
				return nil, err
			}
			delay = d.nextDelay(delay)
			continue

		default:
			// 调用方错误，不重试
			return nil, &api.RequestError{Endpoint: path, Status: status, Body: truncate(body)}
		}

		break
	}

	return nil, &api.TransientError{
		Endpoint: path,
		Status:   lastStatus,
		Attempts: d.cfg.MaxRetries + 1,
		Body:     lastBody,
		Err:      lastErr,
	}
}

// do 执行单次 HTTP 调用
func (d *Dispatcher) do(ctx context.Context, method, path string, opt *api.RequestOptions) (*resty.Response, error) {
	rc := d.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", d.cfg.UserAgent)

	if cred := d.creds.Current(); cred.Valid() {
		rc.SetAuthToken(cred.AccessToken)
	}
	for k, v := range opt.Headers {
		rc.SetHeader(k, v)
	}
	if len(opt.Params) > 0 {
		rc.SetQueryParams(opt.Params)
	}
	if len(opt.Form) > 0 {
		rc.SetFormData(opt.Form)
	}

	switch strings.ToUpper(method) {
	case http.MethodGet:
		return rc.Get(path)
	case http.MethodPost:
		return rc.Post(path)
	case http.MethodPut:
		return rc.Put(path)
	case http.MethodDelete:
		return rc.Delete(path)
	default:
		return nil, errors.Errorf("不支持的方法: %s", method)
	}
}

func (d *Dispatcher) nextDelay(delay time.Duration) time.Duration {
	delay *= 2
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	return delay
}

// jitter 给退避加随机抖动，避免重试风暴
func (d *Dispatcher) jitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay)/2+1))
}

func (d *Dispatcher) sleep(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter 解析 Retry-After 头（秒数形式）
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(body []byte) string {
	const limit = 512
	s := string(body)
	if len(s) > limit {
		return s[:limit] + "...(truncated)"
	}
	return s
}
