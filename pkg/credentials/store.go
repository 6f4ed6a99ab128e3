package credentials

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Credential 凭证快照。只读共享，刷新时整体替换。
type Credential struct {
	AccessToken string
	AccountID   string
	ExpiresAt   time.Time // 零值表示不过期
}

// Valid 检查凭证是否可用
func (c Credential) Valid() bool {
	return c.AccessToken != ""
}

// ExpiresWithin 检查凭证是否在 margin 时间内过期
func (c Credential) ExpiresWithin(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(c.ExpiresAt)
}

// RefreshFunc 执行一次网络刷新，返回新凭证
type RefreshFunc func(ctx context.Context, current Credential) (Credential, error)

// UpdateFunc 凭证更新后的回调（例如持久化到 secretstore）
type UpdateFunc func(Credential)

// Store 凭证存储。
// 读操作是无锁的快照读；刷新被合并：同一时刻只有一次网络刷新在进行，
// 并发调用方等待同一个结果而不是各自发起请求。
type Store struct {
	current atomic.Pointer[Credential]

	refreshFn RefreshFunc
	onUpdate  UpdateFunc
	margin    time.Duration

	mu   sync.Mutex
	call *refreshCall
}

type refreshCall struct {
	done chan struct{}
	cred Credential
	err  error
}

// NewStore 创建凭证存储
func NewStore(initial Credential, refreshFn RefreshFunc) *Store {
	s := &Store{
		refreshFn: refreshFn,
		margin:    5 * time.Minute,
	}
	s.current.Store(&initial)
	return s
}

// SetRefreshMargin 设置提前刷新的时间余量
func (s *Store) SetRefreshMargin(margin time.Duration) {
	if margin > 0 {
		s.margin = margin
	}
}

// OnUpdate 注册凭证更新回调
func (s *Store) OnUpdate(fn UpdateFunc) {
	s.onUpdate = fn
}

// Current 返回当前凭证快照（非阻塞）
func (s *Store) Current() Credential {
	return *s.current.Load()
}

// NeedsRefresh 检查是否应该主动刷新（凭证即将过期）
func (s *Store) NeedsRefresh() bool {
	return s.Current().ExpiresWithin(s.margin)
}

// Refresh 刷新凭证。并发调用被合并为一次网络刷新，
// 后到的调用方等待进行中的刷新结果。
func (s *Store) Refresh(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	if s.call != nil {
		call := s.call
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.cred, call.err
		case <-ctx.Done():
			return Credential{}, ctx.Err()
		}
	}

	if s.refreshFn == nil {
		s.mu.Unlock()
		return s.Current(), fmt.Errorf("credentials: 未配置刷新函数")
	}

	call := &refreshCall{done: make(chan struct{})}
	s.call = call
	s.mu.Unlock()

	cred, err := s.refreshFn(ctx, s.Current())

	s.mu.Lock()
	s.call = nil
	s.mu.Unlock()

	if err == nil {
		s.current.Store(&cred)
		if s.onUpdate != nil {
			s.onUpdate(cred)
		}
		logrus.WithField("expires_at", cred.ExpiresAt).Debug("凭证已刷新")
	}

	call.cred, call.err = cred, err
	close(call.done)
	return cred, err
}

// oauthTokenResponse Tradier OAuth 刷新响应
type oauthTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
	Scope       string `json:"scope"`
}

// NewOAuthRefreshFunc 创建标准的 OAuth refresh_token 授权刷新函数。
// Tradier 的长期 token 部署可以不配置刷新函数，401 时直接报 AuthError。
func NewOAuthRefreshFunc(baseURL, clientID, clientSecret, refreshToken string) RefreshFunc {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second)

	return func(ctx context.Context, current Credential) (Credential, error) {
		var out oauthTokenResponse
		resp, err := client.R().
			SetContext(ctx).
			SetBasicAuth(clientID, clientSecret).
			SetHeader("Accept", "application/json").
			SetFormData(map[string]string{
				"grant_type":    "refresh_token",
				"refresh_token": refreshToken,
			}).
			SetResult(&out).
			Post("/v1/oauth/accesstoken")
		if err != nil {
			return Credential{}, fmt.Errorf("credentials: 刷新请求失败: %w", err)
		}
		if resp.IsError() {
			return Credential{}, fmt.Errorf("credentials: 刷新被拒绝: %s: %s", resp.Status(), resp.String())
		}
		if out.AccessToken == "" {
			return Credential{}, fmt.Errorf("credentials: 刷新响应缺少 access_token")
		}

		cred := Credential{
			AccessToken: out.AccessToken,
			AccountID:   current.AccountID,
		}
		if out.ExpiresIn > 0 {
			cred.ExpiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
		}
		return cred, nil
	}
}
