package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gotradier/pkg/credentials"
	"github.com/betbot/gotradier/pkg/ratelimit"
	"github.com/betbot/gotradier/pkg/sdk/api"
)

func newTestDispatcher(t *testing.T, baseURL string, refreshFn credentials.RefreshFunc) (*Dispatcher, *credentials.Store) {
	t.Helper()
	creds := credentials.NewStore(credentials.Credential{AccessToken: "tok-initial"}, refreshFn)
	cfg := DefaultConfig(baseURL)
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	return NewDispatcher(cfg, creds, ratelimit.NewManagerWithBucket(1000, 1000)), creds
}

func TestDispatcher_Success(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL, nil)
	out, err := d.Execute(context.Background(), http.MethodGet, "/v1/user/profile", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(out.Body))
	// 凭证以 Bearer 头注入
	assert.Equal(t, "Bearer tok-initial", gotAuth.Load())
}

// TestDispatcher_401RefreshOnce 401 触发恰好一次凭证刷新和至多一次重试
func TestDispatcher_401RefreshOnce(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-fresh" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	d, _ := newTestDispatcher(t, srv.URL, func(ctx context.Context, _ credentials.Credential) (credentials.Credential, error) {
		refreshes.Add(1)
		return credentials.Credential{AccessToken: "tok-fresh"}, nil
	})

	out, err := d.Execute(context.Background(), http.MethodGet, "/v1/user/profile", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, int32(1), refreshes.Load(), "401 应该只触发一次刷新")
	assert.Equal(t, int32(2), requests.Load(), "刷新后只重试一次")
}

func TestDispatcher_401AfterRefreshIsAuthError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	d, _ := newTestDispatcher(t, srv.URL, func(ctx context.Context, _ credentials.Credential) (credentials.Credential, error) {
		refreshes.Add(1)
		return credentials.Credential{AccessToken: "tok-still-bad"}, nil
	})

	_, err := d.Execute(context.Background(), http.MethodGet, "/v1/user/profile", nil)
	require.Error(t, err)
	assert.True(t, api.IsAuthError(err))
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(2), requests.Load(), "刷新后的重试仍 401 时不再继续")
}

func TestDispatcher_RefreshFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL, nil)
	_, err := d.Execute(context.Background(), http.MethodGet, "/v1/user/profile", nil)
	require.Error(t, err)
	assert.True(t, api.IsAuthError(err))
}

func TestDispatcher_TransientRetriesThenSucceeds(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL, nil)
	out, err := d.Execute(context.Background(), http.MethodGet, "/v1/markets/quotes", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Equal(t, int32(3), requests.Load())
}

func TestDispatcher_TransientExhaustedSurfacesError(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL, nil)
	_, err := d.Execute(context.Background(), http.MethodGet, "/v1/markets/quotes", nil)
	require.Error(t, err)
	assert.True(t, api.IsTransient(err))
	// MaxRetries=2：初始请求 + 2 次重试
	assert.Equal(t, int32(3), requests.Load())
}

// TestDispatcher_RetryAfterAppliedToLimiter 429 的 Retry-After 会推进对应分类的补充基线
func TestDispatcher_RetryAfterAppliedToLimiter(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	limiter := ratelimit.NewManagerWithBucket(5, 1)
	creds := credentials.NewStore(credentials.Credential{AccessToken: "tok"}, nil)
	cfg := DefaultConfig(srv.URL)
	cfg.MaxRetries = 2
	cfg.RetryBaseDelay = 5 * time.Millisecond
	d := NewDispatcher(cfg, creds, limiter)

	start := time.Now()
	out, err := d.Execute(context.Background(), http.MethodGet, "/some/path", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	// 重试前等待了服务端给的 1 秒
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	// 惩罚期内桶不会补满
	assert.LessOrEqual(t, limiter.Remaining(ratelimit.ClassDefault), 5)
}

func TestDispatcher_ClientErrorNoRetry(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"fault":"invalid symbol"}`))
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL, nil)
	_, err := d.Execute(context.Background(), http.MethodGet, "/v1/markets/quotes", nil)
	require.Error(t, err)
	var re *api.RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.Status)
	assert.Equal(t, int32(1), requests.Load(), "4xx 不应该重试")
}

func TestDispatcher_ContextCancelDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Execute(ctx, http.MethodGet, "/v1/markets/quotes", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ratelimit.ClassMarketData, classify(http.MethodGet, "/v1/markets/quotes"))
	assert.Equal(t, ratelimit.ClassTrading, classify(http.MethodPost, "/v1/accounts/VA1/orders"))
	assert.Equal(t, ratelimit.ClassTrading, classify(http.MethodDelete, "/v1/accounts/VA1/orders/1"))
	assert.Equal(t, ratelimit.ClassAccount, classify(http.MethodGet, "/v1/accounts/VA1/orders"))
	assert.Equal(t, ratelimit.ClassAccount, classify(http.MethodGet, "/v1/user/profile"))
	assert.Equal(t, ratelimit.ClassDefault, classify(http.MethodGet, "/v1/oauth/accesstoken"))
}
