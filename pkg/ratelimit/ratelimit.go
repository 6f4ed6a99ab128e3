package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TokenBucket 令牌桶速率限制器。
//
// 与简单实现的区别：
//   - Acquire 支持按成本扣减（部分端点一次调用消耗多个配额）
//   - 等待者按 FIFO 顺序获得令牌，避免突发调用饿死慢调用方
//   - 补充在获取时惰性计算，不需要后台定时器
//   - 服务端返回 Retry-After 时可以推进补充基线，防止本地与服务端配额漂移
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64   // 每秒补充的令牌数
	lastRefill time.Time // 补充基线；SetRetryAfter 可以把它推进到未来
	waiters    []*waiter
}

type waiter struct {
	cost  float64
	ready chan struct{} // 成为队首时收到信号
}

// NewTokenBucket 创建新的令牌桶，初始为满。
func NewTokenBucket(capacity, refillPerSec int) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerSec <= 0 {
		refillPerSec = 1
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillPerSec),
		lastRefill: time.Now(),
	}
}

// refill 惰性补充令牌。调用方必须持有 mu。
// 基线在未来时（Retry-After 惩罚期内）不补充。
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// Acquire 阻塞直到 cost 个令牌可用并扣减。
// 等待者严格按到达顺序获得令牌；context 取消时立即出队返回。
func (tb *TokenBucket) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = 1
	}
	fcost := float64(cost)
	if fcost > tb.capacity {
		return fmt.Errorf("ratelimit: cost %d 超过桶容量 %d", cost, int(tb.capacity))
	}

	tb.mu.Lock()
	now := time.Now()
	tb.refill(now)

	// 快路径：没有排队者且令牌充足
	if len(tb.waiters) == 0 && tb.tokens >= fcost {
		tb.tokens -= fcost
		tb.mu.Unlock()
		return nil
	}

	w := &waiter{cost: fcost, ready: make(chan struct{}, 1)}
	tb.waiters = append(tb.waiters, w)
	tb.mu.Unlock()

	for {
		tb.mu.Lock()
		now = time.Now()
		tb.refill(now)

		isHead := len(tb.waiters) > 0 && tb.waiters[0] == w
		if isHead && tb.tokens >= fcost {
			tb.tokens -= fcost
			tb.waiters = tb.waiters[1:]
			tb.notifyHead()
			tb.mu.Unlock()
			return nil
		}

		// 只有队首计算定时等待；其余等待者等队首的信号
		var timerC <-chan time.Time
		var timer *time.Timer
		if isHead {
			wait := tb.headWait(now, fcost)
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			tb.removeWaiter(w)
			return ctx.Err()
		case <-w.ready:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// headWait 计算队首等待时长。调用方必须持有 mu。
func (tb *TokenBucket) headWait(now time.Time, cost float64) time.Duration {
	need := cost - tb.tokens
	if need <= 0 {
		return time.Millisecond
	}
	wait := time.Duration(need / tb.refillRate * float64(time.Second))
	// 补充基线在未来：要先熬过惩罚期
	if tb.lastRefill.After(now) {
		wait += tb.lastRefill.Sub(now)
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// notifyHead 通知新队首。调用方必须持有 mu。
func (tb *TokenBucket) notifyHead() {
	if len(tb.waiters) == 0 {
		return
	}
	select {
	case tb.waiters[0].ready <- struct{}{}:
	default:
	}
}

func (tb *TokenBucket) removeWaiter(w *waiter) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	for i, cand := range tb.waiters {
		if cand == w {
			wasHead := i == 0
			tb.waiters = append(tb.waiters[:i], tb.waiters[i+1:]...)
			if wasHead {
				tb.notifyHead()
			}
			return
		}
	}
}

// SetRetryAfter 根据服务端的 Retry-After 提示推进补充基线。
// 惩罚期内不会补充新令牌；已有令牌仍可使用。
func (tb *TokenBucket) SetRetryAfter(d time.Duration) {
	if d <= 0 {
		return
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(tb.lastRefill) {
		tb.lastRefill = until
	}
}

// Remaining 返回当前可用令牌数（向下取整）。
func (tb *TokenBucket) Remaining() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill(time.Now())
	return int(tb.tokens)
}

// EndpointClass 端点配额分类。Tradier 对行情、交易、账户类端点的配额不同。
type EndpointClass string

const (
	ClassMarketData EndpointClass = "market"  // 行情数据（120/min）
	ClassTrading    EndpointClass = "trading" // 下单/撤单（60/min）
	ClassAccount    EndpointClass = "account" // 账户/用户数据（120/min）
	ClassDefault    EndpointClass = "default"
)

// Manager 按端点分类管理多个令牌桶
type Manager struct {
	mu      sync.RWMutex
	buckets map[EndpointClass]*TokenBucket
}

// NewManager 创建按 Tradier 官方配额初始化的管理器
func NewManager() *Manager {
	return &Manager{
		buckets: map[EndpointClass]*TokenBucket{
			ClassMarketData: NewTokenBucket(120, 2),
			ClassTrading:    NewTokenBucket(60, 1),
			ClassAccount:    NewTokenBucket(120, 2),
			ClassDefault:    NewTokenBucket(120, 2),
		},
	}
}

// NewManagerWithBucket 使用统一的容量/速率创建管理器（配置覆盖官方默认值时用）
func NewManagerWithBucket(capacity, refillPerSec int) *Manager {
	return &Manager{
		buckets: map[EndpointClass]*TokenBucket{
			ClassDefault: NewTokenBucket(capacity, refillPerSec),
		},
	}
}

// bucket 获取分类对应的桶，找不到时回退到 default
func (m *Manager) bucket(class EndpointClass) *TokenBucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.buckets[class]; ok {
		return b
	}
	return m.buckets[ClassDefault]
}

// Acquire 等待指定分类的 cost 个令牌
func (m *Manager) Acquire(ctx context.Context, class EndpointClass, cost int) error {
	return m.bucket(class).Acquire(ctx, cost)
}

// SetRetryAfter 将服务端 Retry-After 提示应用到指定分类
func (m *Manager) SetRetryAfter(class EndpointClass, d time.Duration) {
	m.bucket(class).SetRetryAfter(d)
}

// Remaining 返回指定分类的剩余令牌数
func (m *Manager) Remaining(class EndpointClass) int {
	return m.bucket(class).Remaining()
}
