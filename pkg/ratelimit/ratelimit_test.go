package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestTokenBucket_Burst 容量为 5 的桶应该允许 5 次突发，第 6 次阻塞到补充
func TestTokenBucket_Burst(t *testing.T) {
	tb := NewTokenBucket(5, 5)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Acquire(ctx, 1); err != nil {
			t.Fatalf("突发获取 %d 失败: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("前 5 次获取不应该阻塞，耗时 %v", elapsed)
	}

	// 第 6 次需要等待补充（5/s => 约 200ms）
	start = time.Now()
	if err := tb.Acquire(ctx, 1); err != nil {
		t.Fatalf("第 6 次获取失败: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("第 6 次获取应该阻塞等待补充，只耗时 %v", elapsed)
	}
}

// TestTokenBucket_RateNeverExceeded 任意获取序列中授予的令牌总数不超过 capacity + rate*W
func TestTokenBucket_RateNeverExceeded(t *testing.T) {
	const capacity = 10
	const rate = 20
	tb := NewTokenBucket(capacity, rate)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var granted atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := tb.Acquire(ctx, 1); err != nil {
					return
				}
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	window := time.Since(start).Seconds()

	// 上界留一点调度余量
	limit := int64(capacity) + int64(float64(rate)*window) + 2
	if got := granted.Load(); got > limit {
		t.Fatalf("授予 %d 个令牌，超过上界 %d（窗口 %.2fs）", got, limit, window)
	}
}

// TestTokenBucket_AcquireCost 按成本扣减
func TestTokenBucket_AcquireCost(t *testing.T) {
	tb := NewTokenBucket(10, 1)
	ctx := context.Background()

	if err := tb.Acquire(ctx, 7); err != nil {
		t.Fatalf("获取 7 个令牌失败: %v", err)
	}
	if remaining := tb.Remaining(); remaining > 3 {
		t.Fatalf("期望剩余不超过 3，得到 %d", remaining)
	}
}

// TestTokenBucket_CostExceedsCapacity 成本超过容量应该直接报错而不是永久阻塞
func TestTokenBucket_CostExceedsCapacity(t *testing.T) {
	tb := NewTokenBucket(5, 5)
	if err := tb.Acquire(context.Background(), 6); err == nil {
		t.Fatal("成本超过容量应该返回错误")
	}
}

// TestTokenBucket_FIFO 先排队的调用方先获得令牌
func TestTokenBucket_FIFO(t *testing.T) {
	tb := NewTokenBucket(1, 10)
	ctx := context.Background()

	// 耗尽令牌
	if err := tb.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := tb.Acquire(ctx, 1); err != nil {
				t.Errorf("waiter %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// 保证入队顺序确定
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("期望 FIFO 顺序 [0 1 2 3]，得到 %v", order)
		}
	}
}

// TestTokenBucket_ContextCancel 取消 context 时等待者应立即返回
func TestTokenBucket_ContextCancel(t *testing.T) {
	tb := NewTokenBucket(1, 1)
	if err := tb.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tb.Acquire(ctx, 1)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("期望 context.Canceled，得到 %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("取消后等待者没有及时返回")
	}
}

// TestTokenBucket_SetRetryAfter 惩罚期内不补充令牌
func TestTokenBucket_SetRetryAfter(t *testing.T) {
	tb := NewTokenBucket(2, 100)
	ctx := context.Background()

	if err := tb.Acquire(ctx, 2); err != nil {
		t.Fatal(err)
	}
	tb.SetRetryAfter(300 * time.Millisecond)

	start := time.Now()
	if err := tb.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Fatalf("应该等待 Retry-After 基线，只耗时 %v", elapsed)
	}
}

// TestManager_ClassFallback 未知分类回退到 default 桶
func TestManager_ClassFallback(t *testing.T) {
	m := NewManagerWithBucket(3, 1)
	ctx := context.Background()

	if err := m.Acquire(ctx, ClassTrading, 1); err != nil {
		t.Fatalf("回退到 default 桶失败: %v", err)
	}
	if remaining := m.Remaining(ClassMarketData); remaining > 2 {
		t.Fatalf("所有分类应共享 default 桶，剩余 %d", remaining)
	}
}

// TestManager_DefaultQuotas 官方配额管理器各分类独立
func TestManager_DefaultQuotas(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	if err := m.Acquire(ctx, ClassTrading, 1); err != nil {
		t.Fatal(err)
	}
	if m.Remaining(ClassMarketData) != 120 {
		t.Fatalf("交易桶的消耗不应该影响行情桶，剩余 %d", m.Remaining(ClassMarketData))
	}
}
