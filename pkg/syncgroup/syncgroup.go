package syncgroup

import "sync"

// SyncGroup 包装 sync.WaitGroup，把 Add/Done 收进 Go() 里，
// 避免遗漏 Done 导致的永久阻塞
type SyncGroup struct {
	wg sync.WaitGroup
}

// New 创建 SyncGroup
func New() *SyncGroup {
	return &SyncGroup{}
}

// Go 在新 goroutine 里运行 fn，生命周期由组管理
func (g *SyncGroup) Go(fn func()) {
	if fn == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Wait 等待组内所有 goroutine 完成
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}
