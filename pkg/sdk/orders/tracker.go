// Package orders 维护订单生命周期的本地视图。
//
// 两条事实来源在这里合流：REST 回执（同步，带券商订单号）和账户事件流
// （异步，可能比回执先到、重复到、乱序到）。合流规则：
//   - 本地以提交时生成的关联 ID 为主键，券商订单号是后绑定的别名
//   - 回执未到时收到的流事件先缓冲，绑定后按序重放
//   - 事件按序号去重，旧序号直接丢弃
//   - 终态只进不出，重复的终态事件是无操作
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotradier/pkg/sdk/api"
)

// Status 订单状态
type Status string

const (
	StatusPending         Status = "pending"          // 已提交，未收到回执
	StatusAccepted        Status = "accepted"         // 回执已到，尚未在市场上生效
	StatusOpen            Status = "open"             // 在市场上等待成交
	StatusPartiallyFilled Status = "partially_filled" // 部分成交
	StatusFilled          Status = "filled"           // 全部成交（终态）
	StatusCanceled        Status = "canceled"         // 已撤销（终态）
	StatusExpired         Status = "expired"          // 已过期（终态）
	StatusRejected        Status = "rejected"         // 被拒绝（终态）
	StatusError           Status = "error"            // 券商侧错误（终态）
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected, StatusError:
		return true
	}
	return false
}

// rank 状态的推进序。没有序号的事件靠它挡住回退。
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAccepted:
		return 1
	case StatusOpen:
		return 2
	case StatusPartiallyFilled:
		return 3
	default:
		return 4
	}
}

// Order 订单的本地视图
type Order struct {
	CorrelationID     string
	BrokerID          int64
	Symbol            string
	Side              api.OrderSide
	Quantity          decimal.Decimal
	Status            Status
	FilledQuantity    decimal.Decimal
	AvgFillPrice      decimal.Decimal
	RemainingQuantity decimal.Decimal
	LastSeq           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time

	pendingOp string // 在途的变更操作（cancel/modify），空表示无
}

// Event 归一化后的订单事件（来自账户流或 REST 对账）
type Event struct {
	BrokerID          int64
	Status            Status
	Seq               int64 // 0 表示来源不带序号
	FilledQuantity    decimal.Decimal
	AvgFillPrice      decimal.Decimal
	RemainingQuantity decimal.Decimal
	At                time.Time
}

// UpdateFunc 订单状态变更回调（持锁外调用）
type UpdateFunc func(Order)

// Tracker 订单生命周期跟踪器
type Tracker struct {
	mu       sync.Mutex
	byCorr   map[string]*Order
	byBroker map[int64]string  // broker id -> correlation id
	pending  map[int64][]Event // 回执未到时缓冲的流事件

	onUpdate  UpdateFunc
	retention time.Duration
	log       *logrus.Entry
}

// 单个未绑定券商订单号最多缓冲的事件数
const maxPendingEvents = 64

// NewTracker 创建跟踪器。retention 是终态订单的保留时长，
// 超时后被 Evict 清理。
func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = time.Hour
	}
	return &Tracker{
		byCorr:    make(map[string]*Order),
		byBroker:  make(map[int64]string),
		pending:   make(map[int64][]Event),
		retention: retention,
		log:       logrus.WithField("component", "orders"),
	}
}

// OnUpdate 注册状态变更回调
func (t *Tracker) OnUpdate(fn UpdateFunc) {
	t.mu.Lock()
	t.onUpdate = fn
	t.mu.Unlock()
}

// Track 登记一笔新提交的订单，返回关联 ID。
// 关联 ID 同时作为下单请求的 tag 发给券商，用于双向对账。
func (t *Tracker) Track(symbol string, side api.OrderSide, quantity decimal.Decimal) string {
	now := time.Now()
	o := &Order{
		CorrelationID:     uuid.NewString(),
		Symbol:            symbol,
		Side:              side,
		Quantity:          quantity,
		Status:            StatusPending,
		RemainingQuantity: quantity,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	t.mu.Lock()
	t.byCorr[o.CorrelationID] = o
	t.mu.Unlock()
	return o.CorrelationID
}

// Acknowledge 绑定 REST 回执里的券商订单号，并重放绑定前缓冲的流事件。
// 订单已经终态（比如先被 Reject）时只绑定编号，不触发回调。
func (t *Tracker) Acknowledge(corrID string, brokerID int64) error {
	t.mu.Lock()
	o, ok := t.byCorr[corrID]
	if !ok {
		t.mu.Unlock()
		return &api.RequestError{Endpoint: "orders.Acknowledge", Body: "未知的关联 ID: " + corrID}
	}
	o.BrokerID = brokerID
	t.byBroker[brokerID] = corrID
	changed := false
	if o.Status == StatusPending {
		o.Status = StatusAccepted
		o.UpdatedAt = time.Now()
		changed = true
	}
	buffered := t.pending[brokerID]
	delete(t.pending, brokerID)
	snapshot := *o
	fn := t.onUpdate
	t.mu.Unlock()

	if changed && fn != nil {
		fn(snapshot)
	}
	for _, ev := range buffered {
		t.Apply(ev)
	}
	return nil
}

// Reject 标记提交失败（REST 下单被拒或回执状态异常）
func (t *Tracker) Reject(corrID string) {
	t.mu.Lock()
	o, ok := t.byCorr[corrID]
	if !ok {
		t.mu.Unlock()
		return
	}
	o.Status = StatusRejected
	o.UpdatedAt = time.Now()
	snapshot := *o
	fn := t.onUpdate
	t.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// Apply 应用一条订单事件。未绑定的券商订单号进缓冲区；
// 旧序号、终态之后的事件都是无操作。
func (t *Tracker) Apply(ev Event) {
	t.mu.Lock()
	corrID, ok := t.byBroker[ev.BrokerID]
	if !ok {
		// 回执还没到：缓冲等待 Acknowledge 重放
		buf := t.pending[ev.BrokerID]
		if len(buf) < maxPendingEvents {
			t.pending[ev.BrokerID] = append(buf, ev)
		} else {
			t.log.WithField("broker_id", ev.BrokerID).Warn("未绑定订单的事件缓冲区已满，丢弃事件")
		}
		t.mu.Unlock()
		return
	}

	o := t.byCorr[corrID]
	if !t.applyLocked(o, ev) {
		t.mu.Unlock()
		return
	}
	snapshot := *o
	fn := t.onUpdate
	t.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// applyLocked 实际的合流逻辑。返回 false 表示事件被丢弃。
func (t *Tracker) applyLocked(o *Order, ev Event) bool {
	// 序号去重：旧的和重复的都丢
	if ev.Seq > 0 && ev.Seq <= o.LastSeq {
		return false
	}

	// 终态只进不出
	if o.Status.Terminal() {
		if ev.Seq > o.LastSeq {
			o.LastSeq = ev.Seq
		}
		return false
	}

	// 无序号的事件靠状态推进序挡回退（部分成交可以重复进入）
	if ev.Seq == 0 && ev.Status.rank() < o.Status.rank() {
		return false
	}

	o.Status = ev.Status
	if ev.Seq > 0 {
		o.LastSeq = ev.Seq
	}
	// 成交量只增不减，乱序的部分成交事件不能让进度倒退
	if ev.FilledQuantity.GreaterThan(o.FilledQuantity) {
		o.FilledQuantity = ev.FilledQuantity
		o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	}
	if !ev.RemainingQuantity.IsZero() && ev.RemainingQuantity.LessThan(o.RemainingQuantity) {
		o.RemainingQuantity = ev.RemainingQuantity
	}
	if !ev.AvgFillPrice.IsZero() {
		o.AvgFillPrice = ev.AvgFillPrice
	}
	if ev.Status == StatusFilled {
		o.FilledQuantity = o.Quantity
		o.RemainingQuantity = decimal.Zero
	}
	if ev.At.IsZero() {
		o.UpdatedAt = time.Now()
	} else {
		o.UpdatedAt = ev.At
	}
	return true
}

// BeginOp 标记订单进入变更操作（撤单/改单）。
// 已有操作在途时返回 ConflictError，防止并发变更互相踩踏。
func (t *Tracker) BeginOp(corrID, op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byCorr[corrID]
	if !ok {
		return &api.RequestError{Endpoint: "orders.BeginOp", Body: "未知的关联 ID: " + corrID}
	}
	if o.pendingOp != "" {
		return &api.ConflictError{OrderID: corrID, Op: o.pendingOp}
	}
	o.pendingOp = op
	return nil
}

// EndOp 结束变更操作
func (t *Tracker) EndOp(corrID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.byCorr[corrID]; ok {
		o.pendingOp = ""
	}
}

// Get 按关联 ID 查询订单快照
func (t *Tracker) Get(corrID string) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.byCorr[corrID]; ok {
		return *o, true
	}
	return Order{}, false
}

// GetByBroker 按券商订单号查询订单快照
func (t *Tracker) GetByBroker(brokerID int64) (Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if corrID, ok := t.byBroker[brokerID]; ok {
		return *t.byCorr[corrID], true
	}
	return Order{}, false
}

// List 返回全部订单快照
func (t *Tracker) List() []Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Order, 0, len(t.byCorr))
	for _, o := range t.byCorr {
		out = append(out, *o)
	}
	return out
}

// Evict 清理超过保留时长的终态订单，返回清理数量
func (t *Tracker) Evict(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for corrID, o := range t.byCorr {
		if o.Status.Terminal() && now.Sub(o.UpdatedAt) > t.retention {
			delete(t.byCorr, corrID)
			if o.BrokerID != 0 {
				delete(t.byBroker, o.BrokerID)
			}
			evicted++
		}
	}
	if evicted > 0 {
		t.log.WithField("count", evicted).Debug("已清理终态订单")
	}
	return evicted
}

// StartEvictor 启动后台清理循环，context 取消时退出
func (t *Tracker) StartEvictor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Evict(time.Now())
			}
		}
	}()
}
