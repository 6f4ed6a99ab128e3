package orders

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/gotradier/pkg/sdk/api"
)

func newOrder(t *testing.T) (*Tracker, string) {
	t.Helper()
	tr := NewTracker(time.Hour)
	corrID := tr.Track("AAPL", api.SideBuy, decimal.NewFromInt(10))
	return tr, corrID
}

func TestTracker_LifecycleHappyPath(t *testing.T) {
	tr, corrID := newOrder(t)

	o, ok := tr.Get(corrID)
	require.True(t, ok)
	assert.Equal(t, StatusPending, o.Status)

	require.NoError(t, tr.Acknowledge(corrID, 229065))
	o, _ = tr.Get(corrID)
	assert.Equal(t, StatusAccepted, o.Status)
	assert.Equal(t, int64(229065), o.BrokerID)

	tr.Apply(Event{BrokerID: 229065, Status: StatusOpen, Seq: 1})
	tr.Apply(Event{BrokerID: 229065, Status: StatusFilled, Seq: 2, FilledQuantity: decimal.NewFromInt(10)})

	o, _ = tr.Get(corrID)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, o.RemainingQuantity.IsZero())

	// 券商订单号也能查到同一笔
	byBroker, ok := tr.GetByBroker(229065)
	require.True(t, ok)
	assert.Equal(t, corrID, byBroker.CorrelationID)
}

// TestTracker_EventBeforeAck 流事件先于 REST 回执到达时先缓冲，绑定后重放
func TestTracker_EventBeforeAck(t *testing.T) {
	tr, corrID := newOrder(t)

	tr.Apply(Event{BrokerID: 229065, Status: StatusOpen, Seq: 1})
	tr.Apply(Event{BrokerID: 229065, Status: StatusPartiallyFilled, Seq: 2, FilledQuantity: decimal.NewFromInt(4)})

	// 回执未到，订单仍是 pending
	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusPending, o.Status)

	require.NoError(t, tr.Acknowledge(corrID, 229065))

	// 缓冲的事件按序重放
	o, _ = tr.Get(corrID)
	assert.Equal(t, StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, o.RemainingQuantity.Equal(decimal.NewFromInt(6)))
}

// TestTracker_DuplicateFilledIsNoop 重复的终态事件是无操作
func TestTracker_DuplicateFilledIsNoop(t *testing.T) {
	tr, corrID := newOrder(t)
	require.NoError(t, tr.Acknowledge(corrID, 1))

	var updates int
	tr.OnUpdate(func(Order) { updates++ })

	tr.Apply(Event{BrokerID: 1, Status: StatusFilled, Seq: 1, FilledQuantity: decimal.NewFromInt(10)})
	afterFirst := updates
	tr.Apply(Event{BrokerID: 1, Status: StatusFilled, Seq: 1, FilledQuantity: decimal.NewFromInt(10)})
	tr.Apply(Event{BrokerID: 1, Status: StatusFilled, Seq: 2, FilledQuantity: decimal.NewFromInt(10)})

	assert.Equal(t, afterFirst, updates, "重复终态不应该触发回调")
	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusFilled, o.Status)
}

// TestTracker_AcknowledgeAfterReject 终态之后的回执只绑定券商订单号，
// 不改状态也不触发回调
func TestTracker_AcknowledgeAfterReject(t *testing.T) {
	tr, corrID := newOrder(t)
	tr.Reject(corrID)

	var updates int
	tr.OnUpdate(func(Order) { updates++ })

	require.NoError(t, tr.Acknowledge(corrID, 229065))
	assert.Equal(t, 0, updates, "无状态变化不应该触发回调")

	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, int64(229065), o.BrokerID)

	// 编号仍然绑定，迟到的流事件能路由到这笔订单并被终态规则挡下
	tr.Apply(Event{BrokerID: 229065, Status: StatusOpen, Seq: 1})
	o, _ = tr.Get(corrID)
	assert.Equal(t, StatusRejected, o.Status)
}

// TestTracker_StaleSeqIgnored 旧序号的事件不能让状态倒退：
// 收到 open(seq=2) 之后再收到 accepted(seq=1)，状态保持 open
func TestTracker_StaleSeqIgnored(t *testing.T) {
	tr, corrID := newOrder(t)
	require.NoError(t, tr.Acknowledge(corrID, 1))

	tr.Apply(Event{BrokerID: 1, Status: StatusOpen, Seq: 2})
	tr.Apply(Event{BrokerID: 1, Status: StatusAccepted, Seq: 1})

	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusOpen, o.Status)
}

// TestTracker_RankGuardWithoutSeq 无序号事件靠状态推进序挡回退
func TestTracker_RankGuardWithoutSeq(t *testing.T) {
	tr, corrID := newOrder(t)
	require.NoError(t, tr.Acknowledge(corrID, 1))

	tr.Apply(Event{BrokerID: 1, Status: StatusPartiallyFilled, FilledQuantity: decimal.NewFromInt(4)})
	tr.Apply(Event{BrokerID: 1, Status: StatusOpen})

	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusPartiallyFilled, o.Status)
}

// TestTracker_PartialFills 数量 10 的订单分两笔成交：4 + 6
func TestTracker_PartialFills(t *testing.T) {
	tr, corrID := newOrder(t)
	require.NoError(t, tr.Acknowledge(corrID, 1))

	tr.Apply(Event{BrokerID: 1, Status: StatusOpen, Seq: 1})
	tr.Apply(Event{
		BrokerID: 1, Status: StatusPartiallyFilled, Seq: 2,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.RequireFromString("189.20"),
	})

	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, o.RemainingQuantity.Equal(decimal.NewFromInt(6)))

	tr.Apply(Event{
		BrokerID: 1, Status: StatusFilled, Seq: 3,
		FilledQuantity: decimal.NewFromInt(10),
		AvgFillPrice:   decimal.RequireFromString("189.25"),
	})

	o, _ = tr.Get(corrID)
	assert.Equal(t, StatusFilled, o.Status)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, o.RemainingQuantity.IsZero())
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("189.25")))
}

// TestTracker_FilledQuantityNeverDecreases 乱序部分成交不能让进度倒退
func TestTracker_FilledQuantityNeverDecreases(t *testing.T) {
	tr, corrID := newOrder(t)
	require.NoError(t, tr.Acknowledge(corrID, 1))

	tr.Apply(Event{BrokerID: 1, Status: StatusPartiallyFilled, Seq: 2, FilledQuantity: decimal.NewFromInt(7)})
	tr.Apply(Event{BrokerID: 1, Status: StatusPartiallyFilled, Seq: 3, FilledQuantity: decimal.NewFromInt(4)})

	o, _ := tr.Get(corrID)
	assert.True(t, o.FilledQuantity.Equal(decimal.NewFromInt(7)))
}

func TestTracker_ConflictingOps(t *testing.T) {
	tr, corrID := newOrder(t)
	require.NoError(t, tr.Acknowledge(corrID, 1))

	require.NoError(t, tr.BeginOp(corrID, "cancel"))
	err := tr.BeginOp(corrID, "modify")
	require.Error(t, err)
	assert.True(t, api.IsConflict(err))

	tr.EndOp(corrID)
	assert.NoError(t, tr.BeginOp(corrID, "modify"))
}

func TestTracker_RejectIsTerminal(t *testing.T) {
	tr, corrID := newOrder(t)
	tr.Reject(corrID)

	o, _ := tr.Get(corrID)
	assert.Equal(t, StatusRejected, o.Status)

	// 之后的任何事件都不能复活订单
	require.NoError(t, tr.Acknowledge(corrID, 1))
	tr.Apply(Event{BrokerID: 1, Status: StatusOpen, Seq: 1})
	o, _ = tr.Get(corrID)
	assert.Equal(t, StatusRejected, o.Status)
}

func TestTracker_AcknowledgeUnknownCorrID(t *testing.T) {
	tr := NewTracker(time.Hour)
	err := tr.Acknowledge("no-such-id", 1)
	assert.Error(t, err)
}

func TestTracker_Eviction(t *testing.T) {
	tr := NewTracker(10 * time.Millisecond)

	doneCorr := tr.Track("AAPL", api.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, tr.Acknowledge(doneCorr, 1))
	tr.Apply(Event{BrokerID: 1, Status: StatusFilled, Seq: 1, FilledQuantity: decimal.NewFromInt(1)})

	openCorr := tr.Track("SPY", api.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, tr.Acknowledge(openCorr, 2))
	tr.Apply(Event{BrokerID: 2, Status: StatusOpen, Seq: 1})

	evicted := tr.Evict(time.Now().Add(time.Minute))
	assert.Equal(t, 1, evicted)

	_, ok := tr.Get(doneCorr)
	assert.False(t, ok, "终态订单超过保留时长后被清理")
	_, ok = tr.Get(openCorr)
	assert.True(t, ok, "未完结订单不清理")
	_, ok = tr.GetByBroker(1)
	assert.False(t, ok)
}

func TestTracker_PendingBufferBounded(t *testing.T) {
	tr := NewTracker(time.Hour)
	for i := 0; i < maxPendingEvents+10; i++ {
		tr.Apply(Event{BrokerID: 99, Status: StatusOpen, Seq: int64(i + 1)})
	}
	tr.mu.Lock()
	n := len(tr.pending[99])
	tr.mu.Unlock()
	assert.Equal(t, maxPendingEvents, n)
}
