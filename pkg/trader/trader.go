// Package trader 把调度器、类型化客户端、流式会话和订单跟踪器
// 组装成一个对外的交易门面。
package trader

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotradier/pkg/config"
	"github.com/betbot/gotradier/pkg/credentials"
	"github.com/betbot/gotradier/pkg/journal"
	"github.com/betbot/gotradier/pkg/ratelimit"
	"github.com/betbot/gotradier/pkg/sdk/api"
	tradehttp "github.com/betbot/gotradier/pkg/sdk/http"
	"github.com/betbot/gotradier/pkg/sdk/orders"
	"github.com/betbot/gotradier/pkg/sdk/websocket"
	"github.com/betbot/gotradier/pkg/secretstore"
	"github.com/betbot/gotradier/pkg/syncgroup"
)

// Trader 交易门面。
// REST 写路径（下单/改单/撤单）和账户事件流在订单跟踪器上合流，
// 调用方通过关联 ID 观察订单的完整生命周期。
type Trader struct {
	cfg       *config.Config
	creds     *credentials.Store
	limiter   *ratelimit.Manager
	client    *api.Client
	tracker   *orders.Tracker
	market    *websocket.Client
	account   *websocket.Client
	journal   *journal.Journal
	secrets   *secretstore.Store
	accountID string

	callbackMu sync.Mutex
	callbacks  []orders.UpdateFunc

	log    *logrus.Entry
	sg     *syncgroup.SyncGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option 构造选项
type Option func(*Trader)

// WithJournal 挂接订单事件日志（生命周期由调用方管理）
func WithJournal(j *journal.Journal) Option {
	return func(t *Trader) { t.journal = j }
}

// WithSecretStore 挂接凭证持久化存储。刷新后的 token 自动落盘，
// 配置里没有 token 时从存储加载。
func WithSecretStore(s *secretstore.Store) Option {
	return func(t *Trader) { t.secrets = s }
}

// WithExecutor 覆盖传输层（测试用）
func WithExecutor(exec api.Executor) Option {
	return func(t *Trader) { t.client = api.NewClient(exec) }
}

// New 按配置组装交易门面
func New(cfg *config.Config, opts ...Option) (*Trader, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	t := &Trader{
		cfg:       cfg,
		accountID: cfg.Credentials.AccountID,
		tracker:   orders.NewTracker(time.Hour),
		log:       logrus.WithField("component", "trader"),
		sg:        syncgroup.New(),
	}
	for _, opt := range opts {
		opt(t)
	}

	// 凭证：配置优先，缺失时回退到 secretstore
	initial := credentials.Credential{
		AccessToken: cfg.Credentials.AccessToken,
		AccountID:   cfg.Credentials.AccountID,
	}
	refreshToken := cfg.Credentials.RefreshToken
	if t.secrets != nil && initial.AccessToken == "" {
		tokens, err := t.secrets.LoadTokens()
		if err != nil {
			return nil, errors.Wrap(err, "从密钥存储加载凭证失败")
		}
		initial.AccessToken = tokens.AccessToken
		if initial.AccountID == "" {
			initial.AccountID = tokens.AccountID
			t.accountID = tokens.AccountID
		}
		if refreshToken == "" {
			refreshToken = tokens.RefreshToken
		}
	}
	if initial.AccessToken == "" {
		return nil, errors.New("缺少 access token（配置、环境变量或密钥存储均未提供）")
	}

	var refreshFn credentials.RefreshFunc
	if cfg.Credentials.ClientID != "" && cfg.Credentials.ClientSecret != "" && refreshToken != "" {
		refreshFn = credentials.NewOAuthRefreshFunc(
			cfg.RestAPI.BaseURL, cfg.Credentials.ClientID, cfg.Credentials.ClientSecret, refreshToken)
	}
	t.creds = credentials.NewStore(initial, refreshFn)
	t.creds.SetRefreshMargin(cfg.CredentialRefreshMargin)
	if t.secrets != nil {
		secrets := t.secrets
		t.creds.OnUpdate(func(c credentials.Credential) {
			if err := secrets.SaveTokens(secretstore.Tokens{AccessToken: c.AccessToken}); err != nil {
				t.log.WithError(err).Warn("持久化刷新后的凭证失败")
			}
		})
	}

	// 速率限制：默认用 Tradier 官方分类配额，配置覆盖时用统一桶
	t.limiter = ratelimit.NewManager()
	if cfg.RateLimit != config.Default().RateLimit {
		t.limiter = ratelimit.NewManagerWithBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSec)
	}

	if t.client == nil {
		dispatcher := tradehttp.NewDispatcher(
			tradehttp.DefaultConfig(cfg.RestAPI.BaseURL), t.creds, t.limiter)
		t.client = api.NewClient(dispatcher)
	}

	// 流式客户端
	wsBase := strings.TrimRight(cfg.Streaming.WSBaseURL, "/")
	marketCfg := websocket.DefaultConfig(wsBase + config.MarketEventsPath)
	marketCfg.MaxReconnectDelay = cfg.Streaming.MaxReconnectBackoff
	marketCfg.HeartbeatTimeout = cfg.Streaming.HeartbeatTimeout
	marketCfg.EventBufferSize = cfg.Streaming.EventBufferSize
	t.market = websocket.NewClient(marketCfg, t.client.CreateMarketSession)

	accountCfg := websocket.DefaultConfig(wsBase + config.AccountEventsPath)
	accountCfg.Kind = websocket.KindAccount
	accountCfg.MaxReconnectDelay = cfg.Streaming.MaxReconnectBackoff
	accountCfg.HeartbeatTimeout = cfg.Streaming.HeartbeatTimeout
	accountCfg.EventBufferSize = cfg.Streaming.EventBufferSize
	t.account = websocket.NewClient(accountCfg, t.client.CreateAccountSession)

	// 流中断恢复后和 REST 对账，补上断线期间漏掉的状态变更
	t.account.OnStateChange(func(from, to websocket.State) {
		if from == websocket.StateRecovering && to == websocket.StateLive {
			t.sg.Go(func() {
				ctx, cancel := context.WithTimeout(t.baseCtx(), 30*time.Second)
				defer cancel()
				if err := t.Reconcile(ctx); err != nil {
					t.log.WithError(err).Warn("流恢复后的订单对账失败")
				}
			})
		}
	})

	t.tracker.OnUpdate(t.dispatchUpdate)
	return t, nil
}

func (t *Trader) baseCtx() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}

// dispatchUpdate 订单状态变更的统一出口：先落日志再通知调用方
func (t *Trader) dispatchUpdate(o orders.Order) {
	if t.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.journal.RecordUpdate(ctx, o); err != nil {
			t.log.WithError(err).WithField("correlation_id", o.CorrelationID).Warn("订单事件落盘失败")
		}
		cancel()
	}

	t.callbackMu.Lock()
	callbacks := make([]orders.UpdateFunc, len(t.callbacks))
	copy(callbacks, t.callbacks)
	t.callbackMu.Unlock()
	for _, fn := range callbacks {
		fn(o)
	}
}

// OnOrderUpdate 注册订单状态变更回调
func (t *Trader) OnOrderUpdate(fn orders.UpdateFunc) {
	t.callbackMu.Lock()
	t.callbacks = append(t.callbacks, fn)
	t.callbackMu.Unlock()
}

// Start 建立账户事件流并启动后台循环。
// 行情流按需启动（第一次 Subscribe 时）。
func (t *Trader) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	if err := t.account.Start(t.ctx); err != nil {
		return errors.Wrap(err, "账户事件流启动失败")
	}

	events, unregister := t.account.Register("trader")
	t.sg.Go(func() {
		defer unregister()
		t.consumeAccountEvents(events)
	})

	t.tracker.StartEvictor(t.ctx, time.Minute)
	t.log.Info("trader 已启动")
	return nil
}

// Stop 关闭流并等待后台循环退出
func (t *Trader) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.account.Stop()
	if t.market.State() != websocket.StateDisconnected {
		t.market.Stop()
	}
	t.sg.Wait()
	t.log.Info("trader 已停止")
}

// API 暴露类型化 REST 客户端（余额、持仓、历史等只读端点）
func (t *Trader) API() *api.Client {
	return t.client
}

// SubmitOrder 提交订单并登记跟踪，返回关联 ID。
// 关联 ID 作为 tag 发给券商，流事件和 REST 对账都靠它闭环。
func (t *Trader) SubmitOrder(ctx context.Context, req api.OrderRequest) (string, error) {
	corrID := t.tracker.Track(req.Symbol, req.Side, req.Quantity)
	req.Tag = corrID

	ack, err := t.client.PlaceOrder(ctx, t.accountID, req)
	if err != nil {
		t.tracker.Reject(corrID)
		return corrID, err
	}
	if ack.Status != "ok" {
		t.tracker.Reject(corrID)
		return corrID, errors.Errorf("下单回执状态异常: %s", ack.Status)
	}
	if err := t.tracker.Acknowledge(corrID, ack.ID); err != nil {
		return corrID, err
	}
	t.log.WithFields(logrus.Fields{
		"correlation_id": corrID,
		"broker_id":      ack.ID,
		"symbol":         req.Symbol,
	}).Info("订单已提交")
	return corrID, nil
}

// CancelOrder 撤销订单。同一笔订单已有变更在途时报 ConflictError。
func (t *Trader) CancelOrder(ctx context.Context, corrID string) error {
	o, ok := t.tracker.Get(corrID)
	if !ok {
		return &api.RequestError{Endpoint: "trader.CancelOrder", Body: "未知的关联 ID: " + corrID}
	}
	if o.BrokerID == 0 {
		return &api.RequestError{Endpoint: "trader.CancelOrder", Body: "订单尚未收到券商回执"}
	}
	if err := t.tracker.BeginOp(corrID, "cancel"); err != nil {
		return err
	}
	defer t.tracker.EndOp(corrID)

	_, err := t.client.CancelOrder(ctx, t.accountID, o.BrokerID)
	return err
}

// ModifyOrder 修改在途订单
func (t *Trader) ModifyOrder(ctx context.Context, corrID string, change api.OrderChange) error {
	o, ok := t.tracker.Get(corrID)
	if !ok {
		return &api.RequestError{Endpoint: "trader.ModifyOrder", Body: "未知的关联 ID: " + corrID}
	}
	if o.BrokerID == 0 {
		return &api.RequestError{Endpoint: "trader.ModifyOrder", Body: "订单尚未收到券商回执"}
	}
	if err := t.tracker.BeginOp(corrID, "modify"); err != nil {
		return err
	}
	defer t.tracker.EndOp(corrID)

	_, err := t.client.ModifyOrder(ctx, t.accountID, o.BrokerID, change)
	return err
}

// OrderStatus 查询订单的本地视图
func (t *Trader) OrderStatus(corrID string) (orders.Order, bool) {
	return t.tracker.Get(corrID)
}

// Orders 返回全部被跟踪订单的快照
func (t *Trader) Orders() []orders.Order {
	return t.tracker.List()
}

// Subscribe 订阅行情标的。第一次订阅时启动行情流。
func (t *Trader) Subscribe(symbols ...string) error {
	if err := t.market.Subscribe(symbols...); err != nil {
		return err
	}
	if t.market.State() == websocket.StateDisconnected {
		return t.market.Start(t.baseCtx())
	}
	return nil
}

// Unsubscribe 退订行情标的
func (t *Trader) Unsubscribe(symbols ...string) error {
	return t.market.Unsubscribe(symbols...)
}

// Events 注册行情事件消费者
func (t *Trader) Events(name string) (<-chan websocket.StreamEvent, func()) {
	return t.market.Register(name)
}

// MarketStream 暴露行情流客户端（状态/丢弃计数观测用）
func (t *Trader) MarketStream() *websocket.Client {
	return t.market
}

// Reconcile 用 REST 订单列表对账本地跟踪器。
// 只处理 tag 能对上的订单，别人的订单不进跟踪器。
func (t *Trader) Reconcile(ctx context.Context) error {
	list, err := t.client.GetOrders(ctx, t.accountID)
	if err != nil {
		return err
	}
	for _, o := range list {
		if _, tracked := t.tracker.GetByBroker(o.ID); !tracked {
			local, known := t.tracker.Get(o.Tag)
			if !known || local.BrokerID != 0 {
				continue
			}
			if err := t.tracker.Acknowledge(o.Tag, o.ID); err != nil {
				continue
			}
		}
		t.tracker.Apply(orders.Event{
			BrokerID:          o.ID,
			Status:            normalizeStatus(o.Status),
			FilledQuantity:    o.ExecQuantity,
			AvgFillPrice:      o.AvgFillPrice,
			RemainingQuantity: o.RemainingQuantity,
		})
	}
	return nil
}

// orderStreamEvent 账户流的订单事件负载
type orderStreamEvent struct {
	Event             string          `json:"event"`
	ID                int64           `json:"id"`
	Status            string          `json:"status"`
	Seq               int64           `json:"seq"`
	ExecQuantity      decimal.Decimal `json:"exec_quantity"`
	AvgFillPrice      decimal.Decimal `json:"avg_fill_price"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

func (t *Trader) consumeAccountEvents(events <-chan websocket.StreamEvent) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != websocket.EventOrder {
				continue
			}
			var payload orderStreamEvent
			if err := json.Unmarshal(ev.Raw, &payload); err != nil {
				t.log.WithError(err).Debug("解析订单流事件失败")
				continue
			}
			if payload.ID == 0 {
				continue
			}
			t.tracker.Apply(orders.Event{
				BrokerID:          payload.ID,
				Status:            normalizeStatus(payload.Status),
				Seq:               payload.Seq,
				FilledQuantity:    payload.ExecQuantity,
				AvgFillPrice:      payload.AvgFillPrice,
				RemainingQuantity: payload.RemainingQuantity,
				At:                ev.ReceivedAt,
			})
		}
	}
}

// normalizeStatus 把券商的状态字符串归一化
func normalizeStatus(s string) orders.Status {
	switch strings.ToLower(s) {
	case "cancelled":
		return orders.StatusCanceled
	case "partially_filled", "partial":
		return orders.StatusPartiallyFilled
	default:
		return orders.Status(strings.ToLower(s))
	}
}
