package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotradier/pkg/sdk/api"
)

// subscriber 单个事件消费者。缓冲区满时丢最旧的事件，
// 慢消费者只影响自己，丢弃量记录在 dropped 里。
type subscriber struct {
	name    string
	ch      chan StreamEvent
	dropped atomic.Uint64
}

func (s *subscriber) publish(ev StreamEvent) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// 缓冲区满：丢最旧的一条腾位置
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Client 管理一条 Tradier 流式会话。
//
// 会话票据约 5 分钟过期，所以每次（重新）连接都重新创建票据。
// 期望订阅集独立于连接状态维护：连接断开期间的 Subscribe/Unsubscribe
// 只改集合，重连成功后整个集合重放，调用方不需要自己补订阅。
type Client struct {
	cfg       *Config
	sessionFn SessionFunc
	log       *logrus.Entry

	conn      *websocket.Conn
	sessionID string
	connMu    sync.Mutex

	state        atomic.Int32
	stateHandler StateHandler
	stateMu      sync.Mutex

	desired map[string]bool
	subMu   sync.RWMutex

	subscribers map[string]*subscriber
	fanMu       sync.RWMutex

	errChan chan error

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex
}

// NewClient 创建流式客户端。sessionFn 负责创建会话票据
// （通常是 api.Client 的 CreateMarketSession / CreateAccountSession）。
func NewClient(cfg *Config, sessionFn SessionFunc) *Client {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		sessionFn:   sessionFn,
		log:         logrus.WithFields(logrus.Fields{"component": "stream", "kind": cfg.Kind}),
		desired:     make(map[string]bool),
		subscribers: make(map[string]*subscriber),
		errChan:     make(chan error, 16),
		ctx:         ctx,
		cancel:      cancel,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// State 返回当前状态
func (c *Client) State() State {
	return State(c.state.Load())
}

// OnStateChange 注册状态变更回调（必须在 Start 前调用）
func (c *Client) OnStateChange(fn StateHandler) {
	c.stateHandler = fn
}

func (c *Client) setState(to State) {
	c.stateMu.Lock()
	from := State(c.state.Swap(int32(to)))
	handler := c.stateHandler
	c.stateMu.Unlock()

	if from != to {
		c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("流会话状态变更")
		if handler != nil {
			handler(from, to)
		}
	}
}

// Start 建立连接并开始接收事件
func (c *Client) Start(ctx context.Context) error {
	if c.State() != StateDisconnected {
		return errors.New("流式客户端已启动")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(c.ctx); err != nil {
		c.setState(StateDisconnected)
		return errors.Wrap(err, "初始连接失败")
	}

	go c.readLoop()
	go c.pingLoop()
	return nil
}

// Stop 关闭会话并停止重连
func (c *Client) Stop() {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed)
	c.cancel()
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		c.log.Warn("流会话关闭超时")
	}
}

// Subscribe 把标的加入期望订阅集。已连接时立即重放整个集合；
// 未连接时只改集合，重连后自动重放。
func (c *Client) Subscribe(symbols ...string) error {
	c.subMu.Lock()
	changed := false
	for _, s := range symbols {
		if !c.desired[s] {
			c.desired[s] = true
			changed = true
		}
	}
	c.subMu.Unlock()

	c.replayIfLive(changed)
	return nil
}

// Unsubscribe 把标的移出期望订阅集
func (c *Client) Unsubscribe(symbols ...string) error {
	c.subMu.Lock()
	changed := false
	for _, s := range symbols {
		if c.desired[s] {
			delete(c.desired, s)
			changed = true
		}
	}
	c.subMu.Unlock()

	c.replayIfLive(changed)
	return nil
}

// replayIfLive 在线时立即重放订阅集。发送失败只记录：
// 连接级错误会触发恢复，重连后整个集合会再次重放。
func (c *Client) replayIfLive(changed bool) {
	if !changed || c.State() != StateLive {
		return
	}
	if err := c.sendPayload(); err != nil {
		c.log.WithError(err).Debug("订阅重放失败，等待重连后重放")
	}
}

// Desired 返回期望订阅集的快照（排序后）
func (c *Client) Desired() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.desired))
	for s := range c.desired {
		out = append(out, s)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}

// Register 注册一个事件消费者，返回只读事件通道和注销函数。
// 每个消费者有独立缓冲区，慢消费者的事件被丢弃时不影响其他消费者。
func (c *Client) Register(name string) (<-chan StreamEvent, func()) {
	sub := &subscriber{
		name: name,
		ch:   make(chan StreamEvent, c.cfg.EventBufferSize),
	}

	c.fanMu.Lock()
	c.subscribers[name] = sub
	c.fanMu.Unlock()

	return sub.ch, func() {
		c.fanMu.Lock()
		delete(c.subscribers, name)
		c.fanMu.Unlock()
	}
}

// Dropped 返回指定消费者因缓冲区满被丢弃的事件数
func (c *Client) Dropped(name string) uint64 {
	c.fanMu.RLock()
	defer c.fanMu.RUnlock()
	if sub, ok := c.subscribers[name]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Errors 返回错误通道（重连耗尽等致命错误）
func (c *Client) Errors() <-chan error {
	return c.errChan
}

// connect 创建会话票据、建立连接并发送订阅负载
func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	// 会话票据有效期约 5 分钟，每次连接都重新创建
	c.setState(StateAuthenticating)
	sess, err := c.sessionFn(ctx)
	if err != nil {
		return errors.Wrap(err, "创建流会话票据失败")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	headers := make(http.Header)
	headers.Set("User-Agent", "gotradier/1.0")

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return errors.Wrapf(err, "连接 %s 失败", c.cfg.URL)
	}

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.sessionID = sess.SessionID
	c.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
	})

	c.setState(StateSubscribing)
	if err := c.sendPayload(); err != nil {
		return errors.Wrap(err, "发送订阅负载失败")
	}

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	c.setState(StateLive)
	c.log.WithField("subscriptions", len(c.Desired())).Info("流会话已建立")
	return nil
}

// sendPayload 发送完整的订阅负载。Tradier 的负载是替换语义：
// 每次发送都以负载里的集合为准，所以总是发送整个期望集。
func (c *Client) sendPayload() error {
	symbols := c.Desired()

	var payload interface{}
	switch c.cfg.Kind {
	case KindAccount:
		events := symbols
		if len(events) == 0 {
			events = []string{EventOrder}
		}
		payload = map[string]interface{}{
			"events":    events,
			"sessionid": c.currentSessionID(),
		}
	default:
		body := map[string]interface{}{
			"symbols":   symbols,
			"sessionid": c.currentSessionID(),
			"linebreak": c.cfg.LineBreak,
			"validOnly": c.cfg.ValidOnly,
		}
		if len(c.cfg.Filters) > 0 {
			body["filter"] = c.cfg.Filters
		}
		if c.cfg.AdvancedDetails {
			body["advancedDetails"] = true
		}
		payload = body
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errors.New("未连接")
	}
	return c.conn.WriteJSON(payload)
}

func (c *Client) currentSessionID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sessionID
}

// readLoop 读取循环
func (c *Client) readLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.recover() {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.State() == StateClosed {
				return
			}

			c.connMu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("服务端正常关闭连接")
			} else {
				c.log.WithError(err).Warn("流读取错误，进入恢复")
			}
			if !c.recover() {
				return
			}
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))
		c.handleMessage(message)
	}
}

// pingLoop 心跳循环。pong 把读截止时间往后推；
// 服务端失联时读截止时间到期，readLoop 触发恢复。
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			c.connMu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.log.WithError(err).Debug("发送 ping 失败")
			}
		}
	}
}

// recover 重连循环（指数退避，有上限）。
// 返回 false 表示不再重试（关闭、认证失败或重连耗尽）。
func (c *Client) recover() bool {
	if c.State() == StateClosed {
		return false
	}
	c.setState(StateRecovering)

	for {
		c.reconnectMu.Lock()
		c.reconnectAttempts++
		attempts := c.reconnectAttempts
		c.reconnectMu.Unlock()

		if c.cfg.MaxReconnectAttempts > 0 && attempts > c.cfg.MaxReconnectAttempts {
			err := &api.StreamError{
				Session:  string(c.cfg.Kind),
				Attempts: c.cfg.MaxReconnectAttempts,
				Err:      errors.New("重连次数耗尽"),
			}
			select {
			case c.errChan <- err:
			default:
			}
			c.setState(StateDisconnected)
			return false
		}

		delay := c.cfg.ReconnectDelay * time.Duration(1<<uint(min(attempts-1, 10)))
		if delay > c.cfg.MaxReconnectDelay {
			delay = c.cfg.MaxReconnectDelay
		}
		c.log.WithFields(logrus.Fields{"attempt": attempts, "delay": delay}).Info("准备重连")

		select {
		case <-c.ctx.Done():
			return false
		case <-c.stopCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(c.ctx); err != nil {
			// 票据创建路径已经做过一次凭证刷新+重试，
			// 走到这里的认证失败是致命的
			if api.IsAuthError(err) {
				serr := &api.StreamError{
					Session:  string(c.cfg.Kind),
					Attempts: attempts,
					Err:      err,
				}
				select {
				case c.errChan <- serr:
				default:
				}
				c.log.WithError(err).Error("流会话认证失败，停止重连")
				c.setState(StateDisconnected)
				return false
			}
			c.log.WithError(err).Warn("重连失败")
			c.setState(StateRecovering)
			continue
		}
		return true
	}
}

// handleMessage 解析信封并分发给所有消费者
func (c *Client) handleMessage(data []byte) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	// linebreak 模式下一帧可能带多行
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		ev := StreamEvent{Raw: json.RawMessage(append([]byte(nil), line...)), ReceivedAt: time.Now()}

		switch c.cfg.Kind {
		case KindAccount:
			var env accountEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				c.log.WithError(err).Debug("解析账户事件信封失败")
				continue
			}
			ev.Type = env.Event
		default:
			var env marketEnvelope
			if err := json.Unmarshal(line, &env); err != nil {
				c.log.WithError(err).Debug("解析行情事件信封失败")
				continue
			}
			ev.Type = env.Type
			ev.Symbol = env.Symbol
		}

		c.fanMu.RLock()
		for _, sub := range c.subscribers {
			sub.publish(ev)
		}
		c.fanMu.RUnlock()
	}
}
