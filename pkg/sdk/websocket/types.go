// Package websocket 提供 Tradier 流式数据 WebSocket 客户端
package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/betbot/gotradier/pkg/sdk/api"
)

const (
	// 重连设置
	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second

	// 心跳设置
	defaultPingInterval     = 10 * time.Second
	defaultHeartbeatTimeout = 60 * time.Second

	// 每个订阅者的事件缓冲区大小
	defaultEventBufferSize = 256

	// 连接设置
	defaultHandshakeTimeout = 15 * time.Second
)

// Kind 流通道类型
type Kind string

const (
	KindMarket  Kind = "market"  // 行情流（按 symbol 订阅）
	KindAccount Kind = "account" // 账户事件流（按事件类型订阅）
)

// State 会话状态机状态
type State int32

const (
	StateDisconnected  State = iota // 未连接
	StateConnecting                 // 正在发起连接
	StateAuthenticating             // 正在创建会话票据并完成握手
	StateSubscribing                // 已连接，正在发送订阅负载
	StateLive                      // 事件正常流动
	StateRecovering                // 连接丢失，正在退避重连
	StateClosed                    // 调用方主动关闭，不再重连
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 行情流事件类型
const (
	EventTrade    = "trade"
	EventQuote    = "quote"
	EventSummary  = "summary"
	EventTimesale = "timesale"
	EventTradex   = "tradex"

	// 账户流事件类型
	EventOrder = "order"
)

// StreamEvent 一条流事件。Type/Symbol 从信封提取，完整负载保留在 Raw 里
// 由调用方按需解码。
type StreamEvent struct {
	Type       string
	Symbol     string
	Raw        json.RawMessage
	ReceivedAt time.Time
}

// marketEnvelope 行情事件信封（只取路由需要的字段）
type marketEnvelope struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// accountEnvelope 账户事件信封
type accountEnvelope struct {
	Event string `json:"event"`
}

// SessionFunc 创建一张新的流式会话票据。
// 票据约 5 分钟过期，每次（重新）连接都要重新创建。
type SessionFunc func(ctx context.Context) (*api.StreamSession, error)

// StateHandler 状态变更回调
type StateHandler func(from, to State)

// Config 流式客户端配置
type Config struct {
	// URL WebSocket 端点（例如 wss://ws.tradier.com/v1/markets/events）
	URL  string
	Kind Kind

	// 行情流负载选项
	Filters         []string // trade/quote/summary/timesale/tradex；空表示全部
	LineBreak       bool
	ValidOnly       bool
	AdvancedDetails bool

	// 重连设置
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // 0 表示不限次数

	// 心跳设置
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration // 超过这个时长没有任何入站数据视为连接死亡

	// 每个订阅者的缓冲区大小
	EventBufferSize int

	HandshakeTimeout time.Duration
}

// DefaultConfig 返回行情流的默认配置
func DefaultConfig(url string) *Config {
	return &Config{
		URL:               url,
		Kind:              KindMarket,
		LineBreak:         true,
		ValidOnly:         true,
		ReconnectDelay:    defaultReconnectDelay,
		MaxReconnectDelay: defaultMaxReconnectDelay,
		PingInterval:      defaultPingInterval,
		HeartbeatTimeout:  defaultHeartbeatTimeout,
		EventBufferSize:   defaultEventBufferSize,
		HandshakeTimeout:  defaultHandshakeTimeout,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Kind == "" {
		out.Kind = KindMarket
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = defaultReconnectDelay
	}
	if out.MaxReconnectDelay <= 0 {
		out.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if out.PingInterval <= 0 {
		out.PingInterval = defaultPingInterval
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if out.EventBufferSize <= 0 {
		out.EventBufferSize = defaultEventBufferSize
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &out
}
