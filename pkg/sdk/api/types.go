package api

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// OneOrMany 处理 Tradier 的序列化怪癖：集合字段在单元素时
// 返回裸对象，多元素时返回数组，空集合时返回 null 或字符串 "null"。
// 统一解码成切片，调用方不用关心。
type OneOrMany[T any] []T

func (o *OneOrMany[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`"null"`)) {
		*o = nil
		return nil
	}
	if data[0] == '[' {
		var many []T
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*o = []T{one}
	return nil
}

// Account 账户摘要
type Account struct {
	AccountNumber  string `json:"account_number"`
	Classification string `json:"classification"`
	DayTrader      bool   `json:"day_trader"`
	Type           string `json:"type"`
	Status         string `json:"status"`
}

// UserProfile 用户画像及名下账户
type UserProfile struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Accounts OneOrMany[Account] `json:"account"`
}

type profileEnvelope struct {
	Profile UserProfile `json:"profile"`
}

// Balances 账户资金状况
type Balances struct {
	AccountNumber     string          `json:"account_number"`
	AccountType       string          `json:"account_type"`
	TotalEquity       decimal.Decimal `json:"total_equity"`
	TotalCash         decimal.Decimal `json:"total_cash"`
	MarketValue       decimal.Decimal `json:"market_value"`
	OpenPL            decimal.Decimal `json:"open_pl"`
	ClosePL           decimal.Decimal `json:"close_pl"`
	Equity            decimal.Decimal `json:"equity"`
	LongMarketValue   decimal.Decimal `json:"long_market_value"`
	ShortMarketValue  decimal.Decimal `json:"short_market_value"`
	UnclearedFunds    decimal.Decimal `json:"uncleared_funds"`
	PendingCash       decimal.Decimal `json:"pending_cash"`
	OptionBuyingPower *decimal.Decimal `json:"option_buying_power,omitempty"`
	StockBuyingPower  *decimal.Decimal `json:"stock_buying_power,omitempty"`
}

type balancesEnvelope struct {
	Balances Balances `json:"balances"`
}

// Position 持仓
type Position struct {
	ID           int64           `json:"id"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	DateAcquired string          `json:"date_acquired"`
}

type positionsEnvelope struct {
	Positions struct {
		Position OneOrMany[Position] `json:"position"`
	} `json:"positions"`
}

// HistoryEvent 账户历史事件（成交、分红、出入金等）
type HistoryEvent struct {
	Type   string          `json:"type"`
	Date   string          `json:"date"`
	Amount decimal.Decimal `json:"amount"`
}

type historyEnvelope struct {
	History struct {
		Event OneOrMany[HistoryEvent] `json:"event"`
	} `json:"history"`
}

// Quote 行情快照
type Quote struct {
	Symbol           string           `json:"symbol"`
	Description      string           `json:"description"`
	Exchange         string           `json:"exch"`
	Type             string           `json:"type"`
	Last             *decimal.Decimal `json:"last"`
	Change           *decimal.Decimal `json:"change"`
	ChangePercentage *decimal.Decimal `json:"change_percentage"`
	Volume           int64            `json:"volume"`
	Open             *decimal.Decimal `json:"open"`
	High             *decimal.Decimal `json:"high"`
	Low              *decimal.Decimal `json:"low"`
	Close            *decimal.Decimal `json:"close"`
	Bid              *decimal.Decimal `json:"bid"`
	BidSize          int64            `json:"bidsize"`
	Ask              *decimal.Decimal `json:"ask"`
	AskSize          int64            `json:"asksize"`
	PrevClose        *decimal.Decimal `json:"prevclose"`
}

type quotesEnvelope struct {
	Quotes struct {
		Quote OneOrMany[Quote] `json:"quote"`
	} `json:"quotes"`
}

// OrderSide 订单方向
type OrderSide string

const (
	SideBuy        OrderSide = "buy"
	SideSell       OrderSide = "sell"
	SideBuyToCover OrderSide = "buy_to_cover"
	SideSellShort  OrderSide = "sell_short"
)

// OrderType 订单类型
type OrderType string

const (
	TypeMarket    OrderType = "market"
	TypeLimit     OrderType = "limit"
	TypeStop      OrderType = "stop"
	TypeStopLimit OrderType = "stop_limit"
)

// OrderDuration 订单有效期
type OrderDuration string

const (
	DurationDay OrderDuration = "day"
	DurationGTC OrderDuration = "gtc"
	DurationPre OrderDuration = "pre"
	DurationPost OrderDuration = "post"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Class    string // equity / option
	Symbol   string
	Side     OrderSide
	Quantity decimal.Decimal
	Type     OrderType
	Duration OrderDuration
	Price    *decimal.Decimal // limit/stop_limit 必填
	Stop     *decimal.Decimal // stop/stop_limit 必填
	Tag      string           // 客户端关联标签，回显在订单状态里
}

// OrderChange 改单请求。nil 字段保持不变。
type OrderChange struct {
	Type     OrderType
	Duration OrderDuration
	Price    *decimal.Decimal
	Stop     *decimal.Decimal
}

// OrderAck 下单/改单/撤单的同步回执
type OrderAck struct {
	ID        int64  `json:"id"`
	Status    string `json:"status"`
	PartnerID string `json:"partner_id"`
}

type orderAckEnvelope struct {
	Order OrderAck `json:"order"`
}

// Order 订单状态快照（REST 查询返回）
type Order struct {
	ID                int64            `json:"id"`
	Type              string           `json:"type"`
	Symbol            string           `json:"symbol"`
	Side              string           `json:"side"`
	Quantity          decimal.Decimal  `json:"quantity"`
	Status            string           `json:"status"`
	Duration          string           `json:"duration"`
	Price             *decimal.Decimal `json:"price"`
	AvgFillPrice      decimal.Decimal  `json:"avg_fill_price"`
	ExecQuantity      decimal.Decimal  `json:"exec_quantity"`
	LastFillPrice     decimal.Decimal  `json:"last_fill_price"`
	LastFillQuantity  decimal.Decimal  `json:"last_fill_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	CreateDate        string           `json:"create_date"`
	TransactionDate   string           `json:"transaction_date"`
	Class             string           `json:"class"`
	Tag               string           `json:"tag"`
}

type orderEnvelope struct {
	Order Order `json:"order"`
}

type ordersEnvelope struct {
	Orders struct {
		Order OneOrMany[Order] `json:"order"`
	} `json:"orders"`
}

// StreamSession 流式会话票据。sessionid 约 5 分钟有效，
// 过期后需要重新创建再连接。
type StreamSession struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionid"`
}

type streamSessionEnvelope struct {
	Stream StreamSession `json:"stream"`
}
