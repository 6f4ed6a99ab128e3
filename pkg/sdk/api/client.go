package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/gotradier/pkg/ratelimit"
)

// Client Tradier REST 端点的类型化封装。
// 传输层细节（限流、认证、重试）由 Executor 承担，这里只管
// 路径、参数和信封解码。
type Client struct {
	exec Executor
}

// NewClient 创建类型化客户端
func NewClient(exec Executor) *Client {
	return &Client{exec: exec}
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, class ratelimit.EndpointClass, out interface{}) error {
	res, err := c.exec.Execute(ctx, http.MethodGet, path, &RequestOptions{Params: params, Class: class})
	if err != nil {
		return err
	}
	return decode(path, res.Body, out)
}

func decode(path string, body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrapf(err, "解析 %s 响应失败", path)
	}
	return nil
}

// GetUserProfile 获取用户画像及名下账户列表
func (c *Client) GetUserProfile(ctx context.Context) (*UserProfile, error) {
	var env profileEnvelope
	if err := c.get(ctx, "/v1/user/profile", nil, ratelimit.ClassAccount, &env); err != nil {
		return nil, err
	}
	return &env.Profile, nil
}

// GetBalances 获取账户资金状况
func (c *Client) GetBalances(ctx context.Context, accountID string) (*Balances, error) {
	var env balancesEnvelope
	path := "/v1/accounts/" + accountID + "/balances"
	if err := c.get(ctx, path, nil, ratelimit.ClassAccount, &env); err != nil {
		return nil, err
	}
	return &env.Balances, nil
}

// GetPositions 获取持仓列表
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]Position, error) {
	var env positionsEnvelope
	path := "/v1/accounts/" + accountID + "/positions"
	if err := c.get(ctx, path, nil, ratelimit.ClassAccount, &env); err != nil {
		return nil, err
	}
	return env.Positions.Position, nil
}

// HistoryParams 历史查询的过滤条件，零值字段不进查询参数
type HistoryParams struct {
	Page       int
	Limit      int
	Types      []string // trade、option、ach、dividend 等
	Start      time.Time
	End        time.Time
	Symbol     string
	ExactMatch bool
}

func (p *HistoryParams) query() map[string]string {
	if p == nil {
		return nil
	}
	q := make(map[string]string)
	if p.Page > 0 {
		q["page"] = strconv.Itoa(p.Page)
	}
	if p.Limit > 0 {
		q["limit"] = strconv.Itoa(p.Limit)
	}
	if len(p.Types) > 0 {
		q["type"] = strings.Join(p.Types, ",")
	}
	if !p.Start.IsZero() {
		q["start"] = p.Start.Format("2006-01-02")
	}
	if !p.End.IsZero() {
		q["end"] = p.End.Format("2006-01-02")
	}
	if p.Symbol != "" {
		q["symbol"] = p.Symbol
	}
	if p.ExactMatch {
		q["exactMatch"] = "true"
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// GetHistory 获取账户历史事件。params 为 nil 时不带过滤条件
func (c *Client) GetHistory(ctx context.Context, accountID string, params *HistoryParams) ([]HistoryEvent, error) {
	var env historyEnvelope
	path := "/v1/accounts/" + accountID + "/history"
	if err := c.get(ctx, path, params.query(), ratelimit.ClassAccount, &env); err != nil {
		return nil, err
	}
	return env.History.Event, nil
}

// GetQuotes 获取行情快照
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	var env quotesEnvelope
	params := map[string]string{"symbols": strings.Join(symbols, ",")}
	if err := c.get(ctx, "/v1/markets/quotes", params, ratelimit.ClassMarketData, &env); err != nil {
		return nil, err
	}
	return env.Quotes.Quote, nil
}

// GetOrders 获取账户下全部订单状态
func (c *Client) GetOrders(ctx context.Context, accountID string) ([]Order, error) {
	var env ordersEnvelope
	path := "/v1/accounts/" + accountID + "/orders"
	if err := c.get(ctx, path, nil, ratelimit.ClassAccount, &env); err != nil {
		return nil, err
	}
	return env.Orders.Order, nil
}

// GetOrder 获取单个订单状态
func (c *Client) GetOrder(ctx context.Context, accountID string, orderID int64) (*Order, error) {
	var env orderEnvelope
	path := "/v1/accounts/" + accountID + "/orders/" + strconv.FormatInt(orderID, 10)
	if err := c.get(ctx, path, nil, ratelimit.ClassAccount, &env); err != nil {
		return nil, err
	}
	return &env.Order, nil
}

// PlaceOrder 提交新订单，返回券商回执
func (c *Client) PlaceOrder(ctx context.Context, accountID string, req OrderRequest) (*OrderAck, error) {
	form := map[string]string{
		"class":    req.Class,
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"quantity": req.Quantity.String(),
		"type":     string(req.Type),
		"duration": string(req.Duration),
	}
	if req.Class == "" {
		form["class"] = "equity"
	}
	if req.Duration == "" {
		form["duration"] = string(DurationDay)
	}
	if req.Price != nil {
		form["price"] = req.Price.String()
	}
	if req.Stop != nil {
		form["stop"] = req.Stop.String()
	}
	if req.Tag != "" {
		form["tag"] = req.Tag
	}

	path := "/v1/accounts/" + accountID + "/orders"
	res, err := c.exec.Execute(ctx, http.MethodPost, path, &RequestOptions{
		Form:  form,
		Class: ratelimit.ClassTrading,
	})
	if err != nil {
		return nil, err
	}
	var env orderAckEnvelope
	if err := decode(path, res.Body, &env); err != nil {
		return nil, err
	}
	return &env.Order, nil
}

// ModifyOrder 修改在途订单的价格/类型/有效期
func (c *Client) ModifyOrder(ctx context.Context, accountID string, orderID int64, change OrderChange) (*OrderAck, error) {
	form := map[string]string{}
	if change.Type != "" {
		form["type"] = string(change.Type)
	}
	if change.Duration != "" {
		form["duration"] = string(change.Duration)
	}
	if change.Price != nil {
		form["price"] = change.Price.String()
	}
	if change.Stop != nil {
		form["stop"] = change.Stop.String()
	}

	path := "/v1/accounts/" + accountID + "/orders/" + strconv.FormatInt(orderID, 10)
	res, err := c.exec.Execute(ctx, http.MethodPut, path, &RequestOptions{
		Form:  form,
		Class: ratelimit.ClassTrading,
	})
	if err != nil {
		return nil, err
	}
	var env orderAckEnvelope
	if err := decode(path, res.Body, &env); err != nil {
		return nil, err
	}
	return &env.Order, nil
}

// CancelOrder 撤销在途订单
func (c *Client) CancelOrder(ctx context.Context, accountID string, orderID int64) (*OrderAck, error) {
	path := "/v1/accounts/" + accountID + "/orders/" + strconv.FormatInt(orderID, 10)
	res, err := c.exec.Execute(ctx, http.MethodDelete, path, &RequestOptions{
		Class: ratelimit.ClassTrading,
	})
	if err != nil {
		return nil, err
	}
	var env orderAckEnvelope
	if err := decode(path, res.Body, &env); err != nil {
		return nil, err
	}
	return &env.Order, nil
}

// CreateMarketSession 创建行情流会话票据
func (c *Client) CreateMarketSession(ctx context.Context) (*StreamSession, error) {
	return c.createSession(ctx, "/v1/markets/events/session")
}

// CreateAccountSession 创建账户事件流会话票据
func (c *Client) CreateAccountSession(ctx context.Context) (*StreamSession, error) {
	return c.createSession(ctx, "/v1/accounts/events/session")
}

func (c *Client) createSession(ctx context.Context, path string) (*StreamSession, error) {
	res, err := c.exec.Execute(ctx, http.MethodPost, path, &RequestOptions{
		Class: ratelimit.ClassDefault,
	})
	if err != nil {
		return nil, err
	}
	var env streamSessionEnvelope
	if err := decode(path, res.Body, &env); err != nil {
		return nil, err
	}
	if env.Stream.SessionID == "" {
		return nil, errors.Errorf("会话响应缺少 sessionid: %s", truncateBody(res.Body))
	}
	return &env.Stream, nil
}

func truncateBody(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
