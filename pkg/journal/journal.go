// Package journal 把订单生命周期落盘到 SQLite，进程重启后可以回看
// 每笔订单的完整事件序列。
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/gotradier/pkg/sdk/api"
	"github.com/betbot/gotradier/pkg/sdk/orders"
)

// Journal 订单事件日志
type Journal struct {
	db *sql.DB
}

// Open 打开（必要时创建）日志数据库
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开日志数据库失败")
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS orders_current (
  correlation_id TEXT PRIMARY KEY,
  broker_id INTEGER,
  symbol TEXT NOT NULL,
  side TEXT NOT NULL,
  quantity TEXT NOT NULL,
  status TEXT NOT NULL,
  filled_quantity TEXT NOT NULL,
  avg_fill_price TEXT NOT NULL,
  remaining_quantity TEXT NOT NULL,
  last_seq INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS order_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  correlation_id TEXT NOT NULL,
  broker_id INTEGER,
  status TEXT NOT NULL,
  seq INTEGER NOT NULL DEFAULT 0,
  filled_quantity TEXT NOT NULL,
  avg_fill_price TEXT NOT NULL,
  ts TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_corr ON order_events(correlation_id, id);`,
	}

	for _, q := range stmts {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "日志数据库迁移失败")
		}
	}
	return nil
}

// RecordUpdate 记录一次订单状态变更：追加事件行并刷新当前快照。
// 通常挂在 Tracker 的 OnUpdate 回调上。
func (j *Journal) RecordUpdate(ctx context.Context, o orders.Order) error {
	now := time.Now().Format(time.RFC3339Nano)

	if _, err := j.db.ExecContext(ctx, `
INSERT INTO order_events (correlation_id, broker_id, status, seq, filled_quantity, avg_fill_price, ts)
VALUES (?,?,?,?,?,?,?)
`, o.CorrelationID, o.BrokerID, string(o.Status), o.LastSeq,
		o.FilledQuantity.String(), o.AvgFillPrice.String(), now); err != nil {
		return errors.Wrap(err, "写入订单事件失败")
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO orders_current (correlation_id, broker_id, symbol, side, quantity, status,
  filled_quantity, avg_fill_price, remaining_quantity, last_seq, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(correlation_id) DO UPDATE SET
  broker_id=excluded.broker_id,
  status=excluded.status,
  filled_quantity=excluded.filled_quantity,
  avg_fill_price=excluded.avg_fill_price,
  remaining_quantity=excluded.remaining_quantity,
  last_seq=excluded.last_seq,
  updated_at=excluded.updated_at
`, o.CorrelationID, o.BrokerID, o.Symbol, string(o.Side), o.Quantity.String(), string(o.Status),
		o.FilledQuantity.String(), o.AvgFillPrice.String(), o.RemainingQuantity.String(),
		o.LastSeq, o.CreatedAt.Format(time.RFC3339Nano), now)
	return errors.Wrap(err, "刷新订单快照失败")
}

// EventRecord 一条落盘的事件
type EventRecord struct {
	ID             int64
	CorrelationID  string
	BrokerID       int64
	Status         orders.Status
	Seq            int64
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	At             time.Time
}

// Events 返回某笔订单的事件序列（按写入顺序）
func (j *Journal) Events(ctx context.Context, corrID string) ([]EventRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT id, correlation_id, broker_id, status, seq, filled_quantity, avg_fill_price, ts
FROM order_events WHERE correlation_id = ? ORDER BY id
`, corrID)
	if err != nil {
		return nil, errors.Wrap(err, "查询订单事件失败")
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r              EventRecord
			status         string
			filled, avg, ts string
		)
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.BrokerID, &status, &r.Seq, &filled, &avg, &ts); err != nil {
			return nil, err
		}
		r.Status = orders.Status(status)
		if r.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
			return nil, errors.Wrapf(err, "事件 %d 的成交量损坏", r.ID)
		}
		if r.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
			return nil, errors.Wrapf(err, "事件 %d 的均价损坏", r.ID)
		}
		r.At, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Snapshot 返回某笔订单的最新落盘快照
func (j *Journal) Snapshot(ctx context.Context, corrID string) (*orders.Order, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT correlation_id, broker_id, symbol, side, quantity, status,
  filled_quantity, avg_fill_price, remaining_quantity, last_seq, created_at, updated_at
FROM orders_current WHERE correlation_id = ?
`, corrID)

	var (
		o                            orders.Order
		side, qty, status            string
		filled, avg, remaining       string
		createdAt, updatedAt         string
	)
	err := row.Scan(&o.CorrelationID, &o.BrokerID, &o.Symbol, &side, &qty, &status,
		&filled, &avg, &remaining, &o.LastSeq, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "查询订单快照失败")
	}
	o.Side = api.OrderSide(side)
	o.Status = orders.Status(status)
	if o.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, err
	}
	if o.FilledQuantity, err = decimal.NewFromString(filled); err != nil {
		return nil, err
	}
	if o.AvgFillPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	if o.RemainingQuantity, err = decimal.NewFromString(remaining); err != nil {
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &o, nil
}
