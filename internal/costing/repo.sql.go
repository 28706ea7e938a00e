package costing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-cmms/meridian-cmms/internal/platform/db"
)

// Repository persists stock accounts and the movement ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// ErrAccountNotFound indicates a missing stock account row.
var ErrAccountNotFound = errors.New("stock account not found")

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("costing repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListMovements returns ledger entries matching the filter, oldest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if r == nil {
		return nil, errors.New("costing repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, part_id, qty, direction, unit_cost, actor_id, COALESCE(work_order_id, 0), COALESCE(po_line_id, 0), COALESCE(reason_code, ''), COALESCE(note, ''), posted_at
FROM stock_movements
WHERE ($1 = 0 OR part_id = $1)
  AND ($2 = 0 OR work_order_id = $2)
  AND ($3 = 0 OR po_line_id = $3)
  AND posted_at BETWEEN COALESCE($4, '-infinity') AND COALESCE($5, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $6`, filter.PartID, filter.WorkOrderID, filter.POLineID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		if err := rows.Scan(&m.ID, &m.PartID, &m.Qty, &m.Direction, &m.UnitCost, &m.ActorID, &m.WorkOrderID, &m.POLineID, &m.Reason, &m.Note, &m.PostedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, partID int64) (StockAccount, error) {
	var account StockAccount
	err := r.tx.QueryRow(ctx, `SELECT part_id, qty_on_hand, avg_price, total_value, updated_at FROM stock_accounts WHERE part_id=$1 FOR UPDATE`, partID).
		Scan(&account.PartID, &account.QtyOnHand, &account.AvgPrice, &account.TotalValue, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockAccount{PartID: partID}, ErrAccountNotFound
		}
		return StockAccount{}, err
	}
	return account, nil
}

func (r *txRepository) SaveAccount(ctx context.Context, account StockAccount) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_accounts (part_id, qty_on_hand, avg_price, total_value, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (part_id) DO UPDATE SET qty_on_hand=EXCLUDED.qty_on_hand, avg_price=EXCLUDED.avg_price, total_value=EXCLUDED.total_value, updated_at=NOW()`,
		account.PartID, account.QtyOnHand, account.AvgPrice, account.TotalValue)
	return err
}

func (r *txRepository) AppendMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (part_id, qty, direction, unit_cost, actor_id, work_order_id, po_line_id, reason_code, note, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		m.PartID, m.Qty, string(m.Direction), m.UnitCost, nullInt(m.ActorID), nullInt(m.WorkOrderID), nullInt(m.POLineID), nullString(string(m.Reason)), nullString(m.Note), m.PostedAt).Scan(&id)
	return id, err
}

func (r *txRepository) NetIssuedQty(ctx context.Context, workOrderID, partID int64) (int64, error) {
	var net *int64
	err := r.tx.QueryRow(ctx, `SELECT SUM(CASE WHEN direction='ISSUE' THEN qty WHEN direction='RETURN' THEN -qty ELSE 0 END)
FROM stock_movements WHERE work_order_id=$1 AND part_id=$2`, workOrderID, partID).Scan(&net)
	if err != nil {
		return 0, err
	}
	if net == nil {
		return 0, nil
	}
	return *net, nil
}

func (r *txRepository) WeightedIssueCost(ctx context.Context, workOrderID, partID int64) (decimal.Decimal, bool, error) {
	var cost *decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT SUM(qty * unit_cost) / NULLIF(SUM(qty), 0)
FROM stock_movements WHERE work_order_id=$1 AND part_id=$2 AND direction='ISSUE'`, workOrderID, partID).Scan(&cost)
	if err != nil {
		return decimal.Zero, false, err
	}
	if cost == nil {
		return decimal.Zero, false, nil
	}
	return cost.Round(avgPriceScale), true, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
