package procurement

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-cmms/meridian-cmms/internal/platform/db"
	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

const poColumns = `id, po_number, vendor, status, COALESCE(notes, ''), created_by, created_at, updated_at, sent_at, received_at, received_by`

const lineColumns = `id, po_id, part_id, qty_ordered, qty_received, unit_price, final_delivery`

// Repository persists purchase orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// CreatePO inserts the order header and its lines.
func (r *Repository) CreatePO(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO purchase_orders (po_number, vendor, status, notes, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, po.PONumber, po.Vendor, po.Status, po.Notes, po.CreatedBy, now).Scan(&po.ID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	for i := range po.Lines {
		line := &po.Lines[i]
		line.POID = po.ID
		if err := tx.QueryRow(ctx, `
			INSERT INTO purchase_order_lines (po_id, part_id, qty_ordered, qty_received, unit_price, final_delivery)
			VALUES ($1, $2, $3, 0, $4, false)
			RETURNING id
		`, po.ID, line.PartID, line.QtyOrdered, line.UnitPrice).Scan(&line.ID); err != nil {
			return PurchaseOrder{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return PurchaseOrder{}, err
	}
	po.CreatedAt = now
	po.UpdatedAt = now
	return po, nil
}

// GetPO loads an order with its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders WHERE id = $1`, id).Scan(
		&po.ID, &po.PONumber, &po.Vendor, &po.Status, &po.Notes, &po.CreatedBy,
		&po.CreatedAt, &po.UpdatedAt, &po.SentAt, &po.ReceivedAt, &po.ReceivedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	if err != nil {
		return PurchaseOrder{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+lineColumns+` FROM purchase_order_lines WHERE po_id = $1 ORDER BY id`, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.POID, &line.PartID, &line.QtyOrdered, &line.QtyReceived, &line.UnitPrice, &line.FinalDelivery); err != nil {
			return PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, line)
	}
	return po, rows.Err()
}

// ListPOs returns order headers plus the total count.
func (r *Repository) ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		pos := strconv.Itoa(argCount)
		where += ` AND (po_number ILIKE $` + pos + ` OR vendor ILIKE $` + pos + `)`
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.Status != "" {
		argCount++
		where += ` AND status = $` + strconv.Itoa(argCount)
		args = append(args, filters.Status)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + poColumns + ` FROM purchase_orders` + where + ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)
		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []PurchaseOrder
	for rows.Next() {
		var po PurchaseOrder
		if err := rows.Scan(
			&po.ID, &po.PONumber, &po.Vendor, &po.Status, &po.Notes, &po.CreatedBy,
			&po.CreatedAt, &po.UpdatedAt, &po.SentAt, &po.ReceivedAt, &po.ReceivedBy,
		); err != nil {
			return nil, 0, err
		}
		result = append(result, po)
	}
	return result, total, rows.Err()
}

// UpdatePOHeader rewrites vendor and notes on a draft order.
func (r *Repository) UpdatePOHeader(ctx context.Context, id int64, vendor, notes string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_orders SET vendor = $1, notes = $2, updated_at = $3 WHERE id = $4
	`, vendor, notes, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// AddLine appends a line to a draft order.
func (r *Repository) AddLine(ctx context.Context, line Line) (Line, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO purchase_order_lines (po_id, part_id, qty_ordered, qty_received, unit_price, final_delivery)
		VALUES ($1, $2, $3, 0, $4, false)
		RETURNING id
	`, line.POID, line.PartID, line.QtyOrdered, line.UnitPrice).Scan(&line.ID)
	if err != nil {
		return Line{}, err
	}
	return line, nil
}

// UpdateLine rewrites ordered quantity and price on a draft order line.
func (r *Repository) UpdateLine(ctx context.Context, id int64, line Line) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE purchase_order_lines SET qty_ordered = $1, unit_price = $2 WHERE id = $3
	`, line.QtyOrdered, line.UnitPrice, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// DeleteLine removes a line from a draft order.
func (r *Repository) DeleteLine(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM purchase_order_lines WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	var line Line
	err := r.tx.QueryRow(ctx, `
		SELECT `+lineColumns+` FROM purchase_order_lines WHERE id = $1 FOR UPDATE
	`, lineID).Scan(&line.ID, &line.POID, &line.PartID, &line.QtyOrdered, &line.QtyReceived, &line.UnitPrice, &line.FinalDelivery)
	if errors.Is(err, pgx.ErrNoRows) {
		return Line{}, shared.ErrNotFound
	}
	return line, err
}

func (r *txRepository) GetPOForUpdate(ctx context.Context, poID int64) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := r.tx.QueryRow(ctx, `
		SELECT `+poColumns+` FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, poID).Scan(
		&po.ID, &po.PONumber, &po.Vendor, &po.Status, &po.Notes, &po.CreatedBy,
		&po.CreatedAt, &po.UpdatedAt, &po.SentAt, &po.ReceivedAt, &po.ReceivedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	return po, err
}

func (r *txRepository) ListLines(ctx context.Context, poID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+lineColumns+` FROM purchase_order_lines WHERE po_id = $1 ORDER BY id`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.POID, &line.PartID, &line.QtyOrdered, &line.QtyReceived, &line.UnitPrice, &line.FinalDelivery); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (r *txRepository) SetLineReceived(ctx context.Context, lineID, qtyReceived int64) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET qty_received = $1 WHERE id = $2`, qtyReceived, lineID)
	return err
}

func (r *txRepository) SetLineFinalDelivery(ctx context.Context, lineID int64, final bool) error {
	_, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET final_delivery = $1 WHERE id = $2`, final, lineID)
	return err
}

func (r *txRepository) SetPOStatus(ctx context.Context, poID int64, status POStatus) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE purchase_orders SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), poID)
	return err
}

func (r *txRepository) StampSent(ctx context.Context, poID int64) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE purchase_orders SET sent_at = $1, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), poID)
	return err
}

func (r *txRepository) SetReceivedStamp(ctx context.Context, poID int64, receivedAt *time.Time, receivedBy *int64) error {
	_, err := r.tx.Exec(ctx, `
		UPDATE purchase_orders SET received_at = $1, received_by = $2, updated_at = $3 WHERE id = $4
	`, receivedAt, receivedBy, time.Now().UTC(), poID)
	return err
}
