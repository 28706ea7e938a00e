package workorders

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

const workOrderColumns = `id, wo_number, title, COALESCE(description, ''), COALESCE(equipment, ''), status, created_by, created_at, updated_at, completed_at`

// Repository persists work orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a work order.
func (r *Repository) Create(ctx context.Context, wo WorkOrder) (WorkOrder, error) {
	now := time.Now().UTC()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO work_orders (wo_number, title, description, equipment, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`, wo.WONumber, wo.Title, wo.Description, wo.Equipment, wo.Status, wo.CreatedBy, now).Scan(&wo.ID)
	if err != nil {
		return WorkOrder{}, err
	}
	wo.CreatedAt = now
	wo.UpdatedAt = now
	return wo, nil
}

// Get loads one work order.
func (r *Repository) Get(ctx context.Context, id int64) (WorkOrder, error) {
	var wo WorkOrder
	err := r.pool.QueryRow(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1`, id).Scan(
		&wo.ID, &wo.WONumber, &wo.Title, &wo.Description, &wo.Equipment, &wo.Status,
		&wo.CreatedBy, &wo.CreatedAt, &wo.UpdatedAt, &wo.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkOrder{}, shared.ErrNotFound
	}
	if err != nil {
		return WorkOrder{}, err
	}
	return wo, nil
}

// List returns work orders plus the total count.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]WorkOrder, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		pos := strconv.Itoa(argCount)
		where += ` AND (wo_number ILIKE $` + pos + ` OR title ILIKE $` + pos + ` OR equipment ILIKE $` + pos + `)`
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.Status != "" {
		argCount++
		where += ` AND status = $` + strconv.Itoa(argCount)
		args = append(args, filters.Status)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM work_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + workOrderColumns + ` FROM work_orders` + where + ` ORDER BY created_at DESC`
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

	var result []WorkOrder
	for rows.Next() {
		var wo WorkOrder
		if err := rows.Scan(
			&wo.ID, &wo.WONumber, &wo.Title, &wo.Description, &wo.Equipment, &wo.Status,
			&wo.CreatedBy, &wo.CreatedAt, &wo.UpdatedAt, &wo.CompletedAt,
		); err != nil {
			return nil, 0, err
		}
		result = append(result, wo)
	}
	return result, total, rows.Err()
}

// UpdateStatus moves the work order to a new status. CompletedAt is stamped
// on completion and cleared when a completed order is reopened.
func (r *Repository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	var completedAt *time.Time
	if status == StatusCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE work_orders SET status = $1, completed_at = $2, updated_at = $3 WHERE id = $4
	`, status, completedAt, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// IssuedParts aggregates the work order's part consumption from the ledger.
func (r *Repository) IssuedParts(ctx context.Context, workOrderID int64) ([]IssuedPart, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT m.part_id, p.part_no, p.description,
		       COALESCE(SUM(m.qty) FILTER (WHERE m.direction = 'ISSUE'), 0),
		       COALESCE(SUM(m.qty) FILTER (WHERE m.direction = 'RETURN'), 0),
		       COALESCE(SUM(m.qty * m.unit_cost) FILTER (WHERE m.direction = 'ISSUE'), 0),
		       COALESCE(SUM(m.qty * m.unit_cost) FILTER (WHERE m.direction = 'RETURN'), 0)
		FROM stock_movements m
		JOIN spare_parts p ON p.id = m.part_id
		WHERE m.work_order_id = $1
		GROUP BY m.part_id, p.part_no, p.description
		ORDER BY p.part_no
	`, workOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []IssuedPart
	for rows.Next() {
		var (
			ip           IssuedPart
			issuedCost   decimal.Decimal
			returnedCost decimal.Decimal
		)
		if err := rows.Scan(&ip.PartID, &ip.PartNo, &ip.Description, &ip.QtyIssued, &ip.QtyReturned, &issuedCost, &returnedCost); err != nil {
			return nil, err
		}
		ip.NetQty = ip.QtyIssued - ip.QtyReturned
		ip.TotalCost = issuedCost.Sub(returnedCost).Round(2)
		if ip.QtyIssued > 0 {
			ip.AvgCost = issuedCost.DivRound(decimal.NewFromInt(ip.QtyIssued), 4)
		} else {
			ip.AvgCost = decimal.Zero
		}
		result = append(result, ip)
	}
	return result, rows.Err()
}
