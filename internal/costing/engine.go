package costing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

// Scale of stored monetary figures: average prices carry four decimal
// places, inventory values are kept at cents.
const (
	avgPriceScale   = 4
	totalValueScale = 2
)

// RepositoryPort abstracts repository usage for the engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// TxRepository exposes the transactional operations one posting needs. The
// account row is locked for the duration of the transaction, so the
// aggregate queries gate the mutation without a read-then-write race.
type TxRepository interface {
	GetAccountForUpdate(ctx context.Context, partID int64) (StockAccount, error)
	SaveAccount(ctx context.Context, account StockAccount) error
	AppendMovement(ctx context.Context, m Movement) (int64, error)
	NetIssuedQty(ctx context.Context, workOrderID, partID int64) (int64, error)
	WeightedIssueCost(ctx context.Context, workOrderID, partID int64) (decimal.Decimal, bool, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts posted movements per direction.
type MetricsPort interface {
	MovementPosted(direction Direction)
}

// Engine applies the moving-average costing rules: every posting reads the
// locked stock account, applies one transition rule and appends a ledger
// entry, all inside a single transaction.
type Engine struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
}

// NewEngine builds the costing engine.
func NewEngine(repo RepositoryPort, audit AuditPort, metrics MetricsPort) *Engine {
	return &Engine{repo: repo, audit: audit, metrics: metrics}
}

// Issue posts a part issue to a work order. Stock leaves at the current
// moving average price; the average itself does not change.
func (e *Engine) Issue(ctx context.Context, input IssueInput) (PostingResult, error) {
	if input.Qty <= 0 {
		return PostingResult{}, ErrInvalidQuantity
	}
	if input.PartID == 0 || input.WorkOrderID == 0 {
		return PostingResult{}, errors.New("costing: part and work order required")
	}
	var result PostingResult
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := loadAccount(ctx, tx, input.PartID)
		if err != nil {
			return err
		}
		if account.QtyOnHand < input.Qty {
			return ErrInsufficientStock
		}
		unitCost := account.AvgPrice
		account.QtyOnHand -= input.Qty
		account.TotalValue = account.TotalValue.Sub(unitCost.Mul(decimal.NewFromInt(input.Qty))).Round(totalValueScale)
		if account.QtyOnHand == 0 {
			account.TotalValue = decimal.Zero
		}
		result, err = e.post(ctx, tx, account, Movement{
			PartID:      input.PartID,
			Qty:         input.Qty,
			Direction:   DirectionIssue,
			UnitCost:    unitCost,
			ActorID:     input.ActorID,
			WorkOrderID: input.WorkOrderID,
			Note:        input.Note,
		})
		return err
	})
	if err != nil {
		return PostingResult{}, err
	}
	e.finish(ctx, result)
	return result, nil
}

// Return posts a part return from a work order back into stock. The return
// is bounded by the net quantity previously issued to that work order for
// the part, and costed at the weighted average of that work order's issue
// costs, both computed from the ledger inside the same transaction.
func (e *Engine) Return(ctx context.Context, input ReturnInput) (PostingResult, error) {
	if input.Qty <= 0 {
		return PostingResult{}, ErrInvalidQuantity
	}
	if input.PartID == 0 || input.WorkOrderID == 0 {
		return PostingResult{}, errors.New("costing: part and work order required")
	}
	var result PostingResult
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := loadAccount(ctx, tx, input.PartID)
		if err != nil {
			return err
		}
		netIssued, err := tx.NetIssuedQty(ctx, input.WorkOrderID, input.PartID)
		if err != nil {
			return err
		}
		if input.Qty > netIssued {
			return ErrExceedsIssuedQuantity
		}
		basis, ok, err := tx.WeightedIssueCost(ctx, input.WorkOrderID, input.PartID)
		if err != nil {
			return err
		}
		if !ok {
			// No issue history for this work order/part: a return cannot
			// establish a cost basis, so fail closed.
			return fmt.Errorf("%w: no issue history for work order %d part %d", ErrInvalidState, input.WorkOrderID, input.PartID)
		}
		account.QtyOnHand += input.Qty
		account.TotalValue = account.TotalValue.Add(basis.Mul(decimal.NewFromInt(input.Qty))).Round(totalValueScale)
		account.AvgPrice = averagePrice(account.TotalValue, account.QtyOnHand)
		result, err = e.post(ctx, tx, account, Movement{
			PartID:      input.PartID,
			Qty:         input.Qty,
			Direction:   DirectionReturn,
			UnitCost:    basis,
			ActorID:     input.ActorID,
			WorkOrderID: input.WorkOrderID,
			Note:        input.Note,
		})
		return err
	})
	if err != nil {
		return PostingResult{}, err
	}
	e.finish(ctx, result)
	return result, nil
}

// Receive posts a goods receipt at the vendor-invoiced unit cost and blends
// it into the moving average. A receipt into an empty account sets the
// average to the receipt cost directly.
func (e *Engine) Receive(ctx context.Context, input ReceiveInput) (PostingResult, error) {
	if input.Qty <= 0 {
		return PostingResult{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return PostingResult{}, ErrInvalidUnitCost
	}
	if input.PartID == 0 {
		return PostingResult{}, errors.New("costing: part required")
	}
	var result PostingResult
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := loadAccount(ctx, tx, input.PartID)
		if err != nil {
			return err
		}
		qty := decimal.NewFromInt(input.Qty)
		if account.QtyOnHand == 0 {
			account.AvgPrice = input.UnitCost.Round(avgPriceScale)
			account.TotalValue = input.UnitCost.Mul(qty).Round(totalValueScale)
			account.QtyOnHand = input.Qty
		} else {
			account.TotalValue = account.TotalValue.Add(input.UnitCost.Mul(qty)).Round(totalValueScale)
			account.QtyOnHand += input.Qty
			account.AvgPrice = averagePrice(account.TotalValue, account.QtyOnHand)
		}
		result, err = e.post(ctx, tx, account, Movement{
			PartID:    input.PartID,
			Qty:       input.Qty,
			Direction: DirectionReceipt,
			UnitCost:  input.UnitCost,
			ActorID:   input.ActorID,
			POLineID:  input.POLineID,
			Note:      input.Note,
		})
		return err
	})
	if err != nil {
		return PostingResult{}, err
	}
	e.finish(ctx, result)
	return result, nil
}

// ReverseReceipt undoes a previously posted receipt at its original unit
// cost. Stock that has since been issued out cannot be reversed.
func (e *Engine) ReverseReceipt(ctx context.Context, input ReverseReceiptInput) (PostingResult, error) {
	if input.Qty <= 0 {
		return PostingResult{}, ErrInvalidQuantity
	}
	if input.UnitCost.IsNegative() {
		return PostingResult{}, ErrInvalidUnitCost
	}
	if input.PartID == 0 {
		return PostingResult{}, errors.New("costing: part required")
	}
	if !input.Reason.Valid() {
		return PostingResult{}, ErrMissingReasonCode
	}
	if input.Reason == ReasonOther && input.Note == "" {
		return PostingResult{}, fmt.Errorf("%w: reason OTHER requires a note", ErrMissingReasonCode)
	}
	var result PostingResult
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := loadAccount(ctx, tx, input.PartID)
		if err != nil {
			return err
		}
		if account.QtyOnHand < input.Qty {
			return ErrInsufficientStock
		}
		account.QtyOnHand -= input.Qty
		if account.QtyOnHand == 0 {
			// Avoids carrying a stale average on an empty account.
			account.TotalValue = decimal.Zero
			account.AvgPrice = decimal.Zero
		} else {
			account.TotalValue = account.TotalValue.Sub(input.UnitCost.Mul(decimal.NewFromInt(input.Qty))).Round(totalValueScale)
			account.AvgPrice = averagePrice(account.TotalValue, account.QtyOnHand)
		}
		result, err = e.post(ctx, tx, account, Movement{
			PartID:    input.PartID,
			Qty:       input.Qty,
			Direction: DirectionReversal,
			UnitCost:  input.UnitCost,
			ActorID:   input.ActorID,
			POLineID:  input.POLineID,
			Reason:    input.Reason,
			Note:      input.Note,
		})
		return err
	})
	if err != nil {
		return PostingResult{}, err
	}
	e.finish(ctx, result)
	return result, nil
}

// NetIssuedToWorkOrder reports the net quantity (issues minus returns)
// charged to a work order for one part.
func (e *Engine) NetIssuedToWorkOrder(ctx context.Context, workOrderID, partID int64) (int64, error) {
	var net int64
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		net, err = tx.NetIssuedQty(ctx, workOrderID, partID)
		return err
	})
	return net, err
}

// ListMovements lists ledger entries matching the filter.
func (e *Engine) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	return e.repo.ListMovements(ctx, filter)
}

func (e *Engine) post(ctx context.Context, tx TxRepository, account StockAccount, m Movement) (PostingResult, error) {
	m.PostedAt = time.Now().UTC()
	account.UpdatedAt = m.PostedAt
	id, err := tx.AppendMovement(ctx, m)
	if err != nil {
		return PostingResult{}, err
	}
	m.ID = id
	if err := tx.SaveAccount(ctx, account); err != nil {
		return PostingResult{}, err
	}
	return PostingResult{Movement: m, Account: account}, nil
}

func (e *Engine) finish(ctx context.Context, result PostingResult) {
	if e.metrics != nil {
		e.metrics.MovementPosted(result.Movement.Direction)
	}
	if e.audit != nil {
		_ = e.audit.Record(ctx, shared.AuditLog{
			ActorID:  result.Movement.ActorID,
			Action:   fmt.Sprintf("costing:%s", result.Movement.Direction),
			Entity:   "stock_movement",
			EntityID: fmt.Sprintf("%d", result.Movement.ID),
			Meta: map[string]any{
				"part_id":   result.Movement.PartID,
				"qty":       result.Movement.Qty,
				"unit_cost": result.Movement.UnitCost.String(),
				"balance":   result.Account.QtyOnHand,
			},
		})
	}
}

func loadAccount(ctx context.Context, tx TxRepository, partID int64) (StockAccount, error) {
	account, err := tx.GetAccountForUpdate(ctx, partID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return StockAccount{PartID: partID, AvgPrice: decimal.Zero, TotalValue: decimal.Zero}, nil
		}
		return StockAccount{}, err
	}
	return account, nil
}

func averagePrice(totalValue decimal.Decimal, qty int64) decimal.Decimal {
	if qty <= 0 {
		return decimal.Zero
	}
	return totalValue.DivRound(decimal.NewFromInt(qty), avgPriceScale)
}
