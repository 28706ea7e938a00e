package procurement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-cmms/meridian-cmms/internal/costing"
	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	CreatePO(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error)
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error)
	UpdatePOHeader(ctx context.Context, id int64, vendor, notes string) error
	AddLine(ctx context.Context, line Line) (Line, error)
	UpdateLine(ctx context.Context, id int64, line Line) error
	DeleteLine(ctx context.Context, id int64) error
}

// TxRepository is the transactional slice used during receiving.
type TxRepository interface {
	GetLineForUpdate(ctx context.Context, lineID int64) (Line, error)
	GetPOForUpdate(ctx context.Context, poID int64) (PurchaseOrder, error)
	ListLines(ctx context.Context, poID int64) ([]Line, error)
	SetLineReceived(ctx context.Context, lineID, qtyReceived int64) error
	SetLineFinalDelivery(ctx context.Context, lineID int64, final bool) error
	SetPOStatus(ctx context.Context, poID int64, status POStatus) error
	StampSent(ctx context.Context, poID int64) error
	SetReceivedStamp(ctx context.Context, poID int64, receivedAt *time.Time, receivedBy *int64) error
}

// CostingPort is the slice of the costing engine used by procurement.
type CostingPort interface {
	Receive(ctx context.Context, input costing.ReceiveInput) (costing.PostingResult, error)
	ReverseReceipt(ctx context.Context, input costing.ReverseReceiptInput) (costing.PostingResult, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort claims and releases posting idempotency keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service orchestrates purchase order flows.
type Service struct {
	repo        RepositoryPort
	engine      CostingPort
	audit       AuditPort
	idempotency IdempotencyPort
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, engine CostingPort, audit AuditPort, idem IdempotencyPort) *Service {
	return &Service{repo: repo, engine: engine, audit: audit, idempotency: idem}
}

// CreatePOInput describes a new purchase order.
type CreatePOInput struct {
	PONumber string
	Vendor   string
	Notes    string
	ActorID  int64
	Lines    []LineInput
}

// LineInput describes one order line.
type LineInput struct {
	PartID     int64
	QtyOrdered int64
	UnitPrice  string
}

// CreatePO persists a draft order with its lines.
func (s *Service) CreatePO(ctx context.Context, input CreatePOInput) (PurchaseOrder, error) {
	input.Vendor = strings.TrimSpace(input.Vendor)
	if input.Vendor == "" {
		return PurchaseOrder{}, errors.New("procurement: vendor required")
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, errors.New("procurement: at least one line required")
	}
	if input.PONumber == "" {
		input.PONumber = "PO-" + strings.ToUpper(uuid.NewString()[:8])
	}
	po := PurchaseOrder{
		PONumber:  input.PONumber,
		Vendor:    input.Vendor,
		Status:    POStatusOpen,
		Notes:     input.Notes,
		CreatedBy: input.ActorID,
	}
	for _, li := range input.Lines {
		line, err := lineFromInput(li)
		if err != nil {
			return PurchaseOrder{}, err
		}
		po.Lines = append(po.Lines, line)
	}
	created, err := s.repo.CreatePO(ctx, po)
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "procurement:po_create", created.ID, map[string]any{"po_number": created.PONumber})
	return created, nil
}

// GetPO loads an order with lines.
func (s *Service) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	return s.repo.GetPO(ctx, id)
}

// ListPOs returns order headers.
func (s *Service) ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.Limit < 1 {
		filters.Limit = 20
	}
	return s.repo.ListPOs(ctx, filters)
}

// UpdatePO rewrites vendor and notes while the order is a draft.
func (s *Service) UpdatePO(ctx context.Context, id int64, vendor, notes string, actorID int64) error {
	po, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return err
	}
	if !po.Status.Editable() {
		return ErrNotEditable
	}
	vendor = strings.TrimSpace(vendor)
	if vendor == "" {
		return errors.New("procurement: vendor required")
	}
	if err := s.repo.UpdatePOHeader(ctx, id, vendor, notes); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "procurement:po_update", id, nil)
	return nil
}

// AddLine appends a line while the order is a draft.
func (s *Service) AddLine(ctx context.Context, poID int64, input LineInput, actorID int64) (Line, error) {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return Line{}, err
	}
	if !po.Status.Editable() {
		return Line{}, ErrNotEditable
	}
	line, err := lineFromInput(input)
	if err != nil {
		return Line{}, err
	}
	line.POID = poID
	created, err := s.repo.AddLine(ctx, line)
	if err != nil {
		return Line{}, err
	}
	s.recordAudit(ctx, actorID, "procurement:line_add", poID, map[string]any{"part_id": line.PartID})
	return created, nil
}

// UpdateLine rewrites a draft order line.
func (s *Service) UpdateLine(ctx context.Context, poID, lineID int64, input LineInput, actorID int64) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !po.Status.Editable() {
		return ErrNotEditable
	}
	line, err := lineFromInput(input)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateLine(ctx, lineID, line); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "procurement:line_update", poID, map[string]any{"line_id": lineID})
	return nil
}

// DeleteLine removes a draft order line.
func (s *Service) DeleteLine(ctx context.Context, poID, lineID int64, actorID int64) error {
	po, err := s.repo.GetPO(ctx, poID)
	if err != nil {
		return err
	}
	if !po.Status.Editable() {
		return ErrNotEditable
	}
	if err := s.repo.DeleteLine(ctx, lineID); err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "procurement:line_delete", poID, map[string]any{"line_id": lineID})
	return nil
}

// MarkSent transitions a draft order to SENT.
func (s *Service) MarkSent(ctx context.Context, poID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status != POStatusOpen {
			return ErrInvalidTransition
		}
		if err := tx.SetPOStatus(ctx, poID, POStatusSent); err != nil {
			return err
		}
		return tx.StampSent(ctx, poID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "procurement:po_sent", poID, nil)
	return nil
}

// Cancel voids an order that has no posted receipts.
func (s *Service) Cancel(ctx context.Context, poID int64, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status == POStatusReceived || po.Status == POStatusCancelled {
			return ErrInvalidTransition
		}
		lines, err := tx.ListLines(ctx, poID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if line.QtyReceived > 0 {
				return ErrHasReceipts
			}
		}
		return tx.SetPOStatus(ctx, poID, POStatusCancelled)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "procurement:po_cancel", poID, nil)
	return nil
}

// ReceiveLineInput describes one goods receipt against an order line.
type ReceiveLineInput struct {
	POID           int64
	LineID         int64
	Qty            int64
	ActorID        int64
	IdempotencyKey string
}

// ReceiveLine posts a goods receipt. Stock is valued at the line's unit
// price, the line's received quantity grows, and the order moves through
// PARTIALLY_RECEIVED to RECEIVED once every line is complete.
func (s *Service) ReceiveLine(ctx context.Context, input ReceiveLineInput) (costing.PostingResult, error) {
	if input.Qty <= 0 {
		return costing.PostingResult{}, costing.ErrInvalidQuantity
	}
	release, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return costing.PostingResult{}, err
	}
	var result costing.PostingResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, input.POID)
		if err != nil {
			return err
		}
		if !po.Status.Receivable() {
			return ErrNotReceivable
		}
		line, err := tx.GetLineForUpdate(ctx, input.LineID)
		if err != nil {
			return err
		}
		if line.POID != input.POID {
			return shared.ErrNotFound
		}
		if input.Qty > line.Remaining() {
			return ErrExceedsOrderedQuantity
		}
		// The engine commits the account and ledger writes in its own
		// transaction; the line and order status follow in this one.
		result, err = s.engine.Receive(ctx, costing.ReceiveInput{
			PartID:   line.PartID,
			Qty:      input.Qty,
			UnitCost: line.UnitPrice,
			POLineID: line.ID,
			ActorID:  input.ActorID,
		})
		if err != nil {
			return err
		}
		line.QtyReceived += input.Qty
		if err := tx.SetLineReceived(ctx, line.ID, line.QtyReceived); err != nil {
			return err
		}
		return s.settlePOStatus(ctx, tx, po, line, input.ActorID)
	})
	if err != nil {
		release()
		return costing.PostingResult{}, err
	}
	s.recordAudit(ctx, input.ActorID, "procurement:receive", input.POID, map[string]any{
		"line_id": input.LineID,
		"qty":     input.Qty,
	})
	return result, nil
}

// ReverseReceiptInput describes the undo of goods previously received.
type ReverseReceiptInput struct {
	POID           int64
	LineID         int64
	Qty            int64
	Reason         costing.ReasonCode
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// ReverseReceipt backs out a receipt at the line's unit price. The reversal
// is bounded by the line's received quantity and walks the order status
// backwards, clearing the received stamp when the order reopens.
func (s *Service) ReverseReceipt(ctx context.Context, input ReverseReceiptInput) (costing.PostingResult, error) {
	if input.Qty <= 0 {
		return costing.PostingResult{}, costing.ErrInvalidQuantity
	}
	release, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return costing.PostingResult{}, err
	}
	var result costing.PostingResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, input.POID)
		if err != nil {
			return err
		}
		if po.Status == POStatusCancelled {
			return ErrInvalidTransition
		}
		line, err := tx.GetLineForUpdate(ctx, input.LineID)
		if err != nil {
			return err
		}
		if line.POID != input.POID {
			return shared.ErrNotFound
		}
		if input.Qty > line.QtyReceived {
			return ErrExceedsReceivedQuantity
		}
		// Engine posting commits first; the line and status follow here.
		result, err = s.engine.ReverseReceipt(ctx, costing.ReverseReceiptInput{
			PartID:   line.PartID,
			Qty:      input.Qty,
			UnitCost: line.UnitPrice,
			POLineID: line.ID,
			ActorID:  input.ActorID,
			Reason:   input.Reason,
			Note:     input.Note,
		})
		if err != nil {
			return err
		}
		line.QtyReceived -= input.Qty
		if err := tx.SetLineReceived(ctx, line.ID, line.QtyReceived); err != nil {
			return err
		}
		return s.settlePOStatus(ctx, tx, po, line, input.ActorID)
	})
	if err != nil {
		release()
		return costing.PostingResult{}, err
	}
	s.recordAudit(ctx, input.ActorID, "procurement:reverse_receipt", input.POID, map[string]any{
		"line_id": input.LineID,
		"qty":     input.Qty,
		"reason":  input.Reason,
	})
	return result, nil
}

// SetFinalDelivery flags a short-shipped line as closed, or reopens it.
func (s *Service) SetFinalDelivery(ctx context.Context, poID, lineID int64, final bool, actorID int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		po, err := tx.GetPOForUpdate(ctx, poID)
		if err != nil {
			return err
		}
		if po.Status == POStatusCancelled {
			return ErrInvalidTransition
		}
		line, err := tx.GetLineForUpdate(ctx, lineID)
		if err != nil {
			return err
		}
		if line.POID != poID {
			return shared.ErrNotFound
		}
		if err := tx.SetLineFinalDelivery(ctx, lineID, final); err != nil {
			return err
		}
		line.FinalDelivery = final
		return s.settlePOStatus(ctx, tx, po, line, actorID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, "procurement:final_delivery", poID, map[string]any{"line_id": lineID, "final": final})
	return nil
}

// settlePOStatus recomputes order status from its lines after one line
// changed. The changed line is passed in because its row was already
// rewritten in this transaction.
func (s *Service) settlePOStatus(ctx context.Context, tx TxRepository, po PurchaseOrder, changed Line, actorID int64) error {
	lines, err := tx.ListLines(ctx, po.ID)
	if err != nil {
		return err
	}
	allComplete := len(lines) > 0
	anyReceived := false
	for i := range lines {
		if lines[i].ID == changed.ID {
			lines[i] = changed
		}
		if !lines[i].Complete() {
			allComplete = false
		}
		if lines[i].QtyReceived > 0 {
			anyReceived = true
		}
	}

	var next POStatus
	switch {
	case allComplete:
		next = POStatusReceived
	case anyReceived:
		next = POStatusPartiallyReceived
	case po.SentAt != nil:
		next = POStatusSent
	default:
		next = POStatusOpen
	}
	if next == po.Status {
		return nil
	}
	if err := tx.SetPOStatus(ctx, po.ID, next); err != nil {
		return err
	}
	if next == POStatusReceived {
		now := time.Now().UTC()
		return tx.SetReceivedStamp(ctx, po.ID, &now, &actorID)
	}
	if po.Status == POStatusReceived {
		// Reopened by a reversal or an unset final-delivery flag.
		return tx.SetReceivedStamp(ctx, po.ID, nil, nil)
	}
	return nil
}

func (s *Service) claimKey(ctx context.Context, key string) (func(), error) {
	if s.idempotency == nil || key == "" {
		return func() {}, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "procurement"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, key) }, nil
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}

func lineFromInput(input LineInput) (Line, error) {
	if input.PartID == 0 {
		return Line{}, errors.New("procurement: part required")
	}
	if input.QtyOrdered <= 0 {
		return Line{}, errors.New("procurement: ordered quantity must be positive")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(input.UnitPrice))
	if err != nil {
		return Line{}, fmt.Errorf("procurement: invalid unit price: %w", err)
	}
	if price.IsNegative() {
		return Line{}, errors.New("procurement: unit price must not be negative")
	}
	return Line{PartID: input.PartID, QtyOrdered: input.QtyOrdered, UnitPrice: price}, nil
}
