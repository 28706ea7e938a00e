package workorders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-cmms/meridian-cmms/internal/costing"
	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Create(ctx context.Context, wo WorkOrder) (WorkOrder, error)
	Get(ctx context.Context, id int64) (WorkOrder, error)
	List(ctx context.Context, filters ListFilters) ([]WorkOrder, int, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	IssuedParts(ctx context.Context, workOrderID int64) ([]IssuedPart, error)
}

// CostingPort is the slice of the costing engine used by work orders.
type CostingPort interface {
	Issue(ctx context.Context, input costing.IssueInput) (costing.PostingResult, error)
	Return(ctx context.Context, input costing.ReturnInput) (costing.PostingResult, error)
	ListMovements(ctx context.Context, filter costing.MovementFilter) ([]costing.Movement, error)
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

// Service coordinates work order lifecycle and part issuance.
type Service struct {
	repo        RepositoryPort
	engine      CostingPort
	audit       AuditPort
	idempotency IdempotencyPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, engine CostingPort, audit AuditPort, idem IdempotencyPort) *Service {
	return &Service{repo: repo, engine: engine, audit: audit, idempotency: idem}
}

// Create opens a new work order.
func (s *Service) Create(ctx context.Context, wo WorkOrder) (WorkOrder, error) {
	wo.WONumber = strings.TrimSpace(wo.WONumber)
	wo.Title = strings.TrimSpace(wo.Title)
	if wo.Title == "" {
		return WorkOrder{}, errors.New("workorders: title required")
	}
	if wo.WONumber == "" {
		wo.WONumber = "WO-" + strings.ToUpper(uuid.NewString()[:8])
	}
	if wo.Status == "" {
		wo.Status = StatusOpen
	}
	if !wo.Status.Valid() {
		return WorkOrder{}, ErrInvalidStatus
	}
	created, err := s.repo.Create(ctx, wo)
	if err != nil {
		return WorkOrder{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  wo.CreatedBy,
			Action:   "workorders:create",
			Entity:   "work_order",
			EntityID: fmt.Sprintf("%d", created.ID),
			Meta:     map[string]any{"wo_number": created.WONumber},
		})
	}
	return created, nil
}

// Get loads one work order.
func (s *Service) Get(ctx context.Context, id int64) (WorkOrder, error) {
	return s.repo.Get(ctx, id)
}

// List returns work orders.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]WorkOrder, int, error) {
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.Limit < 1 {
		filters.Limit = 20
	}
	return s.repo.List(ctx, filters)
}

// ChangeStatus moves a work order to a new status. Cancelled is final;
// a completed order may be reopened.
func (s *Service) ChangeStatus(ctx context.Context, id int64, status Status, actorID int64) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	wo, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wo.Status == status {
		return nil
	}
	if wo.Status == StatusCancelled {
		return fmt.Errorf("%w: cancelled work orders cannot change status", ErrInvalidStatus)
	}
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "workorders:status",
			Entity:   "work_order",
			EntityID: fmt.Sprintf("%d", id),
			Meta:     map[string]any{"from": wo.Status, "to": status},
		})
	}
	return nil
}

// IssuePartsInput describes one issuance to a work order.
type IssuePartsInput struct {
	WorkOrderID    int64
	PartID         int64
	Qty            int64
	ActorID        int64
	IdempotencyKey string
}

// IssueParts issues stock to the work order at the part's current average
// price. The work order must not be completed or cancelled.
func (s *Service) IssueParts(ctx context.Context, input IssuePartsInput) (costing.PostingResult, error) {
	wo, err := s.repo.Get(ctx, input.WorkOrderID)
	if err != nil {
		return costing.PostingResult{}, err
	}
	if wo.Status.Terminal() {
		return costing.PostingResult{}, ErrTerminalState
	}
	release, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return costing.PostingResult{}, err
	}
	result, err := s.engine.Issue(ctx, costing.IssueInput{
		PartID:      input.PartID,
		Qty:         input.Qty,
		WorkOrderID: input.WorkOrderID,
		ActorID:     input.ActorID,
	})
	if err != nil {
		release()
		return costing.PostingResult{}, err
	}
	return result, nil
}

// ReturnPartsInput describes one return from a work order.
type ReturnPartsInput struct {
	WorkOrderID    int64
	PartID         int64
	Qty            int64
	ActorID        int64
	IdempotencyKey string
}

// ReturnParts posts unused stock back from the work order. The quantity is
// bounded by what the work order actually drew, and the credit uses the
// work order's own issue cost.
func (s *Service) ReturnParts(ctx context.Context, input ReturnPartsInput) (costing.PostingResult, error) {
	wo, err := s.repo.Get(ctx, input.WorkOrderID)
	if err != nil {
		return costing.PostingResult{}, err
	}
	if wo.Status.Terminal() {
		return costing.PostingResult{}, ErrTerminalState
	}
	release, err := s.claimKey(ctx, input.IdempotencyKey)
	if err != nil {
		return costing.PostingResult{}, err
	}
	result, err := s.engine.Return(ctx, costing.ReturnInput{
		PartID:      input.PartID,
		Qty:         input.Qty,
		WorkOrderID: input.WorkOrderID,
		ActorID:     input.ActorID,
	})
	if err != nil {
		release()
		return costing.PostingResult{}, err
	}
	return result, nil
}

// IssuedParts summarizes the work order's part consumption.
func (s *Service) IssuedParts(ctx context.Context, workOrderID int64) ([]IssuedPart, error) {
	if _, err := s.repo.Get(ctx, workOrderID); err != nil {
		return nil, err
	}
	return s.repo.IssuedParts(ctx, workOrderID)
}

// Movements lists the work order's ledger entries.
func (s *Service) Movements(ctx context.Context, workOrderID int64, limit int) ([]costing.Movement, error) {
	if _, err := s.repo.Get(ctx, workOrderID); err != nil {
		return nil, err
	}
	return s.engine.ListMovements(ctx, costing.MovementFilter{WorkOrderID: workOrderID, Limit: limit})
}

// claimKey inserts the idempotency key and returns a release func used to
// free the key when the guarded operation fails.
func (s *Service) claimKey(ctx context.Context, key string) (func(), error) {
	if s.idempotency == nil || key == "" {
		return func() {}, nil
	}
	if err := s.idempotency.CheckAndInsert(ctx, key, "workorders"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, key) }, nil
}
