package procurement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-cmms/meridian-cmms/internal/costing"
	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

type memoryRepo struct {
	orders     map[int64]*PurchaseOrder
	lines      map[int64]*Line
	nextPOID   int64
	nextLineID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{orders: make(map[int64]*PurchaseOrder), lines: make(map[int64]*Line)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, r)
}

func (r *memoryRepo) CreatePO(ctx context.Context, po PurchaseOrder) (PurchaseOrder, error) {
	r.nextPOID++
	po.ID = r.nextPOID
	po.CreatedAt = time.Now().UTC()
	po.UpdatedAt = po.CreatedAt
	for i := range po.Lines {
		r.nextLineID++
		po.Lines[i].ID = r.nextLineID
		po.Lines[i].POID = po.ID
		line := po.Lines[i]
		r.lines[line.ID] = &line
	}
	stored := po
	stored.Lines = nil
	r.orders[po.ID] = &stored
	return po, nil
}

func (r *memoryRepo) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	result := *po
	for _, line := range r.lines {
		if line.POID == id {
			result.Lines = append(result.Lines, *line)
		}
	}
	return result, nil
}

func (r *memoryRepo) ListPOs(ctx context.Context, filters ListFilters) ([]PurchaseOrder, int, error) {
	result := []PurchaseOrder{}
	for _, po := range r.orders {
		result = append(result, *po)
	}
	return result, len(result), nil
}

func (r *memoryRepo) UpdatePOHeader(ctx context.Context, id int64, vendor, notes string) error {
	po, ok := r.orders[id]
	if !ok {
		return shared.ErrNotFound
	}
	po.Vendor = vendor
	po.Notes = notes
	return nil
}

func (r *memoryRepo) AddLine(ctx context.Context, line Line) (Line, error) {
	r.nextLineID++
	line.ID = r.nextLineID
	r.lines[line.ID] = &line
	return line, nil
}

func (r *memoryRepo) UpdateLine(ctx context.Context, id int64, line Line) error {
	stored, ok := r.lines[id]
	if !ok {
		return shared.ErrNotFound
	}
	stored.QtyOrdered = line.QtyOrdered
	stored.UnitPrice = line.UnitPrice
	return nil
}

func (r *memoryRepo) DeleteLine(ctx context.Context, id int64) error {
	if _, ok := r.lines[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.lines, id)
	return nil
}

func (r *memoryRepo) GetLineForUpdate(ctx context.Context, lineID int64) (Line, error) {
	line, ok := r.lines[lineID]
	if !ok {
		return Line{}, shared.ErrNotFound
	}
	return *line, nil
}

func (r *memoryRepo) GetPOForUpdate(ctx context.Context, poID int64) (PurchaseOrder, error) {
	po, ok := r.orders[poID]
	if !ok {
		return PurchaseOrder{}, shared.ErrNotFound
	}
	return *po, nil
}

func (r *memoryRepo) ListLines(ctx context.Context, poID int64) ([]Line, error) {
	var lines []Line
	for _, line := range r.lines {
		if line.POID == poID {
			lines = append(lines, *line)
		}
	}
	return lines, nil
}

func (r *memoryRepo) SetLineReceived(ctx context.Context, lineID, qtyReceived int64) error {
	line, ok := r.lines[lineID]
	if !ok {
		return shared.ErrNotFound
	}
	line.QtyReceived = qtyReceived
	return nil
}

func (r *memoryRepo) SetLineFinalDelivery(ctx context.Context, lineID int64, final bool) error {
	line, ok := r.lines[lineID]
	if !ok {
		return shared.ErrNotFound
	}
	line.FinalDelivery = final
	return nil
}

func (r *memoryRepo) SetPOStatus(ctx context.Context, poID int64, status POStatus) error {
	po, ok := r.orders[poID]
	if !ok {
		return shared.ErrNotFound
	}
	po.Status = status
	return nil
}

func (r *memoryRepo) StampSent(ctx context.Context, poID int64) error {
	po, ok := r.orders[poID]
	if !ok {
		return shared.ErrNotFound
	}
	now := time.Now().UTC()
	po.SentAt = &now
	return nil
}

func (r *memoryRepo) SetReceivedStamp(ctx context.Context, poID int64, receivedAt *time.Time, receivedBy *int64) error {
	po, ok := r.orders[poID]
	if !ok {
		return shared.ErrNotFound
	}
	po.ReceivedAt = receivedAt
	po.ReceivedBy = receivedBy
	return nil
}

type stubEngine struct {
	receipts  []costing.ReceiveInput
	reversals []costing.ReverseReceiptInput
	err       error
}

func (e *stubEngine) Receive(ctx context.Context, input costing.ReceiveInput) (costing.PostingResult, error) {
	if e.err != nil {
		return costing.PostingResult{}, e.err
	}
	e.receipts = append(e.receipts, input)
	return costing.PostingResult{Movement: costing.Movement{PartID: input.PartID, Qty: input.Qty, Direction: costing.DirectionReceipt, UnitCost: input.UnitCost}}, nil
}

func (e *stubEngine) ReverseReceipt(ctx context.Context, input costing.ReverseReceiptInput) (costing.PostingResult, error) {
	if !input.Reason.Valid() {
		return costing.PostingResult{}, costing.ErrMissingReasonCode
	}
	e.reversals = append(e.reversals, input)
	return costing.PostingResult{Movement: costing.Movement{PartID: input.PartID, Qty: input.Qty, Direction: costing.DirectionReversal, UnitCost: input.UnitCost}}, nil
}

type memoryKeys struct {
	claimed map[string]bool
}

func newMemoryKeys() *memoryKeys {
	return &memoryKeys{claimed: make(map[string]bool)}
}

func (k *memoryKeys) CheckAndInsert(ctx context.Context, key, module string) error {
	if k.claimed[key] {
		return shared.ErrIdempotencyConflict
	}
	k.claimed[key] = true
	return nil
}

func (k *memoryKeys) Delete(ctx context.Context, key string) error {
	delete(k.claimed, key)
	return nil
}

func seedPO(t *testing.T, svc *Service) PurchaseOrder {
	t.Helper()
	po, err := svc.CreatePO(context.Background(), CreatePOInput{
		Vendor: "Hansen Industrial Supply",
		Lines: []LineInput{
			{PartID: 1, QtyOrdered: 10, UnitPrice: "12.50"},
			{PartID: 2, QtyOrdered: 4, UnitPrice: "80.00"},
		},
	})
	require.NoError(t, err)
	return po
}

func TestReceiveLinePostsAtLinePrice(t *testing.T) {
	repo := newMemoryRepo()
	engine := &stubEngine{}
	svc := NewService(repo, engine, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	require.NoError(t, svc.MarkSent(ctx, po.ID, 1))

	result, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 6, ActorID: 3})
	require.NoError(t, err)
	require.Equal(t, costing.DirectionReceipt, result.Movement.Direction)
	require.Len(t, engine.receipts, 1)
	require.True(t, engine.receipts[0].UnitCost.Equal(decimal.NewFromFloat(12.50)))
	require.Equal(t, po.Lines[0].ID, engine.receipts[0].POLineID)

	got, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartiallyReceived, got.Status)
}

func TestReceiveLineCannotExceedOrdered(t *testing.T) {
	repo := newMemoryRepo()
	engine := &stubEngine{}
	svc := NewService(repo, engine, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 11})
	require.ErrorIs(t, err, ErrExceedsOrderedQuantity)
	require.Empty(t, engine.receipts)

	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 7})
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 4})
	require.ErrorIs(t, err, ErrExceedsOrderedQuantity)
}

func TestFullReceiptCompletesOrder(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubEngine{}, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 10, ActorID: 9})
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[1].ID, Qty: 4, ActorID: 9})
	require.NoError(t, err)

	got, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusReceived, got.Status)
	require.NotNil(t, got.ReceivedAt)
	require.NotNil(t, got.ReceivedBy)
	require.Equal(t, int64(9), *got.ReceivedBy)
}

func TestFinalDeliveryClosesShortShippedLine(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubEngine{}, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 10})
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[1].ID, Qty: 2})
	require.NoError(t, err)

	got, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartiallyReceived, got.Status)

	// Vendor will not ship the remaining 2 units.
	require.NoError(t, svc.SetFinalDelivery(ctx, po.ID, po.Lines[1].ID, true, 1))

	got, err = svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusReceived, got.Status)
	require.NotNil(t, got.ReceivedAt)
}

func TestReverseReceiptReopensOrder(t *testing.T) {
	repo := newMemoryRepo()
	engine := &stubEngine{}
	svc := NewService(repo, engine, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 10})
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[1].ID, Qty: 4})
	require.NoError(t, err)

	_, err = svc.ReverseReceipt(ctx, ReverseReceiptInput{
		POID: po.ID, LineID: po.Lines[0].ID, Qty: 3,
		Reason: costing.ReasonDamaged, ActorID: 2,
	})
	require.NoError(t, err)
	require.Len(t, engine.reversals, 1)
	require.True(t, engine.reversals[0].UnitCost.Equal(decimal.NewFromFloat(12.50)))

	got, err := svc.GetPO(ctx, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartiallyReceived, got.Status)
	require.Nil(t, got.ReceivedAt, "received stamp must clear when the order reopens")
	require.Nil(t, got.ReceivedBy)
}

func TestReverseReceiptBoundedByReceived(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubEngine{}, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 5})
	require.NoError(t, err)

	_, err = svc.ReverseReceipt(ctx, ReverseReceiptInput{
		POID: po.ID, LineID: po.Lines[0].ID, Qty: 6,
		Reason: costing.ReasonOverShipment,
	})
	require.ErrorIs(t, err, ErrExceedsReceivedQuantity)
}

func TestReceiveRejectedOnTerminalStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubEngine{}, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	require.NoError(t, svc.Cancel(ctx, po.ID, 1))

	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 1})
	require.ErrorIs(t, err, ErrNotReceivable)

	other := seedPO(t, svc)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: other.ID, LineID: other.Lines[0].ID, Qty: 10})
	require.NoError(t, err)
	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: other.ID, LineID: other.Lines[1].ID, Qty: 4})
	require.NoError(t, err)

	_, err = svc.ReceiveLine(ctx, ReceiveLineInput{POID: other.ID, LineID: other.Lines[0].ID, Qty: 1})
	require.ErrorIs(t, err, ErrNotReceivable)
}

func TestCancelRejectedAfterReceipts(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubEngine{}, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	_, err := svc.ReceiveLine(ctx, ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 1})
	require.NoError(t, err)

	require.ErrorIs(t, svc.Cancel(ctx, po.ID, 1), ErrHasReceipts)
}

func TestEditingLockedAfterSend(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &stubEngine{}, nil, nil)
	ctx := context.Background()

	po := seedPO(t, svc)
	require.NoError(t, svc.MarkSent(ctx, po.ID, 1))

	require.ErrorIs(t, svc.UpdatePO(ctx, po.ID, "Other Vendor", "", 1), ErrNotEditable)
	_, err := svc.AddLine(ctx, po.ID, LineInput{PartID: 3, QtyOrdered: 1, UnitPrice: "1.00"}, 1)
	require.ErrorIs(t, err, ErrNotEditable)
	require.ErrorIs(t, svc.DeleteLine(ctx, po.ID, po.Lines[0].ID, 1), ErrNotEditable)

	// Sending twice is not a valid transition.
	require.ErrorIs(t, svc.MarkSent(ctx, po.ID, 1), ErrInvalidTransition)
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	repo := newMemoryRepo()
	engine := &stubEngine{}
	svc := NewService(repo, engine, nil, newMemoryKeys())
	ctx := context.Background()

	po := seedPO(t, svc)
	input := ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 2, IdempotencyKey: "grn-1"}
	_, err := svc.ReceiveLine(ctx, input)
	require.NoError(t, err)

	_, err = svc.ReceiveLine(ctx, input)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, engine.receipts, 1, "replayed posting must not reach the engine")
}

func TestFailedReceiptReleasesIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	engine := &stubEngine{err: errors.New("posting failed")}
	keys := newMemoryKeys()
	svc := NewService(repo, engine, nil, keys)
	ctx := context.Background()

	po := seedPO(t, svc)
	input := ReceiveLineInput{POID: po.ID, LineID: po.Lines[0].ID, Qty: 2, IdempotencyKey: "grn-retry"}
	_, err := svc.ReceiveLine(ctx, input)
	require.Error(t, err)

	// The failed posting released the key, so the retry goes through.
	engine.err = nil
	_, err = svc.ReceiveLine(ctx, input)
	require.NoError(t, err)
	require.Len(t, engine.receipts, 1)

	line, err := repo.GetLineForUpdate(ctx, po.Lines[0].ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), line.QtyReceived)
}

func TestCreatePOValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), &stubEngine{}, nil, nil)
	ctx := context.Background()

	_, err := svc.CreatePO(ctx, CreatePOInput{Vendor: "", Lines: []LineInput{{PartID: 1, QtyOrdered: 1, UnitPrice: "1"}}})
	require.Error(t, err)

	_, err = svc.CreatePO(ctx, CreatePOInput{Vendor: "Vendor"})
	require.Error(t, err)

	_, err = svc.CreatePO(ctx, CreatePOInput{Vendor: "Vendor", Lines: []LineInput{{PartID: 1, QtyOrdered: 1, UnitPrice: "not-a-price"}}})
	require.Error(t, err)

	_, err = svc.CreatePO(ctx, CreatePOInput{Vendor: "Vendor", Lines: []LineInput{{PartID: 1, QtyOrdered: 0, UnitPrice: "1"}}})
	require.Error(t, err)
}
