package costing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	accounts  map[int64]StockAccount
	movements []Movement
	nextID    int64
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{accounts: make(map[int64]StockAccount)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r}
	return fn(ctx, tx)
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	result := []Movement{}
	for _, m := range r.movements {
		if filter.PartID != 0 && m.PartID != filter.PartID {
			continue
		}
		if filter.WorkOrderID != 0 && m.WorkOrderID != filter.WorkOrderID {
			continue
		}
		if filter.POLineID != 0 && m.POLineID != filter.POLineID {
			continue
		}
		result = append(result, m)
	}
	return result, nil
}

func (tx *memoryTx) GetAccountForUpdate(ctx context.Context, partID int64) (StockAccount, error) {
	if account, ok := tx.repo.accounts[partID]; ok {
		return account, nil
	}
	return StockAccount{PartID: partID}, ErrAccountNotFound
}

func (tx *memoryTx) SaveAccount(ctx context.Context, account StockAccount) error {
	tx.repo.accounts[account.PartID] = account
	return nil
}

func (tx *memoryTx) AppendMovement(ctx context.Context, m Movement) (int64, error) {
	tx.repo.nextID++
	m.ID = tx.repo.nextID
	tx.repo.movements = append(tx.repo.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) NetIssuedQty(ctx context.Context, workOrderID, partID int64) (int64, error) {
	var net int64
	for _, m := range tx.repo.movements {
		if m.WorkOrderID != workOrderID || m.PartID != partID {
			continue
		}
		switch m.Direction {
		case DirectionIssue:
			net += m.Qty
		case DirectionReturn:
			net -= m.Qty
		}
	}
	return net, nil
}

func (tx *memoryTx) WeightedIssueCost(ctx context.Context, workOrderID, partID int64) (decimal.Decimal, bool, error) {
	totalQty := decimal.Zero
	totalCost := decimal.Zero
	for _, m := range tx.repo.movements {
		if m.WorkOrderID != workOrderID || m.PartID != partID || m.Direction != DirectionIssue {
			continue
		}
		qty := decimal.NewFromInt(m.Qty)
		totalQty = totalQty.Add(qty)
		totalCost = totalCost.Add(qty.Mul(m.UnitCost))
	}
	if totalQty.IsZero() {
		return decimal.Zero, false, nil
	}
	return totalCost.DivRound(totalQty, avgPriceScale), true, nil
}

func requireReconciled(t *testing.T, account StockAccount) {
	t.Helper()
	expected := account.AvgPrice.Mul(decimal.NewFromInt(account.QtyOnHand))
	diff := account.TotalValue.Sub(expected).Abs()
	require.True(t, diff.LessThanOrEqual(decimal.NewFromFloat(0.01)),
		"value %s does not reconcile with qty %d x avg %s", account.TotalValue, account.QtyOnHand, account.AvgPrice)
}

func TestFirstReceiptSetsAveragePriceDirectly(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	result, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 50, UnitCost: decimal.NewFromFloat(12.00), POLineID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(50), result.Account.QtyOnHand)
	require.True(t, result.Account.AvgPrice.Equal(decimal.NewFromFloat(12.00)))
	require.True(t, result.Account.TotalValue.Equal(decimal.NewFromFloat(600.00)))
	requireReconciled(t, result.Account)
}

func TestReceiptBlendsMovingAverage(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 100, UnitCost: decimal.NewFromFloat(10.00)})
	require.NoError(t, err)

	result, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 50, UnitCost: decimal.NewFromFloat(16.00)})
	require.NoError(t, err)
	require.Equal(t, int64(150), result.Account.QtyOnHand)
	require.True(t, result.Account.TotalValue.Equal(decimal.NewFromFloat(1800.00)))
	require.True(t, result.Account.AvgPrice.Equal(decimal.NewFromFloat(12.00)))
	requireReconciled(t, result.Account)
}

func TestIssueLeavesAverageUnchanged(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 15, UnitCost: decimal.NewFromFloat(106.6667)})
	require.NoError(t, err)

	result, err := engine.Issue(ctx, IssueInput{PartID: 1, Qty: 8, WorkOrderID: 3, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, int64(7), result.Account.QtyOnHand)
	require.True(t, result.Movement.UnitCost.Equal(decimal.NewFromFloat(106.6667)))
	require.True(t, result.Account.AvgPrice.Equal(decimal.NewFromFloat(106.6667)))
	requireReconciled(t, result.Account)
}

func TestInsufficientStockLeavesStateUnchanged(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 5, UnitCost: decimal.NewFromFloat(3.50)})
	require.NoError(t, err)

	before := repo.accounts[1]
	_, err = engine.Issue(ctx, IssueInput{PartID: 1, Qty: 10, WorkOrderID: 3})
	require.ErrorIs(t, err, ErrInsufficientStock)
	require.Equal(t, before, repo.accounts[1])
	require.Len(t, repo.movements, 1)
}

func TestIssueReturnRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(5.00)})
	require.NoError(t, err)

	_, err = engine.Issue(ctx, IssueInput{PartID: 1, Qty: 10, WorkOrderID: 42})
	require.NoError(t, err)
	require.Equal(t, int64(0), repo.accounts[1].QtyOnHand)

	result, err := engine.Return(ctx, ReturnInput{PartID: 1, Qty: 10, WorkOrderID: 42})
	require.NoError(t, err)
	require.Equal(t, int64(10), result.Account.QtyOnHand)
	require.True(t, result.Account.AvgPrice.Equal(decimal.NewFromFloat(5.00)))
	require.True(t, result.Account.TotalValue.Equal(decimal.NewFromFloat(50.00)))
	requireReconciled(t, result.Account)
}

func TestReturnUsesWeightedIssueCostNotCurrentAverage(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	// Issue 10 at average 5.00 to the work order.
	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(5.00)})
	require.NoError(t, err)
	_, err = engine.Issue(ctx, IssueInput{PartID: 1, Qty: 10, WorkOrderID: 9})
	require.NoError(t, err)

	// New receipt moves the account average to 8.00.
	_, err = engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(8.00)})
	require.NoError(t, err)

	result, err := engine.Return(ctx, ReturnInput{PartID: 1, Qty: 4, WorkOrderID: 9})
	require.NoError(t, err)
	require.True(t, result.Movement.UnitCost.Equal(decimal.NewFromFloat(5.00)), "return must be costed at the work order's issue cost")
	require.Equal(t, int64(14), result.Account.QtyOnHand)
	// 10x8.00 + 4x5.00 = 100.00
	require.True(t, result.Account.TotalValue.Equal(decimal.NewFromFloat(100.00)))
	requireReconciled(t, result.Account)
}

func TestReturnBoundedByNetIssued(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(5.00)})
	require.NoError(t, err)
	_, err = engine.Issue(ctx, IssueInput{PartID: 1, Qty: 6, WorkOrderID: 9})
	require.NoError(t, err)
	_, err = engine.Return(ctx, ReturnInput{PartID: 1, Qty: 2, WorkOrderID: 9})
	require.NoError(t, err)

	_, err = engine.Return(ctx, ReturnInput{PartID: 1, Qty: 5, WorkOrderID: 9})
	require.ErrorIs(t, err, ErrExceedsIssuedQuantity)
}

// noBasisRepo reports a positive net issued quantity while the issue cost
// aggregate is empty, as a corrupted or migrated ledger could.
type noBasisRepo struct {
	*memoryRepo
}

type noBasisTx struct {
	*memoryTx
}

func (r *noBasisRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &noBasisTx{memoryTx: &memoryTx{repo: r.memoryRepo}})
}

func (tx *noBasisTx) NetIssuedQty(ctx context.Context, workOrderID, partID int64) (int64, error) {
	return 5, nil
}

func (tx *noBasisTx) WeightedIssueCost(ctx context.Context, workOrderID, partID int64) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func TestReturnWithoutIssueHistoryFailsClosed(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Return(ctx, ReturnInput{PartID: 1, Qty: 1, WorkOrderID: 9})
	require.ErrorIs(t, err, ErrExceedsIssuedQuantity)

	engine = NewEngine(&noBasisRepo{memoryRepo: repo}, nil, nil)
	_, err = engine.Return(ctx, ReturnInput{PartID: 1, Qty: 1, WorkOrderID: 9})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReversalRequiresReason(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(4.00), POLineID: 2})
	require.NoError(t, err)

	_, err = engine.ReverseReceipt(ctx, ReverseReceiptInput{PartID: 1, Qty: 1, UnitCost: decimal.NewFromFloat(4.00), POLineID: 2})
	require.ErrorIs(t, err, ErrMissingReasonCode)

	_, err = engine.ReverseReceipt(ctx, ReverseReceiptInput{PartID: 1, Qty: 1, UnitCost: decimal.NewFromFloat(4.00), POLineID: 2, Reason: ReasonOther})
	require.ErrorIs(t, err, ErrMissingReasonCode)

	_, err = engine.ReverseReceipt(ctx, ReverseReceiptInput{PartID: 1, Qty: 1, UnitCost: decimal.NewFromFloat(4.00), POLineID: 2, Reason: ReasonOther, Note: "counted twice"})
	require.NoError(t, err)
}

func TestReversalToZeroResetsAccount(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(4.25), POLineID: 2})
	require.NoError(t, err)

	result, err := engine.ReverseReceipt(ctx, ReverseReceiptInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(4.25), POLineID: 2, Reason: ReasonDamaged})
	require.NoError(t, err)
	require.Equal(t, int64(0), result.Account.QtyOnHand)
	require.True(t, result.Account.AvgPrice.IsZero())
	require.True(t, result.Account.TotalValue.IsZero())
}

func TestReversalCannotExceedOnHand(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	_, err := engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 10, UnitCost: decimal.NewFromFloat(4.00), POLineID: 2})
	require.NoError(t, err)
	_, err = engine.Issue(ctx, IssueInput{PartID: 1, Qty: 7, WorkOrderID: 5})
	require.NoError(t, err)

	// Only 3 remain on hand even though 10 were received.
	_, err = engine.ReverseReceipt(ctx, ReverseReceiptInput{PartID: 1, Qty: 5, UnitCost: decimal.NewFromFloat(4.00), POLineID: 2, Reason: ReasonDamaged})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestReconciliationAcrossMixedSequence(t *testing.T) {
	repo := newMemoryRepo()
	engine := NewEngine(repo, nil, nil)
	ctx := context.Background()

	steps := []func() (PostingResult, error){
		func() (PostingResult, error) {
			return engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 30, UnitCost: decimal.NewFromFloat(9.99), POLineID: 1})
		},
		func() (PostingResult, error) {
			return engine.Issue(ctx, IssueInput{PartID: 1, Qty: 7, WorkOrderID: 2})
		},
		func() (PostingResult, error) {
			return engine.Receive(ctx, ReceiveInput{PartID: 1, Qty: 11, UnitCost: decimal.NewFromFloat(14.50), POLineID: 1})
		},
		func() (PostingResult, error) {
			return engine.Return(ctx, ReturnInput{PartID: 1, Qty: 3, WorkOrderID: 2})
		},
		func() (PostingResult, error) {
			return engine.ReverseReceipt(ctx, ReverseReceiptInput{PartID: 1, Qty: 4, UnitCost: decimal.NewFromFloat(14.50), POLineID: 1, Reason: ReasonOverShipment})
		},
		func() (PostingResult, error) {
			return engine.Issue(ctx, IssueInput{PartID: 1, Qty: 12, WorkOrderID: 6})
		},
	}
	for i, step := range steps {
		result, err := step()
		require.NoError(t, err, "step %d", i)
		requireReconciled(t, result.Account)
		require.GreaterOrEqual(t, result.Account.QtyOnHand, int64(0))
	}
}
