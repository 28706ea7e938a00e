package parts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

type memoryRepo struct {
	parts        map[int64]PartStock
	nextID       int64
	summaryCalls int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{parts: make(map[int64]PartStock)}
}

func (r *memoryRepo) Create(ctx context.Context, part Part) (Part, error) {
	for _, existing := range r.parts {
		if existing.PartNo == part.PartNo {
			return Part{}, ErrDuplicatePartNo
		}
	}
	r.nextID++
	part.ID = r.nextID
	part.CreatedAt = time.Now().UTC()
	part.UpdatedAt = part.CreatedAt
	r.parts[part.ID] = PartStock{Part: part, AvgPrice: decimal.Zero, TotalValue: decimal.Zero}
	return part, nil
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (PartStock, error) {
	ps, ok := r.parts[id]
	if !ok {
		return PartStock{}, shared.ErrNotFound
	}
	ps.Status = StockStatusFor(ps.Part, ps.QtyOnHand)
	return ps, nil
}

func (r *memoryRepo) GetByPartNo(ctx context.Context, partNo string) (PartStock, error) {
	for _, ps := range r.parts {
		if ps.PartNo == partNo {
			ps.Status = StockStatusFor(ps.Part, ps.QtyOnHand)
			return ps, nil
		}
	}
	return PartStock{}, shared.ErrNotFound
}

func (r *memoryRepo) List(ctx context.Context, filters ListFilters) ([]PartStock, int, error) {
	result := []PartStock{}
	for _, ps := range r.parts {
		ps.Status = StockStatusFor(ps.Part, ps.QtyOnHand)
		if filters.Status != "" && ps.Status != filters.Status {
			continue
		}
		result = append(result, ps)
	}
	return result, len(result), nil
}

func (r *memoryRepo) Update(ctx context.Context, id int64, part Part) error {
	ps, ok := r.parts[id]
	if !ok {
		return shared.ErrNotFound
	}
	part.ID = id
	ps.Part = part
	r.parts[id] = ps
	return nil
}

func (r *memoryRepo) Delete(ctx context.Context, id int64) error {
	if _, ok := r.parts[id]; !ok {
		return shared.ErrNotFound
	}
	delete(r.parts, id)
	return nil
}

func (r *memoryRepo) StockSummary(ctx context.Context) (StockSummary, error) {
	r.summaryCalls++
	summary := StockSummary{PartCount: len(r.parts), TotalValue: decimal.Zero, GeneratedAt: time.Now().UTC()}
	for _, ps := range r.parts {
		summary.TotalQty += ps.QtyOnHand
		summary.TotalValue = summary.TotalValue.Add(ps.TotalValue)
		if StockStatusFor(ps.Part, ps.QtyOnHand) == StockStatusLow {
			summary.LowStockCount++
		}
	}
	return summary, nil
}

func (r *memoryRepo) ListBelowReorder(ctx context.Context) ([]PartStock, error) {
	result, _, err := r.List(ctx, ListFilters{Status: StockStatusLow})
	return result, err
}

func newTestCache(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestCreateRejectsBlankFields(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)

	_, err := svc.Create(context.Background(), Part{PartNo: "  ", Description: "Bearing"}, 1)
	require.Error(t, err)

	_, err = svc.Create(context.Background(), Part{PartNo: "BRG-6204", Description: ""}, 1)
	require.Error(t, err)
}

func TestCreateRejectsDuplicatePartNo(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil)
	ctx := context.Background()

	_, err := svc.Create(ctx, Part{PartNo: "BRG-6204", Description: "Deep groove bearing"}, 1)
	require.NoError(t, err)

	_, err = svc.Create(ctx, Part{PartNo: "BRG-6204", Description: "Another bearing"}, 1)
	require.ErrorIs(t, err, ErrDuplicatePartNo)
}

func TestStockStatusClassification(t *testing.T) {
	p := Part{ReorderPoint: 5, MaximumStock: 100}
	require.Equal(t, StockStatusLow, StockStatusFor(p, 0))
	require.Equal(t, StockStatusLow, StockStatusFor(p, 4))
	// Sitting exactly on the reorder point is not yet low.
	require.Equal(t, StockStatusOK, StockStatusFor(p, 5))
	require.Equal(t, StockStatusOK, StockStatusFor(p, 6))
	require.Equal(t, StockStatusOK, StockStatusFor(p, 100))
	require.Equal(t, StockStatusExceeds, StockStatusFor(p, 101))

	// No thresholds configured means always ok.
	require.Equal(t, StockStatusOK, StockStatusFor(Part{}, 0))
}

func TestStockSummaryIsCached(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, newTestCache(t))
	ctx := context.Background()

	_, err := svc.Create(ctx, Part{PartNo: "FLT-001", Description: "Hydraulic filter"}, 1)
	require.NoError(t, err)

	first, err := svc.StockSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.PartCount)
	require.Equal(t, 1, repo.summaryCalls)

	second, err := svc.StockSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, first.PartCount, second.PartCount)
	require.Equal(t, 1, repo.summaryCalls, "second read must come from cache")
}

func TestMutationsBustSummaryCache(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, newTestCache(t))
	ctx := context.Background()

	_, err := svc.Create(ctx, Part{PartNo: "FLT-001", Description: "Hydraulic filter"}, 1)
	require.NoError(t, err)

	summary, err := svc.StockSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.PartCount)

	_, err = svc.Create(ctx, Part{PartNo: "FLT-002", Description: "Air filter"}, 1)
	require.NoError(t, err)

	summary, err = svc.StockSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.PartCount)
	require.Equal(t, 2, repo.summaryCalls)
}
