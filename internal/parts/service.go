package parts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

const (
	summaryCacheKey = "parts:stock_summary"
	summaryCacheTTL = 5 * time.Minute
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Create(ctx context.Context, part Part) (Part, error)
	Get(ctx context.Context, id int64) (PartStock, error)
	GetByPartNo(ctx context.Context, partNo string) (PartStock, error)
	List(ctx context.Context, filters ListFilters) ([]PartStock, int, error)
	Update(ctx context.Context, id int64, part Part) error
	Delete(ctx context.Context, id int64) error
	StockSummary(ctx context.Context) (StockSummary, error)
	ListBelowReorder(ctx context.Context) ([]PartStock, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates spare part master data.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
	cache *redis.Client
	sf    singleflight.Group
}

// NewService builds Service. The cache client may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache *redis.Client) *Service {
	return &Service{repo: repo, audit: audit, cache: cache}
}

// Create registers a new part and opens its stock account.
func (s *Service) Create(ctx context.Context, part Part, actorID int64) (Part, error) {
	part.PartNo = strings.TrimSpace(part.PartNo)
	part.Description = strings.TrimSpace(part.Description)
	if part.PartNo == "" || part.Description == "" {
		return Part{}, errors.New("parts: part number and description required")
	}
	if part.ReorderPoint < 0 || part.MaximumStock < 0 {
		return Part{}, errors.New("parts: thresholds must not be negative")
	}
	created, err := s.repo.Create(ctx, part)
	if err != nil {
		return Part{}, err
	}
	s.bustSummary(ctx)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "parts:create",
			Entity:   "spare_part",
			EntityID: fmt.Sprintf("%d", created.ID),
			Meta:     map[string]any{"part_no": created.PartNo},
		})
	}
	return created, nil
}

// Get loads a part with stock by id.
func (s *Service) Get(ctx context.Context, id int64) (PartStock, error) {
	return s.repo.Get(ctx, id)
}

// GetByPartNo loads a part with stock by its part number.
func (s *Service) GetByPartNo(ctx context.Context, partNo string) (PartStock, error) {
	return s.repo.GetByPartNo(ctx, strings.TrimSpace(partNo))
}

// List returns parts with stock.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]PartStock, int, error) {
	if filters.Page < 1 {
		filters.Page = 1
	}
	if filters.Limit < 1 {
		filters.Limit = 20
	}
	return s.repo.List(ctx, filters)
}

// Update rewrites a part's master fields.
func (s *Service) Update(ctx context.Context, id int64, part Part, actorID int64) error {
	part.PartNo = strings.TrimSpace(part.PartNo)
	part.Description = strings.TrimSpace(part.Description)
	if part.PartNo == "" || part.Description == "" {
		return errors.New("parts: part number and description required")
	}
	if part.ReorderPoint < 0 || part.MaximumStock < 0 {
		return errors.New("parts: thresholds must not be negative")
	}
	if err := s.repo.Update(ctx, id, part); err != nil {
		return err
	}
	s.bustSummary(ctx)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "parts:update",
			Entity:   "spare_part",
			EntityID: fmt.Sprintf("%d", id),
			Meta:     map[string]any{"part_no": part.PartNo},
		})
	}
	return nil
}

// Delete removes a part that has never moved.
func (s *Service) Delete(ctx context.Context, id int64, actorID int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.bustSummary(ctx)
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "parts:delete",
			Entity:   "spare_part",
			EntityID: fmt.Sprintf("%d", id),
		})
	}
	return nil
}

// StockSummary returns the stock room aggregates, cached for a few minutes.
// Concurrent cache misses collapse into a single repository query.
func (s *Service) StockSummary(ctx context.Context) (StockSummary, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, summaryCacheKey).Bytes(); err == nil {
			var summary StockSummary
			if err := json.Unmarshal(raw, &summary); err == nil {
				return summary, nil
			}
		}
	}
	v, err, _ := s.sf.Do(summaryCacheKey, func() (any, error) {
		summary, err := s.repo.StockSummary(ctx)
		if err != nil {
			return StockSummary{}, err
		}
		if s.cache != nil {
			if raw, err := json.Marshal(summary); err == nil {
				_ = s.cache.Set(ctx, summaryCacheKey, raw, summaryCacheTTL).Err()
			}
		}
		return summary, nil
	})
	if err != nil {
		return StockSummary{}, err
	}
	return v.(StockSummary), nil
}

// ListBelowReorder returns parts under their reorder point.
func (s *Service) ListBelowReorder(ctx context.Context) ([]PartStock, error) {
	return s.repo.ListBelowReorder(ctx)
}

func (s *Service) bustSummary(ctx context.Context) {
	if s.cache != nil {
		_ = s.cache.Del(ctx, summaryCacheKey).Err()
	}
}
