package catalog

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// RepositoryPort is the query contract the service relies on.
type RepositoryPort interface {
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	History(ctx context.Context, productID int64, limit int) ([]HistoryPoint, error)
	LatestByPlatform(ctx context.Context) ([]PlatformSummary, error)
	BrandSummaries(ctx context.Context, platform string) ([]BrandSummary, error)
	Outliers(ctx context.Context, bounds PriceRange, limit int) ([]Outlier, error)
}

// Service coordinates catalog queries with the cache layer.
type Service struct {
	repo   RepositoryPort
	cache  *Cache
	bounds PriceRange
	logger *slog.Logger
}

// NewService wires a repository with a Cache helper. bounds is the soft
// plausibility range used by the outlier report.
func NewService(repo RepositoryPort, cache *Cache, bounds PriceRange, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, bounds: bounds, logger: logger}
}

// ListProducts returns products matching filter.
func (s *Service) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	filter = filter.normalized()
	var out []Product
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.ListProducts(ctx, filter)
		if rows == nil {
			rows = []Product{}
		}
		return rows, err
	}, "products", filter.Platform, strings.ToLower(filter.Brand), strings.ToLower(filter.Search),
		nullToken(filter.MinPrice.Valid, filter.MinPrice.Decimal.String()),
		nullToken(filter.MaxPrice.Valid, filter.MaxPrice.Decimal.String()),
		strconv.Itoa(filter.Limit), strconv.Itoa(filter.Offset))
	return out, err
}

// GetProduct returns one product or ErrProductNotFound.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	var out Product
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return s.repo.GetProduct(ctx, id)
	}, "product", strconv.FormatInt(id, 10))
	return out, err
}

// History returns the superseded prices of a product, newest first.
func (s *Service) History(ctx context.Context, id int64, limit int) ([]HistoryPoint, error) {
	if _, err := s.GetProduct(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}
	var out []HistoryPoint
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.History(ctx, id, limit)
		if rows == nil {
			rows = []HistoryPoint{}
		}
		return rows, err
	}, "history", strconv.FormatInt(id, 10), strconv.Itoa(limit))
	return out, err
}

// LatestByPlatform summarises current prices per platform.
func (s *Service) LatestByPlatform(ctx context.Context) ([]PlatformSummary, error) {
	var out []PlatformSummary
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.LatestByPlatform(ctx)
		if rows == nil {
			rows = []PlatformSummary{}
		}
		return rows, err
	}, "platforms")
	return out, err
}

// BrandSummaries reads the refreshed per-brand summary. An empty platform
// returns every platform.
func (s *Service) BrandSummaries(ctx context.Context, platform string) ([]BrandSummary, error) {
	var out []BrandSummary
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.BrandSummaries(ctx, platform)
		if rows == nil {
			rows = []BrandSummary{}
		}
		return rows, err
	}, "brands", platform)
	return out, err
}

// Outliers lists stored products outside the soft plausibility range.
func (s *Service) Outliers(ctx context.Context, limit int) ([]Outlier, error) {
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}
	var out []Outlier
	err := s.cached(ctx, &out, func(ctx context.Context) (any, error) {
		rows, err := s.repo.Outliers(ctx, s.bounds, limit)
		if rows == nil {
			rows = []Outlier{}
		}
		return rows, err
	}, "outliers", s.bounds.Min.String(), s.bounds.Max.String(), strconv.Itoa(limit))
	return out, err
}

// Invalidate drops every cached query. Ingestion calls it after each run.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Bump(ctx)
}

// cached serves dest from the cache, falling back to the loader when Redis
// is unavailable.
func (s *Service) cached(ctx context.Context, dest any, loader func(context.Context) (any, error), parts ...string) error {
	key, err := s.cache.BuildKey(ctx, parts...)
	if err != nil {
		s.logger.Warn("catalog cache unavailable", slog.Any("error", err))
		return (*Cache)(nil).FetchJSON(ctx, "", dest, loader)
	}
	return s.cache.FetchJSON(ctx, key, dest, loader)
}

func nullToken(valid bool, value string) string {
	if !valid {
		return "-"
	}
	return value
}
