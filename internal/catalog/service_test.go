package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/platform/httpx"
)

type mockRepo struct {
	products      []Product
	listCalls     int
	lastFilter    ProductFilter
	product       Product
	productErr    error
	productCalls  int
	history       []HistoryPoint
	historyCalls  int
	platforms     []PlatformSummary
	platformCalls int
	outliers      []Outlier
	outlierCalls  int
	lastBounds    PriceRange
}

func (m *mockRepo) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	m.listCalls++
	m.lastFilter = filter
	return m.products, nil
}

func (m *mockRepo) GetProduct(ctx context.Context, id int64) (Product, error) {
	m.productCalls++
	return m.product, m.productErr
}

func (m *mockRepo) History(ctx context.Context, productID int64, limit int) ([]HistoryPoint, error) {
	m.historyCalls++
	return m.history, nil
}

func (m *mockRepo) LatestByPlatform(ctx context.Context) ([]PlatformSummary, error) {
	m.platformCalls++
	return m.platforms, nil
}

func (m *mockRepo) BrandSummaries(ctx context.Context, platform string) ([]BrandSummary, error) {
	return nil, nil
}

func (m *mockRepo) Outliers(ctx context.Context, bounds PriceRange, limit int) ([]Outlier, error) {
	m.outlierCalls++
	m.lastBounds = bounds
	return m.outliers, nil
}

func newTestService(t *testing.T, repo RepositoryPort) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bounds := PriceRange{Min: decimal.NewFromInt(15000), Max: decimal.NewFromInt(500000)}
	return NewService(repo, NewCache(client, time.Minute), bounds, nil), mr
}

func TestListProductsCachesUntilInvalidated(t *testing.T) {
	repo := &mockRepo{products: []Product{{ID: 1, Platform: "jumia", Price: decimal.NewFromInt(45000)}}}
	svc, _ := newTestService(t, repo)
	ctx := context.Background()
	filter := ProductFilter{Platform: "jumia"}

	got, err := svc.ListProducts(ctx, filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || !got[0].Price.Equal(decimal.NewFromInt(45000)) {
		t.Fatalf("unexpected products %#v", got)
	}
	if repo.lastFilter.Limit != defaultLimit {
		t.Fatalf("expected default limit %d, got %d", defaultLimit, repo.lastFilter.Limit)
	}

	if _, err := svc.ListProducts(ctx, filter); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.listCalls != 1 {
		t.Fatalf("expected cached result, repo called %d times", repo.listCalls)
	}

	// Ingestion invalidates after each run.
	if err := svc.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	repo.products[0].Price = decimal.NewFromInt(42000)
	got, err = svc.ListProducts(ctx, filter)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got[0].Price.Equal(decimal.NewFromInt(42000)) {
		t.Fatalf("expected refreshed price 42000, got %s", got[0].Price)
	}
	if repo.listCalls != 2 {
		t.Fatalf("expected repo to refresh, calls %d", repo.listCalls)
	}
}

func TestListProductsKeysOnPriceBounds(t *testing.T) {
	repo := &mockRepo{products: []Product{}}
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	low := ProductFilter{MinPrice: decimal.NewNullDecimal(decimal.NewFromInt(10000))}
	high := ProductFilter{MinPrice: decimal.NewNullDecimal(decimal.NewFromInt(90000))}
	if _, err := svc.ListProducts(ctx, low); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.ListProducts(ctx, high); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.listCalls != 2 {
		t.Fatalf("expected distinct cache entries, repo calls %d", repo.listCalls)
	}
}

func TestGetProductNotFoundIsNotCached(t *testing.T) {
	repo := &mockRepo{productErr: ErrProductNotFound}
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.GetProduct(ctx, 7)
	if !errors.Is(err, httpx.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _ = svc.GetProduct(ctx, 7)
	if repo.productCalls != 2 {
		t.Fatalf("expected errors to bypass the cache, repo calls %d", repo.productCalls)
	}
}

func TestHistoryRequiresProduct(t *testing.T) {
	repo := &mockRepo{productErr: ErrProductNotFound}
	svc, _ := newTestService(t, repo)

	if _, err := svc.History(context.Background(), 3, 10); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if repo.historyCalls != 0 {
		t.Fatalf("history should not be queried for a missing product")
	}
}

func TestHistoryReturnsEmptySlice(t *testing.T) {
	repo := &mockRepo{product: Product{ID: 3}}
	svc, _ := newTestService(t, repo)

	points, err := svc.History(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if points == nil || len(points) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", points)
	}
}

func TestOutliersUseConfiguredBounds(t *testing.T) {
	repo := &mockRepo{outliers: []Outlier{{ID: 9, Kind: OutlierAboveMax, Price: decimal.NewFromInt(900000)}}}
	svc, _ := newTestService(t, repo)

	rows, err := svc.Outliers(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].Kind != OutlierAboveMax {
		t.Fatalf("unexpected outliers %#v", rows)
	}
	if !repo.lastBounds.Max.Equal(decimal.NewFromInt(500000)) {
		t.Fatalf("expected max bound 500000, got %s", repo.lastBounds.Max)
	}
}

func TestServiceFallsBackWhenRedisDown(t *testing.T) {
	repo := &mockRepo{platforms: []PlatformSummary{{Platform: "masoko", ProductCount: 4}}}
	svc, mr := newTestService(t, repo)
	mr.Close()

	rows, err := svc.LatestByPlatform(context.Background())
	if err != nil {
		t.Fatalf("expected uncached fallback, got %v", err)
	}
	if len(rows) != 1 || rows[0].Platform != "masoko" {
		t.Fatalf("unexpected rows %#v", rows)
	}
}

func TestNilCacheLoadsDirectly(t *testing.T) {
	repo := &mockRepo{platforms: []PlatformSummary{{Platform: "jumia"}}}
	svc := NewService(repo, NewCache(nil, time.Minute), PriceRange{}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.LatestByPlatform(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if repo.platformCalls != 2 {
		t.Fatalf("expected every call to load, got %d", repo.platformCalls)
	}
	if err := svc.Invalidate(ctx); err != nil {
		t.Fatalf("invalidate without redis should be a no-op: %v", err)
	}
}
