package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository runs catalog queries against PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productSelect = `SELECT id, platform, url, product_name, COALESCE(brand, ''), COALESCE(model, ''),
	price::text, original_price::text, currency,
	COALESCE(image_url, ''), COALESCE(processor, ''), COALESCE(ram, ''), COALESCE(storage, ''),
	COALESCE(screen_size, ''), COALESCE(graphics, ''), COALESCE(operating_system, ''),
	COALESCE(condition, ''), COALESCE(availability, ''), specs, scraped_at, updated_at
FROM laptops`

// ListProducts returns products ordered by most recently updated.
func (r *Repository) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Platform != "" {
		add("platform = $%d", filter.Platform)
	}
	if filter.Brand != "" {
		add("brand ILIKE $%d", filter.Brand)
	}
	if filter.Search != "" {
		add("product_name ILIKE '%%' || $%d || '%%'", filter.Search)
	}
	if filter.MinPrice.Valid {
		add("price >= $%d::numeric", filter.MinPrice.Decimal.String())
	}
	if filter.MaxPrice.Valid {
		add("price <= $%d::numeric", filter.MaxPrice.Decimal.String())
	}

	var sb strings.Builder
	sb.WriteString(productSelect)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, filter.Limit, filter.Offset)
	fmt.Fprintf(&sb, " ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list products: %w", err)
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProduct loads one product by id.
func (r *Repository) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx, productSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrProductNotFound
	}
	return p, err
}

// History returns superseded prices for a product, newest first.
func (r *Repository) History(ctx context.Context, productID int64, limit int) ([]HistoryPoint, error) {
	rows, err := r.pool.Query(ctx, `SELECT price::text, currency, recorded_at
FROM price_history
WHERE laptop_id = $1
ORDER BY recorded_at DESC, id DESC
LIMIT $2`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: history: %w", err)
	}
	defer rows.Close()
	var out []HistoryPoint
	for rows.Next() {
		var (
			h     HistoryPoint
			price string
		)
		if err := rows.Scan(&price, &h.Currency, &h.RecordedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan history: %w", err)
		}
		if h.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("catalog: history price %q: %w", price, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LatestByPlatform reads the latest_prices_by_platform view.
func (r *Repository) LatestByPlatform(ctx context.Context) ([]PlatformSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT platform, product_count, avg_price::text, min_price::text, max_price::text, last_updated
FROM latest_prices_by_platform
ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("catalog: latest by platform: %w", err)
	}
	defer rows.Close()
	var out []PlatformSummary
	for rows.Next() {
		var (
			s           PlatformSummary
			avg, lo, hi string
		)
		if err := rows.Scan(&s.Platform, &s.ProductCount, &avg, &lo, &hi, &s.LastUpdated); err != nil {
			return nil, fmt.Errorf("catalog: scan platform summary: %w", err)
		}
		if s.AvgPrice, s.MinPrice, s.MaxPrice, err = parseTriple(avg, lo, hi); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// BrandSummaries reads the platform_price_summary materialized view.
func (r *Repository) BrandSummaries(ctx context.Context, platform string) ([]BrandSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT platform, brand, product_count, avg_price::text, min_price::text, max_price::text
FROM platform_price_summary
WHERE $1 = '' OR platform = $1
ORDER BY platform, product_count DESC, brand`, platform)
	if err != nil {
		return nil, fmt.Errorf("catalog: brand summaries: %w", err)
	}
	defer rows.Close()
	var out []BrandSummary
	for rows.Next() {
		var (
			s           BrandSummary
			avg, lo, hi string
		)
		if err := rows.Scan(&s.Platform, &s.Brand, &s.ProductCount, &avg, &lo, &hi); err != nil {
			return nil, fmt.Errorf("catalog: scan brand summary: %w", err)
		}
		if s.AvgPrice, s.MinPrice, s.MaxPrice, err = parseTriple(avg, lo, hi); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Outliers lists products priced outside bounds. A zero bound is ignored.
func (r *Repository) Outliers(ctx context.Context, bounds PriceRange, limit int) ([]Outlier, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, platform, url, product_name, price::text, currency, updated_at,
	CASE WHEN $1::numeric > 0 AND price < $1::numeric THEN 'below_min' ELSE 'above_max' END
FROM laptops
WHERE ($1::numeric > 0 AND price < $1::numeric) OR ($2::numeric > 0 AND price > $2::numeric)
ORDER BY price
LIMIT $3`, bounds.Min.String(), bounds.Max.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("catalog: outliers: %w", err)
	}
	defer rows.Close()
	var out []Outlier
	for rows.Next() {
		var (
			o     Outlier
			price string
			kind  string
		)
		if err := rows.Scan(&o.ID, &o.Platform, &o.URL, &o.ProductName, &price, &o.Currency, &o.LastUpdated, &kind); err != nil {
			return nil, fmt.Errorf("catalog: scan outlier: %w", err)
		}
		if o.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("catalog: outlier price %q: %w", price, err)
		}
		o.Kind = OutlierKind(kind)
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p        Product
		price    string
		original *string
		specs    []byte
	)
	err := row.Scan(&p.ID, &p.Platform, &p.URL, &p.ProductName, &p.Brand, &p.Model,
		&price, &original, &p.Currency,
		&p.ImageURL, &p.Processor, &p.RAM, &p.Storage, &p.ScreenSize, &p.Graphics,
		&p.OperatingSystem, &p.Condition, &p.Availability, &specs, &p.FirstSeen, &p.LastUpdated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, err
		}
		return Product{}, fmt.Errorf("catalog: scan product: %w", err)
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, fmt.Errorf("catalog: product price %q: %w", price, err)
	}
	if original != nil {
		amount, err := decimal.NewFromString(*original)
		if err != nil {
			return Product{}, fmt.Errorf("catalog: original price %q: %w", *original, err)
		}
		p.OriginalPrice = decimal.NewNullDecimal(amount)
	}
	if len(specs) > 0 {
		if err := json.Unmarshal(specs, &p.Specs); err != nil {
			return Product{}, fmt.Errorf("catalog: specs: %w", err)
		}
	}
	return p, nil
}

func parseTriple(avg, lo, hi string) (decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	var out [3]decimal.Decimal
	for i, raw := range []string{avg, lo, hi} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("catalog: aggregate %q: %w", raw, err)
		}
		out[i] = d
	}
	return out[0], out[1], out[2], nil
}
