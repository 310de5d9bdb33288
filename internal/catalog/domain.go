// Package catalog serves read-only queries over ingested laptop prices.
package catalog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/platform/httpx"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ErrProductNotFound is returned when no laptop matches the identifier.
var ErrProductNotFound = fmt.Errorf("catalog: product: %w", httpx.ErrNotFound)

// Product is the current state of one listing.
type Product struct {
	ID              int64               `json:"id"`
	Platform        string              `json:"platform"`
	URL             string              `json:"url"`
	ProductName     string              `json:"product_name"`
	Brand           string              `json:"brand,omitempty"`
	Model           string              `json:"model,omitempty"`
	Price           decimal.Decimal     `json:"price"`
	OriginalPrice   decimal.NullDecimal `json:"original_price"`
	Currency        string              `json:"currency"`
	ImageURL        string              `json:"image_url,omitempty"`
	Processor       string              `json:"processor,omitempty"`
	RAM             string              `json:"ram,omitempty"`
	Storage         string              `json:"storage,omitempty"`
	ScreenSize      string              `json:"screen_size,omitempty"`
	Graphics        string              `json:"graphics,omitempty"`
	OperatingSystem string              `json:"operating_system,omitempty"`
	Condition       string              `json:"condition,omitempty"`
	Availability    string              `json:"availability,omitempty"`
	Specs           map[string]any      `json:"specs,omitempty"`
	FirstSeen       time.Time           `json:"first_seen"`
	LastUpdated     time.Time           `json:"last_updated"`
}

// ProductFilter narrows ListProducts.
type ProductFilter struct {
	Platform string
	Brand    string
	Search   string
	MinPrice decimal.NullDecimal
	MaxPrice decimal.NullDecimal
	Limit    int
	Offset   int
}

func (f ProductFilter) normalized() ProductFilter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Limit > maxLimit {
		f.Limit = maxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// HistoryPoint is a price a product held until RecordedAt's successor.
type HistoryPoint struct {
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// PlatformSummary is one row of latest_prices_by_platform.
type PlatformSummary struct {
	Platform     string          `json:"platform"`
	ProductCount int64           `json:"product_count"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	MinPrice     decimal.Decimal `json:"min_price"`
	MaxPrice     decimal.Decimal `json:"max_price"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// BrandSummary is one row of the platform_price_summary materialized view.
type BrandSummary struct {
	Platform     string          `json:"platform"`
	Brand        string          `json:"brand"`
	ProductCount int64           `json:"product_count"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	MinPrice     decimal.Decimal `json:"min_price"`
	MaxPrice     decimal.Decimal `json:"max_price"`
}

// OutlierKind tells which side of the plausibility range a price fell on.
type OutlierKind string

const (
	OutlierBelowMin OutlierKind = "below_min"
	OutlierAboveMax OutlierKind = "above_max"
)

// Outlier is a stored product priced outside the soft plausibility range.
type Outlier struct {
	ID          int64           `json:"id"`
	Platform    string          `json:"platform"`
	URL         string          `json:"url"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Kind        OutlierKind     `json:"kind"`
	LastUpdated time.Time       `json:"last_updated"`
}

// PriceRange bounds the outlier report.
type PriceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}
