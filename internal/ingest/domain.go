package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawPrice holds a price exactly as the extraction layer produced it. It
// accepts JSON strings ("KES 75,000") as well as bare numbers.
type RawPrice string

// UnmarshalJSON implements json.Unmarshaler.
func (p *RawPrice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = RawPrice(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ingest: price must be a string or number: %w", err)
	}
	amount, err := decimal.NewFromString(n.String())
	if err != nil {
		return fmt.Errorf("ingest: price %s: %w", n, err)
	}
	*p = RawPrice(amount.String())
	return nil
}

// RawObservation is one untrusted scrape of a product listing.
type RawObservation struct {
	Platform        string         `json:"platform" validate:"required"`
	URL             string         `json:"url" validate:"required"`
	ProductName     string         `json:"product_name" validate:"required"`
	Price           RawPrice       `json:"price" validate:"required"`
	OriginalPrice   RawPrice       `json:"original_price,omitempty"`
	Currency        string         `json:"currency,omitempty"`
	Brand           string         `json:"brand,omitempty"`
	Model           string         `json:"model,omitempty"`
	ImageURL        string         `json:"image_url,omitempty"`
	Processor       string         `json:"processor,omitempty"`
	RAM             string         `json:"ram,omitempty"`
	Storage         string         `json:"storage,omitempty"`
	ScreenSize      string         `json:"screen_size,omitempty"`
	Graphics        string         `json:"graphics,omitempty"`
	OperatingSystem string         `json:"operating_system,omitempty"`
	Condition       string         `json:"condition,omitempty"`
	Availability    string         `json:"availability,omitempty"`
	Specs           map[string]any `json:"specs,omitempty"`
	ScrapedAt       time.Time      `json:"scraped_at,omitempty"`
}

// Key identifies one physical listing across time.
type Key struct {
	Platform string
	URL      string
}

func (k Key) String() string {
	return k.Platform + ":" + k.URL
}

// Attributes groups the laptop specification columns.
type Attributes struct {
	ImageURL        string `json:"image_url,omitempty"`
	Processor       string `json:"processor,omitempty"`
	RAM             string `json:"ram,omitempty"`
	Storage         string `json:"storage,omitempty"`
	ScreenSize      string `json:"screen_size,omitempty"`
	Graphics        string `json:"graphics,omitempty"`
	OperatingSystem string `json:"operating_system,omitempty"`
	Condition       string `json:"condition,omitempty"`
	Availability    string `json:"availability,omitempty"`
}

// ValidatedItem is an observation that passed validation. Treat it as a value.
type ValidatedItem struct {
	Key           Key
	ProductName   string
	Brand         string
	Model         string
	Price         decimal.Decimal
	OriginalPrice decimal.NullDecimal
	Currency      string
	Attributes    Attributes
	Specs         map[string]any
	ObservedAt    time.Time
	// Outlier marks prices outside the soft plausibility range.
	Outlier bool
}

// Fingerprint is the run-scoped identity used for duplicate suppression.
func (i ValidatedItem) Fingerprint() string {
	return strings.Join([]string{i.Key.Platform, i.Key.URL, i.Price.String(), i.Currency}, "|")
}

// Product is the canonical current state of a listing.
type Product struct {
	ID            int64
	Key           Key
	ProductName   string
	Brand         string
	Model         string
	Price         decimal.Decimal
	OriginalPrice decimal.NullDecimal
	Currency      string
	Attributes    Attributes
	Specs         map[string]any
	FirstSeen     time.Time
	LastUpdated   time.Time
}

// PriceHistoryEntry records a price a product held before it changed.
type PriceHistoryEntry struct {
	ID         int64
	ProductID  int64
	Price      decimal.Decimal
	Currency   string
	RecordedAt time.Time
}

// OutcomeKind enumerates reconciliation results.
type OutcomeKind string

const (
	// OutcomeCreated means a new product row was inserted.
	OutcomeCreated OutcomeKind = "created"
	// OutcomeUpdated means the price changed and a history entry was written.
	OutcomeUpdated OutcomeKind = "updated"
	// OutcomeUnchanged means the stored price already matched.
	OutcomeUnchanged OutcomeKind = "unchanged"
)

// Outcome is the result of reconciling one item.
type Outcome struct {
	Kind      OutcomeKind
	ProductID int64
	// OldPrice is set for OutcomeUpdated.
	OldPrice decimal.Decimal
}

// RejectionReason enumerates validation failures.
type RejectionReason string

const (
	ReasonMissingField    RejectionReason = "missing_field"
	ReasonUnknownPlatform RejectionReason = "unknown_platform"
	ReasonInvalidPrice    RejectionReason = "invalid_price"
)

// Rejection is returned by the validator. It is an expected outcome, not a fault.
type Rejection struct {
	Reason RejectionReason
	Field  string
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("ingest: rejected (%s) field=%s", r.Reason, r.Field)
	}
	return fmt.Sprintf("ingest: rejected (%s) field=%s: %s", r.Reason, r.Field, r.Detail)
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var (
	// ErrProductNotFound indicates no row exists for the key.
	ErrProductNotFound = errors.New("ingest: product not found")
	// ErrKeyConflict indicates a concurrent insert won the (platform, url) race.
	ErrKeyConflict = errors.New("ingest: key conflict")
	// ErrPoolExhausted indicates no store connection became available in time.
	ErrPoolExhausted = errors.New("ingest: connection pool exhausted")
	// ErrItemIngestionFailure wraps the last cause of a failed reconciliation.
	ErrItemIngestionFailure = errors.New("ingest: item ingestion failed")
	// ErrDuplicateInRun marks items suppressed by the run deduplicator.
	ErrDuplicateInRun = errors.New("ingest: duplicate in run")
	// ErrRunClosed is returned by Submit once a run stops admitting items.
	ErrRunClosed = errors.New("ingest: run closed")
)
