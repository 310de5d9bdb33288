package ingest

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// priceScale and maxStoredPrice mirror the NUMERIC(12,2) price columns.
const priceScale = 2

var maxStoredPrice = decimal.New(1, 10)

// ValidatorConfig lists the accepted platforms and the soft price range.
type ValidatorConfig struct {
	Platforms       []string
	DefaultCurrency string
	// SoftMin and SoftMax flag outliers; a zero bound is not checked.
	SoftMin decimal.Decimal
	SoftMax decimal.Decimal
}

// Validator normalises raw observations and accepts or rejects them.
type Validator struct {
	platforms       map[string]struct{}
	defaultCurrency string
	softMin         decimal.Decimal
	softMax         decimal.Decimal
	validate        *validator.Validate
	clock           func() time.Time
}

// NewValidator builds a Validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	platforms := make(map[string]struct{}, len(cfg.Platforms))
	for _, p := range cfg.Platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			platforms[p] = struct{}{}
		}
	}
	def := strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if def == "" {
		def = "KES"
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return &Validator{
		platforms:       platforms,
		defaultCurrency: def,
		softMin:         cfg.SoftMin,
		softMax:         cfg.SoftMax,
		validate:        v,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Validate applies the rules in order; the first failure wins and is returned
// as a *Rejection.
func (v *Validator) Validate(obs RawObservation) (ValidatedItem, error) {
	norm := normalize(obs)

	if err := v.validate.Struct(norm); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return ValidatedItem{}, &Rejection{Reason: ReasonMissingField, Field: fieldErrs[0].Field()}
		}
		return ValidatedItem{}, &Rejection{Reason: ReasonMissingField, Detail: err.Error()}
	}

	if _, ok := v.platforms[norm.Platform]; !ok {
		return ValidatedItem{}, &Rejection{Reason: ReasonUnknownPlatform, Field: "platform", Detail: norm.Platform}
	}

	price, ok := storedAmount(string(norm.Price))
	if !ok {
		return ValidatedItem{}, &Rejection{Reason: ReasonInvalidPrice, Field: "price", Detail: string(obs.Price)}
	}

	var original decimal.NullDecimal
	if norm.OriginalPrice != "" {
		amount, ok := storedAmount(string(norm.OriginalPrice))
		if !ok {
			return ValidatedItem{}, &Rejection{Reason: ReasonInvalidPrice, Field: "original_price", Detail: string(obs.OriginalPrice)}
		}
		original = decimal.NewNullDecimal(amount)
	}

	code, ok := v.currencyCode(norm.Currency)
	if !ok {
		return ValidatedItem{}, &Rejection{Reason: ReasonInvalidPrice, Field: "currency", Detail: obs.Currency}
	}

	brand := norm.Brand
	if brand == "" {
		brand = deriveBrand(norm.ProductName)
	}
	observed := norm.ScrapedAt
	if observed.IsZero() {
		observed = v.clock()
	}

	return ValidatedItem{
		Key:           Key{Platform: norm.Platform, URL: norm.URL},
		ProductName:   norm.ProductName,
		Brand:         brand,
		Model:         norm.Model,
		Price:         price,
		OriginalPrice: original,
		Currency:      code,
		Attributes: Attributes{
			ImageURL:        norm.ImageURL,
			Processor:       norm.Processor,
			RAM:             norm.RAM,
			Storage:         norm.Storage,
			ScreenSize:      norm.ScreenSize,
			Graphics:        norm.Graphics,
			OperatingSystem: norm.OperatingSystem,
			Condition:       norm.Condition,
			Availability:    norm.Availability,
		},
		Specs:      norm.Specs,
		ObservedAt: observed.UTC(),
		Outlier:    v.isOutlier(price),
	}, nil
}

// storedAmount parses a price and rounds it to the scale of the price
// columns, so the engine compares against exactly what Postgres keeps.
// Negative amounts and amounts beyond NUMERIC(12,2) fail.
func storedAmount(text string) (decimal.Decimal, bool) {
	amount, ok := parsePrice(text)
	if !ok {
		return decimal.Decimal{}, false
	}
	if amount.IsNegative() {
		return decimal.Decimal{}, false
	}
	amount = amount.Round(priceScale)
	if amount.GreaterThanOrEqual(maxStoredPrice) {
		return decimal.Decimal{}, false
	}
	return amount, true
}

func (v *Validator) currencyCode(raw string) (string, bool) {
	if raw == "" {
		return v.defaultCurrency, true
	}
	if alias, ok := currencyAliases[raw]; ok {
		raw = alias
	}
	unit, err := currency.ParseISO(raw)
	if err != nil {
		return "", false
	}
	return unit.String(), true
}

func (v *Validator) isOutlier(price decimal.Decimal) bool {
	if !v.softMin.IsZero() && price.LessThan(v.softMin) {
		return true
	}
	if !v.softMax.IsZero() && price.GreaterThan(v.softMax) {
		return true
	}
	return false
}
