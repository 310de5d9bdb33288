package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/platform/httpx"
)

const requestTimeout = 5 * time.Second

// Reader is the query surface the handler depends on.
type Reader interface {
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	History(ctx context.Context, id int64, limit int) ([]HistoryPoint, error)
	LatestByPlatform(ctx context.Context) ([]PlatformSummary, error)
	BrandSummaries(ctx context.Context, platform string) ([]BrandSummary, error)
	Outliers(ctx context.Context, limit int) ([]Outlier, error)
}

// Handler exposes the read-only catalog API.
type Handler struct {
	logger  *slog.Logger
	service Reader
}

// NewHandler constructs the catalog HTTP handler.
func NewHandler(logger *slog.Logger, service Reader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(30, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "report rate limit exceeded")
		}),
	)

	r.Get("/products", h.handleList)
	r.Get("/products/{id}", h.handleGet)
	r.Get("/products/{id}/history", h.handleHistory)
	r.Get("/platforms", h.handlePlatforms)
	r.Get("/platforms/brands", h.handleBrands)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Get("/reports/outliers", h.handleOutliers)
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	products, err := h.service.ListProducts(ctx, filter)
	if err != nil {
		h.fail(w, "list products", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": products, "limit": filter.normalized().Limit, "offset": filter.Offset})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	product, err := h.service.GetProduct(ctx, id)
	if err != nil {
		h.fail(w, "get product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	history, err := h.service.History(ctx, id, limit)
	if err != nil {
		h.fail(w, "product history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": id, "history": history})
}

func (h *Handler) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rows, err := h.service.LatestByPlatform(ctx)
	if err != nil {
		h.fail(w, "latest by platform", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) handleBrands(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rows, err := h.service.BrandSummaries(ctx, strings.ToLower(strings.TrimSpace(r.URL.Query().Get("platform"))))
	if err != nil {
		h.fail(w, "brand summaries", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) handleOutliers(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	rows, err := h.service.Outliers(ctx, limit)
	if err != nil {
		h.fail(w, "outlier report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error("catalog request failed", slog.String("op", op), slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseFilter(r *http.Request) (ProductFilter, error) {
	q := r.URL.Query()
	filter := ProductFilter{
		Platform: strings.ToLower(strings.TrimSpace(q.Get("platform"))),
		Brand:    strings.TrimSpace(q.Get("brand")),
		Search:   strings.TrimSpace(q.Get("q")),
	}
	var err error
	if filter.MinPrice, err = decimalParam(r, "min_price"); err != nil {
		return ProductFilter{}, err
	}
	if filter.MaxPrice, err = decimalParam(r, "max_price"); err != nil {
		return ProductFilter{}, err
	}
	if filter.Limit, err = intParam(r, "limit"); err != nil {
		return ProductFilter{}, err
	}
	if filter.Offset, err = intParam(r, "offset"); err != nil {
		return ProductFilter{}, err
	}
	return filter, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid product id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}

func intParam(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", httpx.ErrValidation, name)
	}
	return v, nil
}

func decimalParam(r *http.Request, name string) (decimal.NullDecimal, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %s must be a number", httpx.ErrValidation, name)
	}
	return decimal.NewNullDecimal(d), nil
}
