package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/platform/db"
	"github.com/pricewatch/pricewatch/internal/retry"
)

// Repository persists laptops and their price history in PostgreSQL.
type Repository struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewRepository constructs Repository. acquireTimeout bounds the wait for a
// pooled connection; zero waits as long as the caller's context allows.
func NewRepository(pool *pgxpool.Pool, acquireTimeout time.Duration) *Repository {
	return &Repository{pool: pool, acquireTimeout: acquireTimeout}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a read-committed transaction on a dedicated connection.
// Row locks taken by GetProductForUpdate serialise writers on the same key.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	conn, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var fnErr error
	err = db.WithTx(ctx, conn, func(tx pgx.Tx) error {
		fnErr = fn(ctx, &txRepo{tx: tx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	return classify(err)
}

func (r *Repository) acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx := ctx
	if r.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.acquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, retry.Transient(fmt.Errorf("%w: waited %s", ErrPoolExhausted, r.acquireTimeout))
		}
		return nil, classify(fmt.Errorf("ingest: acquire conn: %w", err))
	}
	return conn, nil
}

const productColumns = `id, platform, url, product_name, COALESCE(brand, ''), COALESCE(model, ''),
	price::text, original_price::text, currency,
	COALESCE(image_url, ''), COALESCE(processor, ''), COALESCE(ram, ''), COALESCE(storage, ''),
	COALESCE(screen_size, ''), COALESCE(graphics, ''), COALESCE(operating_system, ''),
	COALESCE(condition, ''), COALESCE(availability, ''), specs, scraped_at, updated_at`

func (t *txRepo) GetProductForUpdate(ctx context.Context, key Key) (Product, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+productColumns+`
FROM laptops
WHERE platform = $1 AND url = $2
FOR UPDATE`, key.Platform, key.URL)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, classify(fmt.Errorf("ingest: load product: %w", err))
	}
	return p, nil
}

func (t *txRepo) InsertProduct(ctx context.Context, p Product) (int64, error) {
	specs, err := marshalSpecs(p.Specs)
	if err != nil {
		return 0, err
	}
	var id int64
	err = t.tx.QueryRow(ctx, `INSERT INTO laptops (
	platform, url, product_name, brand, model, price, original_price, currency,
	image_url, processor, ram, storage, screen_size, graphics, operating_system,
	condition, availability, specs, scraped_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8,
	$9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20
)
ON CONFLICT (platform, url) DO NOTHING
RETURNING id`,
		p.Key.Platform, p.Key.URL, p.ProductName, nullText(p.Brand), nullText(p.Model),
		p.Price.String(), nullDecimal(p.OriginalPrice), p.Currency,
		nullText(p.Attributes.ImageURL), nullText(p.Attributes.Processor), nullText(p.Attributes.RAM),
		nullText(p.Attributes.Storage), nullText(p.Attributes.ScreenSize), nullText(p.Attributes.Graphics),
		nullText(p.Attributes.OperatingSystem), nullText(p.Attributes.Condition), nullText(p.Attributes.Availability),
		specs, p.FirstSeen, p.LastUpdated,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrKeyConflict
		}
		return 0, classify(fmt.Errorf("ingest: insert product: %w", err))
	}
	return id, nil
}

func (t *txRepo) UpdateProduct(ctx context.Context, p Product) error {
	specs, err := marshalSpecs(p.Specs)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `UPDATE laptops SET
	product_name = $2, brand = $3, model = $4, price = $5::numeric, original_price = $6::numeric,
	currency = $7, image_url = $8, processor = $9, ram = $10, storage = $11, screen_size = $12,
	graphics = $13, operating_system = $14, condition = $15, availability = $16, specs = $17,
	updated_at = $18
WHERE id = $1`,
		p.ID, p.ProductName, nullText(p.Brand), nullText(p.Model),
		p.Price.String(), nullDecimal(p.OriginalPrice), p.Currency,
		nullText(p.Attributes.ImageURL), nullText(p.Attributes.Processor), nullText(p.Attributes.RAM),
		nullText(p.Attributes.Storage), nullText(p.Attributes.ScreenSize), nullText(p.Attributes.Graphics),
		nullText(p.Attributes.OperatingSystem), nullText(p.Attributes.Condition), nullText(p.Attributes.Availability),
		specs, p.LastUpdated,
	)
	if err != nil {
		return classify(fmt.Errorf("ingest: update product: %w", err))
	}
	return nil
}

func (t *txRepo) InsertHistory(ctx context.Context, h PriceHistoryEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO price_history (laptop_id, price, currency, recorded_at) VALUES ($1, $2::numeric, $3, $4)`,
		h.ProductID, h.Price.String(), h.Currency, h.RecordedAt)
	if err != nil {
		return classify(fmt.Errorf("ingest: insert history: %w", err))
	}
	return nil
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p        Product
		price    string
		original *string
		specs    []byte
	)
	err := row.Scan(&p.ID, &p.Key.Platform, &p.Key.URL, &p.ProductName, &p.Brand, &p.Model,
		&price, &original, &p.Currency,
		&p.Attributes.ImageURL, &p.Attributes.Processor, &p.Attributes.RAM, &p.Attributes.Storage,
		&p.Attributes.ScreenSize, &p.Attributes.Graphics, &p.Attributes.OperatingSystem,
		&p.Attributes.Condition, &p.Attributes.Availability, &specs, &p.FirstSeen, &p.LastUpdated)
	if err != nil {
		return Product{}, err
	}
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return Product{}, fmt.Errorf("ingest: stored price %q: %w", price, err)
	}
	if original != nil {
		amount, err := decimal.NewFromString(*original)
		if err != nil {
			return Product{}, fmt.Errorf("ingest: stored original price %q: %w", *original, err)
		}
		p.OriginalPrice = decimal.NewNullDecimal(amount)
	}
	p.Currency = strings.TrimSpace(p.Currency)
	if len(specs) > 0 {
		if err := json.Unmarshal(specs, &p.Specs); err != nil {
			return Product{}, fmt.Errorf("ingest: stored specs: %w", err)
		}
	}
	return p, nil
}

func marshalSpecs(specs map[string]any) ([]byte, error) {
	if specs == nil {
		specs = map[string]any{}
	}
	raw, err := json.Marshal(specs)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("ingest: encode specs: %w", err))
	}
	return raw, nil
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

// classify maps PostgreSQL failures onto the ingestion taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %w", ErrKeyConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"),
			pgErr.Code == "40001", pgErr.Code == "40P01",
			pgErr.Code == "55P03", pgErr.Code == "53300",
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03":
			return retry.Transient(err)
		}
		return err
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || retry.IsRetryable(err) {
		return retry.Transient(err)
	}
	return err
}
