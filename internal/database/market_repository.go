package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so repository methods can
// run inside a worker's task transaction or standalone.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MarketRepository is the primary-store surface the refresh core needs:
// assets, daily prices, and computed index values. The store is always the
// system of record; the cache is best-effort on top of it.
type MarketRepository struct {
	db *sql.DB
	q  DBTX
}

// NewMarketRepository creates a repository bound to the connection pool.
func NewMarketRepository(db *sql.DB) *MarketRepository {
	return &MarketRepository{db: db, q: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *MarketRepository) WithTx(tx *sql.Tx) *MarketRepository {
	return &MarketRepository{db: r.db, q: tx}
}

// BeginTx opens a task-scoped transaction.
func (r *MarketRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if r.db == nil {
		return nil, errors.New("repository not bound to a connection pool")
	}
	return r.db.BeginTx(ctx, nil)
}

// Ping checks store connectivity.
func (r *MarketRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// ListSymbols returns all tracked symbols, benchmark first.
func (r *MarketRepository) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT symbol FROM assets
		ORDER BY is_benchmark DESC, symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if scanErr := rows.Scan(&s); scanErr != nil {
			return nil, fmt.Errorf("scan symbol: %w", scanErr)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// UpsertPrices writes price rows idempotently, keyed by (symbol, date).
// Re-running a refresh is safe: the last write wins.
func (r *MarketRepository) UpsertPrices(ctx context.Context, points []models.PricePoint) (int, error) {
	query := `
		INSERT INTO prices (symbol, price_date, close_price, volume, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (symbol, price_date)
		DO UPDATE SET close_price = EXCLUDED.close_price,
		              volume = EXCLUDED.volume,
		              updated_at = NOW()`

	written := 0
	for i := range points {
		p := &points[i]
		if _, err := r.q.ExecContext(ctx, query, p.Symbol, p.PriceDate, p.ClosePrice, p.Volume); err != nil {
			return written, fmt.Errorf("upsert price %s@%s: %w", p.Symbol, p.PriceDate.Format("2006-01-02"), err)
		}
		written++
	}
	return written, nil
}

// LatestPriceDate returns the most recent price date, or nil when the
// store holds no prices yet.
func (r *MarketRepository) LatestPriceDate(ctx context.Context) (*time.Time, error) {
	var latest sql.NullTime
	err := r.q.QueryRowContext(ctx, `SELECT MAX(price_date) FROM prices`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("latest price date: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time
	return &t, nil
}

// DatasetStats reads the quality-assessment snapshot in one round trip per
// aggregate.
func (r *MarketRepository) DatasetStats(ctx context.Context) (*models.DatasetStats, error) {
	stats := &models.DatasetStats{}

	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_benchmark) > 0,
		       COUNT(DISTINCT sector) FILTER (WHERE sector <> ''),
		       COUNT(DISTINCT region) FILTER (WHERE region <> '')
		FROM assets`).Scan(
		&stats.AssetCount, &stats.BenchmarkPresent, &stats.SectorCount, &stats.RegionCount)
	if err != nil {
		return nil, fmt.Errorf("asset stats: %w", err)
	}

	err = r.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE close_price IS NULL OR close_price <= 0),
		       MAX(price_date)
		FROM prices`).Scan(&stats.PriceRowCount, &stats.InvalidRowCount, &nullTimeScanner{&stats.LatestPriceDate})
	if err != nil {
		return nil, fmt.Errorf("price stats: %w", err)
	}

	return stats, nil
}

// ComputeIndexValues recomputes the equal-weight index level for every date
// in the range and upserts the series. Returns the number of dates written.
func (r *MarketRepository) ComputeIndexValues(ctx context.Context, from, to time.Time) (int, error) {
	query := `
		INSERT INTO index_values (index_date, level, assets, updated_at)
		SELECT price_date,
		       AVG(close_price),
		       COUNT(DISTINCT symbol),
		       NOW()
		FROM prices
		WHERE price_date BETWEEN $1 AND $2
		  AND close_price > 0
		GROUP BY price_date
		ON CONFLICT (index_date)
		DO UPDATE SET level = EXCLUDED.level,
		              assets = EXCLUDED.assets,
		              updated_at = NOW()`

	result, err := r.q.ExecContext(ctx, query, from, to)
	if err != nil {
		return 0, fmt.Errorf("compute index values: %w", err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, fmt.Errorf("get affected rows: %w", rowsErr)
	}
	return int(rows), nil
}

// IndexValues returns the computed series for a date range, newest first.
func (r *MarketRepository) IndexValues(ctx context.Context, from, to time.Time) ([]models.IndexValue, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT index_date, level, assets
		FROM index_values
		WHERE index_date BETWEEN $1 AND $2
		ORDER BY index_date DESC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("index values: %w", err)
	}
	defer rows.Close()

	var values []models.IndexValue
	for rows.Next() {
		var v models.IndexValue
		if scanErr := rows.Scan(&v.IndexDate, &v.Level, &v.Assets); scanErr != nil {
			return nil, fmt.Errorf("scan index value: %w", scanErr)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// IndexReady reports whether the computed index series exists at all.
// An empty series means dashboards have nothing to show, which the health
// aggregator treats as critical.
func (r *MarketRepository) IndexReady(ctx context.Context) (bool, error) {
	var ready bool
	err := r.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM index_values)`).Scan(&ready)
	if err != nil {
		return false, fmt.Errorf("index ready: %w", err)
	}
	return ready, nil
}

// UpsertAsset writes an asset row, keyed by symbol.
func (r *MarketRepository) UpsertAsset(ctx context.Context, asset *models.Asset) error {
	query := `
		INSERT INTO assets (symbol, name, sector, region, is_benchmark, tags)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (symbol)
		DO UPDATE SET name = EXCLUDED.name,
		              sector = EXCLUDED.sector,
		              region = EXCLUDED.region,
		              is_benchmark = EXCLUDED.is_benchmark,
		              tags = EXCLUDED.tags`

	_, err := r.q.ExecContext(ctx, query,
		asset.Symbol, asset.Name, asset.Sector, asset.Region, asset.IsBenchmark,
		pq.Array(asset.Tags))
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// CleanupPrices drops price rows older than the retention period.
func (r *MarketRepository) CleanupPrices(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM prices WHERE price_date < NOW() - $1::interval`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup prices: %w", err)
	}
	return result.RowsAffected()
}

// nullTimeScanner scans a nullable timestamp into a **time.Time.
type nullTimeScanner struct {
	dest **time.Time
}

func (s *nullTimeScanner) Scan(value any) error {
	var nt sql.NullTime
	if err := nt.Scan(value); err != nil {
		return err
	}
	if nt.Valid {
		t := nt.Time
		*s.dest = &t
	} else {
		*s.dest = nil
	}
	return nil
}
