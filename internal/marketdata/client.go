// Package marketdata defines the narrow fetch contract against upstream
// market-data providers and an HTTP implementation of it.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/config"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
	"github.com/jonesrussell/portfolio-tracker/internal/retry"
)

// Fetcher is the upstream fetch contract. The provider applies its own
// quota on top; the governor keeps us under it.
type Fetcher interface {
	// Fetch returns daily price rows for the symbols in the date range.
	Fetch(ctx context.Context, symbols []string, from, to time.Time) ([]models.PricePoint, error)

	// Provider returns the provider name for governor accounting.
	Provider() string
}

const dateLayout = "2006-01-02"

// Client fetches prices over HTTP from a configured provider.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	logger  logger.Logger
}

// NewClient creates a market-data client for one provider.
func NewClient(cfg config.ProviderConfig, log logger.Logger) *Client {
	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  log,
	}
}

// Provider returns the provider name.
func (c *Client) Provider() string {
	return c.name
}

type priceResponse struct {
	Rows []struct {
		Symbol string  `json:"symbol"`
		Date   string  `json:"date"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	} `json:"rows"`
	Count int `json:"count"`
}

// Fetch requests daily closes for the symbols. Transient failures are
// retried with exponential backoff; provider-side errors surface to the
// caller and become task failures.
func (c *Client) Fetch(ctx context.Context, symbols []string, from, to time.Time) ([]models.PricePoint, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/v1/eod?symbols=%s&from=%s&to=%s",
		c.baseURL,
		url.QueryEscape(strings.Join(symbols, ",")),
		from.Format(dateLayout),
		to.Format(dateLayout))

	var points []models.PricePoint
	err := retry.DoWithDefaults(ctx, func() error {
		fetched, fetchErr := c.fetchOnce(ctx, endpoint)
		if fetchErr != nil {
			return fetchErr
		}
		points = fetched
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.name, err)
	}
	return points, nil
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) ([]models.PricePoint, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)

	if err != nil {
		c.logger.Warn("market data fetch failed",
			logger.String("provider", c.name),
			logger.Duration("duration", duration),
			logger.Error(err))
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("provider returned non-OK status",
			logger.String("provider", c.name),
			logger.Int("status_code", resp.StatusCode),
			logger.Duration("duration", duration))
		if resp.StatusCode >= http.StatusInternalServerError {
			// 5xx reads as transient so the retry wrapper picks it up.
			return nil, fmt.Errorf("provider temporary failure: status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var decoded priceResponse
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	points := make([]models.PricePoint, 0, len(decoded.Rows))
	for _, row := range decoded.Rows {
		date, parseErr := time.ParseInLocation(dateLayout, row.Date, time.UTC)
		if parseErr != nil {
			return nil, fmt.Errorf("parse price date %q: %w", row.Date, parseErr)
		}
		points = append(points, models.PricePoint{
			Symbol:     row.Symbol,
			PriceDate:  date,
			ClosePrice: row.Close,
			Volume:     row.Volume,
		})
	}

	c.logger.Debug("fetched market data",
		logger.String("provider", c.name),
		logger.Int("rows", len(points)),
		logger.Duration("duration", duration))
	return points, nil
}
