// Package reports indexes derived documents (quality reports, computed
// index series) into Elasticsearch for the dashboard. Indexing is
// best-effort from the core's point of view: the primary store remains the
// system of record.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/jonesrussell/portfolio-tracker/internal/config"
	"github.com/jonesrussell/portfolio-tracker/internal/logger"
	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

const (
	reportIndex     = "portfolio_reports"
	indexValueIndex = "portfolio_index_values"
)

// Indexer writes report documents to Elasticsearch.
type Indexer struct {
	client *elasticsearch.Client
	logger logger.Logger
}

// NewIndexer creates an indexer. Returns nil (indexing disabled) when no
// Elasticsearch URL is configured.
func NewIndexer(cfg config.ElasticsearchConfig, log logger.Logger) (*Indexer, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	return &Indexer{client: client, logger: log}, nil
}

// IndexReport writes one report document keyed by the generating task id,
// so re-running a report task overwrites rather than duplicates.
func (i *Indexer) IndexReport(ctx context.Context, id string, doc map[string]any) error {
	return i.index(ctx, reportIndex, id, doc)
}

// IndexValues writes the computed index series, one document per date.
func (i *Indexer) IndexValues(ctx context.Context, values []models.IndexValue) error {
	for idx := range values {
		v := &values[idx]
		docID := v.IndexDate.Format("2006-01-02")
		doc := map[string]any{
			"date":   docID,
			"level":  v.Level,
			"assets": v.Assets,
		}
		if err := i.index(ctx, indexValueIndex, docID, doc); err != nil {
			return err
		}
	}
	return nil
}

func (i *Indexer) index(ctx context.Context, index, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	start := time.Now()
	res, err := i.client.Index(
		index,
		bytes.NewReader(body),
		i.client.Index.WithDocumentID(id),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("index document: %s", res.String())
	}

	i.logger.Debug("document indexed",
		logger.String("index", index),
		logger.String("doc_id", id),
		logger.Duration("duration", time.Since(start)))
	return nil
}
