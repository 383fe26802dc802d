package models

import "time"

// Asset is a tracked instrument. Sectors and regions feed the coverage
// score; the benchmark flag marks symbols fetched even in minimal mode.
type Asset struct {
	Symbol      string   `db:"symbol"       json:"symbol"`
	Name        string   `db:"name"         json:"name"`
	Sector      string   `db:"sector"       json:"sector"`
	Region      string   `db:"region"       json:"region"`
	IsBenchmark bool     `db:"is_benchmark" json:"is_benchmark"`
	Tags        []string `db:"tags"         json:"tags,omitempty"`
}

// PricePoint is one daily close for a symbol.
type PricePoint struct {
	Symbol     string    `db:"symbol"      json:"symbol"`
	PriceDate  time.Time `db:"price_date"  json:"price_date"`
	ClosePrice float64   `db:"close_price" json:"close_price"`
	Volume     int64     `db:"volume"      json:"volume"`
}

// IndexValue is one computed daily index level.
type IndexValue struct {
	IndexDate time.Time `db:"index_date" json:"index_date"`
	Level     float64   `db:"level"      json:"level"`
	Assets    int       `db:"assets"     json:"assets"`
}

// DatasetStats is the raw material for the quality assessor, read in one
// pass from the primary store.
type DatasetStats struct {
	LatestPriceDate  *time.Time
	AssetCount       int
	BenchmarkPresent bool
	SectorCount      int
	RegionCount      int
	PriceRowCount    int
	InvalidRowCount  int
}

// StalenessDays returns the age in days of the most recent data point.
// A dataset with no prices at all is treated as maximally stale.
func (s *DatasetStats) StalenessDays(now time.Time) int {
	if s.LatestPriceDate == nil {
		return int(maxStalenessDays)
	}
	days := int(now.Sub(*s.LatestPriceDate).Hours() / hoursPerDay)
	if days < 0 {
		return 0
	}
	return days
}

// ErrorRate returns the fraction of price rows that failed validation.
func (s *DatasetStats) ErrorRate() float64 {
	if s.PriceRowCount == 0 {
		return 0
	}
	return float64(s.InvalidRowCount) / float64(s.PriceRowCount)
}

const (
	hoursPerDay      = 24
	maxStalenessDays = 365
)
