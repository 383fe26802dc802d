package models

import "time"

// Score status buckets for the four quality dimensions.
const (
	FreshnessExcellent = "excellent"
	FreshnessGood      = "good"
	FreshnessStale     = "stale"
	FreshnessCritical  = "critical"

	CompletenessComplete   = "complete"
	CompletenessPartial    = "partial"
	CompletenessIncomplete = "incomplete"

	AccuracyAccurate    = "accurate"
	AccuracyMinorIssues = "minor-issues"
	AccuracyMajorIssues = "major-issues"

	CoverageFull    = "full"
	CoveragePartial = "partial"
	CoverageLimited = "limited"
)

// Assessment buckets for the overall score.
const (
	AssessmentExcellent = "excellent"
	AssessmentGood      = "good"
	AssessmentFair      = "fair"
	AssessmentPoor      = "poor"
)

// SubScore is one quality dimension: a 0-100 score plus a status bucket.
type SubScore struct {
	Score  float64 `json:"score"`
	Status string  `json:"status"`
}

// QualityReport is a derived snapshot of dataset quality. It is a pure
// function of current store state, recomputed on demand and never persisted.
type QualityReport struct {
	Freshness       SubScore  `json:"freshness"`
	Completeness    SubScore  `json:"completeness"`
	Accuracy        SubScore  `json:"accuracy"`
	Coverage        SubScore  `json:"coverage"`
	Overall         int       `json:"overall"`
	Assessment      string    `json:"assessment"`
	RequiresRefresh bool      `json:"requires_refresh"`
	Recommendations []string  `json:"recommendations"`
	GeneratedAt     time.Time `json:"generated_at"`
}
