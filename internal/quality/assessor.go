// Package quality scores the dataset on freshness, completeness, accuracy
// and coverage. The report is a pure function of current store state:
// recomputed on every request, never persisted, so there is no shadow copy
// to go stale.
package quality

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/models"
)

const (
	maxScore = 100.0

	freshnessDecayPerDay      = 20.0
	freshnessExcellentMaxDays = 1
	freshnessGoodMaxDays      = 2
	freshnessStaleMaxDays     = 7

	completenessCompleteMin = 95.0
	completenessPartialMin  = 80.0

	accuracyErrorWeight = 2000.0
	accuracyAccurateMax = 0.01
	accuracyMinorMax    = 0.03

	coverageBenchmarkPts = 40.0
	coveragePerSector    = 5.0
	coverageSectorCapPts = 40.0
	coveragePerRegion    = 4.0
	coverageRegionCapPts = 20.0
	coverageFullMin      = 90.0
	coveragePartialMin   = 70.0

	assessExcellentMin = 90
	assessGoodMin      = 75
	assessFairMin      = 60

	requiresRefreshBelow = 60
	subScoreCount        = 4
)

// StatsSource provides the dataset snapshot the assessor scores.
type StatsSource interface {
	DatasetStats(ctx context.Context) (*models.DatasetStats, error)
}

// Assessor computes quality reports.
type Assessor struct {
	source StatsSource
	now    func() time.Time
}

// NewAssessor creates an assessor over the given stats source.
func NewAssessor(source StatsSource) *Assessor {
	return &Assessor{
		source: source,
		now:    time.Now,
	}
}

// Assess reads the current dataset snapshot and scores it against the
// expected asset count.
func (a *Assessor) Assess(ctx context.Context, expectedAssets int) (*models.QualityReport, error) {
	stats, err := a.source.DatasetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataset stats: %w", err)
	}
	return Score(stats, expectedAssets, a.now()), nil
}

// Score computes the report from a snapshot. Exposed separately so tests
// and callers holding a snapshot can score without store access.
func Score(stats *models.DatasetStats, expectedAssets int, now time.Time) *models.QualityReport {
	daysOld := stats.StalenessDays(now)

	report := &models.QualityReport{
		Freshness:    freshnessScore(daysOld),
		Completeness: completenessScore(stats.AssetCount, expectedAssets),
		Accuracy:     accuracyScore(stats.ErrorRate()),
		Coverage:     coverageScore(stats.BenchmarkPresent, stats.SectorCount, stats.RegionCount),
		GeneratedAt:  now,
	}

	mean := (report.Freshness.Score + report.Completeness.Score +
		report.Accuracy.Score + report.Coverage.Score) / subScoreCount
	report.Overall = int(math.Round(mean))
	report.Assessment = assessment(report.Overall)

	staleFreshness := report.Freshness.Status == models.FreshnessStale ||
		report.Freshness.Status == models.FreshnessCritical
	report.RequiresRefresh = report.Overall < requiresRefreshBelow || staleFreshness

	report.Recommendations = recommendations(report, daysOld, stats.AssetCount, expectedAssets)
	return report
}

// freshnessScore decays linearly with age: 100 - 20 per day, floored at 0.
func freshnessScore(daysOld int) models.SubScore {
	score := math.Max(0, maxScore-freshnessDecayPerDay*float64(daysOld))

	status := models.FreshnessCritical
	switch {
	case daysOld <= freshnessExcellentMaxDays:
		status = models.FreshnessExcellent
	case daysOld <= freshnessGoodMaxDays:
		status = models.FreshnessGood
	case daysOld <= freshnessStaleMaxDays:
		status = models.FreshnessStale
	}
	return models.SubScore{Score: score, Status: status}
}

func completenessScore(actual, expected int) models.SubScore {
	score := maxScore
	if expected > 0 {
		score = math.Min(maxScore, float64(actual)/float64(expected)*maxScore)
	}

	status := models.CompletenessIncomplete
	switch {
	case score >= completenessCompleteMin:
		status = models.CompletenessComplete
	case score >= completenessPartialMin:
		status = models.CompletenessPartial
	}
	return models.SubScore{Score: score, Status: status}
}

func accuracyScore(errorRate float64) models.SubScore {
	score := math.Max(0, maxScore-errorRate*accuracyErrorWeight)

	status := models.AccuracyMajorIssues
	switch {
	case errorRate <= accuracyAccurateMax:
		status = models.AccuracyAccurate
	case errorRate <= accuracyMinorMax:
		status = models.AccuracyMinorIssues
	}
	return models.SubScore{Score: score, Status: status}
}

func coverageScore(benchmarkPresent bool, sectors, regions int) models.SubScore {
	score := 0.0
	if benchmarkPresent {
		score += coverageBenchmarkPts
	}
	score += math.Min(coverageSectorCapPts, float64(sectors)*coveragePerSector)
	score += math.Min(coverageRegionCapPts, float64(regions)*coveragePerRegion)

	status := models.CoverageLimited
	switch {
	case score >= coverageFullMin:
		status = models.CoverageFull
	case score >= coveragePartialMin:
		status = models.CoveragePartial
	}
	return models.SubScore{Score: score, Status: status}
}

func assessment(overall int) string {
	switch {
	case overall >= assessExcellentMin:
		return models.AssessmentExcellent
	case overall >= assessGoodMin:
		return models.AssessmentGood
	case overall >= assessFairMin:
		return models.AssessmentFair
	default:
		return models.AssessmentPoor
	}
}

func recommendations(report *models.QualityReport, daysOld, actual, expected int) []string {
	var recs []string
	if report.Freshness.Status == models.FreshnessStale || report.Freshness.Status == models.FreshnessCritical {
		recs = append(recs, fmt.Sprintf("data is %d days old, trigger refresh", daysOld))
	}
	if report.Completeness.Status != models.CompletenessComplete {
		recs = append(recs, fmt.Sprintf("only %d of %d expected assets present, run a full refresh", actual, expected))
	}
	if report.Accuracy.Status == models.AccuracyMajorIssues {
		recs = append(recs, "validation error rate is high, inspect recent price writes")
	}
	if report.Coverage.Status == models.CoverageLimited {
		recs = append(recs, "coverage is limited, add benchmark or broaden sectors/regions")
	}
	return recs
}
