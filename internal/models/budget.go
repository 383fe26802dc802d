package models

import "time"

// RateBudget is the persisted per-provider call counter for a single
// rate-limit window. The window is the UTC calendar date; a new day means
// a new row, so the budget resets exactly at midnight UTC.
type RateBudget struct {
	Provider      string    `db:"provider"       json:"provider"`
	WindowDate    string    `db:"window_date"    json:"window_date"` // YYYY-MM-DD, UTC
	CallsUsed     int       `db:"calls_used"     json:"calls_used_today"`
	DailyLimit    int       `db:"daily_limit"    json:"daily_limit"`
	OverridesUsed int       `db:"overrides_used" json:"overrides_used"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// Remaining returns the raw calls left in the window. Never negative.
func (b *RateBudget) Remaining() int {
	remaining := b.DailyLimit - b.CallsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WindowResetAt returns when this budget's window rolls over.
func (b *RateBudget) WindowResetAt() time.Time {
	day, err := time.ParseInLocation("2006-01-02", b.WindowDate, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return day.AddDate(0, 0, 1)
}

// BudgetWindow returns the window key for a point in time.
func BudgetWindow(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
