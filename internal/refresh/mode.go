// Package refresh decides how market data gets refreshed and implements the
// task executors that do the work.
package refresh

import "errors"

// Mode controls the scope and upstream cost of a refresh.
type Mode string

const (
	// ModeFull backfills all tracked assets across the staleness window.
	ModeFull Mode = "full"

	// ModeIncremental fetches only the latest prices.
	ModeIncremental Mode = "incremental"

	// ModeMinimal fetches only the benchmark and critical symbols.
	ModeMinimal Mode = "minimal"

	// ModeCached is a no-op: serve what we have, issue no upstream calls,
	// mutate nothing.
	ModeCached Mode = "cached"
)

// IsValid returns true for a known mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFull, ModeIncremental, ModeMinimal, ModeCached:
		return true
	default:
		return false
	}
}

// ParseMode converts a string to a Mode. Empty means "let the selector
// decide" and returns ok=false with no error.
func ParseMode(s string) (Mode, bool, error) {
	if s == "" {
		return "", false, nil
	}
	m := Mode(s)
	if !m.IsValid() {
		return "", false, errors.New("unknown refresh mode: " + s)
	}
	return m, true, nil
}
