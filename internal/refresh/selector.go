package refresh

// Default policy thresholds.
const (
	// DefaultReserveCalls is the budget floor below which only minimal
	// refreshes run, keeping headroom for manual triggers.
	DefaultReserveCalls = 20

	// fullBackfillAfterDays is the staleness beyond which an incremental
	// update is not enough.
	fullBackfillAfterDays = 2
)

// Input is everything the mode decision depends on. The selector is a pure
// function of this struct: identical inputs always yield the same mode.
type Input struct {
	// Explicit is a caller-requested mode, nil when the caller defers.
	Explicit *Mode

	// StalenessDays is the age of the most recent data point.
	StalenessDays int

	// BudgetRemaining is the provider budget left in the current window.
	BudgetRemaining int

	// InFlight is true when a refresh of equal or broader scope is already
	// pending or running. New requests coalesce onto it.
	InFlight bool
}

// Selector picks the refresh mode.
type Selector struct {
	reserveCalls int
}

// NewSelector creates a selector with the given budget reserve threshold.
func NewSelector(reserveCalls int) *Selector {
	if reserveCalls <= 0 {
		reserveCalls = DefaultReserveCalls
	}
	return &Selector{reserveCalls: reserveCalls}
}

// Select applies the decision policy in order; first match wins.
func (s *Selector) Select(in Input) Mode {
	// 1. Honor an explicit mode unless the governor vetoes it entirely.
	if in.Explicit != nil {
		if in.BudgetRemaining <= 0 {
			return ModeCached
		}
		return *in.Explicit
	}

	// 2. A refresh already in flight serves this request too.
	if in.InFlight {
		return ModeCached
	}

	// 3. Data already current: nothing to do.
	if in.StalenessDays == 0 {
		return ModeCached
	}

	// 4. Budget exhausted or inside the reserve: fetch the bare minimum.
	if in.BudgetRemaining <= 0 {
		return ModeCached
	}
	if in.BudgetRemaining < s.reserveCalls {
		return ModeMinimal
	}

	// 5. Too stale for a latest-price update.
	if in.StalenessDays > fullBackfillAfterDays {
		return ModeFull
	}

	return ModeIncremental
}
