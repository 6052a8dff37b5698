package okr

import (
	"fmt"
	"math"
)

// Percentage converts current/target into a progress value in [0, 100].
// A zero target is 0% complete. Overshoot is clamped to 100. No rounding.
func Percentage(current, target float64) float64 {
	if target <= 0 {
		return 0
	}
	p := current / target * 100
	if p > 100 {
		return 100
	}
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	return p
}

// Sum folds child aggregates into a parent aggregate. An empty slice yields
// the zero state.
func Sum(children []Aggregate) Aggregate {
	var agg Aggregate
	for _, child := range children {
		agg.Target += child.Target
		agg.Current += child.Current
	}
	agg.Progress = Percentage(agg.Current, agg.Target)
	return agg
}

// Leaf computes an Action's aggregate from its caller-supplied values.
func Leaf(target, current float64) Aggregate {
	return Aggregate{Target: target, Current: current, Progress: Percentage(current, target)}
}

// MaxAmount bounds target and current so that summing a Mission's Actions
// stays finite.
const MaxAmount = 1e15

// ValidateAmounts rejects negative, non-finite and oversized inputs. Inputs
// are never clamped; only the output percentage is.
func ValidateAmounts(target, current float64) error {
	if math.IsNaN(target) || math.IsInf(target, 0) {
		return fmt.Errorf("%w: target must be a finite number", ErrInvalidInput)
	}
	if math.IsNaN(current) || math.IsInf(current, 0) {
		return fmt.Errorf("%w: current must be a finite number", ErrInvalidInput)
	}
	if target < 0 {
		return fmt.Errorf("%w: target must be >= 0", ErrInvalidInput)
	}
	if current < 0 {
		return fmt.Errorf("%w: current must be >= 0", ErrInvalidInput)
	}
	if target > MaxAmount {
		return fmt.Errorf("%w: target must be <= %g", ErrInvalidInput, float64(MaxAmount))
	}
	if current > MaxAmount {
		return fmt.Errorf("%w: current must be <= %g", ErrInvalidInput, float64(MaxAmount))
	}
	return nil
}

// LeafUpdate is a partial change to an Action's values. A nil field keeps
// whatever the Action currently stores.
type LeafUpdate struct {
	Target  *float64
	Current *float64
}

// Validate checks the fields that are set.
func (u LeafUpdate) Validate() error {
	if u.Target == nil && u.Current == nil {
		return fmt.Errorf("%w: target or current is required", ErrInvalidInput)
	}
	var target, current float64
	if u.Target != nil {
		target = *u.Target
	}
	if u.Current != nil {
		current = *u.Current
	}
	return ValidateAmounts(target, current)
}

// Merge returns the values the Action holds once the update is applied.
func (u LeafUpdate) Merge(action Action) (target, current float64) {
	target, current = action.Target, action.Current
	if u.Target != nil {
		target = *u.Target
	}
	if u.Current != nil {
		current = *u.Current
	}
	return target, current
}

// ValidatePeriod checks a Mission's quarter/year pair.
func ValidatePeriod(quarter, year int) error {
	if quarter < 1 || quarter > 4 {
		return fmt.Errorf("%w: quarter must be between 1 and 4", ErrInvalidInput)
	}
	if year < 1 {
		return fmt.Errorf("%w: year must be positive", ErrInvalidInput)
	}
	return nil
}
