package okr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both missing nodes and nodes outside the caller's
	// ownership chain.
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrDuplicateMission = errors.New("mission already exists for this quarter")
	ErrRollupFailed     = errors.New("rollup failed")
)

// RollupError reports the level and node at which a cascade stopped.
type RollupError struct {
	Level  Level
	NodeID string
	Err    error
}

func (e *RollupError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rollup failed at %s %s: %v", e.Level, e.NodeID, e.Err)
}

func (e *RollupError) Unwrap() error { return e.Err }

func (e *RollupError) Is(target error) bool { return target == ErrRollupFailed }
