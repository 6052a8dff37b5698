package rollup

import (
	"context"
	"log/slog"
	"math"

	"momentum/api/internal/okr"
	"momentum/api/internal/telemetry"
)

// Tolerance is the largest difference, relative to magnitudes above 1, that
// still counts as equal when comparing stored and recomputed values.
const Tolerance = 1e-9

// Divergence is one node whose stored aggregate disagrees with a
// recomputation from the leaves.
type Divergence struct {
	NodeID             string    `json:"nodeId"`
	Level              okr.Level `json:"level"`
	StoredProgress     float64   `json:"storedProgress"`
	RecomputedProgress float64   `json:"recomputedProgress"`
	StoredTarget       float64   `json:"storedTarget"`
	RecomputedTarget   float64   `json:"recomputedTarget"`
	StoredCurrent      float64   `json:"storedCurrent"`
	RecomputedCurrent  float64   `json:"recomputedCurrent"`
}

// Verify recomputes a snapshot bottom-up and lists every node whose stored
// values differ. Action target and current are the source of truth; the
// levels above are compared against sums of recomputed children.
func Verify(snapshot okr.MissionTree) []Divergence {
	out := make([]Divergence, 0)
	missionChildren := make([]okr.Aggregate, 0, len(snapshot.Objectives))

	for _, objective := range snapshot.Objectives {
		actionChildren := make([]okr.Aggregate, 0, len(objective.Actions))
		for _, action := range objective.Actions {
			want := okr.Leaf(action.Target, action.Current)
			if d, ok := diverges(action.ID, okr.LevelAction, action.Aggregate(), want); ok {
				out = append(out, d)
			}
			actionChildren = append(actionChildren, want)
		}

		want := okr.Sum(actionChildren)
		if d, ok := diverges(objective.ID, okr.LevelObjective, objective.Aggregate(), want); ok {
			out = append(out, d)
		}
		missionChildren = append(missionChildren, want)
	}

	want := okr.Sum(missionChildren)
	if d, ok := diverges(snapshot.ID, okr.LevelMission, snapshot.Mission.Aggregate(), want); ok {
		out = append(out, d)
	}
	return out
}

func diverges(nodeID string, level okr.Level, stored, recomputed okr.Aggregate) (Divergence, bool) {
	if equal(stored.Target, recomputed.Target) &&
		equal(stored.Current, recomputed.Current) &&
		equal(stored.Progress, recomputed.Progress) {
		return Divergence{}, false
	}
	return Divergence{
		NodeID:             nodeID,
		Level:              level,
		StoredProgress:     stored.Progress,
		RecomputedProgress: recomputed.Progress,
		StoredTarget:       stored.Target,
		RecomputedTarget:   recomputed.Target,
		StoredCurrent:      stored.Current,
		RecomputedCurrent:  recomputed.Current,
	}, true
}

func equal(a, b float64) bool {
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= Tolerance*scale
}

// Checker verifies stored Missions without writing anything.
type Checker struct {
	store   okr.Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewChecker(store okr.Store, metrics *telemetry.Metrics, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{store: store, metrics: metrics, logger: logger.With("component", "checker")}
}

// VerifyTree loads one Mission snapshot and diffs it against a recomputation.
// The snapshot is read in one transaction so a cascade committing meanwhile
// cannot show up half applied.
func (c *Checker) VerifyTree(ctx context.Context, missionID string) ([]Divergence, error) {
	var snapshot okr.MissionTree
	err := c.store.Snapshot(ctx, func(ctx context.Context, tree okr.Tree) error {
		loaded, err := okr.LoadMissionTree(ctx, tree, missionID)
		snapshot = loaded
		return err
	})
	if err != nil {
		return nil, err
	}
	divergences := Verify(snapshot)
	if len(divergences) > 0 {
		c.logger.WarnContext(ctx, "mission diverges from its leaves",
			"mission_id", missionID,
			"divergences", len(divergences),
		)
	}
	if c.metrics != nil {
		for _, d := range divergences {
			c.metrics.Divergences.WithLabelValues(string(d.Level)).Inc()
		}
	}
	return divergences, nil
}
