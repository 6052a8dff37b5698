package report

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"momentum/api/internal/rollup"
)

// Verifier diffs one stored Mission against its leaves.
type Verifier interface {
	VerifyTree(ctx context.Context, missionID string) ([]rollup.Divergence, error)
}

// Repairer recomputes one Mission from its leaves.
type Repairer interface {
	Recompute(ctx context.Context, missionID string) (rollup.Result, error)
}

type AuditOptions struct {
	// Concurrency bounds how many Missions are checked at once.
	Concurrency int
	// Repairer, when set, recomputes every divergent Mission.
	Repairer Repairer
	Now      func() time.Time
}

// Audit verifies every Mission in missionIDs. A failure on one Mission is
// recorded in its entry and does not stop the others; only a cancelled
// context aborts the run.
func Audit(ctx context.Context, verifier Verifier, missionIDs []string, opts AuditOptions) (Report, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var (
		mu      sync.Mutex
		entries = make([]Entry, 0, len(missionIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for _, id := range missionIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			entry := auditMission(gctx, verifier, opts.Repairer, id)
			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, fmt.Errorf("audit: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].MissionID < entries[j].MissionID })
	r := Report{GeneratedAt: now().UTC(), Entries: make([]Entry, 0, len(entries))}
	for _, entry := range entries {
		r.Add(entry)
	}
	return r, nil
}

func auditMission(ctx context.Context, verifier Verifier, repairer Repairer, missionID string) Entry {
	entry := Entry{MissionID: missionID}
	divergences, err := verifier.VerifyTree(ctx, missionID)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.Divergences = divergences
	if len(divergences) == 0 || repairer == nil {
		return entry
	}
	if _, err := repairer.Recompute(ctx, missionID); err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.Repaired = true
	return entry
}
