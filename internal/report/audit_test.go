package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"momentum/api/internal/okr"
	"momentum/api/internal/rollup"
)

type fakeVerifier struct {
	divergent map[string]bool
	failing   map[string]error

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeVerifier) VerifyTree(_ context.Context, missionID string) ([]rollup.Divergence, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	if err := f.failing[missionID]; err != nil {
		return nil, err
	}
	if f.divergent[missionID] {
		return []rollup.Divergence{{NodeID: missionID, Level: okr.LevelMission}}, nil
	}
	return []rollup.Divergence{}, nil
}

type fakeRepairer struct {
	mu       sync.Mutex
	repaired []string
	err      error
}

func (f *fakeRepairer) Recompute(_ context.Context, missionID string) (rollup.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return rollup.Result{}, f.err
	}
	f.repaired = append(f.repaired, missionID)
	return rollup.Result{Mission: okr.Mission{ID: missionID}}, nil
}

func TestAuditRecordsEveryMission(t *testing.T) {
	verifier := &fakeVerifier{
		divergent: map[string]bool{"m2": true},
		failing:   map[string]error{"m3": errors.New("lock wait timed out")},
	}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r, err := Audit(context.Background(), verifier, []string{"m3", "m1", "m2"}, AuditOptions{
		Concurrency: 2,
		Now:         func() time.Time { return at },
	})
	require.NoError(t, err)

	assert.Equal(t, at, r.GeneratedAt)
	assert.Equal(t, 3, r.Missions)
	assert.Equal(t, 1, r.Divergent)
	assert.Equal(t, 0, r.Repaired)
	assert.Equal(t, 1, r.Failed)
	require.Len(t, r.Entries, 3)
	assert.Equal(t, "m1", r.Entries[0].MissionID)
	assert.Equal(t, "m3", r.Entries[2].MissionID)
	assert.Equal(t, "lock wait timed out", r.Entries[2].Error)
}

func TestAuditRepairsOnlyDivergentMissions(t *testing.T) {
	verifier := &fakeVerifier{divergent: map[string]bool{"m2": true, "m4": true}}
	repairer := &fakeRepairer{}

	r, err := Audit(context.Background(), verifier, []string{"m1", "m2", "m3", "m4"}, AuditOptions{
		Concurrency: 4,
		Repairer:    repairer,
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"m2", "m4"}, repairer.repaired)
	assert.Equal(t, 2, r.Repaired)
	assert.Equal(t, 2, r.Divergent)
	assert.True(t, r.Entries[1].Repaired)
	assert.False(t, r.Entries[0].Repaired)
}

func TestAuditRecordsRepairFailure(t *testing.T) {
	verifier := &fakeVerifier{divergent: map[string]bool{"m1": true}}
	repairer := &fakeRepairer{err: fmt.Errorf("wrapped: %w", okr.ErrRollupFailed)}

	r, err := Audit(context.Background(), verifier, []string{"m1"}, AuditOptions{Repairer: repairer})
	require.NoError(t, err)

	require.Len(t, r.Entries, 1)
	assert.False(t, r.Entries[0].Repaired)
	assert.Contains(t, r.Entries[0].Error, "rollup failed")
	assert.Equal(t, 1, r.Failed)
}

func TestAuditHonoursConcurrencyLimit(t *testing.T) {
	verifier := &fakeVerifier{}
	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%02d", i)
	}

	_, err := Audit(context.Background(), verifier, ids, AuditOptions{Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, verifier.peak.Load(), int32(3))
}

func TestAuditStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Audit(ctx, &fakeVerifier{}, []string{"m1", "m2"}, AuditOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
