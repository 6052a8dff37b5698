// Package rollup keeps every level of a Mission tree consistent with its
// children. Each structural change runs under a per-Mission lock inside one
// store transaction and cascades strictly upward.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"momentum/api/internal/lock"
	"momentum/api/internal/okr"
	"momentum/api/internal/telemetry"
)

const (
	OpLeafMutation      = "leaf_mutation"
	OpActionCreation    = "action_creation"
	OpActionDeletion    = "action_deletion"
	OpObjectiveCreation = "objective_creation"
	OpObjectiveDeletion = "objective_deletion"
	OpRecompute         = "recompute"
)

// Result carries the persisted values after a cascade. Objective and Action
// are nil when the operation has no such node to report.
type Result struct {
	Mission   okr.Mission    `json:"mission"`
	Objective *okr.Objective `json:"objective,omitempty"`
	Action    *okr.Action    `json:"action,omitempty"`
}

type Options struct {
	// LockTimeout bounds the wait for the per-Mission lock.
	LockTimeout time.Duration
	// Attempts is the total number of tries for a cascade, including the first.
	Attempts        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

type Engine struct {
	store   okr.Store
	locker  lock.Locker
	opts    Options
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewEngine(store okr.Store, locker lock.Locker, opts Options) *Engine {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 20 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 500 * time.Millisecond
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		locker:  locker,
		opts:    opts,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  logger.With("component", "rollup"),
	}
}

// mutation is the work done inside the locked transaction. It must only use
// the tree it is handed.
type mutation func(ctx context.Context, tree okr.Tree) (Result, error)

// ApplyLeafMutation sets an Action's target and current and cascades.
func (e *Engine) ApplyLeafMutation(ctx context.Context, actionID string, target, current float64) (Result, error) {
	return e.ApplyLeafUpdate(ctx, actionID, okr.LeafUpdate{Target: &target, Current: &current})
}

// ApplyLeafUpdate changes the given fields of an Action and cascades. Fields
// left nil keep the value read under the Mission lock.
func (e *Engine) ApplyLeafUpdate(ctx context.Context, actionID string, update okr.LeafUpdate) (Result, error) {
	if err := update.Validate(); err != nil {
		return Result{}, err
	}
	chain, err := okr.ResolveAction(ctx, e.store, actionID)
	if err != nil {
		return Result{}, err
	}

	return e.run(ctx, OpLeafMutation, chain.Mission.ID, func(ctx context.Context, tree okr.Tree) (Result, error) {
		action, err := tree.GetAction(ctx, actionID)
		if err != nil {
			return Result{}, err
		}
		target, current := update.Merge(action)
		agg := okr.Leaf(target, current)
		action.Target, action.Current, action.Progress = agg.Target, agg.Current, agg.Progress
		if err := tree.PersistAction(ctx, action); err != nil {
			return Result{}, fail(okr.LevelAction, action.ID, err)
		}

		var res Result
		if err := e.recomputeAndPersist(ctx, tree, action.ObjectiveID, okr.LevelObjective, &res); err != nil {
			return Result{}, err
		}
		res.Action = &action
		return res, nil
	})
}

// ApplyActionCreation inserts an Action under its Objective and cascades.
func (e *Engine) ApplyActionCreation(ctx context.Context, action okr.Action) (Result, error) {
	if err := okr.ValidateAmounts(action.Target, action.Current); err != nil {
		return Result{}, err
	}
	chain, err := okr.ResolveObjective(ctx, e.store, action.ObjectiveID)
	if err != nil {
		return Result{}, err
	}

	return e.run(ctx, OpActionCreation, chain.Mission.ID, func(ctx context.Context, tree okr.Tree) (Result, error) {
		if _, err := tree.GetObjective(ctx, action.ObjectiveID); err != nil {
			return Result{}, err
		}
		agg := okr.Leaf(action.Target, action.Current)
		action.Progress = agg.Progress
		inserted, err := tree.InsertAction(ctx, action)
		if err != nil {
			return Result{}, fail(okr.LevelAction, action.ID, err)
		}

		var res Result
		if err := e.recomputeAndPersist(ctx, tree, inserted.ObjectiveID, okr.LevelObjective, &res); err != nil {
			return Result{}, err
		}
		res.Action = &inserted
		return res, nil
	})
}

// ApplyActionDeletion removes an Action and recomputes what remains above it.
func (e *Engine) ApplyActionDeletion(ctx context.Context, actionID string) (Result, error) {
	chain, err := okr.ResolveAction(ctx, e.store, actionID)
	if err != nil {
		return Result{}, err
	}

	return e.run(ctx, OpActionDeletion, chain.Mission.ID, func(ctx context.Context, tree okr.Tree) (Result, error) {
		action, err := tree.GetAction(ctx, actionID)
		if err != nil {
			return Result{}, err
		}
		if err := tree.DeleteAction(ctx, actionID); err != nil {
			return Result{}, fail(okr.LevelAction, actionID, err)
		}

		var res Result
		if err := e.recomputeAndPersist(ctx, tree, action.ObjectiveID, okr.LevelObjective, &res); err != nil {
			return Result{}, err
		}
		return res, nil
	})
}

// ApplyObjectiveCreation inserts a zero-state Objective and recomputes its
// Mission.
func (e *Engine) ApplyObjectiveCreation(ctx context.Context, objective okr.Objective) (Result, error) {
	if _, err := e.store.GetMission(ctx, objective.MissionID); err != nil {
		return Result{}, err
	}

	return e.run(ctx, OpObjectiveCreation, objective.MissionID, func(ctx context.Context, tree okr.Tree) (Result, error) {
		objective.Target, objective.Current, objective.Progress = 0, 0, 0
		inserted, err := tree.InsertObjective(ctx, objective)
		if err != nil {
			return Result{}, fail(okr.LevelObjective, objective.ID, err)
		}

		var res Result
		if err := e.recomputeAndPersist(ctx, tree, inserted.ID, okr.LevelObjective, &res); err != nil {
			return Result{}, err
		}
		return res, nil
	})
}

// ApplyObjectiveDeletion removes an Objective with its Actions and recomputes
// the Mission.
func (e *Engine) ApplyObjectiveDeletion(ctx context.Context, objectiveID string) (Result, error) {
	chain, err := okr.ResolveObjective(ctx, e.store, objectiveID)
	if err != nil {
		return Result{}, err
	}

	return e.run(ctx, OpObjectiveDeletion, chain.Mission.ID, func(ctx context.Context, tree okr.Tree) (Result, error) {
		objective, err := tree.GetObjective(ctx, objectiveID)
		if err != nil {
			return Result{}, err
		}
		if err := tree.DeleteObjective(ctx, objectiveID); err != nil {
			return Result{}, fail(okr.LevelObjective, objectiveID, err)
		}

		var res Result
		if err := e.recomputeAndPersist(ctx, tree, objective.MissionID, okr.LevelMission, &res); err != nil {
			return Result{}, err
		}
		return res, nil
	})
}

// Recompute re-derives every Action's progress and every aggregate above it
// from the stored leaf values. It is the repair path for divergent trees.
func (e *Engine) Recompute(ctx context.Context, missionID string) (Result, error) {
	return e.run(ctx, OpRecompute, missionID, func(ctx context.Context, tree okr.Tree) (Result, error) {
		objectives, err := tree.ListObjectives(ctx, missionID)
		if err != nil {
			return Result{}, fail(okr.LevelMission, missionID, err)
		}
		for _, objective := range objectives {
			actions, err := tree.ListActions(ctx, objective.ID)
			if err != nil {
				return Result{}, fail(okr.LevelObjective, objective.ID, err)
			}
			for _, action := range actions {
				progress := okr.Percentage(action.Current, action.Target)
				if progress == action.Progress {
					continue
				}
				action.Progress = progress
				if err := tree.PersistAction(ctx, action); err != nil {
					return Result{}, fail(okr.LevelAction, action.ID, err)
				}
			}
			if _, err := e.recomputeObjective(ctx, tree, objective.ID); err != nil {
				return Result{}, err
			}
		}

		mission, err := e.recomputeMission(ctx, tree, missionID)
		if err != nil {
			return Result{}, err
		}
		return Result{Mission: mission}, nil
	})
}

// run acquires the Mission lock, executes fn in one transaction and retries
// transient failures.
func (e *Engine) run(ctx context.Context, op, missionID string, fn mutation) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "rollup."+op, trace.WithAttributes(
		attribute.String("okr.mission_id", missionID),
	))
	defer span.End()

	started := time.Now()
	var attempts uint

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialInterval
	bo.MaxInterval = e.opts.MaxInterval

	res, err := backoff.Retry(ctx, func() (Result, error) {
		attempts++
		res, err := e.attempt(ctx, missionID, fn)
		if err == nil {
			return res, nil
		}
		err = classify(missionID, err)
		if permanent(err) {
			return Result{}, backoff.Permanent(err)
		}
		if attempts < e.opts.Attempts {
			e.logger.WarnContext(ctx, "rollup retry",
				"op", op,
				"mission_id", missionID,
				"attempt", attempts,
				"error", err,
			)
		}
		return Result{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(e.opts.Attempts))

	span.SetAttributes(attribute.Int("rollup.attempts", int(attempts)))
	if err != nil {
		err = classify(missionID, err)
	}
	e.observe(op, started, attempts, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, okr.ErrRollupFailed) {
			e.logger.ErrorContext(ctx, "rollup failed",
				"op", op,
				"mission_id", missionID,
				"attempts", attempts,
				"error", err,
			)
		}
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, missionID string, fn mutation) (Result, error) {
	waitStarted := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, e.opts.LockTimeout)
	unlock, err := e.locker.Lock(lockCtx, missionID)
	cancel()
	if e.metrics != nil {
		e.metrics.LockWait.Observe(time.Since(waitStarted).Seconds())
	}
	if err != nil {
		return Result{}, fail(okr.LevelMission, missionID, err)
	}
	defer unlock()

	var res Result
	err = e.store.InTx(ctx, func(ctx context.Context, tree okr.Tree) error {
		if _, err := tree.LockMission(ctx, missionID); err != nil {
			if errors.Is(err, okr.ErrNotFound) {
				return err
			}
			return fail(okr.LevelMission, missionID, err)
		}
		out, err := fn(ctx, tree)
		if err != nil {
			return err
		}
		res = out
		return nil
	})
	return res, err
}

// recomputeAndPersist re-derives the node from its direct children, writes
// it and continues with its parent until the Mission has been written.
func (e *Engine) recomputeAndPersist(ctx context.Context, tree okr.Tree, nodeID string, level okr.Level, res *Result) error {
	switch level {
	case okr.LevelObjective:
		objective, err := e.recomputeObjective(ctx, tree, nodeID)
		if err != nil {
			return err
		}
		res.Objective = &objective
		return e.recomputeAndPersist(ctx, tree, objective.MissionID, okr.LevelMission, res)
	case okr.LevelMission:
		mission, err := e.recomputeMission(ctx, tree, nodeID)
		if err != nil {
			return err
		}
		res.Mission = mission
		return nil
	default:
		return fail(level, nodeID, fmt.Errorf("no children to roll up at level %q", level))
	}
}

func (e *Engine) recomputeObjective(ctx context.Context, tree okr.Tree, objectiveID string) (okr.Objective, error) {
	ctx, span := e.tracer.Start(ctx, "rollup.recompute", trace.WithAttributes(
		attribute.String("okr.level", string(okr.LevelObjective)),
		attribute.String("okr.node_id", objectiveID),
	))
	defer span.End()

	objective, err := tree.GetObjective(ctx, objectiveID)
	if err != nil {
		return okr.Objective{}, spanFail(span, okr.LevelObjective, objectiveID, err)
	}
	actions, err := tree.ListActions(ctx, objectiveID)
	if err != nil {
		return okr.Objective{}, spanFail(span, okr.LevelObjective, objectiveID, err)
	}
	children := make([]okr.Aggregate, 0, len(actions))
	for _, action := range actions {
		children = append(children, action.Aggregate())
	}
	agg := okr.Sum(children)
	objective.Target, objective.Current, objective.Progress = agg.Target, agg.Current, agg.Progress
	if err := tree.PersistObjective(ctx, objective); err != nil {
		return okr.Objective{}, spanFail(span, okr.LevelObjective, objectiveID, err)
	}
	span.SetAttributes(attribute.Int("okr.children", len(actions)), attribute.Float64("okr.progress", agg.Progress))
	return objective, nil
}

func (e *Engine) recomputeMission(ctx context.Context, tree okr.Tree, missionID string) (okr.Mission, error) {
	ctx, span := e.tracer.Start(ctx, "rollup.recompute", trace.WithAttributes(
		attribute.String("okr.level", string(okr.LevelMission)),
		attribute.String("okr.node_id", missionID),
	))
	defer span.End()

	mission, err := tree.GetMission(ctx, missionID)
	if err != nil {
		return okr.Mission{}, spanFail(span, okr.LevelMission, missionID, err)
	}
	objectives, err := tree.ListObjectives(ctx, missionID)
	if err != nil {
		return okr.Mission{}, spanFail(span, okr.LevelMission, missionID, err)
	}
	children := make([]okr.Aggregate, 0, len(objectives))
	for _, objective := range objectives {
		children = append(children, objective.Aggregate())
	}
	agg := okr.Sum(children)
	mission.Target, mission.Current, mission.Progress = agg.Target, agg.Current, agg.Progress
	if err := tree.PersistMission(ctx, mission); err != nil {
		return okr.Mission{}, spanFail(span, okr.LevelMission, missionID, err)
	}
	span.SetAttributes(attribute.Int("okr.children", len(objectives)), attribute.Float64("okr.progress", agg.Progress))
	return mission, nil
}

func (e *Engine) observe(op string, started time.Time, attempts uint, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, okr.ErrRollupFailed):
		outcome = "rollup_failed"
	case errors.Is(err, okr.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, okr.ErrInvalidInput):
		outcome = "invalid_input"
	default:
		outcome = "error"
	}
	e.metrics.RollupsTotal.WithLabelValues(op, outcome).Inc()
	e.metrics.RollupDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	e.metrics.RollupAttempts.Observe(float64(attempts))
}

// fail wraps err as a RollupError unless it already is one.
func fail(level okr.Level, nodeID string, err error) error {
	var rollupErr *okr.RollupError
	if errors.As(err, &rollupErr) {
		return err
	}
	return &okr.RollupError{Level: level, NodeID: nodeID, Err: err}
}

func spanFail(span trace.Span, level okr.Level, nodeID string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return fail(level, nodeID, err)
}

// classify leaves caller-facing sentinels alone and turns anything else,
// such as a failed commit or a cancelled wait, into a RollupError.
func classify(missionID string, err error) error {
	if errors.Is(err, okr.ErrRollupFailed) ||
		errors.Is(err, okr.ErrNotFound) ||
		errors.Is(err, okr.ErrInvalidInput) ||
		errors.Is(err, okr.ErrDuplicateMission) {
		return err
	}
	return fail(okr.LevelMission, missionID, err)
}

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	if errors.Is(err, lock.ErrTimeout) {
		return true
	}
	if errors.Is(err, okr.ErrRollupFailed) {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	return true
}
