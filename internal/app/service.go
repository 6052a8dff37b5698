package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"momentum/api/internal/auth"
	"momentum/api/internal/config"
	"momentum/api/internal/okr"
	"momentum/api/internal/rollup"
	"momentum/api/internal/util"
)

// Session is the caller identity taken from a verified bearer token.
type Session struct {
	UserID   string
	UserName string
}

type CreateMissionInput struct {
	Title   string `json:"title"`
	Quarter int    `json:"quarter"`
	Year    int    `json:"year"`
}

type CreateObjectiveInput struct {
	Title string `json:"title"`
}

// CreateActionInput leaves Target and Current nil to take the defaults of
// 100 and 0.
type CreateActionInput struct {
	Title        string   `json:"title"`
	Target       *float64 `json:"target"`
	Current      *float64 `json:"current"`
	InitiativeID *string  `json:"initiativeId"`
}

// ProgressInput updates an Action's leaf values. A nil field keeps the
// stored value.
type ProgressInput struct {
	Target  *float64 `json:"target"`
	Current *float64 `json:"current"`
}

type CreateInitiativeInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// MissionTreeView is the stored Mission tree plus the Initiatives of each
// Action, keyed by Action id.
type MissionTreeView struct {
	okr.MissionTree
	Initiatives map[string][]okr.Initiative `json:"initiatives"`
}

type VerifyResult struct {
	MissionID   string              `json:"missionId"`
	Consistent  bool                `json:"consistent"`
	Divergences []rollup.Divergence `json:"divergences"`
}

type RepairResult struct {
	MissionID string              `json:"missionId"`
	Repaired  []rollup.Divergence `json:"repaired"`
	Mission   okr.Mission         `json:"mission"`
}

const (
	defaultActionTarget  = 100
	defaultActionCurrent = 0
	maxTitleLength       = 200
)

type readinessCheck struct {
	name string
	ping func(context.Context) error
}

type Service struct {
	cfg     config.Config
	store   okr.Store
	engine  *rollup.Engine
	checker *rollup.Checker
	logger  *slog.Logger
	checks  []readinessCheck
}

func New(cfg config.Config, store okr.Store, engine *rollup.Engine, checker *rollup.Checker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		checker: checker,
		logger:  logger,
		checks:  []readinessCheck{{name: "database", ping: store.Ping}},
	}
}

// AddReadinessCheck registers a dependency reported by /api/ready.
func (s *Service) AddReadinessCheck(name string, ping func(context.Context) error) {
	s.checks = append(s.checks, readinessCheck{name: name, ping: ping})
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness pings every registered dependency and returns the failures by
// name.
func (s *Service) Readiness(ctx context.Context) (map[string]error, []string) {
	failures := map[string]error{}
	names := make([]string, 0, len(s.checks))
	for _, check := range s.checks {
		names = append(names, check.name)
		if err := check.ping(ctx); err != nil {
			failures[check.name] = err
		}
	}
	sort.Strings(names)
	return failures, names
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Subject, UserName: claims.Name}, nil
}

func (s *Service) CreateMission(ctx context.Context, session Session, input CreateMissionInput) (okr.Mission, error) {
	title, err := cleanTitle(input.Title)
	if err != nil {
		return okr.Mission{}, err
	}
	if err := okr.ValidatePeriod(input.Quarter, input.Year); err != nil {
		return okr.Mission{}, err
	}

	mission := okr.Mission{
		ID:      util.NewID("mis"),
		UserID:  session.UserID,
		Title:   title,
		Quarter: input.Quarter,
		Year:    input.Year,
	}
	if err := s.store.InsertMission(ctx, mission); err != nil {
		return okr.Mission{}, err
	}
	return s.store.GetMission(ctx, mission.ID)
}

// ListMissions returns the caller's Missions, or only the one for a period
// when both quarter and year are given.
func (s *Service) ListMissions(ctx context.Context, session Session, quarter, year int) ([]okr.Mission, error) {
	if quarter == 0 && year == 0 {
		return s.store.ListMissions(ctx, session.UserID)
	}
	if err := okr.ValidatePeriod(quarter, year); err != nil {
		return nil, err
	}
	mission, err := s.store.FindMission(ctx, session.UserID, quarter, year)
	if err != nil {
		if isNotFound(err) {
			return []okr.Mission{}, nil
		}
		return nil, err
	}
	return []okr.Mission{mission}, nil
}

// GetMissionTree returns stored values only; it never recomputes.
func (s *Service) GetMissionTree(ctx context.Context, session Session, missionID string) (MissionTreeView, error) {
	if _, err := s.ownMission(ctx, session, missionID); err != nil {
		return MissionTreeView{}, err
	}
	tree, err := okr.LoadMissionTree(ctx, s.store, missionID)
	if err != nil {
		return MissionTreeView{}, err
	}
	view := MissionTreeView{MissionTree: tree, Initiatives: map[string][]okr.Initiative{}}
	for _, objective := range tree.Objectives {
		for _, action := range objective.Actions {
			initiatives, err := s.store.ListInitiatives(ctx, action.ID)
			if err != nil {
				return MissionTreeView{}, err
			}
			if len(initiatives) > 0 {
				view.Initiatives[action.ID] = initiatives
			}
		}
	}
	return view, nil
}

func (s *Service) CreateObjective(ctx context.Context, session Session, missionID string, input CreateObjectiveInput) (rollup.Result, error) {
	title, err := cleanTitle(input.Title)
	if err != nil {
		return rollup.Result{}, err
	}
	if _, err := s.ownMission(ctx, session, missionID); err != nil {
		return rollup.Result{}, err
	}
	return s.engine.ApplyObjectiveCreation(ctx, okr.Objective{
		ID:        util.NewID("obj"),
		MissionID: missionID,
		Title:     title,
	})
}

func (s *Service) DeleteObjective(ctx context.Context, session Session, objectiveID string) (rollup.Result, error) {
	chain, err := okr.ResolveObjective(ctx, s.store, objectiveID)
	if err != nil {
		return rollup.Result{}, err
	}
	if err := owned(chain, session); err != nil {
		return rollup.Result{}, err
	}
	return s.engine.ApplyObjectiveDeletion(ctx, objectiveID)
}

func (s *Service) CreateAction(ctx context.Context, session Session, objectiveID string, input CreateActionInput) (rollup.Result, error) {
	title, err := cleanTitle(input.Title)
	if err != nil {
		return rollup.Result{}, err
	}
	target, current := float64(defaultActionTarget), float64(defaultActionCurrent)
	if input.Target != nil {
		target = *input.Target
	}
	if input.Current != nil {
		current = *input.Current
	}
	if err := okr.ValidateAmounts(target, current); err != nil {
		return rollup.Result{}, err
	}

	chain, err := okr.ResolveObjective(ctx, s.store, objectiveID)
	if err != nil {
		return rollup.Result{}, err
	}
	if err := owned(chain, session); err != nil {
		return rollup.Result{}, err
	}
	if input.InitiativeID != nil && *input.InitiativeID != "" {
		linked, err := okr.ResolveInitiative(ctx, s.store, *input.InitiativeID)
		if err != nil {
			return rollup.Result{}, err
		}
		if err := owned(linked, session); err != nil {
			return rollup.Result{}, err
		}
	}

	return s.engine.ApplyActionCreation(ctx, okr.Action{
		ID:           util.NewID("act"),
		ObjectiveID:  objectiveID,
		InitiativeID: input.InitiativeID,
		Title:        title,
		Target:       target,
		Current:      current,
	})
}

func (s *Service) UpdateActionProgress(ctx context.Context, session Session, actionID string, input ProgressInput) (rollup.Result, error) {
	update := okr.LeafUpdate{Target: input.Target, Current: input.Current}
	if err := update.Validate(); err != nil {
		return rollup.Result{}, err
	}
	chain, err := okr.ResolveAction(ctx, s.store, actionID)
	if err != nil {
		return rollup.Result{}, err
	}
	if err := owned(chain, session); err != nil {
		return rollup.Result{}, err
	}
	return s.engine.ApplyLeafUpdate(ctx, actionID, update)
}

func (s *Service) DeleteAction(ctx context.Context, session Session, actionID string) (rollup.Result, error) {
	chain, err := okr.ResolveAction(ctx, s.store, actionID)
	if err != nil {
		return rollup.Result{}, err
	}
	if err := owned(chain, session); err != nil {
		return rollup.Result{}, err
	}
	return s.engine.ApplyActionDeletion(ctx, actionID)
}

func (s *Service) CreateInitiative(ctx context.Context, session Session, actionID string, input CreateInitiativeInput) (okr.Initiative, error) {
	title, err := cleanTitle(input.Title)
	if err != nil {
		return okr.Initiative{}, err
	}
	chain, err := okr.ResolveAction(ctx, s.store, actionID)
	if err != nil {
		return okr.Initiative{}, err
	}
	if err := owned(chain, session); err != nil {
		return okr.Initiative{}, err
	}

	var created okr.Initiative
	err = s.store.InTx(ctx, func(ctx context.Context, tree okr.Tree) error {
		inserted, err := tree.InsertInitiative(ctx, okr.Initiative{
			ID:          util.NewID("ini"),
			ActionID:    actionID,
			Title:       title,
			Description: strings.TrimSpace(input.Description),
		})
		created = inserted
		return err
	})
	if err != nil {
		return okr.Initiative{}, err
	}
	return created, nil
}

func (s *Service) ListInitiatives(ctx context.Context, session Session, actionID string) ([]okr.Initiative, error) {
	chain, err := okr.ResolveAction(ctx, s.store, actionID)
	if err != nil {
		return nil, err
	}
	if err := owned(chain, session); err != nil {
		return nil, err
	}
	return s.store.ListInitiatives(ctx, actionID)
}

func (s *Service) DeleteInitiative(ctx context.Context, session Session, initiativeID string) error {
	chain, err := okr.ResolveInitiative(ctx, s.store, initiativeID)
	if err != nil {
		return err
	}
	if err := owned(chain, session); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context, tree okr.Tree) error {
		return tree.DeleteInitiative(ctx, initiativeID)
	})
}

func (s *Service) VerifyMission(ctx context.Context, session Session, missionID string) (VerifyResult, error) {
	if _, err := s.ownMission(ctx, session, missionID); err != nil {
		return VerifyResult{}, err
	}
	divergences, err := s.checker.VerifyTree(ctx, missionID)
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{MissionID: missionID, Consistent: len(divergences) == 0, Divergences: divergences}, nil
}

// RepairMission recomputes a Mission from its leaves and reports what was
// out of line beforehand.
func (s *Service) RepairMission(ctx context.Context, session Session, missionID string) (RepairResult, error) {
	if _, err := s.ownMission(ctx, session, missionID); err != nil {
		return RepairResult{}, err
	}
	before, err := s.checker.VerifyTree(ctx, missionID)
	if err != nil {
		return RepairResult{}, err
	}
	res, err := s.engine.Recompute(ctx, missionID)
	if err != nil {
		return RepairResult{}, err
	}
	if len(before) > 0 {
		s.logger.InfoContext(ctx, "mission repaired", "mission_id", missionID, "divergences", len(before))
	}
	return RepairResult{MissionID: missionID, Repaired: before, Mission: res.Mission}, nil
}

func (s *Service) ownMission(ctx context.Context, session Session, missionID string) (okr.Mission, error) {
	chain, err := okr.ResolveMission(ctx, s.store, missionID)
	if err != nil {
		return okr.Mission{}, err
	}
	if err := owned(chain, session); err != nil {
		return okr.Mission{}, err
	}
	return chain.Mission, nil
}

// owned hides nodes outside the caller's tree behind ErrNotFound so their
// existence does not leak.
func owned(chain okr.Chain, session Session) error {
	if !chain.OwnedBy(session.UserID) {
		return okr.ErrNotFound
	}
	return nil
}

func cleanTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", map[string]any{"field": "title"})
	}
	if len([]rune(trimmed)) > maxTitleLength {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("title must be at most %d characters", maxTitleLength), map[string]any{"field": "title"})
	}
	return trimmed, nil
}
