package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"momentum/api/internal/auth"
	"momentum/api/internal/okr"
	"momentum/api/internal/store"
)

func TestPingMethod(t *testing.T) {
	tests := []struct {
		name      string
		pingError error
		wantError bool
	}{
		{name: "healthy database", pingError: nil, wantError: false},
		{name: "unhealthy database", pingError: errors.New("connection failed"), wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, pingStore{Store: newTestSQLStore(t), err: tt.pingError}, nil)
			err := svc.Ping(context.Background())
			if (err != nil) != tt.wantError {
				t.Errorf("Ping() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestSessionFromToken(t *testing.T) {
	svc := newTestService(t, newTestSQLStore(t), nil)
	token := bearerFor(t, "user-7")

	session, err := svc.SessionFromToken(context.Background(), token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if session.UserID != "user-7" || session.UserName != "user-7" {
		t.Fatalf("unexpected session %+v", session)
	}

	if _, err := svc.SessionFromToken(context.Background(), token+"x"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestCreateMissionTrimsTitle(t *testing.T) {
	svc := newTestService(t, newTestSQLStore(t), nil)
	session := Session{UserID: "user-1"}

	mission, err := svc.CreateMission(context.Background(), session, CreateMissionInput{Title: "  Grow  ", Quarter: 3, Year: 2025})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if mission.Title != "Grow" || mission.UserID != "user-1" {
		t.Fatalf("unexpected mission %+v", mission)
	}
	if !strings.HasPrefix(mission.ID, "mis_") {
		t.Fatalf("expected mis_ id prefix, got %q", mission.ID)
	}
	if mission.Target != 0 || mission.Current != 0 || mission.Progress != 0 {
		t.Fatalf("new mission must start empty, got %+v", mission.Aggregate())
	}
}

func TestCreateMissionRejectsLongTitle(t *testing.T) {
	svc := newTestService(t, newTestSQLStore(t), nil)
	_, err := svc.CreateMission(context.Background(), Session{UserID: "user-1"}, CreateMissionInput{Title: strings.Repeat("a", maxTitleLength+1), Quarter: 1, Year: 2025})

	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInitiativesDoNotAffectProgress(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestSQLStore(t), nil)
	session := Session{UserID: "user-1"}

	mission, err := svc.CreateMission(ctx, session, CreateMissionInput{Title: "M", Quarter: 1, Year: 2025})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	res, err := svc.CreateObjective(ctx, session, mission.ID, CreateObjectiveInput{Title: "O"})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	target, current := 8.0, 2.0
	res, err = svc.CreateAction(ctx, session, res.Objective.ID, CreateActionInput{Title: "A", Target: &target, Current: &current})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	before := res.Mission.Aggregate()

	if _, err := svc.CreateInitiative(ctx, session, res.Action.ID, CreateInitiativeInput{Title: "I"}); err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	view, err := svc.GetMissionTree(ctx, session, mission.ID)
	if err != nil {
		t.Fatalf("get mission tree: %v", err)
	}
	if view.Mission.Aggregate() != before {
		t.Fatalf("initiative changed mission progress: %+v != %+v", view.Mission.Aggregate(), before)
	}
	if len(view.Initiatives[res.Action.ID]) != 1 {
		t.Fatalf("expected initiative in tree view, got %v", view.Initiatives)
	}
}

func TestUpdateProgressKeepsOmittedField(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestSQLStore(t), nil)
	session := Session{UserID: "user-1"}

	mission, err := svc.CreateMission(ctx, session, CreateMissionInput{Title: "M", Quarter: 1, Year: 2025})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	res, err := svc.CreateObjective(ctx, session, mission.ID, CreateObjectiveInput{Title: "O"})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	res, err = svc.CreateAction(ctx, session, res.Objective.ID, CreateActionInput{Title: "A"})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}

	current := 150.0
	res, err = svc.UpdateActionProgress(ctx, session, res.Action.ID, ProgressInput{Current: &current})
	if err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if res.Action.Target != 100 || res.Action.Current != 150 || res.Action.Progress != 100 {
		t.Fatalf("expected overshoot to clamp progress only, got %+v", res.Action.Aggregate())
	}
	if res.Mission.Current != 150 || res.Mission.Progress != 100 {
		t.Fatalf("unexpected mission %+v", res.Mission.Aggregate())
	}
}

func TestDeleteForeignInitiativeIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestSQLStore(t), nil)
	owner := Session{UserID: "user-1"}

	mission, err := svc.CreateMission(ctx, owner, CreateMissionInput{Title: "M", Quarter: 1, Year: 2025})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	res, err := svc.CreateObjective(ctx, owner, mission.ID, CreateObjectiveInput{Title: "O"})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	res, err = svc.CreateAction(ctx, owner, res.Objective.ID, CreateActionInput{Title: "A"})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	initiative, err := svc.CreateInitiative(ctx, owner, res.Action.ID, CreateInitiativeInput{Title: "I"})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}

	err = svc.DeleteInitiative(ctx, Session{UserID: "user-2"}, initiative.ID)
	if !errors.Is(err, okr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.DeleteInitiative(ctx, owner, initiative.ID); err != nil {
		t.Fatalf("delete initiative: %v", err)
	}
}

// pausingStore blocks the first top-level GetAction after arming, once the
// row has been read, until resume is closed.
type pausingStore struct {
	*store.SQLStore
	armed  atomic.Bool
	paused chan struct{}
	resume chan struct{}
}

func (s *pausingStore) GetAction(ctx context.Context, id string) (okr.Action, error) {
	action, err := s.SQLStore.GetAction(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.paused)
		<-s.resume
	}
	return action, err
}

func TestConcurrentPartialProgressUpdatesBothApply(t *testing.T) {
	ctx := context.Background()
	ps := &pausingStore{
		SQLStore: newTestSQLStore(t),
		paused:   make(chan struct{}),
		resume:   make(chan struct{}),
	}
	svc := newTestService(t, ps, nil)
	session := Session{UserID: "user-1"}

	mission, err := svc.CreateMission(ctx, session, CreateMissionInput{Title: "M", Quarter: 1, Year: 2025})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	res, err := svc.CreateObjective(ctx, session, mission.ID, CreateObjectiveInput{Title: "O"})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	res, err = svc.CreateAction(ctx, session, res.Objective.ID, CreateActionInput{Title: "A"})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	actionID := res.Action.ID

	ps.armed.Store(true)
	target := 200.0
	done := make(chan error, 1)
	go func() {
		_, err := svc.UpdateActionProgress(ctx, session, actionID, ProgressInput{Target: &target})
		done <- err
	}()
	select {
	case <-ps.paused:
	case <-time.After(5 * time.Second):
		t.Fatal("target update never read the action")
	}

	current := 50.0
	if _, err := svc.UpdateActionProgress(ctx, session, actionID, ProgressInput{Current: &current}); err != nil {
		t.Fatalf("update current: %v", err)
	}
	close(ps.resume)
	if err := <-done; err != nil {
		t.Fatalf("update target: %v", err)
	}

	action, err := ps.SQLStore.GetAction(ctx, actionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Target != 200 || action.Current != 50 || action.Progress != 25 {
		t.Fatalf("expected both partial updates to land as 50/200, got %+v", action.Aggregate())
	}
	verify, err := svc.VerifyMission(ctx, session, mission.ID)
	if err != nil {
		t.Fatalf("verify mission: %v", err)
	}
	if !verify.Consistent {
		t.Fatalf("expected consistent tree, got %+v", verify.Divergences)
	}
}

func TestCreateActionRejectsUnknownInitiative(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestSQLStore(t), nil)
	owner := Session{UserID: "user-1"}
	other := Session{UserID: "user-2"}

	mission, err := svc.CreateMission(ctx, owner, CreateMissionInput{Title: "M", Quarter: 1, Year: 2025})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	res, err := svc.CreateObjective(ctx, owner, mission.ID, CreateObjectiveInput{Title: "O"})
	if err != nil {
		t.Fatalf("create objective: %v", err)
	}
	objectiveID := res.Objective.ID
	res, err = svc.CreateAction(ctx, owner, objectiveID, CreateActionInput{Title: "A"})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	initiative, err := svc.CreateInitiative(ctx, owner, res.Action.ID, CreateInitiativeInput{Title: "I"})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}

	foreignMission, err := svc.CreateMission(ctx, other, CreateMissionInput{Title: "M", Quarter: 1, Year: 2025})
	if err != nil {
		t.Fatalf("create foreign mission: %v", err)
	}
	foreign, err := svc.CreateObjective(ctx, other, foreignMission.ID, CreateObjectiveInput{Title: "O"})
	if err != nil {
		t.Fatalf("create foreign objective: %v", err)
	}

	tests := []struct {
		name         string
		session      Session
		objectiveID  string
		initiativeID string
	}{
		{name: "missing initiative", session: owner, objectiveID: objectiveID, initiativeID: "ini_missing"},
		{name: "another user's initiative", session: other, objectiveID: foreign.Objective.ID, initiativeID: initiative.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.initiativeID
			_, err := svc.CreateAction(ctx, tt.session, tt.objectiveID, CreateActionInput{Title: "B", InitiativeID: &id})
			if !errors.Is(err, okr.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}

	id := initiative.ID
	linked, err := svc.CreateAction(ctx, owner, objectiveID, CreateActionInput{Title: "B", InitiativeID: &id})
	if err != nil {
		t.Fatalf("create linked action: %v", err)
	}
	if linked.Action.InitiativeID == nil || *linked.Action.InitiativeID != initiative.ID {
		t.Fatalf("expected link to %s, got %v", initiative.ID, linked.Action.InitiativeID)
	}

	if err := svc.DeleteInitiative(ctx, owner, initiative.ID); err != nil {
		t.Fatalf("delete initiative: %v", err)
	}
	action, err := svc.store.GetAction(ctx, linked.Action.ID)
	if err != nil {
		t.Fatalf("get linked action: %v", err)
	}
	if action.InitiativeID != nil {
		t.Fatalf("expected link cleared after delete, got %v", *action.InitiativeID)
	}
}
