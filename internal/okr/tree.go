package okr

import (
	"context"
	"fmt"
)

// Tree is the read/write surface over the persisted hierarchy. Every method
// touches one node or one parent's direct children; nothing deep-fetches.
type Tree interface {
	GetMission(ctx context.Context, id string) (Mission, error)
	GetObjective(ctx context.Context, id string) (Objective, error)
	GetAction(ctx context.Context, id string) (Action, error)
	GetInitiative(ctx context.Context, id string) (Initiative, error)

	FindMission(ctx context.Context, userID string, quarter, year int) (Mission, error)
	ListMissions(ctx context.Context, userID string) ([]Mission, error)
	ListMissionIDs(ctx context.Context) ([]string, error)

	ListObjectives(ctx context.Context, missionID string) ([]Objective, error)
	ListActions(ctx context.Context, objectiveID string) ([]Action, error)
	ListInitiatives(ctx context.Context, actionID string) ([]Initiative, error)

	InsertMission(ctx context.Context, m Mission) error
	InsertObjective(ctx context.Context, o Objective) (Objective, error)
	InsertAction(ctx context.Context, a Action) (Action, error)
	InsertInitiative(ctx context.Context, i Initiative) (Initiative, error)

	PersistMission(ctx context.Context, m Mission) error
	PersistObjective(ctx context.Context, o Objective) error
	PersistAction(ctx context.Context, a Action) error

	DeleteObjective(ctx context.Context, id string) error
	DeleteAction(ctx context.Context, id string) error
	DeleteInitiative(ctx context.Context, id string) error

	// LockMission blocks until the caller holds the row lock of the Mission
	// for the rest of the enclosing transaction.
	LockMission(ctx context.Context, id string) (Mission, error)
}

// Store is a Tree that can also scope a group of calls to one transaction.
type Store interface {
	Tree
	InTx(ctx context.Context, fn func(ctx context.Context, tree Tree) error) error
	// Snapshot runs read-only fn against a consistent view of the tree.
	Snapshot(ctx context.Context, fn func(ctx context.Context, tree Tree) error) error
	Ping(ctx context.Context) error
}

// Chain is a node plus its ancestors, enough to decide ownership.
type Chain struct {
	Mission    Mission
	Objective  *Objective
	Action     *Action
	Initiative *Initiative
}

// OwnedBy reports whether the chain's root belongs to userID.
func (c Chain) OwnedBy(userID string) bool {
	return userID != "" && c.Mission.UserID == userID
}

func ResolveMission(ctx context.Context, tree Tree, id string) (Chain, error) {
	mission, err := tree.GetMission(ctx, id)
	if err != nil {
		return Chain{}, err
	}
	return Chain{Mission: mission}, nil
}

func ResolveObjective(ctx context.Context, tree Tree, id string) (Chain, error) {
	objective, err := tree.GetObjective(ctx, id)
	if err != nil {
		return Chain{}, err
	}
	mission, err := tree.GetMission(ctx, objective.MissionID)
	if err != nil {
		return Chain{}, fmt.Errorf("objective %s parent: %w", id, err)
	}
	return Chain{Mission: mission, Objective: &objective}, nil
}

func ResolveAction(ctx context.Context, tree Tree, id string) (Chain, error) {
	action, err := tree.GetAction(ctx, id)
	if err != nil {
		return Chain{}, err
	}
	chain, err := ResolveObjective(ctx, tree, action.ObjectiveID)
	if err != nil {
		return Chain{}, fmt.Errorf("action %s parent: %w", id, err)
	}
	chain.Action = &action
	return chain, nil
}

func ResolveInitiative(ctx context.Context, tree Tree, id string) (Chain, error) {
	initiative, err := tree.GetInitiative(ctx, id)
	if err != nil {
		return Chain{}, err
	}
	chain, err := ResolveAction(ctx, tree, initiative.ActionID)
	if err != nil {
		return Chain{}, fmt.Errorf("initiative %s parent: %w", id, err)
	}
	chain.Initiative = &initiative
	return chain, nil
}

// LoadMissionTree reads one Mission with all Objectives and Actions.
func LoadMissionTree(ctx context.Context, tree Tree, missionID string) (MissionTree, error) {
	mission, err := tree.GetMission(ctx, missionID)
	if err != nil {
		return MissionTree{}, err
	}
	objectives, err := tree.ListObjectives(ctx, missionID)
	if err != nil {
		return MissionTree{}, err
	}
	out := MissionTree{Mission: mission, Objectives: make([]ObjectiveTree, 0, len(objectives))}
	for _, objective := range objectives {
		actions, err := tree.ListActions(ctx, objective.ID)
		if err != nil {
			return MissionTree{}, err
		}
		out.Objectives = append(out.Objectives, ObjectiveTree{Objective: objective, Actions: actions})
	}
	return out, nil
}
