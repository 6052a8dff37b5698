// Package okr holds the Mission/Objective/Action tree model, the numeric
// progress policy and the storage contract the rollup engine runs against.
package okr

import "time"

// Level identifies a tier of the OKR tree.
type Level string

const (
	LevelMission   Level = "mission"
	LevelObjective Level = "objective"
	LevelAction    Level = "action"
)

// Parent returns the level above l and false for the root.
func (l Level) Parent() (Level, bool) {
	switch l {
	case LevelAction:
		return LevelObjective, true
	case LevelObjective:
		return LevelMission, true
	default:
		return "", false
	}
}

type Mission struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Quarter   int       `json:"quarter"`
	Year      int       `json:"year"`
	Target    float64   `json:"target"`
	Current   float64   `json:"current"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"createdAt"`
}

type Objective struct {
	ID        string    `json:"id"`
	MissionID string    `json:"missionId"`
	Title     string    `json:"title"`
	Target    float64   `json:"target"`
	Current   float64   `json:"current"`
	Progress  float64   `json:"progress"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}

type Action struct {
	ID           string    `json:"id"`
	ObjectiveID  string    `json:"objectiveId"`
	InitiativeID *string   `json:"initiativeId,omitempty"`
	Title        string    `json:"title"`
	Target       float64   `json:"target"`
	Current      float64   `json:"current"`
	Progress     float64   `json:"progress"`
	Position     int       `json:"position"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Initiative is a descriptive child of an Action. It never feeds progress.
type Initiative struct {
	ID          string    `json:"id"`
	ActionID    string    `json:"actionId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Aggregate is the {target, current, progress} triple every level carries.
type Aggregate struct {
	Target   float64 `json:"target"`
	Current  float64 `json:"current"`
	Progress float64 `json:"progress"`
}

func (m Mission) Aggregate() Aggregate {
	return Aggregate{Target: m.Target, Current: m.Current, Progress: m.Progress}
}

func (o Objective) Aggregate() Aggregate {
	return Aggregate{Target: o.Target, Current: o.Current, Progress: o.Progress}
}

func (a Action) Aggregate() Aggregate {
	return Aggregate{Target: a.Target, Current: a.Current, Progress: a.Progress}
}

// ObjectiveTree is an Objective with its Actions, in position order.
type ObjectiveTree struct {
	Objective
	Actions []Action `json:"actions"`
}

// MissionTree is a full Mission snapshot as stored.
type MissionTree struct {
	Mission
	Objectives []ObjectiveTree `json:"objectives"`
}
