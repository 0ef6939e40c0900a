// Package entity defines the record kinds a user captures and wires one
// store.Adapter per kind against a sync engine.
//
// Kinds with a human-meaningful name (goals, projects, people, places, tags)
// dedupe remotely on the normalized name. Everything else dedupes on the id
// the client minted for the record, so replaying a queued add never creates
// a second remote row.
//
// People, places and tags share the remote table "entities" and are told
// apart by the type column:
//
//	entities(user_id, type, normalized_name) unique
package entity

import (
	"time"

	"github.com/mschirtzinger/lifesync/internal/identity"
	"github.com/mschirtzinger/lifesync/internal/store"
)

// Kind names.
const (
	KindGoals       = "goals"
	KindProjects    = "projects"
	KindTasks       = "tasks"
	KindEvents      = "events"
	KindMeals       = "meals"
	KindWorkouts    = "workouts"
	KindTrackerLogs = "tracker_logs"
	KindPeople      = "people"
	KindPlaces      = "places"
	KindTags        = "tags"
)

// EntitiesTable holds people, places and tags.
const EntitiesTable = "entities"

// Entity types stored in the type column of EntitiesTable.
const (
	TypePerson = "person"
	TypePlace  = "place"
	TypeTag    = "tag"
)

// Goal is a long-running objective.
type Goal struct {
	store.Base
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	Progress    int        `json:"progress"`
}

// Project groups tasks, optionally under a goal.
type Project struct {
	store.Base
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	GoalID      string `json:"goal_id,omitempty"`
}

// Task is a to-do item.
type Task struct {
	store.Base
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Due       *time.Time `json:"due,omitempty"`
	Done      bool       `json:"done"`
	Priority  int        `json:"priority,omitempty"`
	ProjectID string     `json:"project_id,omitempty"`
}

// Event is a calendar entry.
type Event struct {
	store.Base
	Title    string     `json:"title"`
	StartsAt time.Time  `json:"starts_at"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Location string     `json:"location,omitempty"`
}

// Meal is a logged meal. CaptureID references the capture it was
// transcribed from, by either id form.
type Meal struct {
	store.Base
	Name      string    `json:"name"`
	Calories  int       `json:"calories,omitempty"`
	EatenAt   time.Time `json:"eaten_at"`
	CaptureID string    `json:"capture_id,omitempty"`
}

// Workout is a logged exercise session.
type Workout struct {
	store.Base
	Activity        string    `json:"activity"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	PerformedAt     time.Time `json:"performed_at"`
	Notes           string    `json:"notes,omitempty"`
}

// TrackerLog is one data point of a habit tracker.
type TrackerLog struct {
	store.Base
	Tracker  string    `json:"tracker"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit,omitempty"`
	LoggedAt time.Time `json:"logged_at"`
}

// Entity is a person, place or tag.
type Entity struct {
	store.Base
	Type  string `json:"type"`
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

func byName(column, name string) map[string]any {
	return map[string]any{column: identity.NormalizeKey(name)}
}

func goalDef() store.Definition[Goal] {
	return store.Definition[Goal]{
		Kind:         KindGoals,
		ConflictKeys: []string{"user_id", "normalized_title"},
		KeyFields: func(g *Goal) map[string]any {
			return byName("normalized_title", g.Title)
		},
	}
}

func projectDef() store.Definition[Project] {
	return store.Definition[Project]{
		Kind:         KindProjects,
		ConflictKeys: []string{"user_id", "normalized_name"},
		KeyFields: func(p *Project) map[string]any {
			return byName("normalized_name", p.Name)
		},
	}
}

func taskDef() store.Definition[Task] {
	return store.Definition[Task]{Kind: KindTasks}
}

func eventDef() store.Definition[Event] {
	return store.Definition[Event]{
		Kind:    KindEvents,
		Recency: func(e *Event) time.Time { return e.StartsAt },
	}
}

func mealDef() store.Definition[Meal] {
	return store.Definition[Meal]{
		Kind:    KindMeals,
		Recency: func(m *Meal) time.Time { return m.EatenAt },
	}
}

func workoutDef() store.Definition[Workout] {
	return store.Definition[Workout]{
		Kind:    KindWorkouts,
		Recency: func(w *Workout) time.Time { return w.PerformedAt },
	}
}

func trackerLogDef() store.Definition[TrackerLog] {
	return store.Definition[TrackerLog]{
		Kind:    KindTrackerLogs,
		Recency: func(l *TrackerLog) time.Time { return l.LoggedAt },
	}
}

func entityDef(kind, typ string) store.Definition[Entity] {
	return store.Definition[Entity]{
		Kind:         kind,
		Table:        EntitiesTable,
		ConflictKeys: []string{"user_id", "type", "normalized_name"},
		KeyFields: func(e *Entity) map[string]any {
			return byName("normalized_name", e.Name)
		},
		Filter: map[string]any{"type": typ},
	}
}
