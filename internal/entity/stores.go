package entity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mschirtzinger/lifesync/internal/engine"
	"github.com/mschirtzinger/lifesync/internal/store"
)

// Stores holds one adapter per kind, all bound to the same engine.
type Stores struct {
	Goals       *store.Adapter[Goal, *Goal]
	Projects    *store.Adapter[Project, *Project]
	Tasks       *store.Adapter[Task, *Task]
	Events      *store.Adapter[Event, *Event]
	Meals       *store.Adapter[Meal, *Meal]
	Workouts    *store.Adapter[Workout, *Workout]
	TrackerLogs *store.Adapter[TrackerLog, *TrackerLog]
	People      *store.Adapter[Entity, *Entity]
	Places      *store.Adapter[Entity, *Entity]
	Tags        *store.Adapter[Entity, *Entity]

	eng         *engine.Engine
	collections map[string]Collection
}

// New creates every adapter and registers it with eng.
func New(eng *engine.Engine) *Stores {
	s := &Stores{
		Goals:       store.New[Goal](eng, goalDef()),
		Projects:    store.New[Project](eng, projectDef()),
		Tasks:       store.New[Task](eng, taskDef()),
		Events:      store.New[Event](eng, eventDef()),
		Meals:       store.New[Meal](eng, mealDef()),
		Workouts:    store.New[Workout](eng, workoutDef()),
		TrackerLogs: store.New[TrackerLog](eng, trackerLogDef()),
		People:      store.New[Entity](eng, entityDef(KindPeople, TypePerson)),
		Places:      store.New[Entity](eng, entityDef(KindPlaces, TypePlace)),
		Tags:        store.New[Entity](eng, entityDef(KindTags, TypeTag)),
		eng:         eng,
	}
	s.collections = map[string]Collection{
		KindGoals:       erase(s.Goals),
		KindProjects:    erase(s.Projects),
		KindTasks:       erase(s.Tasks),
		KindEvents:      erase(s.Events),
		KindMeals:       erase(s.Meals),
		KindWorkouts:    erase(s.Workouts),
		KindTrackerLogs: erase(s.TrackerLogs),
		KindPeople:      erase(s.People),
		KindPlaces:      erase(s.Places),
		KindTags:        erase(s.Tags),
	}
	return s
}

// Kinds returns every kind name in lexical order.
func (s *Stores) Kinds() []string {
	kinds := make([]string, 0, len(s.collections))
	for k := range s.collections {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Collection is the kind-agnostic view of an adapter used by the CLI and
// the dashboard.
type Collection interface {
	Kind() string
	List(ctx context.Context) ([]any, store.Outcome)
	Get(ctx context.Context, id string) (any, bool)
	Remove(ctx context.Context, id string) store.Outcome
}

type erased[T any, PT interface {
	*T
	store.Record
}] struct {
	a *store.Adapter[T, PT]
}

func erase[T any, PT interface {
	*T
	store.Record
}](a *store.Adapter[T, PT]) Collection {
	return erased[T, PT]{a: a}
}

func (e erased[T, PT]) Kind() string { return e.a.Kind() }

func (e erased[T, PT]) List(ctx context.Context) ([]any, store.Outcome) {
	items, out := e.a.List(ctx)
	res := make([]any, len(items))
	for i := range items {
		res[i] = items[i]
	}
	return res, out
}

func (e erased[T, PT]) Get(ctx context.Context, id string) (any, bool) {
	return e.a.Get(ctx, id)
}

func (e erased[T, PT]) Remove(ctx context.Context, id string) store.Outcome {
	return e.a.Remove(ctx, id)
}

// Collection returns the adapter of kind.
func (s *Stores) Collection(kind string) (Collection, error) {
	c, ok := s.collections[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q (want one of %v)", kind, s.Kinds())
	}
	return c, nil
}

// Input is the kind-agnostic form of a new record, as captured by the CLI.
type Input struct {
	// Name is the title or name of the record.
	Name string

	// At is the due date, start time or log time, depending on kind.
	At *time.Time

	// Value is the tracker value, calories or duration in minutes.
	Value float64

	// Unit is the tracker unit.
	Unit string

	// Notes is free text.
	Notes string
}

// Add creates a record of kind from in.
func (s *Stores) Add(ctx context.Context, kind string, in Input) (any, store.Outcome, error) {
	at := func(def time.Time) time.Time {
		if in.At != nil {
			return *in.At
		}
		return def
	}
	now := s.eng.Now()

	switch kind {
	case KindGoals:
		rec, out := s.Goals.Add(ctx, Goal{Title: in.Name, Description: in.Notes, TargetDate: in.At, Status: "active"})
		return rec, out, nil
	case KindProjects:
		rec, out := s.Projects.Add(ctx, Project{Name: in.Name, Description: in.Notes, Status: "active"})
		return rec, out, nil
	case KindTasks:
		rec, out := s.Tasks.Add(ctx, Task{Title: in.Name, Notes: in.Notes, Due: in.At})
		return rec, out, nil
	case KindEvents:
		rec, out := s.Events.Add(ctx, Event{Title: in.Name, StartsAt: at(now)})
		return rec, out, nil
	case KindMeals:
		rec, out := s.Meals.Add(ctx, Meal{Name: in.Name, Calories: int(in.Value), EatenAt: at(now)})
		return rec, out, nil
	case KindWorkouts:
		rec, out := s.Workouts.Add(ctx, Workout{Activity: in.Name, DurationMinutes: int(in.Value), PerformedAt: at(now), Notes: in.Notes})
		return rec, out, nil
	case KindTrackerLogs:
		rec, out := s.TrackerLogs.Add(ctx, TrackerLog{Tracker: in.Name, Value: in.Value, Unit: in.Unit, LoggedAt: at(now)})
		return rec, out, nil
	case KindPeople:
		rec, out := s.People.Add(ctx, Entity{Type: TypePerson, Name: in.Name, Notes: in.Notes})
		return rec, out, nil
	case KindPlaces:
		rec, out := s.Places.Add(ctx, Entity{Type: TypePlace, Name: in.Name, Notes: in.Notes})
		return rec, out, nil
	case KindTags:
		rec, out := s.Tags.Add(ctx, Entity{Type: TypeTag, Name: in.Name, Notes: in.Notes})
		return rec, out, nil
	}
	return nil, store.Outcome{}, fmt.Errorf("unknown kind %q (want one of %v)", kind, s.Kinds())
}

// Complete marks a task done.
func (s *Stores) Complete(ctx context.Context, id string) (Task, store.Outcome) {
	return s.Tasks.Update(ctx, id, func(t *Task) { t.Done = true })
}
