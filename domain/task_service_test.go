package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"projecthub/docstore"
)

func TestCreateTaskValidatesBeforeNetwork(t *testing.T) {
	f := newFixture()
	_, err := f.tasks.Create(context.Background(), "p1", TaskInput{Details: "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "details" {
		t.Fatalf("expected details validation error, got %v", err)
	}
	if n := f.st.Calls(docstore.MethodGet, ProjectsCollection) + f.st.Calls(docstore.MethodCreate, TasksCollection); n != 0 {
		t.Fatalf("expected no store calls, got %d", n)
	}
}

func TestCreateTaskMissingProject(t *testing.T) {
	f := newFixture()
	_, err := f.tasks.Create(context.Background(), "missing", TaskInput{Details: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateTaskDropsOrphanWhenProjectDeletedConcurrently(t *testing.T) {
	mem := docstore.NewMemoryStore()
	racing := &racingDeleteStore{MemoryStore: mem}
	f := newFixtureWith(mem, racing)
	ctx := context.Background()
	p := createProject(t, f, "u1")
	racing.project = p.ID

	_, err := f.tasks.Create(ctx, p.ID, TaskInput{Details: "too late"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if racing.taskID == "" {
		t.Fatalf("task was never written")
	}
	if _, err := mem.Get(ctx, TasksCollection, racing.taskID); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected orphaned task to be removed, got %v", err)
	}
	if left, _ := mem.Query(ctx, TasksCollection, docstore.Equal(FieldProjectID, p.ID)); len(left) != 0 {
		t.Fatalf("expected no tasks for deleted project, got %d", len(left))
	}
}

func TestCreateTask(t *testing.T) {
	f := newFixture()
	p := createProject(t, f, "u1")
	deadline := testNow.Add(72 * time.Hour)
	task, err := f.tasks.Create(context.Background(), p.ID, TaskInput{Details: " draft ", Deadline: &deadline})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := f.tasks.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Details != "draft" || got.Checked || !got.CreatedAt.Equal(testNow) || got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestToggleTwiceRestoresState(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	p := createProject(t, f, "u1")
	ids := addTasks(t, f, p.ID, 1)

	checked, err := f.tasks.Toggle(ctx, ids[0])
	if err != nil || !checked {
		t.Fatalf("first toggle: %v %v", checked, err)
	}
	checked, err = f.tasks.Toggle(ctx, ids[0])
	if err != nil || checked {
		t.Fatalf("second toggle: %v %v", checked, err)
	}
	got, _ := f.tasks.Get(ctx, ids[0])
	if got.Checked {
		t.Fatalf("expected unchecked task after two toggles")
	}
}

func TestToggleLegacyTaskWithoutFlag(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	if err := f.st.Set(ctx, TasksCollection, "legacy", docstore.Fields{FieldTaskDetails: "old", FieldProjectID: "p"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	checked, err := f.tasks.Toggle(ctx, "legacy")
	if err != nil || !checked {
		t.Fatalf("toggle: %v %v", checked, err)
	}
}

func TestToggleMissingTask(t *testing.T) {
	f := newFixture()
	if _, err := f.tasks.Toggle(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
