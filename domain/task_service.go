package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"projecthub/docstore"
)

// TaskInput carries the fields of a new task.
type TaskInput struct {
	Details  string
	Deadline *time.Time
}

// TaskService implements the task lifecycle.
type TaskService struct {
	st  docstore.Store
	rpc remote
	now func() time.Time
}

func NewTaskService(st docstore.Store, timeout time.Duration) *TaskService {
	return &TaskService{st: st, rpc: remote{timeout: timeout}, now: time.Now}
}

// Get returns the task with the given ID.
func (s *TaskService) Get(ctx context.Context, id string) (Task, error) {
	var doc docstore.Document
	err := s.rpc.do(ctx, "get task", func(ctx context.Context) error {
		var err error
		doc, err = s.st.Get(ctx, TasksCollection, id)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	return TaskFromDocument(doc, s.now().UTC()), nil
}

// Create adds an unchecked task to an existing project.
func (s *TaskService) Create(ctx context.Context, projectID string, in TaskInput) (Task, error) {
	details := strings.TrimSpace(in.Details)
	if details == "" {
		return Task{}, &ValidationError{Field: "details", Reason: "required"}
	}
	if projectID == "" {
		return Task{}, &ValidationError{Field: "projectId", Reason: "required"}
	}
	err := s.rpc.do(ctx, "get project", func(ctx context.Context) error {
		_, err := s.st.Get(ctx, ProjectsCollection, projectID)
		return err
	})
	if err != nil {
		return Task{}, err
	}
	t := Task{
		Details:   details,
		Deadline:  in.Deadline,
		ProjectID: projectID,
		CreatedAt: s.now().UTC(),
	}
	err = s.rpc.do(ctx, "create task", func(ctx context.Context) error {
		var err error
		t.ID, err = s.st.Create(ctx, TasksCollection, t.Fields())
		return err
	})
	if err != nil {
		return Task{}, err
	}
	// A project deleted while the task was written never sweeps it; drop the orphan.
	err = s.rpc.do(ctx, "get project", func(ctx context.Context) error {
		_, err := s.st.Get(ctx, ProjectsCollection, projectID)
		return err
	})
	switch {
	case errors.Is(err, ErrNotFound):
		if derr := s.Delete(ctx, t.ID); derr != nil {
			log.WithFields(log.Fields{"task": t.ID, "project": projectID}).WithError(derr).Error("orphaned task left behind")
		}
		return Task{}, err
	case err != nil:
		log.WithFields(log.Fields{"task": t.ID, "project": projectID}).WithError(err).Warn("project recheck failed after task create")
	}
	log.WithFields(log.Fields{"task": t.ID, "project": projectID}).Debug("task created")
	return t, nil
}

// Toggle flips the checked flag and returns the new value. Concurrent toggles
// resolve by last write.
func (s *TaskService) Toggle(ctx context.Context, id string) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	checked := !t.Checked
	err = s.rpc.do(ctx, "toggle task", func(ctx context.Context) error {
		return s.st.Update(ctx, TasksCollection, id, docstore.Set(FieldIsChecked, checked))
	})
	if err != nil {
		return false, err
	}
	return checked, nil
}

// Delete removes a single task.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	return s.rpc.do(ctx, "delete task", func(ctx context.Context) error {
		return s.st.Delete(ctx, TasksCollection, id)
	})
}
