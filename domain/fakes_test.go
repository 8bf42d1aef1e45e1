package domain

import (
	"context"
	"sync"
	"testing"
	"time"

	"projecthub/docstore"
)

type fakeBlobs struct {
	mu      sync.Mutex
	uploads map[string][]byte
	err     error
}

func (f *fakeBlobs) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[key] = data
	return "https://blobs.example/" + key, nil
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []*CascadeError
}

func (f *fakeReporter) ReportCascadeFailure(ctx context.Context, failure *CascadeError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, failure)
	return nil
}

// lateTaskStore adds a task to project the first time a task is deleted.
type lateTaskStore struct {
	*docstore.MemoryStore
	project string
	once    sync.Once
	lateID  string
}

func (s *lateTaskStore) Delete(ctx context.Context, collection, id string) error {
	if collection == TasksCollection {
		s.once.Do(func() {
			s.lateID, _ = s.MemoryStore.Create(ctx, TasksCollection, docstore.Fields{
				FieldTaskDetails: "late",
				FieldProjectID:   s.project,
			})
		})
	}
	return s.MemoryStore.Delete(ctx, collection, id)
}

// racingDeleteStore deletes project just before the first task is written,
// as a concurrent project delete would.
type racingDeleteStore struct {
	*docstore.MemoryStore
	project string
	once    sync.Once
	taskID  string
}

func (s *racingDeleteStore) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	if collection == TasksCollection {
		s.once.Do(func() {
			_ = s.MemoryStore.Delete(ctx, ProjectsCollection, s.project)
		})
	}
	id, err := s.MemoryStore.Create(ctx, collection, fields)
	if collection == TasksCollection {
		s.taskID = id
	}
	return id, err
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type fixture struct {
	st       *docstore.MemoryStore
	accounts *AccountService
	projects *ProjectService
	tasks    *TaskService
	blobs    *fakeBlobs
	reporter *fakeReporter
}

func newFixture() *fixture {
	return newFixtureWith(docstore.NewMemoryStore(), nil)
}

func newFixtureWith(mem *docstore.MemoryStore, st docstore.Store) *fixture {
	if st == nil {
		st = mem
	}
	f := &fixture{st: mem, blobs: &fakeBlobs{}, reporter: &fakeReporter{}}
	f.accounts = NewAccountService(st, f.blobs, time.Second)
	f.projects = NewProjectService(st, f.accounts, f.reporter, time.Second)
	f.projects.now = fixedNow
	f.tasks = NewTaskService(st, time.Second)
	f.tasks.now = fixedNow
	return f
}

func (f *fixture) register(t *testing.T, uid, email string) {
	t.Helper()
	if _, err := f.accounts.Register(context.Background(), uid, email, uid+" name"); err != nil {
		t.Fatalf("register %s: %v", uid, err)
	}
}
