package domain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"projecthub/docstore"
)

const (
	cascadeParallelism = 8
	maxCascadePasses   = 3
)

// MemberDirectory resolves member emails to accounts.
type MemberDirectory interface {
	LookupByEmail(ctx context.Context, email string) (User, error)
}

// CascadeReporter records failed cascading deletions for later cleanup.
type CascadeReporter interface {
	ReportCascadeFailure(ctx context.Context, failure *CascadeError) error
}

// MemberOutcome tells whether AddMember changed the project.
type MemberOutcome int

const (
	MemberAdded MemberOutcome = iota
	MemberAlreadyPresent
)

func (o MemberOutcome) String() string {
	if o == MemberAlreadyPresent {
		return "already_present"
	}
	return "added"
}

// ProjectInput carries the fields of a new project. Zero dates default to the
// creation time.
type ProjectInput struct {
	Name         string
	Description  string
	StartDate    time.Time
	EndDate      time.Time
	Priority     string
	MemberEmails []string
}

// ProjectPatch lists the fields to change. Nil fields are left alone.
type ProjectPatch struct {
	Name        *string
	Description *string
	StartDate   *time.Time
	EndDate     *time.Time
	Priority    *string
}

func (p ProjectPatch) empty() bool {
	return p.Name == nil && p.Description == nil && p.StartDate == nil && p.EndDate == nil && p.Priority == nil
}

// ProjectService implements the project lifecycle.
type ProjectService struct {
	st       docstore.Store
	members  MemberDirectory
	reporter CascadeReporter
	rpc      remote
	now      func() time.Time
}

func NewProjectService(st docstore.Store, members MemberDirectory, reporter CascadeReporter, timeout time.Duration) *ProjectService {
	return &ProjectService{st: st, members: members, reporter: reporter, rpc: remote{timeout: timeout}, now: time.Now}
}

// Get returns the project with the given ID.
func (s *ProjectService) Get(ctx context.Context, id string) (Project, error) {
	var doc docstore.Document
	err := s.rpc.do(ctx, "get project", func(ctx context.Context) error {
		var err error
		doc, err = s.st.Get(ctx, ProjectsCollection, id)
		return err
	})
	if err != nil {
		return Project{}, err
	}
	return ProjectFromDocument(doc), nil
}

// Create validates in, resolves member emails and stores the project.
func (s *ProjectService) Create(ctx context.Context, creatorID string, in ProjectInput) (Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Project{}, &ValidationError{Field: "name", Reason: "required"}
	}
	prio, err := ParsePriority(in.Priority)
	if err != nil {
		return Project{}, err
	}
	now := s.now().UTC()
	start, end := in.StartDate, in.EndDate
	if start.IsZero() {
		start = now
	}
	if end.IsZero() {
		end = start
	}
	if end.Before(start) {
		return Project{}, &ValidationError{Field: "endDate", Reason: "before start date"}
	}
	emails := make([]string, 0, len(in.MemberEmails))
	seen := make(map[string]struct{}, len(in.MemberEmails))
	for _, raw := range in.MemberEmails {
		email := NormalizeEmail(raw)
		if err := validateEmail(email); err != nil {
			return Project{}, &ValidationError{Field: "members", Reason: "invalid email " + raw}
		}
		if _, dup := seen[email]; dup {
			return Project{}, &ValidationError{Field: "members", Reason: "duplicate email " + email}
		}
		seen[email] = struct{}{}
		emails = append(emails, email)
	}

	ids := make([]string, 0, len(emails))
	for _, email := range emails {
		u, err := s.members.LookupByEmail(ctx, email)
		if errors.Is(err, ErrNotFound) {
			return Project{}, &ValidationError{Field: "members", Reason: "no account for " + email}
		}
		if err != nil {
			return Project{}, err
		}
		ids = append(ids, u.ID)
	}

	p := Project{
		Name:            name,
		Description:     strings.TrimSpace(in.Description),
		StartDate:       start.UTC(),
		EndDate:         end.UTC(),
		Priority:        prio,
		CreatorID:       creatorID,
		AssignedMembers: uniqueIDs(ids),
		CreatedAt:       now,
	}
	err = s.rpc.do(ctx, "create project", func(ctx context.Context) error {
		var err error
		p.ID, err = s.st.Create(ctx, ProjectsCollection, p.Fields())
		return err
	})
	if err != nil {
		return Project{}, err
	}
	log.WithFields(log.Fields{"project": p.ID, "creator": creatorID, "members": len(p.AssignedMembers)}).Info("project created")
	return p, nil
}

func (s *ProjectService) owned(ctx context.Context, actorID, id string) (Project, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return Project{}, err
	}
	if p.CreatorID != actorID {
		return Project{}, ErrForbidden
	}
	return p, nil
}

// Update changes the patched fields of a project owned by actorID.
func (s *ProjectService) Update(ctx context.Context, actorID, id string, patch ProjectPatch) (Project, error) {
	if patch.empty() {
		return Project{}, &ValidationError{Field: "patch", Reason: "no fields to update"}
	}
	var muts []docstore.Mutation
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Project{}, &ValidationError{Field: "name", Reason: "required"}
		}
		muts = append(muts, docstore.Set(FieldProjectName, name))
	}
	if patch.Priority != nil {
		prio, err := ParsePriority(*patch.Priority)
		if err != nil {
			return Project{}, err
		}
		muts = append(muts, docstore.Set(FieldPriority, string(prio)))
	}
	if patch.Description != nil {
		muts = append(muts, docstore.Set(FieldDescription, strings.TrimSpace(*patch.Description)))
	}
	if patch.StartDate != nil && patch.EndDate != nil && patch.EndDate.Before(*patch.StartDate) {
		return Project{}, &ValidationError{Field: "endDate", Reason: "before start date"}
	}
	p, err := s.owned(ctx, actorID, id)
	if err != nil {
		return Project{}, err
	}
	start, end := p.StartDate, p.EndDate
	if patch.StartDate != nil {
		start = patch.StartDate.UTC()
		muts = append(muts, docstore.Set(FieldStartDate, start))
	}
	if patch.EndDate != nil {
		end = patch.EndDate.UTC()
		muts = append(muts, docstore.Set(FieldEndDate, end))
	}
	if end.Before(start) {
		return Project{}, &ValidationError{Field: "endDate", Reason: "before start date"}
	}
	err = s.rpc.do(ctx, "update project", func(ctx context.Context) error {
		return s.st.Update(ctx, ProjectsCollection, id, muts...)
	})
	if err != nil {
		return Project{}, err
	}
	return s.Get(ctx, id)
}

// AddMember assigns the account registered under email. Adding someone who is
// already a member changes nothing and reports MemberAlreadyPresent.
func (s *ProjectService) AddMember(ctx context.Context, actorID, id, email string) (MemberOutcome, error) {
	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return 0, err
	}
	p, err := s.owned(ctx, actorID, id)
	if err != nil {
		return 0, err
	}
	u, err := s.members.LookupByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return 0, &ValidationError{Field: "email", Reason: "no account for " + email}
	}
	if err != nil {
		return 0, err
	}
	for _, m := range p.AssignedMembers {
		if m == u.ID {
			return MemberAlreadyPresent, nil
		}
	}
	err = s.rpc.do(ctx, "add member", func(ctx context.Context) error {
		return s.st.Update(ctx, ProjectsCollection, id, docstore.ArrayUnion(FieldMembers, u.ID))
	})
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"project": id, "member": u.ID}).Info("member added")
	return MemberAdded, nil
}

// RemoveMember unassigns memberID. Removing a non-member is a no-op.
func (s *ProjectService) RemoveMember(ctx context.Context, actorID, id, memberID string) error {
	if memberID == "" {
		return &ValidationError{Field: "memberId", Reason: "required"}
	}
	if _, err := s.owned(ctx, actorID, id); err != nil {
		return err
	}
	return s.rpc.do(ctx, "remove member", func(ctx context.Context) error {
		return s.st.Update(ctx, ProjectsCollection, id, docstore.ArrayRemove(FieldMembers, memberID))
	})
}

// Delete removes the project and every task that references it. Tasks are
// deleted first; the project is only deleted once none remain. If any task
// deletion fails the project is kept and a *CascadeError is returned.
func (s *ProjectService) Delete(ctx context.Context, actorID, id string) error {
	if _, err := s.owned(ctx, actorID, id); err != nil {
		return err
	}
	var deleted []string
	for pass := 0; ; pass++ {
		var docs []docstore.Document
		err := s.rpc.do(ctx, "list project tasks", func(ctx context.Context) error {
			var err error
			docs, err = s.st.Query(ctx, TasksCollection, docstore.Equal(FieldProjectID, id))
			return err
		})
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			break
		}
		if pass == maxCascadePasses {
			failed := make(map[string]error, len(docs))
			for _, d := range docs {
				failed[d.ID] = ErrCascadeIncomplete
			}
			return s.cascadeFailed(ctx, &CascadeError{ProjectID: id, Deleted: deleted, Failed: failed})
		}
		ok, failed := s.deleteTasks(ctx, docs)
		deleted = append(deleted, ok...)
		if len(failed) > 0 {
			return s.cascadeFailed(ctx, &CascadeError{ProjectID: id, Deleted: deleted, Failed: failed})
		}
	}
	err := s.rpc.do(ctx, "delete project", func(ctx context.Context) error {
		return s.st.Delete(ctx, ProjectsCollection, id)
	})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"project": id, "tasks": len(deleted)}).Info("project deleted")
	return nil
}

func (s *ProjectService) deleteTasks(ctx context.Context, docs []docstore.Document) ([]string, map[string]error) {
	var (
		mu      sync.Mutex
		deleted []string
		failed  = map[string]error{}
	)
	var g errgroup.Group
	g.SetLimit(cascadeParallelism)
	for _, d := range docs {
		taskID := d.ID
		g.Go(func() error {
			err := s.rpc.do(ctx, "delete task", func(ctx context.Context) error {
				return s.st.Delete(ctx, TasksCollection, taskID)
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[taskID] = err
				return nil
			}
			deleted = append(deleted, taskID)
			return nil
		})
	}
	_ = g.Wait()
	return deleted, failed
}

func (s *ProjectService) cascadeFailed(ctx context.Context, cerr *CascadeError) error {
	for taskID, err := range cerr.Failed {
		log.WithFields(log.Fields{"project": cerr.ProjectID, "task": taskID}).WithError(err).Error("cascade task deletion failed")
	}
	if s.reporter != nil {
		if err := s.reporter.ReportCascadeFailure(context.WithoutCancel(ctx), cerr); err != nil {
			log.WithField("project", cerr.ProjectID).WithError(err).Error("failed to report cascade failure")
		}
	}
	return cerr
}
