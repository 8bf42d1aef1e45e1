// Package aggregate builds the project and dashboard views a user sees.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"projecthub/docstore"
	"projecthub/domain"
	"projecthub/resolver"
)

const taskParallelism = 8

// SortCriterion orders project lists.
type SortCriterion int

const (
	SortRecent SortCriterion = iota
	SortHighToLow
	SortLowToHigh
)

func (c SortCriterion) String() string {
	switch c {
	case SortHighToLow:
		return "highToLow"
	case SortLowToHigh:
		return "lowToHigh"
	default:
		return "recentlyAdded"
	}
}

// ParseSortCriterion accepts recentlyAdded, highToLow or lowToHigh. An empty
// string selects SortRecent.
func ParseSortCriterion(s string) (SortCriterion, error) {
	switch s {
	case "", "recentlyAdded":
		return SortRecent, nil
	case "highToLow":
		return SortHighToLow, nil
	case "lowToHigh":
		return SortLowToHigh, nil
	}
	return 0, &domain.ValidationError{Field: "sort", Reason: "must be recentlyAdded, highToLow or lowToHigh"}
}

// MemberResolver maps member IDs to display profiles.
type MemberResolver interface {
	Resolve(ctx context.Context, ids []string) (map[string]domain.AssignedMember, error)
}

// ProjectView is a project with its members resolved.
type ProjectView struct {
	domain.Project
	Members []domain.AssignedMember `json:"members"`
}

// DashboardProject is a project view with its tasks.
type DashboardProject struct {
	ProjectView
	Tasks   []domain.Task `json:"tasks"`
	Checked int           `json:"checked"`
}

// Dashboard summarises every project a user takes part in.
type Dashboard struct {
	Projects     []DashboardProject `json:"projects"`
	ProjectCount int                `json:"projectCount"`
	TaskCount    int                `json:"taskCount"`
	CheckedCount int                `json:"checkedCount"`
}

// Aggregator joins projects, members and tasks. It keeps no state between
// calls; every result is freshly allocated.
type Aggregator struct {
	st      docstore.Store
	res     MemberResolver
	timeout time.Duration
	now     func() time.Time
}

func New(st docstore.Store, res MemberResolver, timeout time.Duration) *Aggregator {
	return &Aggregator{st: st, res: res, timeout: timeout, now: time.Now}
}

func (a *Aggregator) query(ctx context.Context, op, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	docs, err := a.st.Query(ctx, collection, filters...)
	if err != nil {
		return nil, &domain.RemoteError{Op: op, Err: err}
	}
	return docs, nil
}

// Projects returns every project userID created or is assigned to, once each,
// with members resolved and ordered by c.
func (a *Aggregator) Projects(ctx context.Context, userID string, c SortCriterion) ([]ProjectView, error) {
	var created, assigned []docstore.Document
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		created, err = a.query(gctx, "list created projects", domain.ProjectsCollection, docstore.Equal(domain.FieldCreatorID, userID))
		return err
	})
	g.Go(func() error {
		var err error
		assigned, err = a.query(gctx, "list assigned projects", domain.ProjectsCollection, docstore.ArrayContains(domain.FieldMembers, userID))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	projects := make([]domain.Project, 0, len(created)+len(assigned))
	seen := make(map[string]struct{}, len(created)+len(assigned))
	for _, doc := range append(created, assigned...) {
		if _, ok := seen[doc.ID]; ok {
			continue
		}
		seen[doc.ID] = struct{}{}
		projects = append(projects, domain.ProjectFromDocument(doc))
	}

	views, err := a.resolve(ctx, projects)
	if err != nil {
		return nil, err
	}
	SortProjects(views, c)
	return views, nil
}

// Project returns a single project with its members resolved.
func (a *Aggregator) Project(ctx context.Context, projectID string) (ProjectView, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	doc, err := a.st.Get(ctx, domain.ProjectsCollection, projectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ProjectView{}, err
		}
		return ProjectView{}, &domain.RemoteError{Op: "get project", Err: err}
	}
	views, err := a.resolve(ctx, []domain.Project{domain.ProjectFromDocument(doc)})
	if err != nil {
		return ProjectView{}, err
	}
	return views[0], nil
}

func (a *Aggregator) resolve(ctx context.Context, projects []domain.Project) ([]ProjectView, error) {
	var ids []string
	for _, p := range projects {
		ids = append(ids, p.AssignedMembers...)
	}
	profiles, err := a.res.Resolve(ctx, ids)
	if err != nil {
		return nil, err
	}
	views := make([]ProjectView, len(projects))
	for i, p := range projects {
		views[i] = ProjectView{Project: p, Members: resolver.Apply(p, profiles)}
	}
	return views, nil
}

// SortProjects orders views in place. Ties keep their current order.
func SortProjects(views []ProjectView, c SortCriterion) {
	switch c {
	case SortHighToLow:
		sort.SliceStable(views, func(i, j int) bool {
			return views[i].Priority.Rank() < views[j].Priority.Rank()
		})
	case SortLowToHigh:
		sort.SliceStable(views, func(i, j int) bool {
			return lowRank(views[i].Priority) < lowRank(views[j].Priority)
		})
	default:
		sort.SliceStable(views, func(i, j int) bool {
			return views[i].CreatedAt.After(views[j].CreatedAt)
		})
	}
}

// lowRank orders Low < Medium < High with unknown priorities last.
func lowRank(p domain.Priority) int {
	if !p.Valid() {
		return p.Rank()
	}
	return 2 - p.Rank()
}

// ProjectTasks returns the tasks of a project, newest first.
func (a *Aggregator) ProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	docs, err := a.query(ctx, "list project tasks", domain.TasksCollection, docstore.Equal(domain.FieldProjectID, projectID))
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	tasks := make([]domain.Task, 0, len(docs))
	for _, doc := range docs {
		tasks = append(tasks, domain.TaskFromDocument(doc, now))
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// Dashboard returns the user's projects with their tasks and totals.
func (a *Aggregator) Dashboard(ctx context.Context, userID string, c SortCriterion) (Dashboard, error) {
	views, err := a.Projects(ctx, userID, c)
	if err != nil {
		return Dashboard{}, err
	}
	out := Dashboard{Projects: make([]DashboardProject, len(views)), ProjectCount: len(views)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(taskParallelism)
	for i, v := range views {
		g.Go(func() error {
			tasks, err := a.ProjectTasks(gctx, v.ID)
			if err != nil {
				return err
			}
			dp := DashboardProject{ProjectView: v, Tasks: tasks}
			for _, t := range tasks {
				if t.Checked {
					dp.Checked++
				}
			}
			out.Projects[i] = dp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	for _, p := range out.Projects {
		out.TaskCount += len(p.Tasks)
		out.CheckedCount += p.Checked
	}
	return out, nil
}

var _ MemberResolver = (*resolver.Resolver)(nil)
