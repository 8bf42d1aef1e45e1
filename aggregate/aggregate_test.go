package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"projecthub/docstore"
	"projecthub/domain"
	"projecthub/resolver"
)

type countingResolver struct {
	inner MemberResolver
	mu    sync.Mutex
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, ids []string) (map[string]domain.AssignedMember, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Resolve(ctx, ids)
}

var base = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func seedProject(t *testing.T, st docstore.Store, id, creator string, prio domain.Priority, created time.Time, members ...string) {
	t.Helper()
	p := domain.Project{
		Name:            id,
		StartDate:       created,
		EndDate:         created,
		Priority:        prio,
		CreatorID:       creator,
		AssignedMembers: members,
		CreatedAt:       created,
	}
	if err := st.Set(context.Background(), domain.ProjectsCollection, id, p.Fields()); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func seedUser(t *testing.T, st docstore.Store, id, name string) {
	t.Helper()
	u := domain.User{Name: name, Email: name + "@example.com"}
	if err := st.Set(context.Background(), domain.UsersCollection, id, u.Fields()); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedTask(t *testing.T, st docstore.Store, id, project string, checked bool, created time.Time) {
	t.Helper()
	task := domain.Task{Details: id, ProjectID: project, Checked: checked, CreatedAt: created}
	if err := st.Set(context.Background(), domain.TasksCollection, id, task.Fields()); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func newAggregator(st docstore.Store) (*Aggregator, *countingResolver) {
	res := &countingResolver{inner: resolver.New(resolver.StoreSource{Store: st}, time.Second)}
	return New(st, res, time.Second), res
}

func ids(views []ProjectView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProjectsUnionIsDeduplicated(t *testing.T) {
	st := docstore.NewMemoryStore()
	seedUser(t, st, "u1", "ann")
	seedUser(t, st, "u2", "bob")
	seedProject(t, st, "p1", "u1", domain.PriorityHigh, base, "u1", "u2")
	seedProject(t, st, "p2", "u2", domain.PriorityLow, base.Add(time.Hour), "u1")
	seedProject(t, st, "p3", "u2", domain.PriorityLow, base, "u2")
	agg, res := newAggregator(st)

	views, err := agg.Projects(context.Background(), "u1", SortRecent)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if !equal(ids(views), []string{"p2", "p1"}) {
		t.Fatalf("unexpected projects %v", ids(views))
	}
	if res.calls != 1 {
		t.Fatalf("expected a single resolver call, got %d", res.calls)
	}
	p1 := views[1]
	if len(p1.Members) != 2 || p1.Members[0].Name != "ann" || p1.Members[1].Name != "bob" {
		t.Fatalf("unexpected members %+v", p1.Members)
	}
}

func TestProjectsReadSharedMemberOnce(t *testing.T) {
	mem := docstore.NewMemoryStore()
	seedUser(t, mem, "m", "mia")
	for i, id := range []string{"p1", "p2", "p3", "p4", "p5"} {
		seedProject(t, mem, id, "u1", domain.PriorityMedium, base.Add(time.Duration(i)*time.Hour), "m")
	}
	agg := New(mem, resolver.New(resolver.StoreSource{Store: mem}, time.Second), time.Second)

	views, err := agg.Projects(context.Background(), "u1", SortRecent)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(views) != 5 {
		t.Fatalf("expected 5 projects, got %d", len(views))
	}
	for _, v := range views {
		if len(v.Members) != 1 || v.Members[0].Name != "mia" {
			t.Fatalf("%s: unexpected members %+v", v.ID, v.Members)
		}
	}
	if n := mem.Calls(docstore.MethodGet, domain.UsersCollection); n != 1 {
		t.Fatalf("expected one profile read for the shared member, got %d", n)
	}
}

func TestProjectsSortCriteria(t *testing.T) {
	st := docstore.NewMemoryStore()
	seedProject(t, st, "low-old", "u1", domain.PriorityLow, base)
	seedProject(t, st, "high-mid", "u1", domain.PriorityHigh, base.Add(time.Hour))
	seedProject(t, st, "med-new", "u1", domain.PriorityMedium, base.Add(2*time.Hour))
	seedProject(t, st, "high-new", "u1", domain.PriorityHigh, base.Add(3*time.Hour))
	seedProject(t, st, "legacy", "u1", domain.Priority("Urgent"), base.Add(4*time.Hour))
	agg, _ := newAggregator(st)
	ctx := context.Background()

	cases := []struct {
		c    SortCriterion
		want []string
	}{
		{SortRecent, []string{"legacy", "high-new", "med-new", "high-mid", "low-old"}},
		{SortHighToLow, []string{"high-mid", "high-new", "med-new", "low-old", "legacy"}},
		{SortLowToHigh, []string{"low-old", "med-new", "high-mid", "high-new", "legacy"}},
	}
	for _, tc := range cases {
		views, err := agg.Projects(ctx, "u1", tc.c)
		if err != nil {
			t.Fatalf("%s: %v", tc.c, err)
		}
		if got := ids(views); !equal(got, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.c, got, tc.want)
		}
	}
}

func TestSortIsStable(t *testing.T) {
	views := []ProjectView{
		{Project: domain.Project{ID: "a", Priority: domain.PriorityMedium}},
		{Project: domain.Project{ID: "b", Priority: domain.PriorityHigh}},
		{Project: domain.Project{ID: "c", Priority: domain.PriorityMedium}},
		{Project: domain.Project{ID: "d", Priority: domain.PriorityHigh}},
	}
	SortProjects(views, SortHighToLow)
	if !equal(ids(views), []string{"b", "d", "a", "c"}) {
		t.Fatalf("unexpected order %v", ids(views))
	}
}

func TestProjectsMissingMemberIsUnknown(t *testing.T) {
	st := docstore.NewMemoryStore()
	seedProject(t, st, "p1", "u1", domain.PriorityHigh, base, "ghost")
	agg, _ := newAggregator(st)
	views, err := agg.Projects(context.Background(), "u1", SortRecent)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(views) != 1 || views[0].Members[0].Name != domain.UnknownMemberName {
		t.Fatalf("unexpected views %+v", views)
	}
}

func TestProjectsQueryFailure(t *testing.T) {
	st := docstore.NewMemoryStore()
	st.FailOn(docstore.MethodQuery, domain.ProjectsCollection, "", errors.New("unavailable"))
	agg, _ := newAggregator(st)
	_, err := agg.Projects(context.Background(), "u1", SortRecent)
	var rerr *domain.RemoteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestProjectNotFound(t *testing.T) {
	agg, _ := newAggregator(docstore.NewMemoryStore())
	if _, err := agg.Project(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProjectTasksNewestFirst(t *testing.T) {
	st := docstore.NewMemoryStore()
	seedTask(t, st, "t1", "p1", false, base)
	seedTask(t, st, "t2", "p1", true, base.Add(2*time.Hour))
	seedTask(t, st, "t3", "p1", false, base.Add(time.Hour))
	seedTask(t, st, "other", "p2", false, base)
	agg, _ := newAggregator(st)

	tasks, err := agg.ProjectTasks(context.Background(), "p1")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	got := make([]string, len(tasks))
	for i, task := range tasks {
		got[i] = task.ID
	}
	if !equal(got, []string{"t2", "t3", "t1"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestDashboardCounts(t *testing.T) {
	st := docstore.NewMemoryStore()
	seedProject(t, st, "p1", "u1", domain.PriorityHigh, base)
	seedProject(t, st, "p2", "u2", domain.PriorityLow, base.Add(time.Hour), "u1")
	seedTask(t, st, "t1", "p1", true, base)
	seedTask(t, st, "t2", "p1", false, base)
	seedTask(t, st, "t3", "p2", true, base)
	agg, _ := newAggregator(st)

	d, err := agg.Dashboard(context.Background(), "u1", SortHighToLow)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.ProjectCount != 2 || d.TaskCount != 3 || d.CheckedCount != 2 {
		t.Fatalf("unexpected totals %+v", d)
	}
	if d.Projects[0].ID != "p1" || len(d.Projects[0].Tasks) != 2 || d.Projects[0].Checked != 1 {
		t.Fatalf("unexpected first project %+v", d.Projects[0])
	}
}

func TestParseSortCriterion(t *testing.T) {
	for in, want := range map[string]SortCriterion{"": SortRecent, "recentlyAdded": SortRecent, "highToLow": SortHighToLow, "lowToHigh": SortLowToHigh} {
		got, err := ParseSortCriterion(in)
		if err != nil || got != want {
			t.Fatalf("ParseSortCriterion(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseSortCriterion("alphabetical"); err == nil {
		t.Fatalf("expected error for unknown criterion")
	}
}
