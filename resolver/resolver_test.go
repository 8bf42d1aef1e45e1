package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"projecthub/docstore"
	"projecthub/domain"
)

type countingSource struct {
	mu    sync.Mutex
	users map[string]domain.User
	calls map[string]int
	fail  map[string]error
	block map[string]bool
}

func newCountingSource() *countingSource {
	return &countingSource{
		users: map[string]domain.User{},
		calls: map[string]int{},
		fail:  map[string]error{},
		block: map[string]bool{},
	}
}

func (s *countingSource) Profile(ctx context.Context, id string) (domain.User, error) {
	s.mu.Lock()
	s.calls[id]++
	u, ok := s.users[id]
	err := s.fail[id]
	block := s.block[id]
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.User{}, ctx.Err()
	}
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, fmt.Errorf("users/%s: %w", id, domain.ErrNotFound)
	}
	return u, nil
}

func TestResolveReadsEachIDOnce(t *testing.T) {
	src := newCountingSource()
	src.users["u1"] = domain.User{ID: "u1", Name: "Ann", Email: "ann@example.com"}
	src.users["u2"] = domain.User{ID: "u2", Name: "Bob", Email: "bob@example.com"}
	r := New(src, time.Second)

	got, err := r.Resolve(context.Background(), []string{"u1", "u2", "u1", "u1", "u2"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 || got["u1"].Name != "Ann" || got["u2"].Email != "bob@example.com" {
		t.Fatalf("unexpected profiles %+v", got)
	}
	for id, n := range src.calls {
		if n != 1 {
			t.Fatalf("expected one read for %s, got %d", id, n)
		}
	}
}

func TestResolveMissingProfileIsUnknown(t *testing.T) {
	src := newCountingSource()
	src.users["u1"] = domain.User{ID: "u1", Name: "Ann", Email: "ann@example.com"}
	r := New(src, time.Second)

	got, err := r.Resolve(context.Background(), []string{"u1", "gone"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := domain.AssignedMember{ID: "gone", Name: "Unknown", Email: "Unknown"}
	if got["gone"] != want {
		t.Fatalf("expected placeholder %+v, got %+v", want, got["gone"])
	}
	if got["u1"].Name != "Ann" {
		t.Fatalf("unexpected profile %+v", got["u1"])
	}
}

func TestResolveEmpty(t *testing.T) {
	r := New(newCountingSource(), time.Second)
	got, err := r.Resolve(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("unexpected result %v %v", got, err)
	}
}

func TestResolveFailureAbortsAndCancels(t *testing.T) {
	src := newCountingSource()
	src.fail["bad"] = errors.New("service unavailable")
	src.block["slow"] = true
	r := New(src, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), []string{"slow", "bad"})
		done <- err
	}()
	select {
	case err := <-done:
		var rerr *domain.RemoteError
		if !errors.As(err, &rerr) {
			t.Fatalf("expected remote error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("resolve did not cancel the pending lookup")
	}
}

func TestStoreSource(t *testing.T) {
	st := docstore.NewMemoryStore()
	ctx := context.Background()
	if err := st.Set(ctx, domain.UsersCollection, "u1", docstore.Fields{domain.FieldName: "Ann", domain.FieldEmail: "ann@example.com"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	r := New(StoreSource{Store: st}, time.Second)
	got, err := r.Resolve(ctx, []string{"u1", "u9"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got["u1"].Name != "Ann" || got["u9"].Name != domain.UnknownMemberName {
		t.Fatalf("unexpected profiles %+v", got)
	}
	if n := st.Calls(docstore.MethodGet, domain.UsersCollection); n != 2 {
		t.Fatalf("expected 2 point reads, got %d", n)
	}
}

func TestApplyKeepsStoredOrder(t *testing.T) {
	p := domain.Project{AssignedMembers: []string{"u3", "u1", "u2"}}
	profiles := map[string]domain.AssignedMember{
		"u1": {ID: "u1", Name: "Ann"},
		"u3": {ID: "u3", Name: "Cid"},
	}
	got := Apply(p, profiles)
	if len(got) != 3 || got[0].Name != "Cid" || got[1].Name != "Ann" || got[2].Name != "Unknown" {
		t.Fatalf("unexpected members %+v", got)
	}
}
