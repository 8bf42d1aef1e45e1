package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"projecthub/docstore"
)

type fakeTable struct {
	mu         sync.Mutex
	rows       map[string][]byte
	etags      map[string]int
	conflicts  int
	lastFilter string
	updates    int
}

func newFakeTable() *fakeTable {
	return &fakeTable{rows: map[string][]byte{}, etags: map[string]int{}}
}

func rowKey(entity []byte) string {
	var keys struct {
		RowKey string `json:"RowKey"`
	}
	_ = json.Unmarshal(entity, &keys)
	return keys.RowKey
}

func (f *fakeTable) etag(rk string) azcore.ETag {
	return azcore.ETag(strconv.Itoa(f.etags[rk]))
}

func (f *fakeTable) GetEntity(ctx context.Context, pk, rk string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.rows[rk]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	return aztables.GetEntityResponse{ETag: f.etag(rk), Value: data}, nil
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rk := rowKey(entity)
	if _, ok := f.rows[rk]; ok {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusConflict}
	}
	f.rows[rk] = entity
	f.etags[rk]++
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rk := rowKey(entity)
	f.rows[rk] = entity
	f.etags[rk]++
	return aztables.UpsertEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	rk := rowKey(entity)
	if _, ok := f.rows[rk]; !ok {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	if f.conflicts > 0 {
		// Another writer got in first.
		f.conflicts--
		f.etags[rk]++
	}
	if options == nil || options.IfMatch == nil || *options.IfMatch != f.etag(rk) {
		return aztables.UpdateEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}
	}
	f.rows[rk] = entity
	f.etags[rk]++
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) DeleteEntity(ctx context.Context, pk, rk string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[rk]; !ok {
		return aztables.DeleteEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound}
	}
	delete(f.rows, rk)
	delete(f.etags, rk)
	return aztables.DeleteEntityResponse{}, nil
}

// NewListEntitiesPager returns every row in one page; filtering happens in the store.
func (f *fakeTable) NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	f.mu.Lock()
	if options != nil && options.Filter != nil {
		f.lastFilter = *options.Filter
	}
	keys := make([]string, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	page := aztables.ListEntitiesResponse{}
	for _, k := range keys {
		page.Entities = append(page.Entities, f.rows[k])
	}
	f.mu.Unlock()
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			return page, nil
		},
	})
}

type fakeBus struct {
	mu      sync.Mutex
	changes []docstore.Change
}

func (b *fakeBus) Publish(ctx context.Context, ch docstore.Change) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.changes = append(b.changes, ch)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.ChangeStream, error) {
	return nil, errors.New("not supported")
}

func newTestStore() (*Store, *fakeTable, *fakeBus) {
	tbl := newFakeTable()
	bus := &fakeBus{}
	return newStore(map[string]tableClient{"project": tbl}, bus), tbl, bus
}

func TestStoreCreateGetQuery(t *testing.T) {
	st, tbl, bus := newTestStore()
	ctx := context.Background()
	id, err := st.Create(ctx, "project", docstore.Fields{"creatorId": "u1", "assignedMembers": []string{"u2"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create(ctx, "project", docstore.Fields{"creatorId": "u2", "assignedMembers": []string{"u1"}}); err != nil {
		t.Fatalf("create: %v", err)
	}
	doc, err := st.Get(ctx, "project", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Fields.String("creatorId") != "u1" {
		t.Fatalf("unexpected doc %+v", doc)
	}

	got, err := st.Query(ctx, "project", docstore.ArrayContains("assignedMembers", "u2"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("unexpected query result %+v", got)
	}
	if tbl.lastFilter != "PartitionKey eq 'project'" {
		t.Fatalf("unexpected filter %q", tbl.lastFilter)
	}
	if len(bus.changes) != 2 || bus.changes[0].Kind != docstore.ChangeCreated || bus.changes[0].ID == "" {
		t.Fatalf("unexpected changes %+v", bus.changes)
	}
}

func TestStoreGetMissing(t *testing.T) {
	st, _, _ := newTestStore()
	if _, err := st.Get(context.Background(), "project", "nope"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.Get(context.Background(), "unknown", "x"); err == nil {
		t.Fatalf("expected unknown collection error")
	}
}

func TestStoreUpdateRetriesOnConflict(t *testing.T) {
	st, tbl, bus := newTestStore()
	ctx := context.Background()
	id, err := st.Create(ctx, "project", docstore.Fields{"assignedMembers": []string{"u1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tbl.conflicts = 2
	if err := st.Update(ctx, "project", id, docstore.ArrayUnion("assignedMembers", "u2", "u1")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if tbl.updates != 3 {
		t.Fatalf("expected 3 attempts, got %d", tbl.updates)
	}
	doc, _ := st.Get(ctx, "project", id)
	if got := doc.Fields.Strings("assignedMembers"); len(got) != 2 || got[1] != "u2" {
		t.Fatalf("unexpected members %v", got)
	}
	last := bus.changes[len(bus.changes)-1]
	if last.Kind != docstore.ChangeUpdated || last.Before == nil || last.After == nil {
		t.Fatalf("unexpected change %+v", last)
	}
}

func TestStoreUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	st, tbl, _ := newTestStore()
	ctx := context.Background()
	id, _ := st.Create(ctx, "project", docstore.Fields{"name": "x"})
	tbl.conflicts = maxUpdateAttempts
	err := st.Update(ctx, "project", id, docstore.Set("name", "y"))
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected precondition failure, got %v", err)
	}
}

func TestStoreUpdateMissing(t *testing.T) {
	st, _, _ := newTestStore()
	if err := st.Update(context.Background(), "project", "nope", docstore.Set("a", "b")); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreSetAndDelete(t *testing.T) {
	st, _, bus := newTestStore()
	ctx := context.Background()
	if err := st.Set(ctx, "project", "p1", docstore.Fields{"name": "a"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st.Set(ctx, "project", "p1", docstore.Fields{"name": "b"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if bus.changes[0].Kind != docstore.ChangeCreated || bus.changes[1].Kind != docstore.ChangeUpdated {
		t.Fatalf("unexpected kinds %+v", bus.changes)
	}
	if bus.changes[1].Before.Fields.String("name") != "a" {
		t.Fatalf("expected previous version in change, got %+v", bus.changes[1].Before)
	}
	if err := st.Delete(ctx, "project", "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, "project", "p1"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if n := len(bus.changes); n != 3 || bus.changes[2].Kind != docstore.ChangeDeleted {
		t.Fatalf("unexpected changes %+v", bus.changes)
	}
}

func TestStoreSubscribeWithoutBus(t *testing.T) {
	st := newStore(map[string]tableClient{}, nil)
	if _, err := st.Subscribe(context.Background(), "project"); !errors.Is(err, ErrNoChangeFeed) {
		t.Fatalf("expected ErrNoChangeFeed, got %v", err)
	}
}
