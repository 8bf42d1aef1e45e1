package docstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Method names a Store operation, used for fault injection and call counting.
type Method string

const (
	MethodQuery  Method = "query"
	MethodGet    Method = "get"
	MethodCreate Method = "create"
	MethodSet    Method = "set"
	MethodUpdate Method = "update"
	MethodDelete Method = "delete"
)

const memoryStreamBuffer = 64

type failKey struct {
	method     Method
	collection string
	id         string
}

type callKey struct {
	method     Method
	collection string
}

// MemoryStore is an in-process Store. Changes are delivered to subscribers
// synchronously with the mutation that caused them.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]map[string]Fields
	order    map[string][]string
	subs     map[*memoryStream]struct{}
	failures map[failKey]error
	calls    map[callKey]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     map[string]map[string]Fields{},
		order:    map[string][]string{},
		subs:     map[*memoryStream]struct{}{},
		failures: map[failKey]error{},
		calls:    map[callKey]int{},
	}
}

// FailOn makes method on collection return err. An empty id matches any document.
// Passing a nil err clears the injected failure.
func (m *MemoryStore) FailOn(method Method, collection, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := failKey{method: method, collection: collection, id: id}
	if err == nil {
		delete(m.failures, k)
		return
	}
	m.failures[k] = err
}

// Calls returns how many times method was invoked on collection.
func (m *MemoryStore) Calls(method Method, collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callKey{method: method, collection: collection}]
}

func (m *MemoryStore) enter(ctx context.Context, method Method, collection, id string) error {
	m.calls[callKey{method: method, collection: collection}]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := m.failures[failKey{method: method, collection: collection, id: id}]; ok {
		return err
	}
	if err, ok := m.failures[failKey{method: method, collection: collection}]; ok {
		return err
	}
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodQuery, collection, ""); err != nil {
		return nil, err
	}
	out := []Document{}
	for _, id := range m.order[collection] {
		d := Document{ID: id, Fields: m.docs[collection][id]}
		if MatchAll(filters, d) {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodGet, collection, id); err != nil {
		return Document{}, err
	}
	f, ok := m.docs[collection][id]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return Document{ID: id, Fields: f.Clone()}, nil
}

func (m *MemoryStore) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	nf, err := Normalize(fields)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodCreate, collection, ""); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m.put(collection, id, nf)
	m.notify(Change{Collection: collection, DocID: id, Kind: ChangeCreated, After: &Document{ID: id, Fields: nf}})
	return id, nil
}

func (m *MemoryStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	nf, err := Normalize(fields)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodSet, collection, id); err != nil {
		return err
	}
	ch := Change{Collection: collection, DocID: id, Kind: ChangeCreated, After: &Document{ID: id, Fields: nf}}
	if prev, ok := m.docs[collection][id]; ok {
		ch.Kind = ChangeUpdated
		ch.Before = &Document{ID: id, Fields: prev}
	}
	m.put(collection, id, nf)
	m.notify(ch)
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, collection, id string, mutations ...Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodUpdate, collection, id); err != nil {
		return err
	}
	prev, ok := m.docs[collection][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	next, err := Apply(prev, mutations)
	if err != nil {
		return err
	}
	m.put(collection, id, next)
	m.notify(Change{
		Collection: collection,
		DocID:      id,
		Kind:       ChangeUpdated,
		Before:     &Document{ID: id, Fields: prev},
		After:      &Document{ID: id, Fields: next},
	})
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, MethodDelete, collection, id); err != nil {
		return err
	}
	prev, ok := m.docs[collection][id]
	if !ok {
		return nil
	}
	delete(m.docs[collection], id)
	m.order[collection] = slices.DeleteFunc(m.order[collection], func(s string) bool { return s == id })
	m.notify(Change{Collection: collection, DocID: id, Kind: ChangeDeleted, Before: &Document{ID: id, Fields: prev}})
	return nil
}

func (m *MemoryStore) put(collection, id string, fields Fields) {
	docs, ok := m.docs[collection]
	if !ok {
		docs = map[string]Fields{}
		m.docs[collection] = docs
	}
	if _, exists := docs[id]; !exists {
		m.order[collection] = append(m.order[collection], id)
	}
	docs[id] = fields
}

// notify must be called with m.mu held.
func (m *MemoryStore) notify(ch Change) {
	ch.ID = uuid.NewString()
	for s := range m.subs {
		if s.collection != ch.Collection || !ch.Matches(s.filters) {
			continue
		}
		out := ch
		if ch.Before != nil {
			b := ch.Before.Clone()
			out.Before = &b
		}
		if ch.After != nil {
			a := ch.After.Clone()
			out.After = &a
		}
		select {
		case s.ch <- out:
		default:
			log.WithFields(log.Fields{"collection": ch.Collection, "doc": ch.DocID}).Warn("change subscriber is full, dropping notification")
		}
	}
}

// Subscribe registers a change stream that is closed when ctx is done or Close is called.
func (m *MemoryStore) Subscribe(ctx context.Context, collection string, filters ...Filter) (ChangeStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memoryStream{
		store:      m,
		collection: collection,
		filters:    slices.Clone(filters),
		ch:         make(chan Change, memoryStreamBuffer),
		done:       make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[s] = struct{}{}
	m.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type memoryStream struct {
	store      *MemoryStore
	collection string
	filters    []Filter
	ch         chan Change
	done       chan struct{}
	once       sync.Once
}

func (s *memoryStream) Changes() <-chan Change { return s.ch }

func (s *memoryStream) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		close(s.ch)
		s.store.mu.Unlock()
		close(s.done)
	})
	return nil
}
