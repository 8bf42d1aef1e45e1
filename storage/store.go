// Package storage implements the document store on Azure Table Storage and
// the Redis, Blob and Queue services that surround it.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"projecthub/docstore"
)

const maxUpdateAttempts = 5

// ErrNoChangeFeed is returned by Subscribe when no change bus is configured.
var ErrNoChangeFeed = errors.New("change notifications are not configured")

var retryableStatusCodes = []int{408, 429, 500, 502, 503, 504}

func retryOptions(maxRetries int, tryTimeout, maxDelay time.Duration) policy.RetryOptions {
	return policy.RetryOptions{
		MaxRetries:    int32(maxRetries),
		TryTimeout:    tryTimeout,
		RetryDelay:    time.Second,
		MaxRetryDelay: maxDelay,
		StatusCodes:   retryableStatusCodes,
	}
}

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, options *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(options *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// ChangeBus carries change notifications between processes.
type ChangeBus interface {
	Publish(ctx context.Context, ch docstore.Change) error
	Subscribe(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.ChangeStream, error)
}

// Store implements docstore.Store on Azure Table Storage. Each collection maps
// to its own table, every entity of a collection shares one partition and the
// document ID is the row key.
type Store struct {
	tables   map[string]tableClient
	bus      ChangeBus
	newID    func() string
	onCommit []func(ctx context.Context, ch docstore.Change)
}

var _ docstore.Store = (*Store)(nil)

// NewStore connects to the tables named in tables, keyed by collection.
func NewStore(connStr string, tables map[string]string, bus ChangeBus) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: retryOptions(3, 3*time.Minute, 15*time.Second)},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	clients := make(map[string]tableClient, len(tables))
	for collection, name := range tables {
		clients[collection] = svc.NewClient(name)
	}
	return newStore(clients, bus), nil
}

func newStore(tables map[string]tableClient, bus ChangeBus) *Store {
	return &Store{tables: tables, bus: bus, newID: uuid.NewString}
}

func (s *Store) table(collection string) (tableClient, error) {
	t, ok := s.tables[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}
	return t, nil
}

func statusCode(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func notFound(collection, id string) error {
	return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
}

// Query pushes equality filters down to the service and checks every filter
// again on the decoded documents.
func (s *Store) Query(ctx context.Context, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	filter, err := buildFilter(collection, filters)
	if err != nil {
		return nil, err
	}
	pager := t.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	docs := []docstore.Document{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			doc, err := decodeEntity(e)
			if err != nil {
				return nil, err
			}
			if docstore.MatchAll(filters, doc) {
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

func (s *Store) get(ctx context.Context, t tableClient, collection, id string) (docstore.Document, azcore.ETag, error) {
	resp, err := t.GetEntity(ctx, collection, id, nil)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return docstore.Document{}, "", notFound(collection, id)
		}
		return docstore.Document{}, "", err
	}
	doc, err := decodeEntity(resp.Value)
	if err != nil {
		return docstore.Document{}, "", err
	}
	return doc, resp.ETag, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	t, err := s.table(collection)
	if err != nil {
		return docstore.Document{}, err
	}
	doc, _, err := s.get(ctx, t, collection, id)
	return doc, err
}

func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	t, err := s.table(collection)
	if err != nil {
		return "", err
	}
	nf, err := docstore.Normalize(fields)
	if err != nil {
		return "", err
	}
	id := s.newID()
	payload, err := encodeEntity(collection, id, nf)
	if err != nil {
		return "", err
	}
	if _, err := t.AddEntity(ctx, payload, nil); err != nil {
		return "", err
	}
	s.publish(ctx, docstore.Change{Collection: collection, DocID: id, Kind: docstore.ChangeCreated, After: &docstore.Document{ID: id, Fields: nf}})
	return id, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	nf, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	payload, err := encodeEntity(collection, id, nf)
	if err != nil {
		return err
	}
	ch := docstore.Change{Collection: collection, DocID: id, Kind: docstore.ChangeCreated, After: &docstore.Document{ID: id, Fields: nf}}
	prev, _, err := s.get(ctx, t, collection, id)
	switch {
	case err == nil:
		ch.Kind = docstore.ChangeUpdated
		ch.Before = &prev
	case !errors.Is(err, docstore.ErrNotFound):
		return err
	}
	if _, err := t.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return err
	}
	s.publish(ctx, ch)
	return nil
}

// Update applies mutations with optimistic concurrency: the entity is read,
// changed and written back conditioned on its ETag, retrying on conflicts.
func (s *Store) Update(ctx context.Context, collection, id string, mutations ...docstore.Mutation) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		prev, etag, err := s.get(ctx, t, collection, id)
		if err != nil {
			return err
		}
		next, err := docstore.Apply(prev.Fields, mutations)
		if err != nil {
			return err
		}
		payload, err := encodeEntity(collection, id, next)
		if err != nil {
			return err
		}
		_, err = t.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		switch code := statusCode(err); {
		case err == nil:
			s.publish(ctx, docstore.Change{
				Collection: collection,
				DocID:      id,
				Kind:       docstore.ChangeUpdated,
				Before:     &prev,
				After:      &docstore.Document{ID: id, Fields: next},
			})
			return nil
		case code == http.StatusPreconditionFailed && attempt < maxUpdateAttempts:
			log.WithFields(log.Fields{"collection": collection, "id": id, "attempt": attempt}).Debug("update conflict, retrying")
			continue
		case code == http.StatusNotFound:
			return notFound(collection, id)
		default:
			return err
		}
	}
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	for attempt := 1; ; attempt++ {
		prev, etag, err := s.get(ctx, t, collection, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = t.DeleteEntity(ctx, collection, id, &aztables.DeleteEntityOptions{IfMatch: &etag})
		switch code := statusCode(err); {
		case err == nil:
			s.publish(ctx, docstore.Change{Collection: collection, DocID: id, Kind: docstore.ChangeDeleted, Before: &prev})
			return nil
		case code == http.StatusNotFound:
			return nil
		case code == http.StatusPreconditionFailed && attempt < maxUpdateAttempts:
			continue
		default:
			return err
		}
	}
}

func (s *Store) Subscribe(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.ChangeStream, error) {
	if s.bus == nil {
		return nil, ErrNoChangeFeed
	}
	return s.bus.Subscribe(ctx, collection, filters...)
}

// OnCommit registers fn to run after every committed write and before its
// change is published. Register hooks before the store is shared.
func (s *Store) OnCommit(fn func(ctx context.Context, ch docstore.Change)) {
	s.onCommit = append(s.onCommit, fn)
}

// publish announces a committed mutation. Failures are logged only; the write
// already succeeded.
func (s *Store) publish(ctx context.Context, ch docstore.Change) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range s.onCommit {
		fn(ctx, ch)
	}
	if s.bus == nil {
		return
	}
	ch.ID = uuid.NewString()
	if err := s.bus.Publish(ctx, ch); err != nil {
		log.WithFields(log.Fields{"collection": ch.Collection, "id": ch.DocID}).WithError(err).Warn("publish change")
	}
}
