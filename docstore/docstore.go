// Package docstore defines the document store contract the client depends on:
// collection queries with equality and array-membership predicates, point reads,
// atomic field mutations and change subscriptions.
package docstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is a single record addressed by collection and ID.
type Document struct {
	ID     string
	Fields Fields
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	return Document{ID: d.ID, Fields: d.Fields.Clone()}
}

// Store is implemented by document store backends.
type Store interface {
	// Query returns the documents matching every filter. Order is unspecified.
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create stores a new document and returns its generated ID.
	Create(ctx context.Context, collection string, fields Fields) (string, error)
	// Set creates or replaces the document with the given ID.
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Update applies mutations to an existing document atomically.
	Update(ctx context.Context, collection, id string, mutations ...Mutation) error
	Delete(ctx context.Context, collection, id string) error
	// Subscribe opens a change stream for documents matching filters.
	Subscribe(ctx context.Context, collection string, filters ...Filter) (ChangeStream, error)
}

// ChangeStream delivers change notifications until closed.
type ChangeStream interface {
	Changes() <-chan Change
	// Close stops delivery and closes the Changes channel. It is safe to call more than once.
	Close() error
}

// ChangeKind describes what happened to a document.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is a notification about one committed mutation. ID is unique per
// mutation. Before is nil for creations and After is nil for deletions.
type Change struct {
	ID         string
	Collection string
	DocID      string
	Kind       ChangeKind
	Before     *Document
	After      *Document
}

// Matches reports whether either side of the change satisfies all filters.
func (c Change) Matches(filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	if c.Before != nil && MatchAll(filters, *c.Before) {
		return true
	}
	return c.After != nil && MatchAll(filters, *c.After)
}
