package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"projecthub/docstore"
)

// ErrNotFound reports a missing primary entity.
var ErrNotFound = docstore.ErrNotFound

// ErrForbidden is returned when a caller mutates a project they did not create.
var ErrForbidden = errors.New("only the project creator may do this")

// ErrCascadeIncomplete marks tasks that were still present after the last
// cascade pass.
var ErrCascadeIncomplete = errors.New("task still present after cascade")

// ValidationError rejects input before anything is sent to the backend.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RemoteError wraps a failed backend call.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *RemoteError) Unwrap() error { return e.Err }

// Retryable reports whether the call timed out and may succeed when repeated.
func (e *RemoteError) Retryable() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// CascadeError reports a project deletion that stopped because some of its
// tasks could not be removed. The project itself is left in place.
type CascadeError struct {
	ProjectID string
	Deleted   []string
	Failed    map[string]error
}

func (e *CascadeError) Error() string {
	ids := e.FailedIDs()
	return fmt.Sprintf("delete project %s: %d task(s) not deleted: %s", e.ProjectID, len(ids), strings.Join(ids, ", "))
}

// FailedIDs returns the IDs of the tasks that could not be deleted, sorted.
func (e *CascadeError) FailedIDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
