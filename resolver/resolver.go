// Package resolver turns member IDs into display profiles.
package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"projecthub/docstore"
	"projecthub/domain"
)

const defaultParallelism = 16

// ProfileSource performs a point read of a user profile. It returns an error
// matching domain.ErrNotFound when the profile does not exist.
type ProfileSource interface {
	Profile(ctx context.Context, id string) (domain.User, error)
}

// StoreSource reads profiles from the users collection.
type StoreSource struct {
	Store docstore.Store
}

func (s StoreSource) Profile(ctx context.Context, id string) (domain.User, error) {
	doc, err := s.Store.Get(ctx, domain.UsersCollection, id)
	if err != nil {
		return domain.User{}, err
	}
	return domain.UserFromDocument(doc), nil
}

// Resolver looks up member profiles concurrently.
type Resolver struct {
	src         ProfileSource
	timeout     time.Duration
	parallelism int
}

func New(src ProfileSource, timeout time.Duration) *Resolver {
	return &Resolver{src: src, timeout: timeout, parallelism: defaultParallelism}
}

// Resolve returns a profile for every distinct ID in ids. Each distinct ID is
// read once. Missing profiles resolve to domain.UnknownMember. Any other lookup
// failure cancels the remaining lookups and is returned as a *domain.RemoteError.
func (r *Resolver) Resolve(ctx context.Context, ids []string) (map[string]domain.AssignedMember, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	out := make(map[string]domain.AssignedMember, len(unique))
	if len(unique) == 0 {
		return out, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, id := range unique {
		g.Go(func() error {
			m, err := r.lookup(gctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = m
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) lookup(ctx context.Context, id string) (domain.AssignedMember, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	u, err := r.src.Profile(ctx, id)
	switch {
	case err == nil:
		u.ID = id
		return domain.MemberFromUser(u), nil
	case errors.Is(err, domain.ErrNotFound):
		log.WithField("member", id).Debug("member profile missing")
		return domain.UnknownMember(id), nil
	}
	var re *domain.RemoteError
	if errors.As(err, &re) {
		return domain.AssignedMember{}, err
	}
	return domain.AssignedMember{}, &domain.RemoteError{Op: "resolve member " + id, Err: err}
}

// Apply returns the resolved members of p in stored order. IDs missing from
// profiles resolve to the unknown placeholder.
func Apply(p domain.Project, profiles map[string]domain.AssignedMember) []domain.AssignedMember {
	out := make([]domain.AssignedMember, 0, len(p.AssignedMembers))
	for _, id := range p.AssignedMembers {
		m, ok := profiles[id]
		if !ok {
			m = domain.UnknownMember(id)
		}
		out = append(out, m)
	}
	return out
}
