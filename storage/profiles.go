package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"projecthub/docstore"
	"projecthub/domain"
)

// ProfileLoader performs the uncached profile read.
type ProfileLoader interface {
	Profile(ctx context.Context, id string) (domain.User, error)
}

type changeSubscriber interface {
	Subscribe(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.ChangeStream, error)
}

// ProfileCache is a Redis read-through cache in front of user profile reads.
// Missing profiles are not cached.
type ProfileCache struct {
	base  ProfileLoader
	redis *redis.Client
	ttl   time.Duration
}

func NewProfileCache(base ProfileLoader, client *redis.Client, ttl time.Duration) *ProfileCache {
	if base == nil {
		panic("storage.NewProfileCache: base loader is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &ProfileCache{base: base, redis: client, ttl: ttl}
}

func profileCacheKey(id string) string {
	return "profile:" + id
}

func (c *ProfileCache) Profile(ctx context.Context, id string) (domain.User, error) {
	if u, ok := c.load(ctx, id); ok {
		return u, nil
	}
	u, err := c.base.Profile(ctx, id)
	if err != nil {
		return domain.User{}, err
	}
	c.store(ctx, id, u)
	return u, nil
}

func (c *ProfileCache) load(ctx context.Context, id string) (domain.User, bool) {
	if c.redis == nil {
		return domain.User{}, false
	}
	data, err := c.redis.Get(ctx, profileCacheKey(id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, profileCacheKey(id)).Err()
		}
		return domain.User{}, false
	}
	var u domain.User
	if err := sonic.Unmarshal(data, &u); err != nil {
		_ = c.redis.Del(ctx, profileCacheKey(id)).Err()
		return domain.User{}, false
	}
	return u, true
}

func (c *ProfileCache) store(ctx context.Context, id string, u domain.User) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(u)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, profileCacheKey(id), data, c.ttl).Err()
}

// Evict drops the cached profiles of ids.
func (c *ProfileCache) Evict(ctx context.Context, ids ...string) {
	if c.redis == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileCacheKey(id)
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.WithError(err).Warn("evict cached profiles")
	}
}

// EvictChange drops the cached profile a user change touches. It fits
// Store.OnCommit and ChangeFeed.OnReceive so readers woken by the change
// never see the replaced profile.
func (c *ProfileCache) EvictChange(ctx context.Context, ch docstore.Change) {
	if ch.Collection != domain.UsersCollection {
		return
	}
	c.Evict(ctx, ch.DocID)
}

// WatchEvictions evicts profiles as their user documents change. It blocks
// until ctx is done or the change stream ends.
func (c *ProfileCache) WatchEvictions(ctx context.Context, sub changeSubscriber) error {
	stream, err := sub.Subscribe(ctx, domain.UsersCollection)
	if err != nil {
		return err
	}
	defer stream.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-stream.Changes():
			if !ok {
				return nil
			}
			c.EvictChange(ctx, ch)
		}
	}
}
