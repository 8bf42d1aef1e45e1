package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"projecthub/docstore"
)

const (
	feedBuffer            = 64
	defaultReconnectDelay = time.Second
)

// ChangeFeed distributes change notifications over Redis pub/sub, one channel
// per collection.
type ChangeFeed struct {
	rc             *redis.Client
	prefix         string
	reconnectDelay time.Duration
	onReceive      []func(ctx context.Context, ch docstore.Change)
}

func NewChangeFeed(rc *redis.Client, prefix string) *ChangeFeed {
	return &ChangeFeed{rc: rc, prefix: prefix, reconnectDelay: defaultReconnectDelay}
}

// OnReceive registers fn to run for every decoded change before it is handed
// to a subscriber. Register hooks before the first Subscribe.
func (f *ChangeFeed) OnReceive(fn func(ctx context.Context, ch docstore.Change)) {
	f.onReceive = append(f.onReceive, fn)
}

// Channel returns the Redis channel used for collection.
func (f *ChangeFeed) Channel(collection string) string {
	return f.prefix + ":" + collection
}

type changeMessage struct {
	ID         string              `json:"id"`
	Collection string              `json:"collection"`
	DocID      string              `json:"docId"`
	Kind       docstore.ChangeKind `json:"kind"`
	Before     json.RawMessage     `json:"before,omitempty"`
	After      json.RawMessage     `json:"after,omitempty"`
}

func encodeChange(ch docstore.Change) ([]byte, error) {
	msg := changeMessage{ID: ch.ID, Collection: ch.Collection, DocID: ch.DocID, Kind: ch.Kind}
	var err error
	if ch.Before != nil {
		if msg.Before, err = encodeEntity(ch.Collection, ch.Before.ID, ch.Before.Fields); err != nil {
			return nil, err
		}
	}
	if ch.After != nil {
		if msg.After, err = encodeEntity(ch.Collection, ch.After.ID, ch.After.Fields); err != nil {
			return nil, err
		}
	}
	return sonic.Marshal(msg)
}

func decodeChange(payload []byte) (docstore.Change, error) {
	var msg changeMessage
	if err := sonic.Unmarshal(payload, &msg); err != nil {
		return docstore.Change{}, err
	}
	ch := docstore.Change{ID: msg.ID, Collection: msg.Collection, DocID: msg.DocID, Kind: msg.Kind}
	if len(msg.Before) > 0 {
		doc, err := decodeEntity(msg.Before)
		if err != nil {
			return docstore.Change{}, err
		}
		ch.Before = &doc
	}
	if len(msg.After) > 0 {
		doc, err := decodeEntity(msg.After)
		if err != nil {
			return docstore.Change{}, err
		}
		ch.After = &doc
	}
	return ch, nil
}

// Publish sends ch on its collection channel.
func (f *ChangeFeed) Publish(ctx context.Context, ch docstore.Change) error {
	payload, err := encodeChange(ch)
	if err != nil {
		return err
	}
	return f.rc.Publish(ctx, f.Channel(ch.Collection), payload).Err()
}

// Subscribe returns once the Redis subscription is confirmed. Messages that
// do not match filters are discarded. A dropped connection is re-established
// until the stream is closed or ctx is done.
func (f *ChangeFeed) Subscribe(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.ChangeStream, error) {
	channel := f.Channel(collection)
	ps := f.rc.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &feedStream{ch: make(chan docstore.Change, feedBuffer), cancel: cancel, done: make(chan struct{})}
	go f.run(ctx, s, ps, channel, filters)
	return s, nil
}

func (f *ChangeFeed) run(ctx context.Context, s *feedStream, ps *redis.PubSub, channel string, filters []docstore.Filter) {
	defer close(s.done)
	defer close(s.ch)
	for {
		f.consume(ctx, s, ps, channel, filters)
		_ = ps.Close()
		if ctx.Err() != nil {
			return
		}
		log.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}
		ps = f.rc.Subscribe(ctx, channel)
	}
}

func (f *ChangeFeed) consume(ctx context.Context, s *feedStream, ps *redis.PubSub, channel string, filters []docstore.Filter) {
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ch, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				log.WithField("channel", channel).WithError(err).Error("unable to parse change")
				continue
			}
			if !ch.Matches(filters) {
				continue
			}
			for _, fn := range f.onReceive {
				fn(ctx, ch)
			}
			select {
			case s.ch <- ch:
			case <-ctx.Done():
				return
			}
		}
	}
}

type feedStream struct {
	ch     chan docstore.Change
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *feedStream) Changes() <-chan docstore.Change { return s.ch }

func (s *feedStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
