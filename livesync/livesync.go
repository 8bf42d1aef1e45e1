// Package livesync keeps a derived view current by reloading it whenever a
// watched collection changes.
package livesync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"projecthub/docstore"
)

const (
	eventBuffer  = 64
	seenCapacity = 512
)

// Subscriber opens change streams. docstore.Store satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, filters ...docstore.Filter) (docstore.ChangeStream, error)
}

// Watch selects the documents whose changes invalidate the view.
type Watch struct {
	Collection string
	Filters    []docstore.Filter
}

// LoadFunc recomputes the view from scratch.
type LoadFunc[V any] func(ctx context.Context) (V, error)

// State is the lifecycle state of a subscription.
type State int32

const (
	Idle State = iota
	Subscribed
)

func (s State) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "idle"
}

// Synchronizer describes a live view: how to load it and what to watch.
type Synchronizer[V any] struct {
	sub     Subscriber
	load    LoadFunc[V]
	watches []Watch
	name    string
}

func New[V any](name string, sub Subscriber, load LoadFunc[V], watches ...Watch) *Synchronizer[V] {
	return &Synchronizer[V]{sub: sub, load: load, watches: watches, name: name}
}

// Subscription is one running live view.
type Subscription[V any] struct {
	name    string
	load    LoadFunc[V]
	cancel  context.CancelFunc
	streams []docstore.ChangeStream
	view    atomic.Pointer[V]
	state   atomic.Int32
	done    chan struct{}
	once    sync.Once

	// mu serialises callback delivery with handler registration and Cancel.
	mu        sync.Mutex
	closed    bool
	onUpdate  func(V)
	onError   func(error)
	seen      map[string]struct{}
	seenOrder []string
}

// Start opens every watch, performs the initial load and begins reloading on
// changes. The subscription ends when Cancel is called or ctx is done.
func (s *Synchronizer[V]) Start(ctx context.Context) (*Subscription[V], error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription[V]{
		name:   s.name,
		load:   s.load,
		cancel: cancel,
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}, seenCapacity),
	}
	for _, w := range s.watches {
		stream, err := s.sub.Subscribe(ctx, w.Collection, w.Filters...)
		if err != nil {
			sub.closeStreams()
			cancel()
			return nil, fmt.Errorf("watch %s: %w", w.Collection, err)
		}
		sub.streams = append(sub.streams, stream)
	}
	v, err := s.load(ctx)
	if err != nil {
		sub.closeStreams()
		cancel()
		return nil, fmt.Errorf("initial load: %w", err)
	}
	sub.view.Store(&v)
	sub.state.Store(int32(Subscribed))

	events := make(chan docstore.Change, eventBuffer)
	var fwd sync.WaitGroup
	for _, stream := range sub.streams {
		fwd.Add(1)
		go func() {
			defer fwd.Done()
			forward(ctx, stream, events)
		}()
	}
	go func() {
		fwd.Wait()
		close(events)
	}()
	go sub.run(ctx, events)
	log.WithFields(log.Fields{"view": s.name, "watches": len(s.watches)}).Debug("live view subscribed")
	return sub, nil
}

func forward(ctx context.Context, stream docstore.ChangeStream, events chan<- docstore.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-stream.Changes():
			if !ok {
				return
			}
			select {
			case events <- ch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Subscription[V]) run(ctx context.Context, events <-chan docstore.Change) {
	defer close(s.done)
	defer s.state.Store(int32(Idle))
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					log.WithField("view", s.name).Warn("all change streams closed")
				}
				return
			}
			if s.duplicate(ch.ID) {
				continue
			}
			s.reload(ctx, ch)
		}
	}
}

func (s *Subscription[V]) duplicate(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return true
	}
	if len(s.seenOrder) == seenCapacity {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	return false
}

func (s *Subscription[V]) reload(ctx context.Context, ch docstore.Change) {
	v, err := s.load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithFields(log.Fields{"view": s.name, "collection": ch.Collection, "doc": ch.DocID}).WithError(err).Warn("live view reload failed")
		s.mu.Lock()
		if !s.closed && s.onError != nil {
			s.onError(err)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.view.Store(&v)
	if s.onUpdate != nil {
		s.onUpdate(v)
	}
}

// OnUpdate registers the callback that receives every replacement view. The
// current view, if any, is delivered immediately.
func (s *Subscription[V]) OnUpdate(fn func(V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
	if s.closed || fn == nil {
		return
	}
	if v := s.view.Load(); v != nil {
		fn(*v)
	}
}

// OnError registers a callback for failed reloads. The previous view stays
// current when a reload fails.
func (s *Subscription[V]) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// View returns the latest view.
func (s *Subscription[V]) View() (V, bool) {
	v := s.view.Load()
	if v == nil {
		var zero V
		return zero, false
	}
	return *v, true
}

// State reports whether the subscription is still running.
func (s *Subscription[V]) State() State { return State(s.state.Load()) }

// Done is closed once the subscription has stopped.
func (s *Subscription[V]) Done() <-chan struct{} { return s.done }

// Cancel stops the subscription. No callback starts after Cancel returns.
// It is safe to call more than once but must not be called from inside a
// callback; cancel the Start context there instead.
func (s *Subscription[V]) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeStreams()
		<-s.done
		log.WithField("view", s.name).Debug("live view cancelled")
	})
}

func (s *Subscription[V]) closeStreams() {
	for _, stream := range s.streams {
		if err := stream.Close(); err != nil {
			log.WithField("view", s.name).WithError(err).Warn("close change stream")
		}
	}
}
