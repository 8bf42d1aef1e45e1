package identity

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Verifier turns a raw token into a principal.
type Verifier interface {
	PrincipalFromToken(token string) (Principal, error)
}

// Session holds the currently signed-in principal and notifies listeners when
// it changes. A session signs itself out when the token expires.
type Session struct {
	verifier Verifier

	mu        sync.Mutex
	current   *Principal
	expiry    *time.Timer
	listeners map[int]func(Principal, bool)
	nextID    int
}

func NewSession(v Verifier) *Session {
	return &Session{verifier: v, listeners: map[int]func(Principal, bool){}}
}

// Current returns the signed-in principal.
func (s *Session) Current() (Principal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Principal{}, false
	}
	return *s.current, true
}

// SignIn validates token and makes its principal current.
func (s *Session) SignIn(token string) (Principal, error) {
	p, err := s.verifier.PrincipalFromToken(token)
	if err != nil {
		return Principal{}, err
	}
	s.mu.Lock()
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.current = &p
	if !p.ExpiresAt.IsZero() {
		s.expiry = time.AfterFunc(time.Until(p.ExpiresAt), func() {
			log.WithField("user", p.ID).Debug("session expired")
			s.signOut(&p)
		})
	}
	listeners := s.snapshot()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(p, true)
	}
	return p, nil
}

// SignOut clears the current principal. Signing out twice notifies once.
func (s *Session) SignOut() { s.signOut(nil) }

// signOut clears the session if only is nil or still the current principal.
func (s *Session) signOut(only *Principal) {
	s.mu.Lock()
	if s.current == nil || (only != nil && s.current != only) {
		s.mu.Unlock()
		return
	}
	p := *s.current
	s.current = nil
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	listeners := s.snapshot()
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(p, false)
	}
}

func (s *Session) snapshot() []func(Principal, bool) {
	out := make([]func(Principal, bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

// OnAuthChange registers fn for sign-in and sign-out events. The returned
// function unsubscribes and may be called any number of times.
func (s *Session) OnAuthChange(fn func(p Principal, signedIn bool)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
