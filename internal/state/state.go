// Package state tracks per-domain runtime state: pin status, tag activity,
// last known config and profile, and which tabs show each domain. Mutations
// broadcast a no-payload change signal; subscribers re-read what they need.
package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tagscout/internal/domain"
)

const flushTimeout = 5 * time.Second

// SessionBackend persists state for the lifetime of the browser session.
// Writes are best-effort; the in-memory map stays authoritative.
type SessionBackend interface {
	SaveDomainState(ctx context.Context, st *domain.DomainState) error
	LoadDomainStates(ctx context.Context) (map[string]*domain.DomainState, error)
	DeleteDomainStates(ctx context.Context, domains []string) error
	ClearDomainStates(ctx context.Context) error
}

// Store is the per-domain state store: single writer (the coordinator),
// many readers (API handlers reading snapshots).
type Store struct {
	mu          sync.RWMutex
	states      map[string]*domain.DomainState
	subscribers []chan struct{}
	backend     SessionBackend
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithBackend(b SessionBackend) Option {
	return func(s *Store) { s.backend = b }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		states: make(map[string]*domain.DomainState),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads session state from the backend at startup.
func (s *Store) Restore(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	states, err := s.backend.LoadDomainStates(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for d, st := range states {
		s.states[domain.NormalizeDomain(d)] = st
	}
	s.mu.Unlock()
	return nil
}

// Subscribe returns a channel that receives a signal after every mutation.
// The channel carries no payload and is never closed by mutations; consumers
// re-fetch state on any signal. Slow consumers see coalesced signals.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(ch <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// Get returns a snapshot of a domain's state, or nil when untracked.
func (s *Store) Get(d string) *domain.DomainState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[domain.NormalizeDomain(d)]
	if !ok {
		return nil
	}
	return snapshot(st)
}

// Domains lists every tracked domain.
func (s *Store) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.states))
	for d := range s.states {
		out = append(out, d)
	}
	return out
}

// Update applies a merge to a domain's state, creating a default record on
// first reference. lastUpdated is bumped and subscribers are notified.
func (s *Store) Update(d string, apply func(*domain.DomainState)) {
	d = domain.NormalizeDomain(d)
	s.mu.Lock()
	st, ok := s.states[d]
	if !ok {
		st = &domain.DomainState{Domain: d}
		s.states[d] = st
	}
	apply(st)
	st.LastUpdated = s.now()
	cp := snapshot(st)
	s.mu.Unlock()

	s.flush(cp)
	s.notify()
}

// AddEvent appends a classified network event to a domain's activity log.
func (s *Store) AddEvent(d string, ev domain.NetworkEvent) {
	s.Update(d, func(st *domain.DomainState) {
		st.TagActivity = append(st.TagActivity, ev)
	})
}

// SetTagConfig records the last known tag configuration payload.
func (s *Store) SetTagConfig(d string, config []byte) {
	s.Update(d, func(st *domain.DomainState) {
		st.TagConfig = append([]byte(nil), config...)
	})
}

// SetProfile records the last known visitor profile payload.
func (s *Store) SetProfile(d string, profile []byte) {
	s.Update(d, func(st *domain.DomainState) {
		st.Profile = append([]byte(nil), profile...)
	})
}

// Pin marks a domain as the analysis target. The store does not enforce
// exclusivity; callers unpin the previous domain first.
func (s *Store) Pin(d string) {
	s.Update(d, func(st *domain.DomainState) { st.Pinned = true })
}

// Unpin clears a domain's pin.
func (s *Store) Unpin(d string) {
	s.Update(d, func(st *domain.DomainState) { st.Pinned = false })
}

// RegisterTab adds a tab to the set viewing a domain. Idempotent.
func (s *Store) RegisterTab(d, tabID string) {
	s.Update(d, func(st *domain.DomainState) {
		if !st.HasTab(tabID) {
			st.ActiveTabIDs = append(st.ActiveTabIDs, tabID)
		}
	})
}

// UnregisterTab removes a tab from the set viewing a domain.
func (s *Store) UnregisterTab(d, tabID string) {
	s.Update(d, func(st *domain.DomainState) {
		for i, id := range st.ActiveTabIDs {
			if id == tabID {
				st.ActiveTabIDs = append(st.ActiveTabIDs[:i], st.ActiveTabIDs[i+1:]...)
				return
			}
		}
	})
}

// ClearActivity empties a domain's activity log, leaving everything else.
func (s *Store) ClearActivity(d string) {
	s.Update(d, func(st *domain.DomainState) { st.TagActivity = nil })
}

// Clear drops a domain's state entirely.
func (s *Store) Clear(d string) {
	d = domain.NormalizeDomain(d)
	s.mu.Lock()
	_, ok := s.states[d]
	delete(s.states, d)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.delete([]string{d})
	s.notify()
}

// ClearAll drops all state, in memory and in the session tier. Used when the
// user disables the extension.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.states = make(map[string]*domain.DomainState)
	s.mu.Unlock()

	if s.backend != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := s.backend.ClearDomainStates(ctx); err != nil {
				s.logger.Warn("state clear flush failed", zap.Error(err))
			}
		}()
	}
	s.notify()
}

// CleanupInactive drops every domain whose registered tabs, filtered to the
// given set of still-open tab IDs, are all gone and which is not pinned.
// Returns the number of domains removed.
func (s *Store) CleanupInactive(openTabs []string) int {
	open := make(map[string]struct{}, len(openTabs))
	for _, id := range openTabs {
		open[id] = struct{}{}
	}

	s.mu.Lock()
	var removed []string
	for d, st := range s.states {
		var alive []string
		for _, id := range st.ActiveTabIDs {
			if _, ok := open[id]; ok {
				alive = append(alive, id)
			}
		}
		st.ActiveTabIDs = alive
		if len(alive) == 0 && !st.Pinned {
			delete(s.states, d)
			removed = append(removed, d)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.delete(removed)
		s.notify()
	}
	return len(removed)
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subscribers {
		select {
		case sub <- struct{}{}:
		default: // already signalled, consumer will re-read anyway
		}
	}
}

func (s *Store) flush(st *domain.DomainState) {
	if s.backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.backend.SaveDomainState(ctx, st); err != nil {
			s.logger.Warn("state flush failed", zap.String("domain", st.Domain), zap.Error(err))
		}
	}()
}

func (s *Store) delete(domains []string) {
	if s.backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.backend.DeleteDomainStates(ctx, domains); err != nil {
			s.logger.Warn("state delete flush failed", zap.Error(err))
		}
	}()
}

func snapshot(st *domain.DomainState) *domain.DomainState {
	cp := *st
	cp.TagActivity = append([]domain.NetworkEvent(nil), st.TagActivity...)
	cp.ActiveTabIDs = append([]string(nil), st.ActiveTabIDs...)
	cp.TagConfig = append([]byte(nil), st.TagConfig...)
	cp.Profile = append([]byte(nil), st.Profile...)
	return &cp
}
