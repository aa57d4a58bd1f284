// Package cache holds the per-domain detection cache: which domains have the
// tag confirmed present, at what confidence, and since when. The in-memory
// map is authoritative for the running session; a backend flushes records to
// durable storage on a best-effort basis.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"tagscout/internal/domain"
)

const (
	// DefaultMaxAge is how long a detection verdict stays valid.
	DefaultMaxAge = 30 * 24 * time.Hour
	// DefaultMaxDomains bounds the number of cached records.
	DefaultMaxDomains = 100

	flushTimeout = 5 * time.Second
)

// Backend persists cache records. All calls are best-effort: failures are
// logged by the store and never surfaced to callers.
type Backend interface {
	Load(ctx context.Context) (map[string]*domain.DetectionRecord, error)
	Upsert(ctx context.Context, rec *domain.DetectionRecord) error
	Delete(ctx context.Context, domains []string) error
	Clear(ctx context.Context) error
}

// Store is the domain detection cache: single writer (the coordinator), many
// readers (API handlers reading copies). Methods are safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	records    map[string]*domain.DetectionRecord
	maxAge     time.Duration
	maxDomains int
	backend    Backend
	logger     *zap.Logger

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxAge overrides the record validity window.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// WithMaxDomains overrides the record count bound.
func WithMaxDomains(n int) Option {
	return func(s *Store) { s.maxDomains = n }
}

// WithBackend attaches a durable flush tier.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]*domain.DetectionRecord),
		maxAge:     DefaultMaxAge,
		maxDomains: DefaultMaxDomains,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads previously flushed records from the backend. Expired entries
// are dropped on the way in. Called once at startup.
func (s *Store) Restore(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	records, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, rec := range records {
		if s.IsValid(rec) {
			s.records[domain.NormalizeDomain(d)] = rec
		}
	}
	return nil
}

// Get returns the record for a domain, or nil when none is cached. The
// returned record is a copy; mutating it does not touch the store.
func (s *Store) Get(d string) *domain.DetectionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[domain.NormalizeDomain(d)]
	if !ok {
		return nil
	}
	cp := *rec
	cp.Subdomains = append([]string(nil), rec.Subdomains...)
	return &cp
}

// Len returns the number of cached records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IsValid reports whether a record is still within the validity window.
func (s *Store) IsValid(rec *domain.DetectionRecord) bool {
	if rec == nil {
		return false
	}
	return s.now().Sub(rec.FirstSeen) < s.maxAge
}

// RecordDetection creates or refreshes the record for a domain with
// detected=true. An existing record keeps its firstSeen; only lastSeen and
// confidence move. If a parent record exists, the domain is linked into its
// subdomain set so siblings can be told apart from children later.
func (s *Store) RecordDetection(d string, confidence float64) {
	d = domain.NormalizeDomain(d)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[d]
	if !ok {
		rec = &domain.DetectionRecord{Domain: d, FirstSeen: now}
		s.records[d] = rec
	}
	rec.Detected = true
	rec.Confidence = confidence
	rec.LastSeen = now
	s.flush(rec)

	if parent := ParentDomain(d); parent != "" {
		if parentRec, ok := s.records[parent]; ok && !parentRec.HasSubdomain(d) {
			parentRec.Subdomains = append(parentRec.Subdomains, d)
			s.flush(parentRec)
		}
	}
}

// Touch bumps lastSeen on a cache hit.
func (s *Store) Touch(d string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[domain.NormalizeDomain(d)]
	if !ok {
		return
	}
	rec.LastSeen = s.now()
	s.flush(rec)
}

// Cleanup drops expired records, then evicts the oldest-by-firstSeen records
// until the store is within its size bound. Safe to call redundantly.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for d, rec := range s.records {
		if !s.IsValid(rec) {
			delete(s.records, d)
			removed = append(removed, d)
		}
	}

	if excess := len(s.records) - s.maxDomains; excess > 0 {
		keep := make([]*domain.DetectionRecord, 0, len(s.records))
		for _, rec := range s.records {
			keep = append(keep, rec)
		}
		sort.Slice(keep, func(i, j int) bool {
			return keep[i].FirstSeen.Before(keep[j].FirstSeen)
		})
		for _, rec := range keep[:excess] {
			delete(s.records, rec.Domain)
			removed = append(removed, rec.Domain)
		}
	}

	if len(removed) > 0 && s.backend != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := s.backend.Delete(ctx, removed); err != nil {
				s.logger.Warn("cache delete flush failed", zap.Error(err))
			}
		}()
	}
	return len(removed)
}

// Clear drops every record, including flushed ones. Used when the user
// disables the extension so nothing leaks across sessions.
func (s *Store) Clear() {
	s.mu.Lock()
	s.records = make(map[string]*domain.DetectionRecord)
	s.mu.Unlock()
	if s.backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.backend.Clear(ctx); err != nil {
			s.logger.Warn("cache clear flush failed", zap.Error(err))
		}
	}()
}

// flush writes one record through to the backend without blocking the caller.
// In-memory state is already updated; a failed flush costs durability only.
func (s *Store) flush(rec *domain.DetectionRecord) {
	if s.backend == nil {
		return
	}
	cp := *rec
	cp.Subdomains = append([]string(nil), rec.Subdomains...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := s.backend.Upsert(ctx, &cp); err != nil {
			s.logger.Warn("cache flush failed", zap.String("domain", cp.Domain), zap.Error(err))
		}
	}()
}
