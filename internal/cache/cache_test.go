package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagscout/internal/domain"
)

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return NewStore(zap.NewNop(), opts...)
}

func TestRecordDetectionCreatesRecord(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithClock(func() time.Time { return now }))

	s.RecordDetection("Shop.Example.COM", 0.9)

	rec := s.Get("shop.example.com")
	require.NotNil(t, rec)
	assert.True(t, rec.Detected)
	assert.Equal(t, 0.9, rec.Confidence)
	assert.Equal(t, now, rec.FirstSeen)
	assert.Equal(t, now, rec.LastSeen)
}

func TestRecordDetectionPreservesFirstSeen(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithClock(func() time.Time { return now }))

	s.RecordDetection("example.com", 0.5)
	first := s.Get("example.com").FirstSeen

	now = now.Add(time.Hour)
	s.RecordDetection("example.com", 0.9)

	rec := s.Get("example.com")
	assert.Equal(t, first, rec.FirstSeen, "firstSeen must not move on re-detection")
	assert.Equal(t, first.Add(time.Hour), rec.LastSeen)
	assert.Equal(t, 0.9, rec.Confidence)
	assert.Equal(t, 1, s.Len())
}

func TestRecordDetectionLinksParentSubdomains(t *testing.T) {
	s := testStore(t)

	s.RecordDetection("example.com", 0.9)
	s.RecordDetection("api.example.com", 0.9)
	s.RecordDetection("api.example.com", 0.9)

	parent := s.Get("example.com")
	require.NotNil(t, parent)
	assert.Equal(t, []string{"api.example.com"}, parent.Subdomains, "linking is idempotent")
}

func TestValidityBoundary(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithClock(func() time.Time { return now }))

	valid := &domain.DetectionRecord{FirstSeen: now.Add(-DefaultMaxAge + time.Millisecond)}
	expired := &domain.DetectionRecord{FirstSeen: now.Add(-DefaultMaxAge - time.Millisecond)}

	assert.True(t, s.IsValid(valid))
	assert.False(t, s.IsValid(expired))
	assert.False(t, s.IsValid(nil))
}

func TestTouchUpdatesLastSeenOnly(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithClock(func() time.Time { return now }))

	s.RecordDetection("example.com", 0.9)
	now = now.Add(time.Minute)
	s.Touch("example.com")

	rec := s.Get("example.com")
	assert.Equal(t, now, rec.LastSeen)
	assert.Equal(t, now.Add(-time.Minute), rec.FirstSeen)

	s.Touch("nonexistent.com") // no-op
	assert.Nil(t, s.Get("nonexistent.com"))
}

func TestCleanupRemovesExpired(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithClock(func() time.Time { return now }))

	s.RecordDetection("old.com", 0.9)
	now = now.Add(DefaultMaxAge + time.Second)
	s.RecordDetection("fresh.com", 0.9)

	removed := s.Cleanup()
	assert.Equal(t, 1, removed)
	assert.Nil(t, s.Get("old.com"))
	assert.NotNil(t, s.Get("fresh.com"))

	assert.Equal(t, 0, s.Cleanup(), "cleanup is idempotent")
}

func TestCleanupEvictsOldestBeyondBound(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithMaxDomains(5), WithClock(func() time.Time { return now }))

	for i := 0; i < 8; i++ {
		s.RecordDetection(fmt.Sprintf("d%d.example.com", i), 0.9)
		now = now.Add(time.Minute)
	}
	s.Cleanup()

	assert.Equal(t, 5, s.Len())
	for i := 0; i < 3; i++ {
		assert.Nil(t, s.Get(fmt.Sprintf("d%d.example.com", i)), "oldest records evicted first")
	}
	for i := 3; i < 8; i++ {
		assert.NotNil(t, s.Get(fmt.Sprintf("d%d.example.com", i)))
	}
}

func TestClear(t *testing.T) {
	s := testStore(t)
	s.RecordDetection("example.com", 0.9)
	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Get("example.com"))
}

// Readers (HTTP handlers) and the writer (detection signals landing in the
// coordinator) touch the store from different goroutines; run under -race.
func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := testStore(t, WithMaxDomains(10))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.RecordDetection(fmt.Sprintf("d%d.example.com", i%25), 0.9)
			s.Cleanup()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			s.Get(fmt.Sprintf("d%d.example.com", i%25))
			s.Len()
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, s.Len(), 10)
}

func TestGetReturnsCopy(t *testing.T) {
	s := testStore(t)
	s.RecordDetection("example.com", 0.9)

	rec := s.Get("example.com")
	rec.Confidence = 0.1
	rec.Subdomains = append(rec.Subdomains, "x.example.com")

	assert.Equal(t, 0.9, s.Get("example.com").Confidence)
	assert.Empty(t, s.Get("example.com").Subdomains)
}
