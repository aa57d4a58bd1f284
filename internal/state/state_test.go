package state

import (
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

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a change signal")
	}
}

func TestUpdateAutoVivifies(t *testing.T) {
	now := time.Now()
	s := testStore(t, WithClock(func() time.Time { return now }))

	s.Pin("Shop.Example.com")

	st := s.Get("shop.example.com")
	require.NotNil(t, st)
	assert.True(t, st.Pinned)
	assert.Equal(t, now, st.LastUpdated)
	assert.Nil(t, s.Get("other.com"))
}

func TestPinUnpin(t *testing.T) {
	s := testStore(t)
	s.Pin("a.com")
	s.Pin("b.com")
	// Exclusivity is the caller's job: both can be pinned at once here.
	assert.True(t, s.Get("a.com").Pinned)
	assert.True(t, s.Get("b.com").Pinned)

	s.Unpin("a.com")
	assert.False(t, s.Get("a.com").Pinned)
}

func TestAddEventAppendsInOrder(t *testing.T) {
	s := testStore(t)
	s.AddEvent("a.com", domain.NetworkEvent{RequestType: domain.RequestTagLoad})
	s.AddEvent("a.com", domain.NetworkEvent{RequestType: domain.RequestDataCollection})

	st := s.Get("a.com")
	require.Len(t, st.TagActivity, 2)
	assert.Equal(t, domain.RequestTagLoad, st.TagActivity[0].RequestType)
	assert.Equal(t, domain.RequestDataCollection, st.TagActivity[1].RequestType)

	s.ClearActivity("a.com")
	assert.Empty(t, s.Get("a.com").TagActivity)
	assert.NotNil(t, s.Get("a.com"), "clearing activity keeps the record")
}

func TestRegisterTabIsIdempotent(t *testing.T) {
	s := testStore(t)
	s.RegisterTab("a.com", "tab1")
	s.RegisterTab("a.com", "tab1")
	s.RegisterTab("a.com", "tab2")

	assert.Equal(t, []string{"tab1", "tab2"}, s.Get("a.com").ActiveTabIDs)

	s.UnregisterTab("a.com", "tab1")
	assert.Equal(t, []string{"tab2"}, s.Get("a.com").ActiveTabIDs)

	s.UnregisterTab("a.com", "ghost") // no-op
	assert.Equal(t, []string{"tab2"}, s.Get("a.com").ActiveTabIDs)
}

func TestCleanupInactive(t *testing.T) {
	s := testStore(t)
	s.RegisterTab("gone.com", "tab1")
	s.RegisterTab("alive.com", "tab2")
	s.RegisterTab("pinned.com", "tab3")
	s.Pin("pinned.com")

	removed := s.CleanupInactive([]string{"tab2"})

	assert.Equal(t, 1, removed)
	assert.Nil(t, s.Get("gone.com"))
	assert.NotNil(t, s.Get("alive.com"))
	assert.NotNil(t, s.Get("pinned.com"), "pinned domains survive with zero tabs")
	assert.Empty(t, s.Get("pinned.com").ActiveTabIDs, "dead tabs are still filtered out")
}

func TestSubscribeNotifiesOnEveryMutation(t *testing.T) {
	s := testStore(t)
	ch := s.Subscribe()

	s.Pin("a.com")
	expectSignal(t, ch)

	s.AddEvent("a.com", domain.NetworkEvent{})
	expectSignal(t, ch)

	s.Clear("a.com")
	expectSignal(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := testStore(t)
	ch := s.Subscribe()
	s.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	s.Pin("a.com") // must not panic on the removed subscriber
}

func TestSlowSubscriberCoalesces(t *testing.T) {
	s := testStore(t)
	ch := s.Subscribe()

	for i := 0; i < 10; i++ {
		s.Pin("a.com")
	}
	expectSignal(t, ch)
	// Whatever was coalesced away is fine; state re-read sees the latest.
	assert.True(t, s.Get("a.com").Pinned)
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := testStore(t)
	s.AddEvent("a.com", domain.NetworkEvent{RequestType: domain.RequestTagLoad})

	st := s.Get("a.com")
	st.TagActivity[0].RequestType = domain.RequestUnhandled
	st.ActiveTabIDs = append(st.ActiveTabIDs, "tab9")

	assert.Equal(t, domain.RequestTagLoad, s.Get("a.com").TagActivity[0].RequestType)
	assert.Empty(t, s.Get("a.com").ActiveTabIDs)
}

func TestSetConfigAndProfile(t *testing.T) {
	s := testStore(t)
	s.SetTagConfig("a.com", []byte(`{"cid":"abc"}`))
	s.SetProfile("a.com", []byte(`{"segments":["anon"]}`))

	st := s.Get("a.com")
	assert.JSONEq(t, `{"cid":"abc"}`, string(st.TagConfig))
	assert.JSONEq(t, `{"segments":["anon"]}`, string(st.Profile))
}

func TestClearAll(t *testing.T) {
	s := testStore(t)
	s.Pin("a.com")
	s.Pin("b.com")
	s.ClearAll()
	assert.Empty(t, s.Domains())
}
