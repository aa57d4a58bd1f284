package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tagscout/internal/relay"
)

type fakeChecker struct {
	calls        int
	presentAfter int // calls before the tag appears; negative means never
	err          error
}

func (f *fakeChecker) IsTagPresent(context.Context, string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.presentAfter >= 0 && f.calls > f.presentAfter, nil
}

func collect(t *testing.T, bus *relay.Bus, action relay.Action) chan relay.Signal {
	t.Helper()
	got := make(chan relay.Signal, 4)
	bus.Handle(action, func(s relay.Signal) { got <- s })
	return got
}

func TestProbeImmediateSuccessSkipsPolling(t *testing.T) {
	bus := relay.NewBus(zap.NewNop())
	defer bus.Close()
	got := collect(t, bus, relay.ActionDetectionSuccess)

	checker := &fakeChecker{presentAfter: 0}
	p := New(checker, bus, zap.NewNop(), "tab1", "shop.example.com", WithRetryInterval(time.Millisecond))
	p.Run(context.Background())

	assert.Equal(t, StateSucceeded, p.State())
	assert.Equal(t, 1, checker.calls, "no polling on the fast path")

	select {
	case s := <-got:
		success := s.(relay.DetectionSuccess)
		assert.Equal(t, "shop.example.com", success.Domain)
		assert.Equal(t, HandleConfidence, success.Confidence)
	case <-time.After(time.Second):
		t.Fatal("expected a success signal")
	}
}

func TestProbeSucceedsMidPoll(t *testing.T) {
	bus := relay.NewBus(zap.NewNop())
	defer bus.Close()
	got := collect(t, bus, relay.ActionDetectionSuccess)

	checker := &fakeChecker{presentAfter: 3}
	p := New(checker, bus, zap.NewNop(), "tab1", "x.com", WithRetryInterval(time.Millisecond))
	p.Run(context.Background())

	assert.Equal(t, StateSucceeded, p.State())
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("expected a success signal")
	}
}

func TestProbeExhaustsRetriesThenFails(t *testing.T) {
	bus := relay.NewBus(zap.NewNop())
	defer bus.Close()
	got := collect(t, bus, relay.ActionAutoDetectionFailed)

	checker := &fakeChecker{presentAfter: -1}
	p := New(checker, bus, zap.NewNop(), "tab1", "x.com", WithRetryInterval(time.Millisecond))
	p.Run(context.Background())

	assert.Equal(t, StateFailed, p.State())
	assert.Equal(t, 1+DefaultMaxRetries, checker.calls, "initial check plus one per retry tick")

	select {
	case s := <-got:
		failed := s.(relay.DetectionFailed)
		assert.Equal(t, "x.com", failed.Domain)
		assert.Equal(t, 0, failed.RetryCount, "wire payload carries the literal zero")
	case <-time.After(time.Second):
		t.Fatal("expected a failure signal")
	}

	// Terminal: state does not move and nothing further is emitted.
	require.Equal(t, StateFailed, p.State())
	select {
	case s := <-got:
		t.Fatalf("unexpected extra signal: %#v", s)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestProbeTreatsCheckerErrorAsAbsent(t *testing.T) {
	bus := relay.NewBus(zap.NewNop())
	defer bus.Close()
	got := collect(t, bus, relay.ActionAutoDetectionFailed)

	checker := &fakeChecker{err: errors.New("execution context destroyed")}
	p := New(checker, bus, zap.NewNop(), "tab1", "x.com",
		WithRetryInterval(time.Millisecond), WithMaxRetries(2))
	p.Run(context.Background())

	assert.Equal(t, StateFailed, p.State())
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("checker errors should end in a normal failure signal")
	}
}

func TestProbeStopsOnShutdownWithoutSignal(t *testing.T) {
	bus := relay.NewBus(zap.NewNop())
	defer bus.Close()
	success := collect(t, bus, relay.ActionDetectionSuccess)
	failure := collect(t, bus, relay.ActionAutoDetectionFailed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	checker := &fakeChecker{presentAfter: -1}
	p := New(checker, bus, zap.NewNop(), "tab1", "x.com", WithRetryInterval(time.Hour))
	p.Run(ctx)

	select {
	case <-success:
		t.Fatal("no signal expected after shutdown")
	case <-failure:
		t.Fatal("no signal expected after shutdown")
	case <-time.After(20 * time.Millisecond):
	}
}
