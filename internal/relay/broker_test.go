package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBrokerRoundTrip(t *testing.T) {
	b := NewBroker(zap.NewNop(), time.Second)
	require.NoError(t, b.Handle(KeyGetConfig, func(_ context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Domain string `json:"domain"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return map[string]string{"cid": "abc123", "domain": req.Domain}, nil
	}))

	resp, err := b.Send(context.Background(), KeyGetConfig, json.RawMessage(`{"domain":"shop.example.com"}`))
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(resp, &got))
	assert.Equal(t, "abc123", got["cid"])
	assert.Equal(t, "shop.example.com", got["domain"])
}

func TestBrokerUnhandledKeyTimesOut(t *testing.T) {
	b := NewBroker(zap.NewNop(), 30*time.Millisecond)

	start := time.Now()
	_, err := b.Send(context.Background(), "nobodyListens", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestBrokerSlowHandlerTimesOut(t *testing.T) {
	b := NewBroker(zap.NewNop(), 20*time.Millisecond)
	require.NoError(t, b.Handle(KeyGetEntity, func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := b.Send(context.Background(), KeyGetEntity, nil)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestBrokerBadResponseIsNotATimeout(t *testing.T) {
	b := NewBroker(zap.NewNop(), time.Second)
	require.NoError(t, b.Handle("bad", func(context.Context, json.RawMessage) (any, error) {
		return make(chan int), nil // not marshallable
	}))

	_, err := b.Send(context.Background(), "bad", nil)
	assert.ErrorIs(t, err, ErrBadPayload)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestBrokerRejectsDuplicateHandler(t *testing.T) {
	b := NewBroker(zap.NewNop(), time.Second)
	h := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, b.Handle(KeyGetConfig, h))
	assert.ErrorIs(t, b.Handle(KeyGetConfig, h), ErrDuplicateHandler)
}

func TestBrokerDefaultTimeout(t *testing.T) {
	b := NewBroker(zap.NewNop(), 0)
	assert.Equal(t, DefaultBrokerTimeout, b.timeout)
}
