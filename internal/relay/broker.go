package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBrokerTimeout bounds how long a request waits for its response.
const DefaultBrokerTimeout = 2 * time.Second

var (
	// ErrTimeout means no response arrived within the deadline. The UI treats
	// this as "not found", not as an error condition.
	ErrTimeout = errors.New("relay: request timed out")
	// ErrBadPayload means a response (or envelope) arrived but could not be
	// decoded. Deliberately distinct from ErrTimeout.
	ErrBadPayload = errors.New("relay: malformed payload")
	// ErrDuplicateHandler means a second handler was registered for a key.
	ErrDuplicateHandler = errors.New("relay: handler already registered for key")
)

// BrokerHandler answers one request. The returned value is marshalled to
// JSON for the caller.
type BrokerHandler func(ctx context.Context, payload json.RawMessage) (any, error)

// Broker matches requests to responses by key. Exactly one handler answers
// each key; a request for a key nobody answers waits out the deadline and
// fails with ErrTimeout.
type Broker struct {
	mu       sync.RWMutex
	handlers map[string]BrokerHandler
	timeout  time.Duration
	logger   *zap.Logger
}

func NewBroker(logger *zap.Logger, timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultBrokerTimeout
	}
	return &Broker{
		handlers: make(map[string]BrokerHandler),
		timeout:  timeout,
		logger:   logger,
	}
}

// Handle registers the single handler for a key.
func (b *Broker) Handle(key string, h BrokerHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	b.handlers[key] = h
	return nil
}

type brokerResult struct {
	data json.RawMessage
	err  error
}

// Send dispatches a request and waits for its response or the deadline,
// whichever comes first.
func (b *Broker) Send(ctx context.Context, key string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.mu.RLock()
	h, ok := b.handlers[key]
	b.mu.RUnlock()

	if !ok {
		// No receiving context: behaves exactly like an unanswered request.
		<-ctx.Done()
		b.logger.Warn("broker request unanswered", zap.String("key", key))
		return nil, ErrTimeout
	}

	results := make(chan brokerResult, 1)
	go func() {
		value, err := h(ctx, payload)
		if err != nil {
			results <- brokerResult{err: err}
			return
		}
		data, err := json.Marshal(value)
		if err != nil {
			results <- brokerResult{err: fmt.Errorf("%w: %v", ErrBadPayload, err)}
			return
		}
		results <- brokerResult{data: data}
	}()

	select {
	case res := <-results:
		return res.data, res.err
	case <-ctx.Done():
		b.logger.Warn("broker request timed out", zap.String("key", key))
		return nil, ErrTimeout
	}
}
