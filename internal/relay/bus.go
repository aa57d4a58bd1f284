package relay

import (
	"sync"

	"go.uber.org/zap"
)

const busQueueSize = 64

// Handler consumes a signal. Panics inside a handler are recovered and
// logged; they never reach the publisher.
type Handler func(Signal)

// Bus delivers fire-and-forget signals. A single dispatch goroutine drains
// the queue, so signals from one sender reach one receiver in send order.
// Nothing is guaranteed across senders.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Action][]Handler
	queue    chan Signal
	done     chan struct{}
	closed   bool
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	b := &Bus{
		handlers: make(map[Action][]Handler),
		queue:    make(chan Signal, busQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go b.dispatch()
	return b
}

// Handle registers a handler for an action. Multiple handlers per action are
// allowed; each receives every matching signal.
func (b *Bus) Handle(action Action, h Handler) {
	b.mu.Lock()
	b.handlers[action] = append(b.handlers[action], h)
	b.mu.Unlock()
}

// Publish enqueues a signal and never blocks. Publishing after Close, to a
// receiver that has gone away, or with the queue full is a logged no-op:
// transport failures never propagate to the sender. Callers may hold locks
// the dispatch path also takes, so blocking here could deadlock.
func (b *Bus) Publish(s Signal) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.logger.Warn("signal dropped, bus closed", zap.String("action", string(s.Action())))
		return
	}
	select {
	case b.queue <- s:
	case <-b.done:
		b.logger.Warn("signal dropped, bus closed", zap.String("action", string(s.Action())))
	default:
		b.logger.Warn("signal dropped, queue full", zap.String("action", string(s.Action())))
	}
}

// Close stops dispatch. Queued signals that have not been dispatched yet are
// dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case s := <-b.queue:
			b.mu.RLock()
			handlers := append([]Handler(nil), b.handlers[s.Action()]...)
			b.mu.RUnlock()
			if len(handlers) == 0 {
				b.logger.Debug("signal has no handler", zap.String("action", string(s.Action())))
				continue
			}
			for _, h := range handlers {
				b.deliver(h, s)
			}
		}
	}
}

func (b *Bus) deliver(h Handler, s Signal) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("signal handler panicked",
				zap.String("action", string(s.Action())), zap.Any("panic", r))
		}
	}()
	h(s)
}
