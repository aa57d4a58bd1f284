// Package probe implements the in-page poller that checks for the tag's
// runtime handle. A probe always runs to a terminal state; it cannot be
// cancelled by navigation, so its outcome is reported as a fact about its
// domain, whenever it lands.
package probe

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tagscout/internal/relay"
)

// State of a single probe run. Succeeded and Failed are terminal.
type State string

const (
	StateChecking  State = "checking"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

const (
	DefaultMaxRetries    = 5
	DefaultRetryInterval = 750 * time.Millisecond

	// HandleConfidence scores a direct runtime-handle hit. Passive signals
	// (script elements, observed requests) score lower.
	HandleConfidence = 0.9
)

// PresenceChecker evaluates the tag's global handle inside a tab's page
// context. Evaluation errors are treated as "not present": the transport may
// be gone, which the retry loop absorbs.
type PresenceChecker interface {
	IsTagPresent(ctx context.Context, tabID string) (bool, error)
}

// Probe polls one (tab, domain) pair.
type Probe struct {
	checker       PresenceChecker
	bus           *relay.Bus
	logger        *zap.Logger
	tabID         string
	domain        string
	maxRetries    int
	retryInterval time.Duration

	state      State
	retryCount int
}

// Option configures a Probe.
type Option func(*Probe)

func WithMaxRetries(n int) Option {
	return func(p *Probe) { p.maxRetries = n }
}

func WithRetryInterval(d time.Duration) Option {
	return func(p *Probe) { p.retryInterval = d }
}

func New(checker PresenceChecker, bus *relay.Bus, logger *zap.Logger, tabID, domain string, opts ...Option) *Probe {
	p := &Probe{
		checker:       checker,
		bus:           bus,
		logger:        logger,
		tabID:         tabID,
		domain:        domain,
		maxRetries:    DefaultMaxRetries,
		retryInterval: DefaultRetryInterval,
		state:         StateChecking,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the probe's current state.
func (p *Probe) State() State {
	return p.state
}

// Run executes the probe to a terminal state. If the tag is already present
// the probe succeeds immediately without polling, which is the common case
// when the tag loads before we look. Run blocks; callers spawn it.
func (p *Probe) Run(ctx context.Context) {
	if p.present(ctx) {
		p.succeed()
		return
	}

	for {
		if p.retryCount >= p.maxRetries {
			p.fail()
			return
		}
		p.retryCount++
		p.state = StateRetrying

		select {
		case <-ctx.Done():
			// Process shutdown, not probe cancellation: leave without a signal.
			p.logger.Debug("probe abandoned on shutdown", zap.String("domain", p.domain))
			return
		case <-time.After(p.retryInterval):
		}

		if p.present(ctx) {
			p.succeed()
			return
		}
	}
}

func (p *Probe) present(ctx context.Context) bool {
	present, err := p.checker.IsTagPresent(ctx, p.tabID)
	if err != nil {
		p.logger.Debug("presence check failed",
			zap.String("tab", p.tabID), zap.String("domain", p.domain), zap.Error(err))
		return false
	}
	return present
}

func (p *Probe) succeed() {
	p.state = StateSucceeded
	p.bus.Publish(relay.DetectionSuccess{
		TabID:      p.tabID,
		Domain:     p.domain,
		Confidence: HandleConfidence,
	})
}

func (p *Probe) fail() {
	p.state = StateFailed
	p.logger.Info("detection retries exhausted",
		zap.String("tab", p.tabID), zap.String("domain", p.domain),
		zap.Int("attempts", p.retryCount))
	// RetryCount stays 0 on the wire; consumers depend on the literal value.
	p.bus.Publish(relay.DetectionFailed{
		TabID:      p.tabID,
		Domain:     p.domain,
		RetryCount: 0,
	})
}
