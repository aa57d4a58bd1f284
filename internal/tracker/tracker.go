// Package tracker is the central coordinator. It follows the active tab,
// decides whether a domain change warrants a fresh probe or can be served
// from the detection cache, and folds incoming detection signals back into
// the stores. Signals are facts about the domain they carry, so every write
// is keyed by that domain, never by whichever tab happens to be current when
// the signal lands.
package tracker

import (
	"net/url"
	"sync"

	"go.uber.org/zap"

	"tagscout/internal/cache"
	dom "tagscout/internal/domain"
	"tagscout/internal/monitoring"
	"tagscout/internal/relay"
	"tagscout/internal/state"
)

// Tracker is the single writer for both stores; the stores carry their own
// locks so API handlers can read them concurrently.
type Tracker struct {
	cache   *cache.Store
	states  *state.Store
	bus     *relay.Bus
	metrics *monitoring.Metrics
	logger  *zap.Logger

	mu            sync.Mutex
	currentTabID  string
	currentDomain string
	inflight      map[string]struct{}
}

func New(c *cache.Store, s *state.Store, bus *relay.Bus, m *monitoring.Metrics, logger *zap.Logger) *Tracker {
	t := &Tracker{
		cache:    c,
		states:   s,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
	bus.Handle(relay.ActionDetectionSuccess, t.onSignal)
	bus.Handle(relay.ActionAutoDetectionFailed, t.onSignal)
	bus.Handle(relay.ActionRecordDetection, t.onSignal)
	return t
}

// OnTabActivated handles the active tab switching. When the same tab comes
// back with a different URL it has navigated, so its old domain registration
// is dropped; switching to another tab leaves the previous tab's domain as-is.
func (t *Tracker) OnTabActivated(tabID, rawURL string) {
	d := domainFromURL(rawURL)

	t.mu.Lock()
	defer t.mu.Unlock()

	prevTab, prevDomain := t.currentTabID, t.currentDomain
	t.currentTabID = tabID
	if d == "" {
		if tabID == prevTab && prevDomain != "" {
			t.states.UnregisterTab(prevDomain, tabID)
		}
		t.currentDomain = ""
		return
	}
	if tabID == prevTab && prevDomain != "" && prevDomain != d {
		t.states.UnregisterTab(prevDomain, tabID)
	}
	t.states.RegisterTab(d, tabID)
	t.metrics.SetTrackedDomains(len(t.states.Domains()))
	if d != prevDomain {
		t.currentDomain = d
		t.domainChanged(tabID, d)
	}
}

// OnTabUpdated handles a navigation finishing inside a tab. Updates for tabs
// other than the tracked one, or before the load completes, are ignored.
func (t *Tracker) OnTabUpdated(tabID, status, rawURL string) {
	if status != "complete" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if tabID != t.currentTabID {
		return
	}
	d := domainFromURL(rawURL)
	if d == "" {
		if t.currentDomain != "" {
			t.states.UnregisterTab(t.currentDomain, tabID)
		}
		t.currentDomain = ""
		return
	}
	if t.currentDomain != "" && t.currentDomain != d {
		// The tab no longer displays the previous domain.
		t.states.UnregisterTab(t.currentDomain, tabID)
	}
	t.states.RegisterTab(d, tabID)
	t.metrics.SetTrackedDomains(len(t.states.Domains()))
	if d != t.currentDomain {
		t.currentDomain = d
		t.domainChanged(tabID, d)
	}
}

// OnTabRemoved drops state for domains no open tab shows anymore.
func (t *Tracker) OnTabRemoved(tabID string, openTabs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if removed := t.states.CleanupInactive(openTabs); removed > 0 {
		t.logger.Info("dropped state for inactive domains", zap.Int("count", removed))
	}
	t.metrics.SetTrackedDomains(len(t.states.Domains()))
	if tabID == t.currentTabID {
		t.currentTabID = ""
		t.currentDomain = ""
	}
}

// domainChanged runs the cache-first decision. Caller holds t.mu.
func (t *Tracker) domainChanged(tabID, d string) {
	if rec := t.cache.Get(d); t.cache.IsValid(rec) {
		t.metrics.IncCacheLookups("hit")
		t.logger.Info("serving cached verdict", zap.String("domain", d))
		t.cache.Touch(d)
		t.states.Update(d, func(*dom.DomainState) {}) // bump + notify subscribers
		return
	}
	if parent := cache.ParentDomain(d); parent != "" {
		if rec := t.cache.Get(parent); t.cache.IsValid(rec) {
			t.metrics.IncCacheLookups("parent_hit")
			t.logger.Info("serving inherited verdict",
				zap.String("domain", d), zap.String("parent", parent))
			t.cache.Touch(parent)
			t.states.Update(d, func(*dom.DomainState) {})
			return
		}
	}
	t.metrics.IncCacheLookups("miss")
	t.dispatchProbe(tabID, d)
}

// dispatchProbe starts detection unless a probe for the domain is already in
// flight. The explicit set closes the race where two rapid domain-change
// events would double-dispatch before the first probe resolves.
func (t *Tracker) dispatchProbe(tabID, d string) {
	if _, busy := t.inflight[d]; busy {
		t.logger.Debug("probe already in flight", zap.String("domain", d))
		return
	}
	t.inflight[d] = struct{}{}
	t.metrics.IncProbesStarted()
	t.bus.Publish(relay.StartDetection{TabID: tabID, Domain: d})
}

// onSignal folds a detection signal into the stores. Signals may arrive in
// any order relative to tab events; only the domain they carry matters.
func (t *Tracker) onSignal(sig relay.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch s := sig.(type) {
	case relay.DetectionSuccess:
		delete(t.inflight, s.Domain)
		t.metrics.IncDetections("success")
		t.recordAndCleanup(s.Domain, s.Confidence)
	case relay.RecordDetection:
		// Passive evidence; the probe, if any, keeps running to its own end.
		t.recordAndCleanup(s.Domain, s.Confidence)
	case relay.DetectionFailed:
		delete(t.inflight, s.Domain)
		t.metrics.IncDetections("failure")
		// Absence of a record means "not yet known", which is distinct from
		// a negative verdict: a later domain change will probe again.
		t.logger.Info("detection failed", zap.String("domain", s.Domain))
	}
}

func (t *Tracker) recordAndCleanup(d string, confidence float64) {
	t.cache.RecordDetection(d, confidence)
	if removed := t.cache.Cleanup(); removed > 0 {
		t.metrics.AddCacheRemovals(removed)
	}
	t.states.Update(d, func(*dom.DomainState) {})
	t.logger.Info("detection recorded",
		zap.String("domain", d), zap.Float64("confidence", confidence))
}

// ClearCacheAndRedetect wipes the detection cache and immediately re-probes
// the currently tracked domain. Used for a manual refresh.
func (t *Tracker) ClearCacheAndRedetect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache.Clear()
	if t.currentDomain == "" {
		return
	}
	// Forced refresh overrides any probe still in flight for the domain.
	delete(t.inflight, t.currentDomain)
	t.dispatchProbe(t.currentTabID, t.currentDomain)
}

// Disable wipes both stores when the user turns the extension off.
func (t *Tracker) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Clear()
	t.states.ClearAll()
	t.currentDomain = ""
	t.metrics.SetTrackedDomains(0)
}

// Current returns the tracked tab and domain.
func (t *Tracker) Current() (tabID, domain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentTabID, t.currentDomain
}

func domainFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return dom.NormalizeDomain(u.Hostname())
}
