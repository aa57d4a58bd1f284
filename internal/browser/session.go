// Package browser drives real tabs over the Chrome DevTools Protocol. It is
// the boundary between the coordinator and the page execution contexts:
// it launches probes into pages, watches tab navigation, and intercepts the
// network requests the tag makes.
package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"tagscout/internal/classify"
	"tagscout/internal/config"
	"tagscout/internal/monitoring"
	"tagscout/internal/probe"
	"tagscout/internal/relay"
	"tagscout/internal/state"
	"tagscout/internal/tracker"
)

// Passive evidence scores, by request type. A direct runtime-handle hit
// (probe.HandleConfidence) outranks all of these.
var evidenceConfidence = map[string]float64{
	"tag_load":               0.8,
	"data_collection":        0.7,
	"profile_load":           0.7,
	"personalization":        0.6,
	"experience_config":      0.6,
	"legacy_campaign_config": 0.5,
}

// scriptScanConfidence scores a tag script element found in rendered HTML.
const scriptScanConfidence = 0.7

type tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	url string
}

func (t *tab) currentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *tab) setURL(u string) {
	t.mu.Lock()
	t.url = u
	t.mu.Unlock()
}

// Session owns the browser process and its tabs.
type Session struct {
	cfg     *config.Config
	bus     *relay.Bus
	broker  *relay.Broker
	tracker *tracker.Tracker
	states  *state.Store
	metrics *monitoring.Metrics
	logger  *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu     sync.Mutex
	tabs   map[string]*tab
	nextID atomic.Int64
}

func NewSession(cfg *config.Config, bus *relay.Bus, broker *relay.Broker, tr *tracker.Tracker,
	states *state.Store, m *monitoring.Metrics, logger *zap.Logger) (*Session, error) {

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         cfg,
		bus:         bus,
		broker:      broker,
		tracker:     tr,
		states:      states,
		metrics:     m,
		logger:      logger,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		tabs:        make(map[string]*tab),
	}

	bus.Handle(relay.ActionStartAutoDetection, s.onStartDetection)
	if err := broker.Handle(relay.KeyGetConfig, s.handleGetConfig); err != nil {
		return nil, err
	}
	if err := broker.Handle(relay.KeyGetEntity, s.handleGetEntity); err != nil {
		return nil, err
	}
	return s, nil
}

// Close tears down every tab and the browser process.
func (s *Session) Close() {
	s.mu.Lock()
	for _, t := range s.tabs {
		t.cancel()
	}
	s.tabs = make(map[string]*tab)
	s.mu.Unlock()
	s.browserStop()
	s.allocCancel()
}

// OpenTab navigates a fresh tab and reports its activation to the tracker.
func (s *Session) OpenTab(rawURL string) (string, error) {
	tabCtx, cancel := chromedp.NewContext(s.browserCtx)
	id := fmt.Sprintf("tab-%d", s.nextID.Add(1))
	t := &tab{id: id, ctx: tabCtx, cancel: cancel, url: rawURL}

	s.listen(t)

	if err := chromedp.Run(tabCtx, network.Enable(), chromedp.Navigate(rawURL)); err != nil {
		cancel()
		return "", fmt.Errorf("failed to open tab for %s: %w", rawURL, err)
	}

	s.mu.Lock()
	s.tabs[id] = t
	s.mu.Unlock()

	s.tracker.OnTabActivated(id, rawURL)
	return id, nil
}

// ActivateTab makes an existing tab the tracked one.
func (s *Session) ActivateTab(id string) error {
	t, ok := s.tab(id)
	if !ok {
		return fmt.Errorf("unknown tab %s", id)
	}
	s.tracker.OnTabActivated(id, t.currentURL())
	return nil
}

// CloseTab closes a tab and lets the tracker drop state nobody shows.
func (s *Session) CloseTab(id string) error {
	s.mu.Lock()
	t, ok := s.tabs[id]
	if ok {
		delete(s.tabs, id)
	}
	open := make([]string, 0, len(s.tabs))
	for tid := range s.tabs {
		open = append(open, tid)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown tab %s", id)
	}
	t.cancel()
	s.tracker.OnTabRemoved(id, open)
	return nil
}

// TabIDs lists the open tabs.
func (s *Session) TabIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tabs))
	for id := range s.tabs {
		out = append(out, id)
	}
	return out
}

func (s *Session) tab(id string) (*tab, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tabs[id]
	return t, ok
}

// listen wires CDP events from one tab into the coordinator: navigation
// completion, and network requests classified into tag activity.
func (s *Session) listen(t *tab) {
	chromedp.ListenTarget(t.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				t.setURL(e.Frame.URL)
			}
		case *page.EventLoadEventFired:
			// Tab events and detection signals race freely; the tracker
			// re-validates what is current when each one lands.
			go func() {
				s.tracker.OnTabUpdated(t.id, "complete", t.currentURL())
				s.scanForTagScript(t)
			}()
		case *network.EventRequestWillBeSent:
			go s.onRequest(t, e)
		}
	})
}

func (s *Session) onRequest(t *tab, e *network.EventRequestWillBeSent) {
	req := classify.Request{
		URL:       e.Request.URL,
		Initiator: t.currentURL(),
		TabID:     t.id,
		Body:      postData(e.Request),
	}
	ev, ok := classify.Classify(req, e.WallTime.Time())
	if !ok {
		return
	}

	d := domainOf(t.currentURL())
	if d == "" {
		return
	}
	s.metrics.IncEventsRecorded(string(ev.RequestType))
	s.states.AddEvent(d, *ev)

	if conf, ok := evidenceConfidence[string(ev.RequestType)]; ok {
		s.bus.Publish(relay.RecordDetection{TabID: t.id, Domain: d, Confidence: conf})
	}
}

// onStartDetection launches a probe into the tab's page context.
func (s *Session) onStartDetection(sig relay.Signal) {
	sd, ok := sig.(relay.StartDetection)
	if !ok {
		return
	}
	t, found := s.tab(sd.TabID)
	if !found {
		s.logger.Warn("start detection for unknown tab", zap.String("tab", sd.TabID))
		return
	}
	p := probe.New(s, s.bus, s.logger, sd.TabID, sd.Domain,
		probe.WithMaxRetries(s.cfg.ProbeMaxRetries),
		probe.WithRetryInterval(s.cfg.ProbeRetryInterval()))
	go p.Run(t.ctx)
}

// IsTagPresent implements probe.PresenceChecker by evaluating the tag's
// global handle inside the tab.
func (s *Session) IsTagPresent(ctx context.Context, tabID string) (bool, error) {
	t, ok := s.tab(tabID)
	if !ok {
		return false, fmt.Errorf("unknown tab %s", tabID)
	}
	var present bool
	expr := fmt.Sprintf("window[%q] !== undefined && window[%q] !== null", s.cfg.TagGlobal, s.cfg.TagGlobal)
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, &present)); err != nil {
		return false, err
	}
	return present, nil
}

// handleGetConfig answers the getConfig broker key by reading the tag's
// runtime configuration out of the page.
func (s *Session) handleGetConfig(ctx context.Context, payload json.RawMessage) (any, error) {
	raw, d, err := s.evaluateInTab(payload, fmt.Sprintf(
		"JSON.stringify((window[%q] && window[%q].config) || null)", s.cfg.TagGlobal, s.cfg.TagGlobal))
	if err != nil {
		return nil, err
	}
	if string(raw) != "null" {
		s.states.SetTagConfig(d, raw)
	}
	return json.RawMessage(raw), nil
}

// handleGetEntity answers the getEntity broker key with the visitor profile.
func (s *Session) handleGetEntity(ctx context.Context, payload json.RawMessage) (any, error) {
	raw, d, err := s.evaluateInTab(payload, fmt.Sprintf(
		"JSON.stringify((window[%q] && window[%q].getEntity && window[%q].getEntity().data) || null)",
		s.cfg.TagGlobal, s.cfg.TagGlobal, s.cfg.TagGlobal))
	if err != nil {
		return nil, err
	}
	if string(raw) != "null" {
		s.states.SetProfile(d, raw)
	}
	return json.RawMessage(raw), nil
}

func (s *Session) evaluateInTab(payload json.RawMessage, expr string) ([]byte, string, error) {
	var req struct {
		TabID string `json:"tabId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, "", fmt.Errorf("%w: %v", relay.ErrBadPayload, err)
	}
	t, ok := s.tab(req.TabID)
	if !ok {
		return nil, "", fmt.Errorf("unknown tab %s", req.TabID)
	}
	var out string
	if err := chromedp.Run(t.ctx, chromedp.Evaluate(expr, &out)); err != nil {
		return nil, "", err
	}
	if !json.Valid([]byte(out)) {
		return nil, "", fmt.Errorf("%w: page returned invalid JSON", relay.ErrBadPayload)
	}
	return []byte(out), domainOf(t.currentURL()), nil
}

func postData(req *network.Request) string {
	if req == nil || len(req.PostDataEntries) == 0 {
		return ""
	}
	var body string
	for _, entry := range req.PostDataEntries {
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		body += string(decoded)
	}
	return body
}
