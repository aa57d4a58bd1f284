package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"tagscout/internal/domain"
	"tagscout/internal/relay"
	"tagscout/internal/storage"
)

func (s *Server) handleOpenTab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.respondWithError(w, http.StatusBadRequest, "A url field is required")
		return
	}

	id, err := s.tabs.OpenTab(req.URL)
	if err != nil {
		s.logger.Error("failed to open tab", zap.String("url", req.URL), zap.Error(err))
		s.respondWithError(w, http.StatusBadGateway, "Could not open tab")
		return
	}
	s.respondWithJSON(w, http.StatusCreated, map[string]string{"tabId": id})
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]any{"tabs": s.tabs.TabIDs()})
}

func (s *Server) handleActivateTab(w http.ResponseWriter, r *http.Request) {
	if err := s.tabs.ActivateTab(chi.URLParam(r, "id")); err != nil {
		s.respondWithError(w, http.StatusNotFound, "Unknown tab")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	if err := s.tabs.CloseTab(chi.URLParam(r, "id")); err != nil {
		s.respondWithError(w, http.StatusNotFound, "Unknown tab")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	s.respondWithJSON(w, http.StatusOK, map[string]any{"domains": s.states.Domains()})
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	d := domain.NormalizeDomain(chi.URLParam(r, "domain"))

	st := s.states.Get(d)
	rec := s.cache.Get(d)
	if st == nil && rec == nil {
		s.respondWithError(w, http.StatusNotFound, "Domain not tracked")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]any{
		"state":     st,
		"detection": rec,
	})
}

// handlePinDomain pins a domain as the analysis target. Pin exclusivity
// lives here, not in the store: the previous pin is released first.
func (s *Server) handlePinDomain(w http.ResponseWriter, r *http.Request) {
	d := domain.NormalizeDomain(chi.URLParam(r, "domain"))
	for _, other := range s.states.Domains() {
		if st := s.states.Get(other); st != nil && st.Pinned && other != d {
			s.states.Unpin(other)
		}
	}
	s.states.Pin(d)
	s.respondWithJSON(w, http.StatusOK, map[string]string{"pinned": d})
}

func (s *Server) handleUnpinDomain(w http.ResponseWriter, r *http.Request) {
	d := domain.NormalizeDomain(chi.URLParam(r, "domain"))
	s.states.Unpin(d)
	s.respondWithJSON(w, http.StatusOK, map[string]string{"unpinned": d})
}

func (s *Server) handleClearActivity(w http.ResponseWriter, r *http.Request) {
	d := domain.NormalizeDomain(chi.URLParam(r, "domain"))
	s.states.ClearActivity(d)
	s.respondWithJSON(w, http.StatusOK, map[string]string{"cleared": d})
}

func (s *Server) handleRedetect(w http.ResponseWriter, r *http.Request) {
	s.tracker.ClearCacheAndRedetect()
	s.respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "redetecting"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.brokerQuery(w, r, relay.KeyGetConfig)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	s.brokerQuery(w, r, relay.KeyGetEntity)
}

// brokerQuery relays a page query for a domain through the broker, using any
// tab currently showing that domain. A timeout renders as "not found", a
// malformed page response as a gateway error; the distinction is the point.
func (s *Server) brokerQuery(w http.ResponseWriter, r *http.Request, key string) {
	d := domain.NormalizeDomain(chi.URLParam(r, "domain"))
	st := s.states.Get(d)
	if st == nil || len(st.ActiveTabIDs) == 0 {
		s.respondWithError(w, http.StatusNotFound, "No open tab shows this domain")
		return
	}

	payload, _ := json.Marshal(map[string]string{"tabId": st.ActiveTabIDs[0], "domain": d})
	resp, err := s.broker.Send(r.Context(), key, payload)
	if errors.Is(err, relay.ErrTimeout) {
		s.respondWithError(w, http.StatusNotFound, "Not available")
		return
	}
	if err != nil {
		s.logger.Error("broker query failed", zap.String("key", key), zap.Error(err))
		s.respondWithError(w, http.StatusBadGateway, "Query failed")
		return
	}
	s.respondWithJSON(w, http.StatusOK, json.RawMessage(resp))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.pgStore.GetSettings(r.Context())
	if err != nil {
		s.logger.Error("failed to load settings", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not load settings")
		return
	}
	s.respondWithJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings storage.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.pgStore.SaveSettings(r.Context(), &settings); err != nil {
		s.logger.Error("failed to save settings", zap.Error(err))
		s.respondWithError(w, http.StatusInternalServerError, "Could not save settings")
		return
	}
	if !settings.Enabled {
		// Disabling wipes caches so nothing leaks across sessions.
		s.tracker.Disable()
	}
	s.respondWithJSON(w, http.StatusOK, settings)
}

// handleEvents streams the stores' change notifications as server-sent
// events. Events carry no payload; consumers re-fetch whatever they render.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	changes := s.states.Subscribe()
	defer s.states.Unsubscribe(changes)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-changes:
			if !open {
				return
			}
			fmt.Fprint(w, "event: change\ndata: {}\n\n")
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	healthStatus := make(map[string]string)

	if err := s.pgStore.Ping(ctx); err != nil {
		healthStatus["postgres"] = "unhealthy"
		s.logger.Error("health check failed for postgres", zap.Error(err))
	} else {
		healthStatus["postgres"] = "healthy"
	}

	if err := s.redisStore.Ping(ctx); err != nil {
		healthStatus["redis"] = "unhealthy"
		s.logger.Error("health check failed for redis", zap.Error(err))
	} else {
		healthStatus["redis"] = "healthy"
	}

	if healthStatus["postgres"] != "healthy" || healthStatus["redis"] != "healthy" {
		s.respondWithJSON(w, http.StatusServiceUnavailable, healthStatus)
		return
	}
	s.respondWithJSON(w, http.StatusOK, healthStatus)
}

// --- Helper Functions ---

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, map[string]string{"error": message})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
