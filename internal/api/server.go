// Package api is the HTTP surface standing in for the extension UI: it reads
// store snapshots, drives pin/redetect actions, and relays broker queries.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tagscout/internal/cache"
	"tagscout/internal/config"
	"tagscout/internal/relay"
	"tagscout/internal/state"
	"tagscout/internal/storage"
	"tagscout/internal/tracker"
)

// TabManager is the slice of the browser session the API drives.
type TabManager interface {
	OpenTab(url string) (string, error)
	ActivateTab(id string) error
	CloseTab(id string) error
	TabIDs() []string
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	config     *config.Config
	router     http.Handler
	httpServer *http.Server
	tracker    *tracker.Tracker
	cache      *cache.Store
	states     *state.Store
	broker     *relay.Broker
	tabs       TabManager
	pgStore    *storage.PostgresStore
	redisStore *storage.RedisStore
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, tr *tracker.Tracker, c *cache.Store, st *state.Store,
	broker *relay.Broker, tabs TabManager, ps *storage.PostgresStore, rs *storage.RedisStore,
	logger *zap.Logger) *Server {

	s := &Server{
		config:     cfg,
		tracker:    tr,
		cache:      c,
		states:     st,
		broker:     broker,
		tabs:       tabs,
		pgStore:    ps,
		redisStore: rs,
		logger:     logger,
	}
	s.router = s.setupRouter()
	return s
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%s", s.config.ServerPort),
		Handler:     s.router,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the SSE change feed holds its response open.
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
