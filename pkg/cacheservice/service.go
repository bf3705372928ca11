// Package cacheservice hosts a set of source caches behind a small
// operational HTTP surface: health probes for orchestration and a manual
// eviction endpoint, which is the only way records leave the cache.
package cacheservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
)

// Evictor is the narrow contract the service needs from each hosted cache.
// *sourcecache.SourceCache satisfies it.
type Evictor interface {
	Invalidate(ctx context.Context, key string) error
	Source() string
}

// Config holds configuration for the CacheService.
type Config struct {
	// HTTPAddr is the listen address, e.g. ":8082". Use ":0" to pick a
	// free port.
	HTTPAddr string
}

// CacheService runs the operational HTTP server for a group of caches.
type CacheService struct {
	logger     zerolog.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	caches     map[string]Evictor

	mu         sync.RWMutex
	actualAddr string
}

// New creates a CacheService hosting the given caches.
func New(cfg Config, caches []Evictor, logger zerolog.Logger) (*CacheService, error) {
	if cfg.HTTPAddr == "" {
		return nil, fmt.Errorf("an HTTP listen address must be configured")
	}

	bySource := make(map[string]Evictor, len(caches))
	for _, c := range caches {
		if c == nil {
			return nil, fmt.Errorf("cache cannot be nil")
		}
		if _, exists := bySource[c.Source()]; exists {
			return nil, fmt.Errorf("source %q is hosted twice", c.Source())
		}
		bySource[c.Source()] = c
	}

	s := &CacheService{
		logger: logger.With().Str("component", "CacheService").Logger(),
		caches: bySource,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("/evict", s.evictHandler)
	s.httpServer = &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.mux,
	}
	return s, nil
}

// Start initiates the HTTP server in a background goroutine.
func (s *CacheService) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided
// context's deadline.
func (s *CacheService) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// Addr returns the address the server is actually listening on.
func (s *CacheService) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.actualAddr
}

// Mux returns the underlying ServeMux so callers can attach extra handlers
// before Start.
func (s *CacheService) Mux() *http.ServeMux {
	return s.mux
}

// evictHandler removes one record: POST /evict?source=cve&key=CVE-2024-0001.
func (s *CacheService) evictHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	source := r.URL.Query().Get("source")
	key := r.URL.Query().Get("key")
	if source == "" || key == "" {
		http.Error(w, "source and key query parameters are required", http.StatusBadRequest)
		return
	}

	cache, ok := s.caches[source]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown source %q", source), http.StatusNotFound)
		return
	}

	if err := cache.Invalidate(r.Context(), key); err != nil {
		s.logger.Error().Err(err).Str("source", source).Str("key", key).Msg("Eviction failed.")
		http.Error(w, "eviction failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info().Str("source", source).Str("key", key).Msg("Record evicted.")
	w.WriteHeader(http.StatusNoContent)
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
