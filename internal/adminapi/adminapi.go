// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package adminapi is edgeproxy's admin/debug HTTP surface: health
// check, Prometheus /metrics, and a cache introspection endpoint. It
// follows the RegisterRoutes/ListenAndServe shape of the deleted
// rate-limiter-only api.Server, generalized from a single-purpose
// `/check` endpoint into a small fixed set of operator-facing routes.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"edgeproxy/internal/cache"
	"edgeproxy/internal/metrics"
)

// Server is edgeproxy's admin HTTP server.
type Server struct {
	Cache   *cache.Store // may be nil if response caching is not configured
	Started time.Time
}

// NewServer returns an admin server; store may be nil.
func NewServer(store *cache.Store) *Server {
	return &Server{Cache: store, Started: time.Now()}
}

// RegisterRoutes mounts the admin routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/cache", s.handleCacheDebug)
}

type healthResponse struct {
	Status   string `json:"status"`
	UptimeMS int64  `json:"uptime_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", UptimeMS: time.Since(s.Started).Milliseconds()}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type cacheDebugResponse struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
	MinFree   int64 `json:"min_free"`
	Scarce    bool  `json:"scarce"`
}

// handleCacheDebug reports the response cache's current disk usage
// and SCARCE disposition, the admin-surface equivalent of nginx's
// proxy_cache_path status exposed through a debug endpoint rather
// than a stub variable.
func (s *Server) handleCacheDebug(w http.ResponseWriter, r *http.Request) {
	if s.Cache == nil {
		http.Error(w, "cache not configured", http.StatusNotFound)
		return
	}
	stats := s.Cache.Stats()
	resp := cacheDebugResponse{
		UsedBytes: stats.Used,
		MaxBytes:  stats.MaxBytes,
		MinFree:   stats.MinFree,
		Scarce:    stats.Scarce,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ListenAndServe starts the admin HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return httpServer.ListenAndServe()
}
