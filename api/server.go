// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package api serves read-only views of the position ledger together with
// Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/luxfi/positions/defi"
	"github.com/luxfi/positions/logging"
	"github.com/luxfi/positions/storage"
)

// Config for the API server
type Config struct {
	Addr string
	// MaxPendingAge is the default age, in blocks, past which a pending
	// aggregate is reported as stale.
	MaxPendingAge uint64
	RunID         string
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Server exposes markets, positions and reconciliation state over HTTP.
type Server struct {
	config   Config
	store    storage.Store
	indexer  *defi.Indexer
	gatherer prometheus.Gatherer
	hub      *Hub
	log      *zap.Logger
	router   *mux.Router
}

// NewServer creates a server over the indexer's store. A nil gatherer serves
// the default Prometheus registry; a nil hub gets a fresh one that nothing
// publishes to.
func NewServer(cfg Config, store storage.Store, x *defi.Indexer, g prometheus.Gatherer, hub *Hub, log *zap.Logger) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if hub == nil {
		hub = NewHub()
	}
	s := &Server{
		config:   cfg,
		store:    store,
		indexer:  x,
		gatherer: g,
		hub:      hub,
		log:      logging.OrNop(log).Named("api"),
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/pending", s.handlePending).Methods("GET")
	api.HandleFunc("/markets/{market}", s.handleMarket).Methods("GET")
	api.HandleFunc("/markets/{market}/conservation", s.handleConservation).Methods("GET")
	api.HandleFunc("/markets/{market}/positions/{account}", s.handlePosition).Methods("GET")
	api.HandleFunc("/subscribe", s.hub.HandleWebSocket)
}

// Router returns the HTTP router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)

	server := &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("API listening", zap.String("addr", s.config.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	body := map[string]interface{}{
		"run":       s.config.RunID,
		"lastBlock": s.indexer.LastBlock(),
	}
	if p, ok := s.store.(storage.Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			status, code = "unavailable", http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	body["status"] = status
	s.writeJSON(w, code, body)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	maxAge := s.config.MaxPendingAge
	if v := r.URL.Query().Get("max_age"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid max_age")
			return
		}
		maxAge = n
	}
	stale, err := s.indexer.Stale(r.Context(), maxAge)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stale == nil {
		stale = []defi.PendingAggregate{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": stale})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.marketID(w, r)
	if !ok {
		return
	}
	m, err := s.indexer.Market(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleConservation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.marketID(w, r)
	if !ok {
		return
	}
	err := s.indexer.VerifyConservation(r.Context(), id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"market": id, "conserved": true})
	case errors.Is(err, defi.ErrConservation):
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"market": id, "conserved": false, "detail": err.Error()})
	default:
		s.writeLookupError(w, err)
	}
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.marketID(w, r)
	if !ok {
		return
	}
	account := mux.Vars(r)["account"]
	if !common.IsHexAddress(account) {
		s.writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}
	pos, found, err := s.indexer.Position(r.Context(), id, common.HexToAddress(account))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "position not found")
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) marketID(w http.ResponseWriter, r *http.Request) (string, bool) {
	market := mux.Vars(r)["market"]
	if !common.IsHexAddress(market) {
		s.writeError(w, http.StatusBadRequest, "invalid market address")
		return "", false
	}
	return defi.AddressID(common.HexToAddress(market)), true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, defi.ErrMarketNotFound) {
		s.writeError(w, http.StatusNotFound, "market not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}
