// Filatrack - Filament Management and Printer State Synchronization
// Copyright 2026 Filatrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/filatrack/filatrack

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/filatrack/filatrack/internal/bambu"
	"github.com/filatrack/filatrack/internal/inventory"
	"github.com/filatrack/filatrack/internal/logging"
	"github.com/filatrack/filatrack/internal/metrics"
)

const snapshotTimeout = 2 * time.Second

// Server exposes health, metrics and the read/write inventory API plus
// read-only printer state.
type Server struct {
	listen   string
	spools   *inventory.Store
	printers map[string]*bambu.Printer
	logger   zerolog.Logger
}

// NewServer builds the HTTP server for the given collaborators.
func NewServer(listen string, spools *inventory.Store, printers []*bambu.Printer) *Server {
	byserial := make(map[string]*bambu.Printer, len(printers))
	for _, p := range printers {
		byserial[p.Serial()] = p
	}
	return &Server{
		listen:   listen,
		spools:   spools,
		printers: byserial,
		logger:   logging.WithComponent("api"),
	}
}

// String implements suture's service naming.
func (s *Server) String() string { return "api-" + s.listen }

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("listen", s.listen).Msg("http server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/printers", s.listPrinters)
		r.Get("/printers/{serial}", s.getPrinter)

		r.Get("/spools", s.listSpools)
		r.Get("/spools/{id}", s.getSpool)
		r.Put("/spools/{id}", s.putSpool)
		r.Delete("/spools/{id}", s.deleteSpool)
	})
	return r
}

func (s *Server) listPrinters(w http.ResponseWriter, r *http.Request) {
	summaries := make([]bambu.Summary, 0, len(s.printers))
	for _, p := range s.printers {
		ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
		sum, err := p.Snapshot(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("printer", p.Serial()).Msg("snapshot unavailable")
			continue
		}
		summaries = append(summaries, sum)
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) getPrinter(w http.ResponseWriter, r *http.Request) {
	p, ok := s.printers[chi.URLParam(r, "serial")]
	if !ok {
		http.Error(w, "unknown printer", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	sum, err := p.Snapshot(ctx)
	if err != nil {
		http.Error(w, "printer state unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) listSpools(w http.ResponseWriter, _ *http.Request) {
	recs, err := s.spools.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("spool listing failed")
		http.Error(w, "inventory unavailable", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []inventory.SpoolRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getSpool(w http.ResponseWriter, r *http.Request) {
	rec, err := s.spools.Get(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		http.Error(w, "unknown spool", http.StatusNotFound)
	case err != nil:
		s.logger.Error().Err(err).Msg("spool read failed")
		http.Error(w, "inventory unavailable", http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, rec)
	}
}

func (s *Server) putSpool(w http.ResponseWriter, r *http.Request) {
	var rec inventory.SpoolRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid spool record", http.StatusBadRequest)
		return
	}
	rec.ID = chi.URLParam(r, "id")
	if err := s.spools.Put(&rec); err != nil {
		s.logger.Error().Err(err).Str("spool", rec.ID).Msg("spool write failed")
		http.Error(w, "inventory unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, &rec)
}

func (s *Server) deleteSpool(w http.ResponseWriter, r *http.Request) {
	if err := s.spools.Delete(chi.URLParam(r, "id")); err != nil {
		s.logger.Error().Err(err).Msg("spool delete failed")
		http.Error(w, "inventory unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}
