// Package api exposes the thin HTTP surface over the published outputs:
// the nearest-ZIP resolver contract, per-dataset observability reports,
// recent run metadata, and Prometheus metrics. Authentication, response
// shaping, and pagination live outside the core and are not provided
// here.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cmspricing/refpipe/internal/config"
	"github.com/cmspricing/refpipe/internal/errors"
	"github.com/cmspricing/refpipe/internal/observability"
	"github.com/cmspricing/refpipe/internal/resolver"
	"github.com/cmspricing/refpipe/internal/runstore"
)

// Server serves the collaborator API.
type Server struct {
	Resolver  *resolver.Resolver
	Collector *observability.Collector
	Alerts    *observability.Engine
	Runs      *runstore.Store
	Defaults  config.ResolverConfig // query parameters override per request
	Log       *zap.Logger
	router    *mux.Router
}

// New creates the server and its routes. The resolver config supplies
// the use_nber and max_radius_miles defaults applied when a request
// omits the query parameters.
func New(res *resolver.Resolver, collector *observability.Collector, alerts *observability.Engine, runs *runstore.Store, defaults config.ResolverConfig, log *zap.Logger) *Server {
	if defaults.MaxRadiusMiles <= 0 {
		defaults.MaxRadiusMiles = 100
	}
	s := &Server{
		Resolver:  res,
		Collector: collector,
		Alerts:    alerts,
		Runs:      runs,
		Defaults:  defaults,
		Log:       log.Named("api"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/nearest-zip", s.handleNearestZip).Methods(http.MethodGet)
	r.HandleFunc("/observability/{dataset}", s.handleObservability).Methods(http.MethodGet)
	r.HandleFunc("/runs", s.handleRecentRuns).Methods(http.MethodGet)
	r.HandleFunc("/runs/{batch_id}", s.handleRun).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Router returns the configured router, usable directly in tests.
func (s *Server) Router() http.Handler { return s.router }

// ListenAndServe blocks serving on the address.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.Log.Info("api server listening", zap.String("addr", addr))
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNearestZip(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zip := q.Get("zip")
	if zip == "" {
		writeError(w, http.StatusBadRequest, string(errors.CodeInvalidZip), "missing zip parameter")
		return
	}
	req := resolver.Request{
		Zip:            zip,
		UseNBER:        s.Defaults.UseNBER,
		MaxRadiusMiles: s.Defaults.MaxRadiusMiles,
		IncludeTrace:   q.Get("include_trace") == "true",
	}
	if v := q.Get("use_nber"); v != "" {
		req.UseNBER = v == "true"
	}
	if radius := q.Get("max_radius_miles"); radius != "" {
		v, err := strconv.ParseFloat(radius, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_RADIUS", "max_radius_miles must be a positive number")
			return
		}
		req.MaxRadiusMiles = v
	}

	result, err := s.Resolver.FindNearestZip(req)
	if err != nil {
		code := errors.GetCode(err)
		status := http.StatusNotFound
		if code == errors.CodeInvalidZip {
			status = http.StatusBadRequest
		}
		writeError(w, status, string(code), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleObservability(w http.ResponseWriter, r *http.Request) {
	dataset := mux.Vars(r)["dataset"]
	report, err := s.Collector.Collect(dataset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "COLLECT_FAILED", err.Error())
		return
	}
	if s.Alerts != nil {
		if active, err := s.Alerts.ActiveAlerts(); err == nil {
			report.Alerts = active
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	runs, err := s.Runs.GetRecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	batch, err := s.Runs.GetRunMetadata(batchID)
	if err != nil {
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", fmt.Sprintf("no run %s", batchID))
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
