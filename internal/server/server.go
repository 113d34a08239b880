// Package server exposes the engine's moderation API over HTTP: match
// listing and detail, moderator transitions, weight tuning, and
// reconciliation triggers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reunite-hq/match-engine/internal/engine"
	"github.com/reunite-hq/match-engine/internal/lifecycle"
	"github.com/reunite-hq/match-engine/internal/model"
	"github.com/reunite-hq/match-engine/internal/store"
)

// Options tunes the HTTP server.
type Options struct {
	Port           int
	AllowedOrigins []string
	// MaxBackgroundTasks caps reconcile and report-change work running
	// concurrently; requests beyond the cap get a 503.
	MaxBackgroundTasks int
}

// Server serves the moderation API.
type Server struct {
	engine *engine.Engine
	opts   Options
	srv    *http.Server

	// tasks holds background reconcile and report-change work so shutdown
	// can wait for it; baseCtx ties that work to the server's lifetime.
	tasks   *errgroup.Group
	baseCtx context.Context
}

// New creates a Server around the engine.
func New(eng *engine.Engine, opts Options) *Server {
	if opts.MaxBackgroundTasks <= 0 {
		opts.MaxBackgroundTasks = 16
	}
	s := &Server{
		engine:  eng,
		opts:    opts,
		tasks:   &errgroup.Group{},
		baseCtx: context.Background(),
	}
	s.tasks.SetLimit(opts.MaxBackgroundTasks)
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for handler tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/matches", func(r chi.Router) {
		r.Get("/", s.handleListMatches)
		r.Get("/{id}", s.handleGetMatch)
		r.Post("/{id}/transition", s.handleTransition)
	})
	r.Get("/weights", s.handleGetWeights)
	r.Put("/weights", s.handleUpdateWeights)
	r.Post("/reconcile", s.handleReconcile)
	r.Post("/reports/changed", s.handleReportChanged)

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts down
// gracefully. Cancellation also cancels in-flight background tasks, and
// shutdown waits for them to drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.baseCtx = ctx

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.Int("port", s.opts.Port))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return s.tasks.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.engine.ListMatches(r.Context(), f)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.GetMatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "match not found")
			return
		}
		s.writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type transitionRequest struct {
	TargetStatus    string `json:"target_status"`
	Actor           string `json:"actor"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	target := model.MatchStatus(req.TargetStatus)
	if !model.ValidStatus(target) {
		writeError(w, http.StatusBadRequest, "unknown target_status "+req.TargetStatus)
		return
	}

	m, err := s.engine.TransitionMatch(r.Context(), chi.URLParam(r, "id"), target, req.Actor, req.ExpectedVersion)
	if err != nil {
		switch {
		case eris.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "match not found")
		case eris.Is(err, store.ErrVersionConflict):
			writeError(w, http.StatusConflict, "version conflict, refresh and retry")
		case eris.Is(err, lifecycle.ErrInvalidTransition):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.writeInternal(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetWeights(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CurrentWeights())
}

type weightsRequest struct {
	Weights map[model.Signal]float64 `json:"weights"`
	Actor   string                   `json:"actor"`
}

func (s *Server) handleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	var req weightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	cfg, err := s.engine.UpdateWeights(r.Context(), req.Weights, req.Actor)
	if err != nil {
		if eris.Is(err, store.ErrNotFound) || eris.Is(err, store.ErrVersionConflict) {
			s.writeInternal(w, r, err)
			return
		}
		// Weight validation failures are client errors.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type reconcileRequest struct {
	ReportID string `json:"report_id"`
}

// handleReconcile triggers a rescore: of one report's matches when
// report_id is given, of everything otherwise. Work runs in the
// background; the response only acknowledges the request.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ok := s.tasks.TryGo(func() error {
		var (
			n   int
			err error
		)
		if req.ReportID != "" {
			n, err = s.engine.ReconcileReport(s.baseCtx, req.ReportID)
		} else {
			n, err = s.engine.ReconcileAll(s.baseCtx)
		}
		if err != nil {
			zap.L().Error("server: reconcile failed",
				zap.String("report_id", req.ReportID),
				zap.Error(err),
			)
			return nil
		}
		zap.L().Info("server: reconcile complete",
			zap.String("report_id", req.ReportID),
			zap.Int("rescored", n),
		)
		return nil
	})
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too many background jobs in flight, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type reportChangedRequest struct {
	ReportID           string `json:"report_id"`
	DescriptionChanged bool   `json:"description_changed"`
	MediaChanged       bool   `json:"media_changed"`
	LocationChanged    bool   `json:"location_changed"`
	OccurredAtChanged  bool   `json:"occurred_at_changed"`
}

// handleReportChanged accepts report create/update events from the report
// service. A create is an update with every delta flag set.
func (s *Server) handleReportChanged(w http.ResponseWriter, r *http.Request) {
	var req reportChangedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReportID == "" {
		writeError(w, http.StatusBadRequest, "report_id is required")
		return
	}

	change := model.ReportChange{
		ReportID:           req.ReportID,
		DescriptionChanged: req.DescriptionChanged,
		MediaChanged:       req.MediaChanged,
		LocationChanged:    req.LocationChanged,
		OccurredAtChanged:  req.OccurredAtChanged,
	}

	ok := s.tasks.TryGo(func() error {
		if err := s.engine.ReportChanged(s.baseCtx, change); err != nil {
			zap.L().Error("server: report change processing failed",
				zap.String("report_id", change.ReportID),
				zap.Error(err),
			)
		}
		return nil
	})
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "too many background jobs in flight, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"report_id": req.ReportID,
	})
}

func filterFromQuery(r *http.Request) (store.MatchFilter, error) {
	q := r.URL.Query()
	var f store.MatchFilter

	if v := q.Get("status"); v != "" {
		status := model.MatchStatus(v)
		if !model.ValidStatus(status) {
			return f, eris.Errorf("unknown status %q", v)
		}
		f.Status = status
	}
	f.ReportID = q.Get("report_id")

	for name, dst := range map[string]**float64{"min_score": &f.MinScore, "max_score": &f.MaxScore} {
		if v := q.Get(name); v != "" {
			fv, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return f, eris.Errorf("invalid %s %q", name, v)
			}
			*dst = &fv
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := q.Get(name); v != "" {
			tv, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, eris.Errorf("invalid %s %q, want RFC 3339", name, v)
			}
			*dst = &tv
		}
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := q.Get(name); v != "" {
			iv, err := strconv.Atoi(v)
			if err != nil || iv < 0 {
				return f, eris.Errorf("invalid %s %q", name, v)
			}
			*dst = iv
		}
	}
	return f, nil
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("server: request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
