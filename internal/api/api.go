// Package api exposes the worker endpoints over HTTP. Every worker has a
// POST handler so an external cron can drive batches, mirroring the
// long-running loops in cmd/worker. Responses use a flat JSON envelope:
// {ok:true, ...} on success, {error} with a 4xx/5xx on failure.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/flowmail/flowmail/internal/config"
	"github.com/flowmail/flowmail/internal/pkg/logger"
	"github.com/flowmail/flowmail/internal/store"
	"github.com/flowmail/flowmail/internal/tracking"
	"github.com/flowmail/flowmail/internal/worker"
)

// runnerTokenHeader gates the automation worker endpoint when a token is
// configured.
const runnerTokenHeader = "x-flowmail-runner-token"

// Server bundles the handlers and their dependencies.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	delivery  *worker.DeliveryWorker
	leadScore *worker.LeadScoreWorker
	bestTime  *worker.BestTimeWorker
	scanner   *worker.TriggerScanner
	execution *worker.AutomationWorker
	scheduler *worker.CampaignScheduler
	enqueuer  *worker.Enqueuer
	tracking  *tracking.Handler
}

// NewServer wires the HTTP layer.
func NewServer(cfg *config.Config, st *store.Store,
	delivery *worker.DeliveryWorker, leadScore *worker.LeadScoreWorker,
	bestTime *worker.BestTimeWorker, scanner *worker.TriggerScanner,
	execution *worker.AutomationWorker, scheduler *worker.CampaignScheduler,
	enqueuer *worker.Enqueuer, tr *tracking.Handler) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		delivery:  delivery,
		leadScore: leadScore,
		bestTime:  bestTime,
		scanner:   scanner,
		execution: execution,
		scheduler: scheduler,
		enqueuer:  enqueuer,
		tracking:  tr,
	}
}

// Router builds the chi router with CORS and all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", runnerTokenHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	s.tracking.Mount(r)

	r.Route("/workers", func(r chi.Router) {
		r.Post("/email-delivery", s.handleDelivery)
		r.Post("/lead-score", s.handleLeadScore)
		r.Post("/best-time", s.handleBestTime)
		r.Post("/automation-scanner", s.handleScanner)
		r.With(s.requireRunnerToken).Post("/automation", s.handleAutomation)
		r.Post("/campaign-scheduler", s.handleScheduler)
	})

	r.Post("/send-campaign", s.handleSendCampaign)
	r.Post("/send-bulk-email", s.handleSendBulk)

	return r
}

// requestLogger emits one structured line per request. Tracking routes
// are skipped: pixel and redirect traffic would drown everything else.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) >= 6 && r.URL.Path[:6] == "/track" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// requireRunnerToken rejects automation worker calls without the shared
// secret. An empty configured token disables the check.
func (s *Server) requireRunnerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RunnerToken != "" && r.Header.Get(runnerTokenHeader) != s.cfg.RunnerToken {
			writeError(w, http.StatusUnauthorized, "invalid runner token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeOK(w, map[string]any{"status": "healthy"})
}

func writeOK(w http.ResponseWriter, extra map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range extra {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// decode parses the JSON body into dst. An empty body is allowed: every
// request field has a usable default.
func decode(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

func serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("[API] %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
