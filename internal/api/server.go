package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/config"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/id/uuid"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/logging"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/metrics"
	"github.com/JakeFAU/ekidata-stamp-crawler/internal/runner"
)

const requestTimeout = 60 * time.Second

// Runner is the part of the crawl runner the API drives.
type Runner interface {
	DiscoverURLs(ctx context.Context, indexURL string) ([]string, error)
	Start(ctx context.Context, done func(completed int, err error)) error
}

// Matcher resolves a location to a station.
type Matcher interface {
	Match(ctx context.Context, loc crawler.LocationInfo) crawler.MatchResult
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the handlers. DB may be nil.
type Deps struct {
	Jobs    crawler.JobQueue
	Runner  Runner
	Matcher Matcher
	DB      Pinger
	// BaseContext parents background runs; canceling it stops them.
	BaseContext context.Context
}

// Server wires HTTP handlers to the job queue and runner.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	s := &Server{
		deps:   deps,
		logger: logging.OrNop(logger).Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.New()))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/stats", s.jobStats)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/reset", s.resetJob)
			})
		})
		r.Post("/discover", s.discover)
		r.Post("/runs", s.startRun)
		r.Post("/match", s.match)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.internalError(w, "job stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "exhausted": job.Exhausted()})
}

func (s *Server) resetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Jobs.Reset(r.Context(), jobID); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.internalError(w, "reset job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(crawler.JobStatusPending)})
}

type discoverRequest struct {
	IndexURL string `json:"index_url"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !validHTTPURL(req.IndexURL) {
		writeError(w, http.StatusBadRequest, "index_url must be an absolute http(s) URL")
		return
	}
	urls, err := s.deps.Runner.DiscoverURLs(r.Context(), req.IndexURL)
	if err != nil {
		var limited *crawler.RateLimitedError
		switch {
		case errors.As(err, &limited):
			w.Header().Set("Retry-After", retryAfterSeconds(limited.RetryAfter))
			writeError(w, http.StatusServiceUnavailable, "source site is rate limiting")
		case errors.Is(err, crawler.ErrFatalFetch), errors.Is(err, crawler.ErrTransientFetch):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.internalError(w, "discover", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index_url": req.IndexURL, "found": len(urls), "urls": urls})
}

func (s *Server) startRun(w http.ResponseWriter, _ *http.Request) {
	logger := s.logger
	err := s.deps.Runner.Start(s.deps.BaseContext, func(completed int, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("api run failed", zap.Int("completed", completed), zap.Error(err))
			return
		}
		logger.Info("api run finished", zap.Int("completed", completed))
	})
	if errors.Is(err, runner.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "run already in progress")
		return
	}
	if err != nil {
		s.internalError(w, "start run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	var loc crawler.LocationInfo
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(loc.Name) == "" && loc.Coordinates == nil {
		writeError(w, http.StatusBadRequest, "name or coordinates required")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Matcher.Match(r.Context(), loc))
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusBadRequest, "job_id must be a UUID")
		return "", false
	}
	return jobID, true
}

func validHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
