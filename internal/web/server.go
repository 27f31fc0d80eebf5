// Package web serves the catalog's HTTP API: file upload, job submission and
// status, and entity kind discovery.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/job"
	"github.com/JonMunkholm/catalog/internal/preview"
	"github.com/JonMunkholm/catalog/internal/repository"
	"github.com/JonMunkholm/catalog/internal/web/middleware"
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Jobs  *job.Orchestrator
	Blobs blob.Store
	Kinds *core.Registry[repository.Binding]

	// Preview is optional; without it the preview route answers 404.
	Preview *preview.Analyzer
}

// Server is the HTTP server for the catalog API.
type Server struct {
	deps    Deps
	cfg     *config.Config
	uploads *uploadLimiter
	now     func() time.Time
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a Server with its middleware and routes installed.
func NewServer(cfg *config.Config, d Deps) *Server {
	s := &Server{
		deps:    d,
		cfg:     cfg,
		uploads: newUploadLimiter(cfg.Job.MaxConcurrentUploads, cfg.Job.UploadWait),
		now:     time.Now,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(middleware.TrustedRealIP(s.cfg.Server.TrustedProxies))
	s.router.Use(middleware.Logger)
	s.router.Use(chimw.Recoverer)
	if s.cfg.Server.RequestTimeout > 0 {
		s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	}
	s.router.Use(securityHeaders)

	if s.cfg.Server.RateLimit > 0 {
		limiter := newClientLimiter(rate.Limit(s.cfg.Server.RateLimit), s.cfg.Server.RateBurst)
		s.router.Use(limiter.middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Entity kinds
		r.Get("/kinds", s.handleListKinds)
		r.Get("/kinds/{kind}/template", s.handleTemplate)
		r.Get("/kinds/{kind}/records", s.handleRecords)
		if s.deps.Preview != nil {
			r.Get("/kinds/{kind}/preview", s.handlePreview)
		}

		// Files
		r.Post("/files", s.handleUpload)
		r.Get("/files", s.handleDownload)

		// Jobs
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests and waits for in-flight uploads and
// handlers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	if derr := s.uploads.WaitForDrain(ctx); err == nil {
		err = derr
	}
	return err
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]any{
		"status":         "ok",
		"kinds":          s.deps.Kinds.Len(),
		"activeUploads":  s.uploads.Active(),
		"maxUploadBytes": s.cfg.Blob.MaxFileSize,
	})
}

// securityHeaders adds hardening headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one token bucket per client address. Idle buckets are
// swept at most once per sweepEvery.
type clientLimiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	sweepEvery = time.Minute
	clientIdle = 10 * time.Minute
)

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*client),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > sweepEvery {
		for k, c := range l.clients {
			if now.Sub(c.seen) > clientIdle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(key); err == nil {
			key = host
		}
		if !l.allow(key) {
			w.Header().Set("Retry-After", "1")
			writeJSONStatus(w, r, http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate limit exceeded",
				Message: "Too many requests",
				Action:  "Slow down and retry shortly",
				Code:    "RATE001",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
