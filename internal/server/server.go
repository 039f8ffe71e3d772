// Package server assembles the optional status HTTP server.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/bili2mp4/bili2mp4/internal/config"
	"github.com/bili2mp4/bili2mp4/internal/middleware"
	"github.com/bili2mp4/bili2mp4/internal/routes"
)

// Options configures New.
type Options struct {
	Addr        string
	CORSOrigins []string
	Status      *routes.Status
	RateLimiter *middleware.RateLimiter
}

func New(opts Options, logger zerolog.Logger) *http.Server {
	logger = logger.With().Str("component", "http").Logger()
	return &http.Server{
		Addr:              opts.Addr,
		Handler:           NewRouter(opts, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func NewRouter(opts Options, logger zerolog.Logger) chi.Router {
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter(config.StatusRateLimitMax, config.StatusRateLimitWindow)
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)
	r.Use(middleware.CORS(opts.CORSOrigins, logger))
	r.Use(limiter.Handler)

	opts.Status.Routes(r)
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func PrintBanner(backend string) {
	fmt.Printf(`
  ┌──────────────────────────────────┐
  │         bili2mp4 %s      │
  │   bilibili links → group video   │
  └──────────────────────────────────┘
  chat backend: %s
`, padVersion(config.Version), backend)
}

func padVersion(v string) string {
	for len(v) < 14 {
		v += " "
	}
	return v
}
