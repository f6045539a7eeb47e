// Package server exposes the recipe execution API over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/RecipePlayground/internal/ratelimit"
	"github.com/digkill/RecipePlayground/internal/service"
	"github.com/digkill/RecipePlayground/pkg/metrics"
)

// Limiter decides whether a request fits in the per-minute budget of key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Options struct {
	Addr                  string
	APIKey                string
	WebhookSecret         string
	MaxPromptLength       int
	MaxSystemPromptLength int
	RateLimitIP           int
	RateLimitUser         int
	WriteTimeout          time.Duration
}

type Server struct {
	opts       Options
	log        *slog.Logger
	executions *service.ExecutionService
	payments   *service.PaymentService
	limiter    Limiter
	router     *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, executions *service.ExecutionService, payments *service.PaymentService, limiter Limiter) *Server {
	if opts.MaxPromptLength <= 0 {
		opts.MaxPromptLength = 4000
	}
	if opts.MaxSystemPromptLength <= 0 {
		opts.MaxSystemPromptLength = opts.MaxPromptLength
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	s := &Server{
		opts:       opts,
		log:        log,
		executions: executions,
		payments:   payments,
		limiter:    limiter,
		router:     r,
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/recipe", func(api chi.Router) {
		// Called by the payment provider, authenticated by a shared secret.
		api.Post("/payment/webhook", s.handleWebhook)

		api.Group(func(host chi.Router) {
			host.Use(s.apiKeyMiddleware)
			host.Get("/status", s.handleStatus)

			host.Group(func(user chi.Router) {
				user.Use(requireUser)
				user.Get("/history", s.handleHistory)
				user.Post("/payment/create", s.handleCreateOrder)
				user.Post("/payment/confirm", s.handleConfirm)
				user.Get("/payment/list", s.handleListPayments)

				user.Group(func(exec chi.Router) {
					exec.Use(s.rateLimitMiddleware)
					exec.Post("/execute", s.handleExecute)
					exec.Post("/execute-image", s.handleExecuteImage)
				})
			})
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("recipe api listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server listen: %w", err)
	}
	return nil
}

type ctxKey int

const userIDKey ctxKey = iota

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// apiKeyMiddleware authenticates the calling host and records the end user
// it acts for. A missing X-User-ID means the end user is not logged in.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", nil)
			return
		}
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			ctx = context.WithValue(ctx, userIDKey, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			writeError(w, http.StatusUnauthorized, "LOGIN_REQUIRED", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		checks := []struct {
			scope string
			key   string
			limit int
		}{
			{"ip", ratelimit.IPKey(clientIP(r)), s.opts.RateLimitIP},
			{"user", ratelimit.UserKey(userID(r)), s.opts.RateLimitUser},
		}
		for _, c := range checks {
			allowed, err := s.limiter.Allow(r.Context(), c.key, c.limit, time.Minute)
			if err != nil {
				s.log.Warn("rate limiter unavailable", "scope", c.scope, "err", err)
				continue
			}
			if !allowed {
				metrics.RateLimitedTotal.WithLabelValues(c.scope).Inc()
				writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_"+strings.ToUpper(c.scope), nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP relies on RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
