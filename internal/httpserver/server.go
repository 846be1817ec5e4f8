package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/datapool/datapool-gateway/internal/credit"
	"github.com/datapool/datapool-gateway/internal/faststore"
	"github.com/datapool/datapool-gateway/internal/metrics"
	"github.com/datapool/datapool-gateway/internal/ratelimit"
	"github.com/datapool/datapool-gateway/internal/tokenauth"
	"github.com/datapool/datapool-gateway/internal/version"
)

type contextKey string

const userIDKey contextKey = "userID"

// Server exposes the engine's REST boundary: token-authenticated credit and
// purchase operations, an admin surface guarded by a static secret, health,
// and metrics.
type Server struct {
	service     *credit.Service
	auth        *tokenauth.Authenticator
	fast        faststore.Store
	prices      *credit.PriceTable
	collector   *metrics.Collector
	limiter     *ratelimit.Limiter
	adminSecret string
	logger      *log.Logger
}

// Config wires the server's collaborators.
type Config struct {
	Service     *credit.Service
	Auth        *tokenauth.Authenticator
	Fast        faststore.Store
	Prices      *credit.PriceTable
	Collector   *metrics.Collector
	Limiter     *ratelimit.Limiter // nil disables per-user limiting
	AdminSecret string
	Logger      *log.Logger
}

// NewServer creates the HTTP boundary.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Server{
		service:     cfg.Service,
		auth:        cfg.Auth,
		fast:        cfg.Fast,
		prices:      cfg.Prices,
		collector:   cfg.Collector,
		limiter:     cfg.Limiter,
		adminSecret: cfg.AdminSecret,
		logger:      cfg.Logger,
	}
}

// Router returns a configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(private chi.Router) {
			private.Use(s.tokenMiddleware)
			private.Use(s.rateLimitMiddleware)
			private.Get("/credits", s.handleCredits)
			private.Get("/purchase", s.handlePurchase)
			private.Get("/transactions", s.handleTransactions)
			private.Get("/token", s.handleToken)
			private.Post("/token/rotate", s.handleRotateToken)
		})

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.adminMiddleware)
			admin.Post("/credits/add", s.handleAdminAddCredits)
			admin.Post("/datapool/add", s.handleAdminAddPoolItems)
			admin.Get("/datapool/config/cost", s.handleAdminGetUnitPrice)
			admin.Post("/datapool/config/cost", s.handleAdminSetUnitPrice)
			admin.Get("/datapool/sizes", s.handleAdminPoolSizes)
		})
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.handleMetrics)
	return r
}

// tokenMiddleware resolves the bearer token (Authorization header or ?token=
// query) to a user id and stores it in the request context.
func (s *Server) tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, errors.New("missing token"))
			return
		}
		userID, err := s.auth.Resolve(r.Context(), token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimitMiddleware enforces the per-user request limit after the token
// has resolved to an identity. A failing limiter store is treated as open.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		userID := userFromContext(r.Context())
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			s.logger.Printf("[WARN] Server.rateLimit: limiter store error, allowing request: %v", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			s.respondError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminSecret == "" {
			s.respondError(w, http.StatusForbidden, errors.New("admin API disabled"))
			return
		}
		secret := bearerToken(r)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.adminSecret)) != 1 {
			s.respondError(w, http.StatusUnauthorized, errors.New("invalid admin secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func userFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(userIDKey).(int64)
	return id
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.fast.Ping(ctx); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("fast store unreachable"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Info()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.collector.GetSnapshot())))
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
