// Package server exposes the settlement exchange HTTP API.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"a2aexchange/auth"
	"a2aexchange/compliance"
	"a2aexchange/config"
	"a2aexchange/guard"
	"a2aexchange/ledger"
	"a2aexchange/middleware"
	"a2aexchange/models"
)

type contextKey string

const contextKeyAccount contextKey = "account"

// Server wires handlers, middleware and collaborators into one http.Handler.
type Server struct {
	db       *gorm.DB
	cfg      config.Config
	engine   *ledger.Engine
	authn    *auth.Authenticator
	signer   *auth.Signer
	guard    *guard.Guard
	recorder *compliance.Recorder
	log      *slog.Logger
	router   chi.Router
	nowFn    func() time.Time

	publicLimiter       *middleware.RateLimiter
	authLimiter         *middleware.RateLimiter
	registerHourLimiter *middleware.RateLimiter
	registerDayLimiter  *middleware.RateLimiter
}

// Deps bundles the server's collaborators.
type Deps struct {
	DB       *gorm.DB
	Config   config.Config
	Engine   *ledger.Engine
	Auth     *auth.Authenticator
	Signer   *auth.Signer
	Guard    *guard.Guard
	Recorder *compliance.Recorder
	Logger   *slog.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		db:              deps.DB,
		cfg:             deps.Config,
		engine:          deps.Engine,
		authn:           deps.Auth,
		signer:          deps.Signer,
		guard:           deps.Guard,
		recorder:        deps.Recorder,
		log:             deps.Logger,
		nowFn:           time.Now,
		publicLimiter:       middleware.NewRateLimiter(deps.Config.RateLimitPublicPerMinute, time.Minute),
		authLimiter:         middleware.NewRateLimiter(deps.Config.RateLimitAuthPerMinute, time.Minute),
		registerHourLimiter: middleware.NewRateLimiter(deps.Config.RegisterRateLimitPerHour, time.Hour),
		registerDayLimiter:  middleware.NewRateLimiter(deps.Config.RegisterRateLimitPerDay, 24*time.Hour),
	}
	s.router = s.buildRouter()
	return s
}

// SetNowFunc overrides the time source for tests.
func (s *Server) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.EchoRequestID)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.handleHealth)

	// The API is served under both prefixes; /api/v1 predates /v1 and is
	// kept for existing clients.
	for _, prefix := range []string{"/v1", "/api/v1"} {
		r.Route(prefix, func(api chi.Router) {
			api.Get("/health", s.handleHealth)

			api.Group(func(pub chi.Router) {
				pub.Use(s.limit(s.publicLimiter, middleware.ByIP))
				pub.Get("/accounts/directory", s.handleDirectory)
				pub.Get("/accounts/{id}", s.handleAccountGet)
				pub.Get("/stats", s.handleStats)
				pub.Get("/compliance/root", s.handleComplianceRoot)
				pub.Get("/compliance/proof/{position}", s.handleComplianceProof)
			})

			api.Group(func(reg chi.Router) {
				reg.Use(s.limit(s.registerHourLimiter, middleware.ByIP))
				reg.Use(s.limit(s.registerDayLimiter, middleware.ByIP))
				reg.Post("/accounts/register", s.handleRegister)
			})

			api.Group(func(priv chi.Router) {
				priv.Use(s.requireAuth)
				priv.Use(s.limit(s.authLimiter, s.limitByAccount))
				priv.Use(func(next http.Handler) http.Handler {
					return middleware.WithIdempotency(s.db, next)
				})

				priv.Get("/accounts/me", s.handleAccountMe)
				priv.Put("/accounts/skills", s.handleSkillsUpdate)
				priv.Post("/accounts/rotate-key", s.handleRotateKey)
				priv.Put("/accounts/webhook", s.handleWebhookPut)
				priv.Delete("/accounts/webhook", s.handleWebhookDelete)
				priv.Post("/accounts/admin/suspend", s.handleSuspend)
				priv.Post("/accounts/admin/unfreeze", s.handleUnfreeze)

				priv.Post("/exchange/deposit", s.handleDeposit)
				priv.Get("/exchange/balance", s.handleBalance)
				priv.Get("/exchange/transactions", s.handleTransactions)

				priv.Post("/exchange/escrow", s.handleEscrowCreate)
				priv.Post("/exchange/escrow/batch", s.handleEscrowBatch)
				priv.Get("/exchange/escrows", s.handleEscrowList)
				priv.Get("/exchange/escrows/{escrow_id}", s.handleEscrowGet)
				priv.Post("/exchange/release", s.handleEscrowRelease)
				priv.Post("/exchange/refund", s.handleEscrowRefund)
				priv.Post("/exchange/dispute", s.handleEscrowDispute)
				priv.Post("/exchange/resolve", s.handleEscrowResolve)
			})
		})
	}
	return r
}

func (s *Server) limit(rl *middleware.RateLimiter, key middleware.KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return middleware.WithRateLimit(rl, key, next)
	}
}

func (s *Server) limitByAccount(r *http.Request) string {
	if acct := accountFrom(r.Context()); acct != nil {
		return acct.ID
	}
	return r.RemoteAddr
}

// requireAuth resolves the bearer key to an account and optionally verifies
// the request signature. When signatures are required every request carries
// one; GET requests sign an empty body.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		acct, err := s.authn.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, r, err)
			return
		}

		if s.cfg.RequireSignature {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				respondError(w, r, ledger.E(ledger.CodeValidationFailed, "Failed to read request body"))
				return
			}
			r.Body = io.NopCloser(newBytesReader(body))
			key := bearerKey(r.Header.Get("Authorization"))
			if err := s.signer.Verify(key,
				r.Header.Get("X-A2A-Timestamp"),
				r.Header.Get("X-A2A-Signature"),
				r.Method, r.URL.Path, body); err != nil {
				respondError(w, r, err)
				return
			}
		}

		ctx := context.WithValue(r.Context(), contextKeyAccount, acct)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFrom(ctx context.Context) *models.Account {
	acct, _ := ctx.Value(contextKeyAccount).(*models.Account)
	return acct
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if sqlDB, err := s.db.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":  status,
		"service": "a2a-settlement-exchange",
		"time":    s.nowFn().UTC().Format(time.RFC3339),
	})
}
