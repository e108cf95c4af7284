package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"pusdledger/internal/engine"
	"pusdledger/internal/flash"
	"pusdledger/internal/observability"
	"pusdledger/internal/oracle"
	"pusdledger/internal/query"
	"pusdledger/internal/registry"
)

// Config wires the HTTP API to the engines and read paths.
type Config struct {
	Addr string

	Engine    *engine.Engine
	Flash     *flash.Engine
	Receivers *flash.ReceiverRegistry
	Registry  *registry.Registry
	Oracle    *oracle.Adapter
	Query     *query.Service

	// AdminKey gates the admin routes; empty disables them.
	AdminKey string

	Health  *observability.HealthChecker
	Metrics *observability.Metrics
}

// Server is the HTTP/JSON API surface.
type Server struct {
	cfg  Config
	http *http.Server
	log  zerolog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		cfg: cfg,
		log: observability.NewLogger("server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	if cfg.Health != nil {
		r.Get("/healthz", cfg.Health.LivenessHandler)
		r.Get("/readyz", cfg.Health.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/mint", s.handleMint)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/burn", s.handleBurn)
		r.Post("/deposit-and-mint", s.handleDepositAndMint)
		r.Post("/burn-and-withdraw", s.handleBurnAndWithdraw)
		r.Post("/liquidate", s.handleLiquidate)
		r.Post("/flash/execute", s.handleFlashExecute)

		r.Get("/collateral", s.handleListCollateral)
		r.Get("/users/{addr}/position", s.handlePosition)
		r.Get("/users/{addr}/health", s.handleHealth)
		r.Get("/convert/usd-value", s.handleUsdValue)
		r.Get("/convert/token-amount", s.handleTokenAmount)
		r.Get("/flash/config", s.handleFlashConfig)

		if cfg.Query != nil {
			r.Get("/history/liquidations", s.handleLiquidationHistory)
			r.Get("/history/flash", s.handleFlashHistory)
			r.Get("/history/prices/{feed}", s.handlePriceHistory)
			r.Get("/history/positions/{addr}", s.handleProjectedPosition)
		}

		if cfg.AdminKey != "" {
			r.Route("/admin/flash", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Put("/fee-recipient", s.handleSetFeeRecipient)
				r.Put("/fee-rate", s.handleSetFeeRate)
				r.Put("/pause", s.handleSetPaused)
			})
		}
	})

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")

		if s.cfg.Metrics != nil {
			// Route pattern, not raw path, keeps label cardinality bounded.
			endpoint := chi.RouteContext(r.Context()).RoutePattern()
			s.cfg.Metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			s.cfg.Metrics.QueryDuration.WithLabelValues(endpoint).
				Observe(time.Since(start).Seconds())
			if ww.Status() >= 400 {
				s.cfg.Metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
			}
		}
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bad admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
