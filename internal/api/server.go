// Package api serves the game's HTTP endpoints and mounts the confirmation
// relay.
package api

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tfgems/crumbz/internal/credit"
	"github.com/tfgems/crumbz/internal/ledger"
	"github.com/tfgems/crumbz/internal/logger"
	"github.com/tfgems/crumbz/internal/reconcile"
)

// NativeDecimals is the precision of the chain's native coin.
const NativeDecimals = 18

type ManualBurner interface {
	ManualBurn(ctx context.Context, amount *big.Int) (reconcile.ManualResult, error)
}

type Claims interface {
	Enqueue(ctx context.Context, address string, amount *big.Int) ([]credit.Claim, error)
}

type Records interface {
	Load(ctx context.Context, address string) (credit.UserRecord, error)
}

type Config struct {
	Ledger  ledger.Client
	Burner  ManualBurner
	Claims  Claims
	Records Records
	// WS serves the relay endpoint; nil leaves /ws unmounted.
	WS http.Handler
	// WatcherState reports the deposit watcher's state for /healthz.
	WatcherState func() string

	Decimals  int
	Symbol    string
	StaticDir string

	AirdropRatePerMinute float64
	AirdropBurst         int
	// RequestTimeout bounds handlers that wait on the ledger.
	RequestTimeout time.Duration

	Log *logger.Logger
}

type Server struct {
	cfg     Config
	log     *logger.Logger
	limiter *rateLimiter
	router  http.Handler
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = logger.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	s := &Server{
		cfg:     cfg,
		log:     cfg.Log.Named("api"),
		limiter: newRateLimiter(cfg.AirdropRatePerMinute, cfg.AirdropBurst),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())
	if s.cfg.WS != nil {
		r.Handle("/ws", s.cfg.WS)
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/balance", s.nativeBalance)
		api.Get("/token-balance", s.tokenBalance)
		api.Get("/transaction-status", s.transactionStatus)
		api.Get("/users/{address}", s.user)

		api.Group(func(ledgerOps chi.Router) {
			ledgerOps.Use(s.withTimeout)
			ledgerOps.Post("/burn", s.burn)
			ledgerOps.Post("/mint", s.mint)
			ledgerOps.Post("/transfer", s.transfer)
			ledgerOps.Post("/claim", s.claim)
			ledgerOps.With(s.limiter.middleware).Post("/airdrop", s.airdrop)
		})
	})

	if s.cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// withTimeout bounds the request context. Handlers map the resulting
// deadline error themselves.
func (s *Server) withTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+" failed", err, zap.String("request_id", chimw.GetReqID(r.Context())))
	} else {
		s.log.Debug(op+" rejected", zap.Error(err))
	}
	writeError(w, status, err)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	status := http.StatusOK
	if s.cfg.WatcherState != nil {
		state := s.cfg.WatcherState()
		resp["watcher"] = state
		if state == "failed" {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}
