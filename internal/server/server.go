// Package server assembles the escrow engine, chain adapters, and HTTP API
// into one runnable process.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // postgres driver

	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain/evm"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain/utxo"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/chain/xrpl"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/circuitbreaker"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/config"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/confirm"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/escrow"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/health"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/logging"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/ratelimit"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/realtime"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/reconciliation"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/traces"
)

const apiVersion = "0.1.0"

// Server owns every long-lived component: the store, chain adapters, escrow
// engine, realtime hub, and the gin router that fronts them.
type Server struct {
	cfg            *config.Config
	store          escrow.Store
	chains         *chain.Registry
	service        *escrow.Service
	queue          *escrow.Queue
	poller         *escrow.Poller
	hub            *realtime.Hub
	reconciler     *reconciliation.Service
	reconTimer     *reconciliation.Timer
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	evmClient      *evm.Client // nil unless the eth adapter was built here
	db             *sql.DB     // nil when running on the in-memory store
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	stopWorkers    context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAdapters injects pre-built chain adapters instead of dialing the RPC
// endpoints named in config.
func WithAdapters(adapters ...chain.Adapter) Option {
	return func(s *Server) {
		reg := chain.NewRegistry()
		for _, a := range adapters {
			reg.Register(a)
		}
		s.chains = reg
	}
}

// New wires a server together from config. Nothing listens or polls until
// Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFmt),
	}
	for _, opt := range opts {
		opt(s)
	}

	shutdownTraces, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if err := s.openStore(); err != nil {
		return nil, err
	}

	if s.chains == nil {
		if err := s.buildAdapters(); err != nil {
			return nil, err
		}
	}
	if len(s.chains.IDs()) == 0 {
		return nil, errors.New("no chain adapters configured")
	}

	s.buildEngine()
	s.buildReconciler()
	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.installMiddleware()
	s.installRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStore picks Postgres when DATABASE_URL is set and falls back to the
// in-memory store otherwise.
func (s *Server) openStore() error {
	if s.cfg.DatabaseURL == "" {
		s.store = escrow.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, escrow state is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	s.db = db
	s.store = escrow.NewPostgresStore(db)
	metrics.RegisterDBStats(db)
	s.logger.Info("postgres store ready", "dsn", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// buildEngine assembles the escrow service with its confirmation checker,
// scheduler queue, poller, and realtime hub.
func (s *Server) buildEngine() {
	minimums := make(map[string]int64)
	for id, cc := range s.cfg.Chains {
		if s.cfg.Enabled(id) {
			minimums[id] = cc.MinConfirmations
		}
	}
	checker := confirm.New(s.chains, minimums, circuitbreaker.New(0, 0))

	s.service = escrow.NewService(s.store, s.chains, checker).
		WithFees(s.cfg.BrokerFeePct, s.cfg.MaxRoyaltyPct).
		WithTTL(s.cfg.EscrowTTL).
		WithLogger(s.logger)
	for id, cc := range s.cfg.Chains {
		if s.cfg.Enabled(id) && cc.BrokerAddress != "" {
			s.service.WithBroker(id, cc.BrokerAddress)
		}
	}

	s.queue = escrow.NewQueue()
	s.service.WithScheduler(s.queue)
	s.poller = escrow.NewPoller(s.service, s.queue, s.cfg.PollInterval, s.logger)

	s.hub = realtime.NewHub(s.logger, s.cfg.AllowedOrigins)
	s.service.WithEventSink(s.hub)
}

// buildReconciler pairs every enabled chain's broker account with its
// adapter for the periodic custody check.
func (s *Server) buildReconciler() {
	custodians := make(map[string]reconciliation.Custodian)
	for _, id := range s.chains.IDs() {
		adapter, err := s.chains.Get(id)
		if err != nil {
			continue
		}
		if cc, ok := s.cfg.Chains[id]; ok && cc.BrokerAddress != "" {
			custodians[id] = reconciliation.Custodian{Reader: adapter, Account: cc.BrokerAddress}
		}
	}
	s.reconciler = reconciliation.NewService(s.store, custodians)
	s.reconciler.SetAlertThreshold(s.cfg.ReconcileAlertThreshold)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger)
}

// buildAdapters constructs one adapter per enabled chain from config. The
// eth client is kept separately so its RPC connection can be closed on
// shutdown.
func (s *Server) buildAdapters() error {
	reg := chain.NewRegistry()

	for _, id := range []string{chain.XRPL, chain.ETH, chain.BTC} {
		if !s.cfg.Enabled(id) {
			continue
		}
		cc := s.cfg.Chains[id]

		switch id {
		case chain.XRPL:
			signer, err := xrpl.NewNodeSigner(cc.RPCURL, cc.BrokerAddress, cc.BrokerSecret)
			if err != nil {
				return fmt.Errorf("xrpl signer: %w", err)
			}
			adapter, err := xrpl.New(cc.RPCURL, cc.RPCAuthToken, signer)
			if err != nil {
				return fmt.Errorf("xrpl adapter: %w", err)
			}
			reg.Register(adapter)
			s.logger.Info("xrpl adapter enabled", "rpc", cc.RPCURL, "broker", cc.BrokerAddress)

		case chain.ETH:
			signer, err := evm.NewKeySigner(cc.BrokerSecret)
			if err != nil {
				return fmt.Errorf("eth signer: %w", err)
			}
			adapter, err := evm.New(evm.Config{
				RPCURL:        cc.RPCURL,
				ChainID:       cc.ChainID,
				TokenContract: cc.TokenContract,
			}, signer)
			if err != nil {
				return fmt.Errorf("eth adapter: %w", err)
			}
			s.evmClient = adapter
			reg.Register(adapter)
			s.logger.Info("eth adapter enabled",
				"rpc", cc.RPCURL,
				"chainId", cc.ChainID,
				"broker", signer.Address(),
			)

		case chain.BTC:
			adapter, err := utxo.New(cc.RPCURL, cc.RPCAuthToken, cc.BrokerAddress)
			if err != nil {
				return fmt.Errorf("btc adapter: %w", err)
			}
			reg.Register(adapter)
			s.logger.Info("btc adapter enabled", "rpc", cc.RPCURL, "custody", cc.BrokerAddress)
		}
	}

	s.chains = reg
	return nil
}

// registerHealthChecks wires the store and every adapter into /health.
// Chain checks read the broker balance: it exercises auth, connectivity,
// and account existence in one call.
func (s *Server) registerHealthChecks() {
	s.checks = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	} else {
		s.checks.Register("store", func(ctx context.Context) health.Status {
			return health.Status{Healthy: true, Detail: "in-memory"}
		})
	}

	for _, id := range s.chains.IDs() {
		adapter, err := s.chains.Get(id)
		if err != nil {
			continue
		}
		account := s.cfg.Chains[id].BrokerAddress
		s.checks.Register("chain:"+id, func(ctx context.Context) health.Status {
			if _, err := adapter.Balance(ctx, account); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
}

// maskDSN strips credentials from a connection string before logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

// Router exposes the gin engine to tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
