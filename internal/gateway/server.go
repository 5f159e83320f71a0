package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skyfleet/gateway/config"
	"github.com/skyfleet/gateway/internal/auth"
	"github.com/skyfleet/gateway/internal/errors"
	"github.com/skyfleet/gateway/internal/health"
	"github.com/skyfleet/gateway/internal/hub"
	"github.com/skyfleet/gateway/internal/logging"
	"github.com/skyfleet/gateway/internal/metrics"
	"github.com/skyfleet/gateway/internal/middleware"
	"github.com/skyfleet/gateway/internal/proxy"
	"github.com/skyfleet/gateway/internal/publish"
	"github.com/skyfleet/gateway/internal/registry"
	"github.com/skyfleet/gateway/internal/registry/consul"
	"github.com/skyfleet/gateway/internal/registry/memory"
	"github.com/skyfleet/gateway/internal/router"
	"github.com/skyfleet/gateway/internal/websocket"
)

// publishPrefix is the publisher-ingress mount point on the main listener.
const publishPrefix = "/publish"

// Server is the composition root: every component is built here with its
// collaborators passed in, and the process lifecycle runs through it.
type Server struct {
	cfg        *config.Config
	configPath string

	driver       registry.Registry
	regClient    *registry.Client
	revocation   *auth.RedisRevocationSet // nil without redis
	table        *router.Table
	observations *health.Log
	prober       *health.Prober
	hub          *hub.Hub
	ingress      *Ingress
	collector    *metrics.Collector

	httpServer  *http.Server
	adminServer *http.Server

	selfID     string
	background context.CancelFunc
	listeners  *errgroup.Group
}

// NewServer builds the full component graph from configuration.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var driver registry.Registry
	var err error
	switch cfg.Registry.Type {
	case "memory":
		driver = memory.New()
	default:
		driver, err = consul.New(cfg.Registry)
		if err != nil {
			return nil, fmt.Errorf("connect registry: %w", err)
		}
	}

	table := router.New(cfg.Routes, cfg.Proxy.DefaultTimeout, cfg.Proxy.DefaultRetries)

	regClient := registry.NewClient(driver, cfg.Registry.RefreshInterval, cfg.Registry.StalenessBound)
	for _, name := range table.Backends() {
		regClient.Track(name)
	}

	var revocationSet auth.RevocationSet
	var redisRevocation *auth.RedisRevocationSet
	if cfg.Auth.Revocation.RedisAddr != "" {
		redisRevocation = auth.NewRedisRevocationSet(cfg.Auth.Revocation)
		revocationSet = redisRevocation
	} else {
		revocationSet = auth.StaticRevocationSet{}
	}
	verifier := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience, revocationSet)

	collector := metrics.NewCollector()
	observations := health.NewLog(0)

	engine := proxy.NewEngine(regClient, observations, collector)
	tunnel := websocket.NewTunnel(regClient, observations)

	snapshots := publish.NewSnapshotCache(0)
	h := hub.New(cfg.Hub, collector, snapshots, cfg.CORS.AllowOrigins)
	publisher := publish.NewIngress(h, snapshots, collector)

	ingress := NewIngress(table, verifier, engine, tunnel, h, collector)
	prober := health.NewProber(regClient, observations, cfg.Proxy.ProbeInterval, cfg.Proxy.ProbeTimeout)
	admin := NewAdmin(regClient, observations, h, table, collector)

	mux := http.NewServeMux()
	mux.Handle(publishPrefix, middleware.NewChain(VerifyAuthenticated(verifier)).Then(publisher))
	// Liveness on the main listener, where the registry health check lands.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		errors.WriteOK(w, r, http.StatusOK, "ok", nil)
	})
	mux.Handle("/", ingress)

	chain := middleware.NewChain(
		middleware.RequestID(),
		middleware.Recovery(),
		middleware.AccessLog(),
		middleware.CORS(cfg.CORS.AllowOrigins),
	)

	s := &Server{
		cfg:          cfg,
		driver:       driver,
		regClient:    regClient,
		revocation:   redisRevocation,
		table:        table,
		observations: observations,
		prober:       prober,
		hub:          h,
		ingress:      ingress,
		collector:    collector,
		httpServer: &http.Server{
			Addr:              cfg.Listen.Addr(),
			Handler:           chain.Then(mux),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Admin.Port),
			Handler:           middleware.NewChain(middleware.RequestID(), middleware.Recovery()).Then(admin.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// SetConfigPath enables SIGHUP route reloads from the given file.
func (s *Server) SetConfigPath(path string) { s.configPath = path }

// Start launches the background loops, registers the gateway with the
// service registry, and brings the listeners up.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.background = cancel

	if s.revocation != nil {
		s.revocation.Start(ctx)
	}
	s.regClient.Start(ctx)
	s.prober.Start(ctx)

	if err := s.registerSelf(ctx); err != nil {
		logging.Warn("self-registration failed", zap.Error(err))
	}

	g := &errgroup.Group{}
	s.listeners = g

	g.Go(func() error {
		logging.Info("ingress listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ingress listener: %w", err)
		}
		return nil
	})
	if s.adminServer != nil {
		g.Go(func() error {
			logging.Info("admin listening", zap.String("addr", s.adminServer.Addr))
			if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
	}
	return nil
}

func (s *Server) registerSelf(ctx context.Context) error {
	self := s.cfg.Registry.Self
	if self.Name == "" {
		return nil
	}
	address := self.Address
	if address == "" {
		address = s.cfg.Listen.Address
	}
	port := self.Port
	if port == 0 {
		port = s.cfg.Listen.Port
	}
	s.selfID = fmt.Sprintf("%s-%s", self.Name, uuid.New().String())
	return s.driver.Register(ctx, &registry.Instance{
		ID:      s.selfID,
		Name:    self.Name,
		Address: address,
		Port:    port,
	})
}

// Run starts the server and blocks until a termination signal. SIGHUP
// reloads the route table from the config file.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range quit {
		switch sig {
		case syscall.SIGHUP:
			if err := s.ReloadRoutes(); err != nil {
				logging.Error("route reload failed", zap.Error(err))
			} else {
				logging.Info("route table reloaded")
			}
		default:
			logging.Info("shutting down", zap.String("signal", sig.String()))
			return s.Shutdown(s.cfg.Shutdown.Deadline)
		}
	}
	return nil
}

// ReloadRoutes re-reads the config file and swaps the route table. The
// change is atomic: in-flight requests finish on the table they started on.
func (s *Server) ReloadRoutes() error {
	if s.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	cfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return err
	}
	s.table.Load(cfg.Routes, cfg.Proxy.DefaultTimeout, cfg.Proxy.DefaultRetries)
	for _, name := range s.table.Backends() {
		s.regClient.Track(name)
	}
	return nil
}

// Shutdown drains in order: refuse new work, finish in-flight HTTP, notify
// and close sockets, then deregister and stop the background loops.
func (s *Server) Shutdown(deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	s.ingress.StartDraining()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Warn("admin shutdown", zap.Error(err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Warn("ingress shutdown", zap.Error(err))
	}

	socketGrace := time.Second
	if t, ok := ctx.Deadline(); ok {
		if remaining := time.Until(t); remaining > socketGrace {
			socketGrace = remaining
		}
	}
	s.hub.Shutdown(socketGrace)

	if s.selfID != "" {
		if err := s.driver.Deregister(context.Background(), s.selfID); err != nil {
			logging.Warn("self-deregistration failed", zap.Error(err))
		}
	}

	s.prober.Stop()
	s.regClient.Stop()
	if s.revocation != nil {
		s.revocation.Stop()
	}
	if s.background != nil {
		s.background()
	}
	if err := s.driver.Close(); err != nil {
		logging.Warn("registry close", zap.Error(err))
	}

	err := s.listeners.Wait()
	logging.Info("shutdown complete")
	return err
}
