package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apihttp "github.com/ChidoriOS-CAF/android-external-perfetto/internal/api/http"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/api/middleware"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/api/ws"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/shm"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/taskrunner"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/domain/session"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/config"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/logging"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/probes"
)

// Server wraps the tracing service, its HTTP API and their dependencies
type Server struct {
	router  *gin.Engine
	loop    *taskrunner.Loop
	service *service.Service
	probe   *probes.StatsProbe
	manager *session.Manager
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// ServiceConfig translates the environment config into service limits
func ServiceConfig(cfg config.ServiceConfig) service.Config {
	var factory shm.Factory = shm.HeapFactory{}
	if cfg.ShmBackend == "memfd" {
		factory = shm.MemfdFactory{Name: "traced-shm"}
	}
	return service.Config{
		ShmFactory:         factory,
		ShmPageSize:        cfg.ShmPageSize,
		ShmDefaultSize:     cfg.ShmDefaultSize,
		ShmMaxSize:         cfg.ShmMaxSize,
		BufferPageSize:     cfg.BufferPageSize,
		MaxBufferSize:      cfg.MaxBufferSize,
		MaxBuffers:         cfg.MaxBuffers,
		NotifyRate:         rate.Limit(cfg.NotifyRate),
		NotifyBurst:        cfg.NotifyBurst,
		ReadBatchBytes:     cfg.ReadBatchBytes,
		QuarantineFailures: cfg.QuarantineFailures,
		QuarantineTimeout:  cfg.QuarantineTimeout,
	}
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing traced",
		zap.String("addr", cfg.Addr()),
		zap.String("shm_backend", cfg.Service.ShmBackend),
		zap.Int("max_buffers", cfg.Service.MaxBuffers),
	)

	// Metrics first, everything below records into them
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	loop := taskrunner.NewLoop(logger.Component("taskrunner"))
	svc := service.New(loop, ServiceConfig(cfg.Service), logger.Component("service"), metrics)

	var probe *probes.StatsProbe
	if cfg.Probes.StatsEnabled {
		probe = probes.NewStatsProbe(svc, cfg.Probes.StatsInterval, logger.Component("probes"))
		errc := make(chan error, 1)
		if err := loop.Do(context.Background(), func() { errc <- probe.Start() }); err != nil {
			loop.Stop()
			return nil, err
		}
		if err := <-errc; err != nil {
			loop.Stop()
			return nil, fmt.Errorf("failed to start stats probe: %w", err)
		}
		logger.Info("Stats probe started",
			zap.String("data_source", probes.StatsDataSource),
			zap.Duration("interval", cfg.Probes.StatsInterval))
	}

	manager := session.NewManager(loop, svc, logger.Component("consumer"))

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLog(logger.Component("http")))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins...)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	// Register routes
	handlers := apihttp.NewHandlers(manager, apihttp.NewHandlerMetrics(metrics), logger.Component("api"), cfg.Server.CallTimeout)
	handlers.Register(router)

	wsHandler := ws.NewHandler(manager, metrics, logger.Component("ws"))
	router.GET("/consumers/:id/stream", wsHandler.HandleConnection)

	metricsAggregator := apihttp.NewMetricsAggregator(metrics, manager)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))
	router.GET("/metrics/json", metricsAggregator.GetAggregatedMetrics)

	logger.Info("Server initialized successfully")

	return &Server{
		router:  router,
		loop:    loop,
		service: svc,
		probe:   probe,
		manager: manager,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}, nil
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP on the configured address until ctx is done, then shuts
// the listener down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		srv.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every consumer and producer and stops the task runner
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.manager.Close(ctx)
	err := s.loop.Do(ctx, func() {
		if s.probe != nil {
			s.probe.Stop()
		}
		s.service.Close()
	})
	s.loop.Stop()
	if err != nil && !errors.Is(err, taskrunner.ErrStopped) {
		s.logger.Error("Failed to close tracing service", zap.Error(err))
		return fmt.Errorf("failed to close tracing service: %w", err)
	}
	s.logger.Info("Tracing service closed")

	// Sync logger before exit
	_ = s.logger.Sync()

	return nil
}
