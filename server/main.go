package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/rider-fcw/server/config"
	"github.com/san-kum/rider-fcw/server/detector"
	"github.com/san-kum/rider-fcw/server/handlers"
	"github.com/san-kum/rider-fcw/server/metrics"
	"github.com/san-kum/rider-fcw/server/middleware"
	"github.com/san-kum/rider-fcw/server/processor"
	"github.com/san-kum/rider-fcw/server/profile"
	"github.com/san-kum/rider-fcw/server/telemetry"
)

const profileCacheNames = 256

type Server struct {
	router         *gin.Engine
	logger         *zap.Logger
	frameProcessor *processor.FrameProcessor
	detector       *detector.Client
	profiles       profile.Store
	bridge         *telemetry.Bridge
	rateLimiter    *middleware.RateLimiter
	cancel         context.CancelFunc
	config         *config.Config
}

func main() {
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	server.Close()

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format != "json" {
		zc = zap.NewDevelopmentConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zc.Level = level
	}
	if cfg.Output != "" {
		zc.OutputPaths = []string{cfg.Output}
	}
	return zc.Build()
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	tuning, err := config.LoadTuningConfig(cfg.Engine.TuningFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load tuning: %w", err)
	}

	profiles, err := openProfileStore(cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:   logger,
		profiles: profiles,
		cancel:   cancel,
		config:   cfg,
	}

	feed := telemetry.NewFeed(cfg.Engine.TelemetryMaxAge)
	deps := processor.Deps{Feed: feed, Profiles: profiles}

	if cfg.MQTT.Enabled {
		bridge, err := telemetry.NewBridge(cfg.MQTT, feed, logger)
		if err != nil {
			logger.Warn("MQTT unavailable, telemetry limited to HTTP and WebSocket", zap.Error(err))
		} else {
			s.bridge = bridge
			deps.Alerts = bridge
		}
	}

	var detectorHealth handlers.HealthReporter
	if cfg.Detector.Enabled {
		s.detector = detector.NewClient(cfg.Detector, logger)
		deps.Detector = s.detector
		detectorHealth = s.detector
		go s.detector.RunHealthChecker(ctx)
	}

	var fp *processor.FrameProcessor
	m := metrics.New(func() float64 { return float64(fp.ActiveSessions()) })
	deps.Metrics = m

	fp = processor.NewFrameProcessor(processor.NewSettings(cfg.Engine, tuning), deps, logger)
	s.frameProcessor = fp

	s.rateLimiter = middleware.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst, logger)
	auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders(cfg.Security.EnableHTTPS))
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.Timeout(cfg.Security.RequestTimeout))

	handlers.Register(router, handlers.Routes{
		Stream:      handlers.NewStreamHandler(fp, feed, detectorHealth, logger),
		WebSocket:   handlers.NewWebSocketHandler(fp, feed, cfg.Security.AllowedOrigins, logger),
		Calibration: handlers.NewCalibrationHandler(profiles, fp, m, logger),
		Metrics:     m.Handler(),
		MetricsIPs:  cfg.Security.MetricsIPs,
		Auth:        auth,
		RateLimiter: s.rateLimiter,
	})
	s.router = router

	return s, nil
}

func openProfileStore(cfg config.DatabaseConfig, logger *zap.Logger) (profile.Store, error) {
	if cfg.Path == "" {
		return profile.NewMemoryStore(profileCacheNames, logger), nil
	}
	store, err := profile.OpenSQLite(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}
	return store, nil
}

func (s *Server) Close() {
	s.cancel()

	if err := s.frameProcessor.Shutdown(); err != nil {
		s.logger.Error("Failed to shutdown frame processor", zap.Error(err))
	}
	s.rateLimiter.Shutdown()
	if s.bridge != nil {
		s.bridge.Close()
	}
	if err := s.profiles.Close(); err != nil {
		s.logger.Error("Failed to close profile store", zap.Error(err))
	}
}
