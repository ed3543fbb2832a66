package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/api"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/auth"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/capture"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/clock"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/config"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/handlers"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/middleware"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/models"
	"github.com/Gonzales-Franz-Reinaldo/sistema-deteccion-somnolencia/monitor/stream"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "drowsiness-monitor-agent"

// refreshLead is how long before expiry the access token is renewed. It
// also caps the wait between failed refresh attempts.
const refreshLead = time.Minute

type Agent struct {
	router      *gin.Engine
	logger      *zap.Logger
	config      *config.Config
	apiClient   *api.Client
	credentials *auth.Credentials
	stream      *stream.Client
	pump        *capture.Pump
	rateLimiter *middleware.RateLimiter
	clock       clock.Clock
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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	agent, err := NewAgent(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create agent", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Authenticate(ctx); err != nil {
		logger.Error("Authentication failed, stream will not connect", zap.Error(err))
	}

	if cfg.Stream.AutoConnect {
		if err := agent.stream.Connect(ctx); err != nil {
			logger.Warn("Initial stream connect did not succeed", zap.Error(err))
		}
	}

	go agent.keepTokenFresh(ctx)

	var pumpDone sync.WaitGroup
	pumpCtx, stopPump := context.WithCancel(context.Background())
	if agent.pump != nil {
		pumpDone.Add(1)
		go func() {
			defer pumpDone.Done()
			agent.pump.Run(pumpCtx)
		}()
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      agent.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting control API",
			zap.String("addr", cfg.Addr()),
			zap.String("environment", cfg.Server.Environment),
			zap.String("session_id", agent.stream.ID()))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start control API", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stopPump()
	pumpDone.Wait()

	agent.stream.Disconnect()
	agent.rateLimiter.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control API forced to shutdown", zap.Error(err))
	}

	if token := agent.credentials.Token(); token != "" && cfg.Auth.Token == "" {
		if err := agent.apiClient.Logout(shutdownCtx, token); err != nil {
			logger.Warn("Logout failed", zap.Error(err))
		}
	}
	agent.credentials.Clear()

	logger.Info("Agent exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	return zapConfig.Build()
}

func NewAgent(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	apiClient := api.NewClient(cfg.API.BaseURL, &api.ClientConfig{
		Timeout:    cfg.API.Timeout,
		MaxRetries: cfg.API.MaxRetries,
		RetryDelay: cfg.API.RetryDelay,
	}, logger.Named("api"))

	credentials := auth.NewCredentials()

	endpoint, err := stream.Endpoint(cfg.API.BaseURL, cfg.API.StreamPath)
	if err != nil {
		return nil, err
	}

	streamClient := stream.NewClient(credentials, stream.Options{
		Endpoint:             endpoint,
		ReconnectDelay:       cfg.Stream.ReconnectDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		PingInterval:         cfg.Stream.PingInterval,
		Dialer:               stream.NewWebSocketDialer(cfg.Stream.HandshakeTimeout, cfg.Stream.ReadLimit),
		Clock:                clock.Real(),
		Logger:               logger.Named("stream"),
		OnMessage:            alertLogger(logger.Named("alerts")),
	})

	var pump *capture.Pump
	if cfg.Capture.FramesDir != "" {
		source, err := capture.NewDirSource(cfg.Capture.FramesDir, cfg.Capture.DataURL)
		if err != nil {
			return nil, err
		}
		pump = capture.NewPump(source, streamClient, clock.Real(), capture.PumpConfig{
			Interval:       cfg.Capture.FrameInterval,
			SkipDuplicates: cfg.Capture.SkipDuplicates,
		}, logger.Named("capture"))
		logger.Info("Frame pump configured",
			zap.String("dir", cfg.Capture.FramesDir),
			zap.Int("frames", source.Len()),
			zap.Bool("skip_duplicates", cfg.Capture.SkipDuplicates))
	}

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	authMiddleware := middleware.NewAuthMiddleware(credentials, logger)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))

	sessionHandler := handlers.NewSessionHandler(streamClient, logger)

	statsSources := map[string]handlers.StatsSource{
		"stream":       func() any { return streamClient.Snapshot().Stats },
		"rate_limiter": func() any { return rateLimiter.GetGlobalStats() },
	}
	if pump != nil {
		statsSources["capture"] = func() any { return pump.Stats() }
	}
	statsHandler := handlers.NewStatsHandler(statsSources)

	var guard gin.HandlerFunc
	if cfg.Security.RequireRole {
		guard = authMiddleware.RequireRole(models.RoleDriver, models.RoleAdmin)
	}

	setupRoutes(router, sessionHandler, statsHandler, guard, authMiddleware, rateLimiter)

	return &Agent{
		router:      router,
		logger:      logger,
		config:      cfg,
		apiClient:   apiClient,
		credentials: credentials,
		stream:      streamClient,
		pump:        pump,
		rateLimiter: rateLimiter,
		clock:       clock.Real(),
	}, nil
}

// Authenticate fills the credentials from the configured token, or logs in
// with the configured username and password.
func (a *Agent) Authenticate(ctx context.Context) error {
	switch {
	case a.config.Auth.Token != "":
		a.credentials.SetAccessToken(a.config.Auth.Token)
		if user, err := a.apiClient.Me(ctx, a.config.Auth.Token); err == nil {
			a.credentials.Login(&models.AuthResponse{AccessToken: a.config.Auth.Token, User: *user})
		} else {
			a.logger.Warn("Could not load the user for the configured token", zap.Error(err))
		}
	case a.config.Auth.Username != "" && a.config.Auth.Password != "":
		resp, err := a.apiClient.Login(ctx, a.config.Auth.Username, a.config.Auth.Password)
		if err != nil {
			return err
		}
		a.credentials.Login(resp)
	default:
		return auth.ErrNoSession
	}

	session, err := a.credentials.Session()
	if err != nil {
		return err
	}
	a.logger.Info("Authenticated",
		zap.String("username", session.Username),
		zap.String("role", string(session.Role)))

	status, err := a.apiClient.MonitoringStatus(ctx, session.AccessToken)
	if err != nil {
		a.logger.Warn("Monitoring status unavailable", zap.Error(err))
		return nil
	}
	a.logger.Info("Monitoring service ready", zap.String("status", status.Status))
	return nil
}

// keepTokenFresh swaps in a new access token shortly before the current one
// expires, for sessions that came from a login. Failed refreshes are retried
// with a growing delay until the backend rejects the refresh token.
func (a *Agent) keepTokenFresh(ctx context.Context) {
	failures := 0
	for {
		session, err := a.credentials.Session()
		if err != nil || session.RefreshToken == "" || session.ExpiresAt.IsZero() {
			return
		}

		wait := session.ExpiresAt.Sub(a.clock.Now()) - refreshLead
		if failures > 0 {
			wait = a.config.API.RetryDelay * time.Duration(failures)
			if wait <= 0 || wait > refreshLead {
				wait = refreshLead
			}
		}
		if !sleep(ctx, a.clock, wait) {
			return
		}

		resp, err := a.apiClient.Refresh(ctx, session.RefreshToken)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.Unauthorized() {
				a.logger.Error("Refresh token rejected, token refresh stopped", zap.Error(err))
				return
			}
			failures++
			a.logger.Warn("Token refresh failed, will retry",
				zap.Int("failures", failures),
				zap.Error(err))
			continue
		}

		failures = 0
		a.credentials.SetAccessToken(resp.AccessToken)
		a.logger.Info("Access token refreshed")
	}
}

// sleep waits d on clk and reports false if ctx ended first.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	fired := make(chan struct{})
	timer := clk.AfterFunc(d, func() { close(fired) })
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-fired:
		return true
	}
}

func alertLogger(logger *zap.Logger) func(models.StreamMessage) {
	return func(msg models.StreamMessage) {
		alerts := msg.Report.Alerts()
		if len(alerts) == 0 {
			return
		}

		names := make([]string, len(alerts))
		for i, alert := range alerts {
			names[i] = string(alert)
		}
		logger.Warn("Drowsiness events detected",
			zap.String("marca_tiempo", msg.Report.Timestamp),
			zap.Strings("events", names),
			zap.Int("microsueno", msg.Report.Microsleep.Count),
			zap.Int("bostezo", msg.Report.Yawn.Count))
	}
}

func setupRoutes(router *gin.Engine, sessionHandler *handlers.SessionHandler, statsHandler *handlers.StatsHandler, guard gin.HandlerFunc, auth *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter) {
	// Health check (no auth required)
	router.GET("/health", middleware.HealthCheck(serviceName))

	api := router.Group("/api/v1")
	api.Use(rateLimiter.RateLimit())
	{
		session := api.Group("/session")
		if guard != nil {
			session.Use(guard)
		}
		{
			session.GET("", sessionHandler.GetSession)
			session.GET("/report", sessionHandler.GetReport)
			session.POST("/connect", sessionHandler.Connect)
			session.POST("/disconnect", sessionHandler.Disconnect)
			session.POST("/frames", sessionHandler.PushFrame)
		}

		admin := api.Group("/admin")
		admin.Use(auth.RequireRole(models.RoleAdmin))
		{
			admin.GET("/stats", statsHandler.GetStats)
		}
	}
}
