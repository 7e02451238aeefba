package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prperemyshlev/ledger-connections/internal/config"
	"github.com/prperemyshlev/ledger-connections/internal/crypto"
	"github.com/prperemyshlev/ledger-connections/internal/handler"
	"github.com/prperemyshlev/ledger-connections/internal/platform"
	"github.com/prperemyshlev/ledger-connections/internal/repository"
	"github.com/prperemyshlev/ledger-connections/internal/service"
	"github.com/prperemyshlev/ledger-connections/internal/utils"
	"github.com/prperemyshlev/ledger-connections/pkg/observability"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	infra  Infrastructure
	config *config.Config
	router *gin.Engine
	server *http.Server
}

func NewApp(infra Infrastructure, cfg *config.Config) (*App, error) {
	repos := repository.NewRepositories(infra.Postgres())

	tokenCipher, err := crypto.NewTokenCipher(cfg.Encryption.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	sessionManager := utils.NewSessionManager(cfg.Session.Secret)
	stateManager := service.NewStateManager(cfg.Session.Secret, cfg.Platform.StateTTL.Duration)
	replayGuard := service.NewStateReplayGuard(infra.Redis())
	rateLimiter := service.NewRateLimiter(infra.Redis())
	healthChecker := NewHealthChecker(infra)

	platformClient := platform.NewClient(cfg.Platform)

	refreshEngine := service.NewRefreshEngine(
		repos.Connection,
		tokenCipher,
		platformClient,
		cfg.Platform.RefreshMargin.Duration,
		infra.Logger(),
	)

	connectionService := service.NewConnectionService(
		repos.Connection,
		tokenCipher,
		platformClient,
		stateManager,
		replayGuard,
		refreshEngine,
		cfg.Platform.StateTTL.Duration,
		infra.Logger(),
	)

	connectionHandler := handler.NewConnectionHandler(connectionService, cfg.Frontend.BaseURL)

	router := gin.Default()
	router.Use(otelgin.Middleware("connections-service"))
	router.Use(handler.LoggerMiddleware(infra.Logger()))
	router.Use(handler.CORSMiddleware(cfg.CORS.AllowedOrigins, cfg.CORS.AllowedMethods, cfg.CORS.AllowedHeaders))

	setupRoutes(router, cfg, connectionHandler, sessionManager, rateLimiter, healthChecker, infra.MetricsHandler())

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}

	return &App{
		infra:  infra,
		config: cfg,
		router: router,
		server: srv,
	}, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	connectionHandler *handler.ConnectionHandler,
	sessionManager *utils.SessionManager,
	rateLimiter *service.RateLimiter,
	healthChecker *HealthChecker,
	metricsHandler http.Handler,
) {
	router.GET("/metrics", observability.PrometheusHandler(metricsHandler))
	router.GET("/health", healthChecker.Handler)

	api := router.Group("/api/v1")
	{
		connections := api.Group("/connections")
		{
			connections.GET("/connect",
				handler.RateLimitMiddleware(rateLimiter, cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow.Duration, handler.IPBasedKey),
				handler.SessionMiddleware(sessionManager),
				connectionHandler.Connect,
			)
			// The platform redirects the browser here; identity is carried
			// by the signed state, not a session
			connections.GET("/callback",
				handler.RateLimitMiddleware(rateLimiter, cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow.Duration, handler.IPBasedKey),
				connectionHandler.Callback,
			)
			connections.GET("/status", handler.SessionMiddleware(sessionManager), connectionHandler.Status)
			connections.POST("/disconnect", handler.SessionMiddleware(sessionManager), connectionHandler.Disconnect)
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		a.infra.Logger().Info("Application starting",
			zap.String("host", a.config.Server.Host),
			zap.String("port", a.config.Server.Port),
		)

		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.infra.Logger().Error("Server error", zap.Error(err))
			errChan <- err
		}
	}()

	var serverErr error
	select {
	case err := <-errChan:
		a.infra.Logger().Error("Application failed to start", zap.Error(err))
		serverErr = err
	case <-ctx.Done():
		a.infra.Logger().Info("Application stopped by context")
	}

	if err := a.Shutdown(); err != nil {
		a.infra.Logger().Error("Shutdown error", zap.Error(err))
		if serverErr != nil {
			return errors.Join(serverErr, err)
		}
		return err
	}

	return serverErr
}

func (a *App) Shutdown() error {
	a.infra.Logger().Info("Application shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	errs := make(chan error, 2)

	go func() {
		errs <- a.server.Shutdown(ctx)
	}()

	go func() {
		errs <- a.infra.Shutdown(ctx)
	}()

	err := errors.Join(<-errs, <-errs)
	if err != nil {
		a.infra.Logger().Error("Shutdown failed", zap.Error(err))
		return err
	}

	a.infra.Logger().Info("Application exited successfully")
	return nil
}
