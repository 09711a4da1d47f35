package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"protracker/api"
	"protracker/config"
)

var (
	listenFlag string
	dbFlag     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the board gateway",
	Long:  `Serves role-scoped task views and optimistic status transitions over HTTP, with results streamed to clients as server-sent events.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenFlag, "listen", ":8080", "Listen address (LISTEN_ADDR)")
	serveCmd.Flags().StringVar(&dbFlag, "db", "protracker.db", "SQLite database path (SQLITE_PATH)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.StandardLogger()

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return err
	}

	rc := newRedis(cfg)
	if rc != nil {
		defer rc.Close()
	}
	b, err := openBackends(cfg, rc, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}

	sessions := api.NewSessions(b.backing, api.SessionOptions{
		Policy:       policy,
		Timeout:      cfg.TransitionTimeout,
		StreamBuffer: cfg.StreamBuffer,
	}, logger)

	opts := []api.GatewayOption{}
	for _, check := range b.checks() {
		opts = append(opts, api.WithHealthCheck(check))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if rc != nil {
		opts = append(opts, api.WithDeduper(api.NewRedisDeduper(rc, cfg.DeduperTTL)))
		go sessions.Listen(ctx, api.NewFanout(rc, "", logger), nil)
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; idempotency keys and cross-instance invalidation are disabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	api.Register(e, sessions, auth, logger, opts...)

	serverErr := make(chan error, 1)
	go func() {
		err := e.Start(cfg.ListenAddr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	logger.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Backend}).Info("gateway started")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			sessions.Close()
			return err
		}
	}

	// Closing sessions ends open event streams so Shutdown is not held by them.
	sessions.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	logger.Info("shutdown complete")
	return nil
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.LocalAuthMode == "hs256" {
		log.Warn("LOCAL_AUTH_MODE=hs256: accepting locally signed tokens")
		return api.NewLocalAuth([]byte(cfg.LocalAuthSecret)), nil
	}
	jwksURL := cfg.JWKSURL()
	if jwksURL == "" || cfg.Auth0Audience == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, cfg.Issuer()), nil
}
