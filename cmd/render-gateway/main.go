// Command render-gateway serves render clients over WebSocket and HTTP and
// forwards their jobs to an external render engine.
//
// Configuration is read from the environment; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/render-gateway/auth"
	"github.com/ggoodman/render-gateway/cachestore"
	cachelogrus "github.com/ggoodman/render-gateway/cachestore/log/logrus"
	cacheslog "github.com/ggoodman/render-gateway/cachestore/log/slog"
	cachezap "github.com/ggoodman/render-gateway/cachestore/log/zap"
	"github.com/ggoodman/render-gateway/cachestore/redistier"
	"github.com/ggoodman/render-gateway/cachestore/sloghooks"
	"github.com/ggoodman/render-gateway/config"
	"github.com/ggoodman/render-gateway/httpgateway"
	"github.com/ggoodman/render-gateway/internal/engine"
	"github.com/ggoodman/render-gateway/internal/resproxy"
	"github.com/ggoodman/render-gateway/render"
	"github.com/ggoodman/render-gateway/render/httpengine"
	"github.com/ggoodman/render-gateway/sessions"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "render-gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache, err := newCache(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(context.Background()); err != nil {
			logger.Warn("cache.close.fail", slog.String("err", err.Error()))
		}
	}()

	reg := sessions.NewRegistry()
	var templates *sessions.TemplateStore
	if cfg.Templates {
		templates = sessions.NewTemplateStore()
	}

	eng, err := httpengine.New(cfg.Render.EngineURL)
	if err != nil {
		return err
	}
	svc := render.NewService(render.NewPool(eng, cfg.Render.Concurrency, cfg.Render.Timeout), templates, cfg.PublicURL)

	authn, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	var proxyOpts []resproxy.Option
	proxyOpts = append(proxyOpts, resproxy.WithLogger(logger))
	if cfg.Favicon != "" {
		proxyOpts = append(proxyOpts, resproxy.WithFavicon(cfg.Favicon))
	}

	h, err := httpgateway.New(reg, templates, svc, resproxy.New(reg, cache, proxyOpts...), authn,
		httpgateway.WithLogger(logger),
		httpgateway.WithSessionConfig(engine.Config{
			Templates:     cfg.Templates,
			GracePeriod:   cfg.Session.Grace,
			ActiveTimeout: cfg.Session.Active,
			StaticTimeout: cfg.Session.StaticTimeout,
		}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server.listen", slog.String("addr", srv.Addr), slog.String("public_url", cfg.PublicURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newCache(cfg *config.Config, logger *slog.Logger) (*cachestore.Store, error) {
	codec, err := cachestore.ParseCodec(cfg.Cache.Codec)
	if err != nil {
		return nil, err
	}

	var durable cachestore.Tier
	if cfg.Cache.RedisAddr != "" {
		durable, err = redistier.New(redistier.Config{
			Client:      redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr}),
			KeyPrefix:   cfg.Cache.RedisPrefix,
			TTL:         cfg.Cache.RedisTTL,
			CloseClient: true,
		})
	} else {
		durable, err = cachestore.NewDiskTier(cfg.Cache.Dir)
	}
	if err != nil {
		return nil, fmt.Errorf("cache tier: %w", err)
	}

	cacheLog, err := newCacheLogger(cfg.Cache.Logger, logger)
	if err != nil {
		return nil, err
	}

	return cachestore.New(cachestore.Options{
		MaxKeys: cfg.Cache.MaxKeys,
		TTL:     cfg.Cache.TTL,
		Durable: durable,
		Codec:   codec,
		Logger:  cacheLog,
		Hooks:   sloghooks.New(logger.With(slog.String("component", "cache")), sloghooks.Options{}),
	})
}

func newCacheLogger(backend string, logger *slog.Logger) (cachestore.Logger, error) {
	switch backend {
	case "", "slog":
		return cacheslog.Logger{L: logger.With(slog.String("component", "cache"))}, nil
	case "zap":
		z, err := zap.NewProduction()
		if err != nil {
			return nil, fmt.Errorf("zap: %w", err)
		}
		return cachezap.Logger{L: z.With(zap.String("component", "cache"))}, nil
	case "logrus":
		l := logrus.New()
		l.SetFormatter(&logrus.JSONFormatter{})
		return cachelogrus.Logger{E: l.WithField("component", "cache")}, nil
	}
	return nil, fmt.Errorf("unknown CACHE_LOGGER %q", backend)
}

func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	static, err := auth.NewStaticToken(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if cfg.JWT.Issuer == "" {
		return static, nil
	}

	jc := auth.JWTConfig{Issuer: cfg.JWT.Issuer}
	if cfg.JWT.Audience != "" {
		jc.Audiences = []string{cfg.JWT.Audience}
	}
	var jwtAuth auth.Authenticator
	if cfg.JWT.JWKSURL != "" {
		jwtAuth, err = auth.NewJWKS(ctx, cfg.JWT.JWKSURL, jc)
	} else {
		jwtAuth, err = auth.NewHMAC([]byte(cfg.JWT.Secret), jc)
	}
	if err != nil {
		return nil, fmt.Errorf("jwt: %w", err)
	}
	return auth.AnyOf(static, jwtAuth), nil
}
