// Command mcp-gateway serves the MCP Streamable HTTP endpoint behind an
// OAuth2 authorization-code broker. Identity comes from an upstream IdP;
// tool calls fan out to the Telnyx API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/commsio/mcp-gateway/authbroker"
	"github.com/commsio/mcp-gateway/authstore"
	"github.com/commsio/mcp-gateway/authstore/memorystore"
	"github.com/commsio/mcp-gateway/authstore/redisstore"
	"github.com/commsio/mcp-gateway/dispatcher"
	"github.com/commsio/mcp-gateway/idp"
	"github.com/commsio/mcp-gateway/internal/logctx"
	"github.com/commsio/mcp-gateway/streaminghttp"
	"github.com/commsio/mcp-gateway/telnyx"
	"github.com/commsio/mcp-gateway/toolkit"
)

type config struct {
	Addr     string `env:"ADDR,default=:8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	JWTSecretKey       string `env:"JWT_SECRET_KEY,required"`
	JWTExpirationHours int    `env:"JWT_EXPIRATION_HOURS,default=24"`

	// Upstream IdP. Either OIDC_ISSUER (discovery) or AZURE_TENANT_ID
	// (templated Microsoft endpoints) selects the endpoint set.
	OIDCIssuer   string `env:"OIDC_ISSUER"`
	TenantID     string `env:"AZURE_TENANT_ID"`
	ClientID     string `env:"AZURE_CLIENT_ID,required"`
	ClientSecret string `env:"AZURE_CLIENT_SECRET,required"`
	RedirectURI  string `env:"AZURE_REDIRECT_URI,default=http://localhost:8080/auth/callback"`

	TelnyxAPIKey string `env:"TELNYX_API_KEY,required"`

	// RedisAddr switches auth state to Redis; empty means in-memory.
	RedisAddr  string        `env:"REDIS_ADDR"`
	CodeTTL    time.Duration `env:"AUTH_CODE_TTL,default=60s"`
	SessionTTL time.Duration `env:"AUTH_SESSION_TTL,default=1h"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})})
	slog.SetDefault(log)

	var store authstore.Store
	if cfg.RedisAddr != "" {
		redisStore, err := redisstore.NewFromEnv()
		if err != nil {
			return fmt.Errorf("redis store: %w", err)
		}
		defer redisStore.Close()
		store = redisStore
		log.Info("store.redis", slog.String("addr", cfg.RedisAddr))
	} else {
		store = memorystore.New(
			memorystore.WithLogger(log),
			memorystore.WithCodeTTL(cfg.CodeTTL),
			memorystore.WithSessionTTL(cfg.SessionTTL),
		)
		log.Info("store.memory")
	}

	upstream, err := idp.New(ctx, idp.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TenantID:     cfg.TenantID,
		Issuer:       cfg.OIDCIssuer,
		RedirectURI:  cfg.RedirectURI,
	})
	if err != nil {
		return fmt.Errorf("idp: %w", err)
	}

	broker, err := authbroker.New(store, upstream, []byte(cfg.JWTSecretKey),
		authbroker.WithLogger(log),
		authbroker.WithTokenTTL(time.Duration(cfg.JWTExpirationHours)*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("auth broker: %w", err)
	}

	telnyxClient, err := telnyx.New(cfg.TelnyxAPIKey, telnyx.WithLogger(log))
	if err != nil {
		return fmt.Errorf("telnyx: %w", err)
	}
	registry := toolkit.NewRegistry(telnyx.Tools(telnyxClient)...)

	disp := dispatcher.New(registry,
		dispatcher.WithLogger(log),
		dispatcher.WithFlattenOverrides(telnyx.FlattenOverrides()),
	)
	transport := streaminghttp.New(disp, broker, streaminghttp.WithLogger(log))

	mux := http.NewServeMux()
	broker.Routes(mux)
	transport.Routes(mux)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           streaminghttp.RequestLogger(log, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.start", slog.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info("server.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
