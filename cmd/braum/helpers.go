package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"

	braum "github.com/braumchat/braumchat/sdk/golang"
)

// newClient creates an unauthenticated client for the configured server.
func newClient(cfg *Config) *braum.Client {
	opts := []braum.ClientOption{braum.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, braum.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.HistoryLimit > 0 {
		opts = append(opts, braum.WithHistoryLimit(cfg.Default.HistoryLimit))
	}
	return braum.NewClient(opts...)
}

// authenticatedClient creates a client whose requests carry the stored
// access token, renewing it through the refresh token when it nears
// expiry. Renewed tokens are written back to the config file.
func authenticatedClient() (*braum.Client, *braum.JWTTokenSupplier, *Config, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.AccessToken == "" {
		return nil, nil, nil, errors.New("not logged in; run 'braum login <username>' first")
	}

	client := newClient(cfg)
	supplier := braum.NewJWTTokenSupplier(client, &braum.Tokens{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
	},
		braum.WithSupplierLogger(logger),
		braum.OnTokensRefreshed(func(t braum.Tokens) {
			stored, err := loadConfig()
			if err != nil {
				logger.Warn("cannot persist refreshed tokens", "error", err)
				return
			}
			stored.Auth.AccessToken = t.AccessToken
			stored.Auth.RefreshToken = t.RefreshToken
			if err := saveConfig(stored); err != nil {
				logger.Warn("cannot persist refreshed tokens", "error", err)
			}
		}),
	)
	client.SetTokenSupplier(supplier)
	return client, supplier, cfg, nil
}

// sessionConfig maps the [realtime] section onto the SDK configuration.
func sessionConfig(cfg *Config, metrics *braum.Metrics) braum.SessionConfig {
	sc := braum.SessionConfig{
		Realtime: braum.RealtimeConfig{
			HeartbeatInterval: duration(cfg.Realtime.HeartbeatInterval),
		},
		PollInterval: duration(cfg.Realtime.PollInterval),
		EchoTimeout:  duration(cfg.Realtime.EchoTimeout),
		Logger:       logger,
		Metrics:      metrics,
	}
	if d := duration(cfg.Realtime.ReconnectDelay); d > 0 {
		sc.Realtime.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
	}
	return sc
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
