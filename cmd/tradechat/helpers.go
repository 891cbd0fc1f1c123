package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	tradechat "github.com/tradepost/tradechat/sdk/golang"
)

// getClient creates a client authenticated with the stored token.
func getClient() (*tradechat.Client, *Config) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'tradechat login <token>' first.")
		os.Exit(1)
	}
	return newClient(cfg, cfg.Auth.Token), cfg
}

func newClient(cfg *Config, token string) *tradechat.Client {
	var opts []tradechat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tradechat.WithBaseURL(cfg.Default.BaseURL))
	}
	return tradechat.NewClient(token, opts...)
}

// realtimeURL returns the configured websocket endpoint, or <base-url>/ws.
func realtimeURL(cfg *Config) (string, error) {
	if cfg.Default.RealtimeURL != "" {
		return cfg.Default.RealtimeURL, nil
	}
	base := cfg.Default.BaseURL
	if base == "" {
		base = tradechat.DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	return u.JoinPath("ws").String(), nil
}

func newLogger(cfg *Config) zerolog.Logger {
	return tradechat.NewLogger(tradechat.LogConfig{
		Level:  valueOrDefault(cfg.Log.Level, "warn"),
		Pretty: cfg.Log.Pretty,
	})
}

// apiError formats an API error for display.
func apiError(err error) error {
	var apiErr *tradechat.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != "" {
			return fmt.Errorf("API error: %s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("API error (http %d): %s", apiErr.Status, apiErr.Message)
	}
	return fmt.Errorf("request failed: %w", err)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	local := t.Local()
	if time.Since(local) < 24*time.Hour {
		return local.Format(time.Kitchen)
	}
	return local.Format("Jan 2 15:04")
}
