package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
)

// clientOptions picks the API base URL from the config.
func clientOptions(cfg *Config) []clenzy.ClientOption {
	var opts []clenzy.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, clenzy.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != string(clenzy.Production) {
		opts = append(opts, clenzy.WithEnvironment(clenzy.Environment(cfg.Default.Environment)))
	}
	return opts
}

// identityFromConfig returns the stored identity, or the zero identity when
// signed out or the token has expired at now.
func identityFromConfig(cfg *Config, now time.Time) clenzy.Identity {
	if cfg.Auth.AccessToken == "" || cfg.Auth.UserID == "" {
		return clenzy.Identity{}
	}
	if tokenExpired(cfg.Auth.TokenExpires, now) {
		return clenzy.Identity{}
	}
	return clenzy.Identity{UserID: cfg.Auth.UserID, AccessToken: cfg.Auth.AccessToken}
}

func tokenExpired(expires string, now time.Time) bool {
	if expires == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return false
	}
	return !now.Before(t)
}

// getSession creates a session for the signed-in user without connecting the
// realtime channel. Commands that only query or mutate need no socket.
func getSession() *clenzy.Session {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	identity := identityFromConfig(cfg, time.Now())
	if identity.IsZero() {
		fmt.Fprintln(os.Stderr, "Not signed in (or token expired). Run 'clenzy login <user-id> <access-token>' first.")
		os.Exit(1)
	}
	return clenzy.NewSession(clenzy.NewAuthStore(identity), clenzy.SessionConfig{
		ClientOptions: clientOptions(cfg),
		Logger:        slog.Default(),
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
