package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	clenzy "github.com/mazy06/clenzy-sub010"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	configDirOverride = dir
	t.Cleanup(func() { configDirOverride = "" })
	return dir
}

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	require.NoError(t, setConfigValue(cfg, "default.environment", "staging"))
	require.NoError(t, setConfigValue(cfg, "default.base_url", "http://localhost:8084"))
	require.NoError(t, setConfigValue(cfg, "default.log_level", "debug"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "kc-1"))
	require.NoError(t, setConfigValue(cfg, "auth.access_token", "tok"))
	require.NoError(t, setConfigValue(cfg, "auth.token_expires", "2026-01-01T00:00:00Z"))

	assert.Equal(t, ConfigDefault{Environment: "staging", BaseURL: "http://localhost:8084", LogLevel: "debug"}, cfg.Default)
	assert.Equal(t, ConfigAuth{AccessToken: "tok", UserID: "kc-1", TokenExpires: "2026-01-01T00:00:00Z"}, cfg.Auth)

	for _, key := range []string{"environment", "default.api_key", "auth.im_token", "other.field"} {
		assert.Error(t, setConfigValue(cfg, key, "x"), key)
	}
	assert.Error(t, setConfigValue(cfg, "default.log_level", "loud"))
}

func TestSetConfigValueValidates(t *testing.T) {
	cfg := &Config{}

	assert.ErrorContains(t, setConfigValue(cfg, "default.environment", "prod"), "unknown environment")
	assert.ErrorContains(t, setConfigValue(cfg, "default.base_url", "localhost:8084"), "absolute http(s) URL")
	assert.ErrorContains(t, setConfigValue(cfg, "default.base_url", "ftp://files.clenzy.fr"), "absolute http(s) URL")
	assert.ErrorContains(t, setConfigValue(cfg, "auth.token_expires", "tomorrow"), "RFC 3339")
	assert.ErrorContains(t, setConfigValue(cfg, "default.api_key", "x"), "default.base_url")
	assert.Equal(t, &Config{}, cfg, "rejected values are not stored")

	require.NoError(t, setConfigValue(cfg, "default.environment", "local"))
	assert.Equal(t, "local", cfg.Default.Environment)
}

func TestUnsetConfigValue(t *testing.T) {
	full := func() *Config {
		return &Config{
			Default: ConfigDefault{Environment: "staging", BaseURL: "http://x", LogLevel: "debug"},
			Auth:    ConfigAuth{AccessToken: "tok", UserID: "kc-1", TokenExpires: "2026-01-01T00:00:00Z"},
		}
	}

	cfg := full()
	require.NoError(t, unsetConfigValue(cfg, "default.base_url"))
	assert.Empty(t, cfg.Default.BaseURL)
	assert.Equal(t, "staging", cfg.Default.Environment)

	cfg = full()
	require.NoError(t, unsetConfigValue(cfg, "auth.token_expires"))
	assert.Equal(t, ConfigAuth{AccessToken: "tok", UserID: "kc-1"}, cfg.Auth)

	for _, key := range []string{"auth.user_id", "auth.access_token"} {
		cfg = full()
		require.NoError(t, unsetConfigValue(cfg, key))
		assert.Equal(t, ConfigAuth{}, cfg.Auth, "%s signs out", key)
		assert.True(t, identityFromConfig(cfg, time.Now()).IsZero())
	}

	assert.Error(t, unsetConfigValue(full(), "other.field"))
}

func TestMaskedConfig(t *testing.T) {
	cfg := &Config{Auth: ConfigAuth{AccessToken: "eyJhbGciOiJSUzI1NiJ9.payload.wxyz", UserID: "kc-1"}}

	shown := maskedConfig(cfg)
	assert.Equal(t, "eyJhbGci...wxyz", shown.Auth.AccessToken)
	assert.Equal(t, "kc-1", shown.Auth.UserID)
	assert.Equal(t, "eyJhbGciOiJSUzI1NiJ9.payload.wxyz", cfg.Auth.AccessToken, "original untouched")
}

func TestConfigRoundTrip(t *testing.T) {
	dir := useTempConfigDir(t)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg, "missing file is an empty config")

	cfg.Default.Environment = "local"
	cfg.Auth = ConfigAuth{UserID: "kc-1", AccessToken: "tok"}
	require.NoError(t, saveConfig(cfg))

	got, err := loadConfigFile(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestIdentityFromConfig(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	signedIn := &Config{Auth: ConfigAuth{UserID: "kc-1", AccessToken: "tok"}}

	assert.Equal(t, clenzy.Identity{UserID: "kc-1", AccessToken: "tok"}, identityFromConfig(signedIn, now))
	assert.True(t, identityFromConfig(&Config{Auth: ConfigAuth{UserID: "kc-1"}}, now).IsZero())

	signedIn.Auth.TokenExpires = "2026-03-01T12:00:00Z"
	assert.True(t, identityFromConfig(signedIn, now).IsZero(), "expired at the instant of expiry")

	signedIn.Auth.TokenExpires = "2026-03-01T13:00:00Z"
	assert.False(t, identityFromConfig(signedIn, now).IsZero())

	signedIn.Auth.TokenExpires = "tomorrow"
	assert.False(t, identityFromConfig(signedIn, now).IsZero(), "unparseable expiry is ignored")
}

func TestClientOptions(t *testing.T) {
	base := func(cfg *Config) string {
		return clenzy.NewClient(nil, clientOptions(cfg)...).BaseURL()
	}
	staging, _ := clenzy.BaseURLFor(clenzy.Staging)

	assert.Equal(t, clenzy.DefaultBaseURL, base(&Config{}))
	assert.Equal(t, staging, base(&Config{Default: ConfigDefault{Environment: "staging"}}))
	assert.Equal(t, "http://x", base(&Config{Default: ConfigDefault{Environment: "staging", BaseURL: "http://x/"}}))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbGci...wxyz", maskKey("eyJhbGciOiJSUzI1NiJ9.payload.wxyz"))
}

func TestConsoleHandler(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	logger := slog.New(newConsoleHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "realtime").WithGroup("frame").Info("frame dropped", "channel", "contact", "reason", "unknown_type")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "| INFO  | frame dropped")
	assert.Contains(t, out, " component=realtime")
	assert.Contains(t, out, " frame.channel=contact")
	assert.Contains(t, out, " frame.reason=unknown_type")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestAuthWatcherFollowsConfigFile(t *testing.T) {
	dir := useTempConfigDir(t)
	path := filepath.Join(dir, "config.toml")

	auth := clenzy.NewAuthStore(clenzy.Identity{})
	w := &authWatcher{
		path:    path,
		auth:    auth,
		baseURL: clenzy.DefaultBaseURL,
		logger:  slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		now:     time.Now,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, time.Hour) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register before the first write.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{UserID: "kc-1", AccessToken: "tok"}}))
	require.Eventually(t, func() bool { return auth.UserID() == "kc-1" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{UserID: "kc-2", AccessToken: "tok2"}}))
	require.Eventually(t, func() bool { return auth.UserID() == "kc-2" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, saveConfig(&Config{}))
	require.Eventually(t, func() bool { return auth.Current().IsZero() }, 5*time.Second, 10*time.Millisecond)
}

func TestAuthWatcherExpiresToken(t *testing.T) {
	dir := useTempConfigDir(t)
	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{
		UserID: "kc-1", AccessToken: "tok", TokenExpires: "2026-03-01T12:00:00Z",
	}}))

	now := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	auth := clenzy.NewAuthStore(clenzy.Identity{})
	w := &authWatcher{
		path:    filepath.Join(dir, "config.toml"),
		auth:    auth,
		baseURL: clenzy.DefaultBaseURL,
		logger:  slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		now:     func() time.Time { return now },
	}

	w.reload()
	assert.Equal(t, "kc-1", auth.UserID())

	now = now.Add(2 * time.Hour)
	w.reload()
	assert.True(t, auth.Current().IsZero())
}
