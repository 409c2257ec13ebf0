package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	clenzy "github.com/mazy06/clenzy-sub010"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow realtime events and print cache updates",
	Long: "Connect to the realtime channel and print every cache change the events cause.\n" +
		"Signing in or out from another shell ('clenzy login', 'clenzy logout') switches or ends the session live.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runWatch(ctx)
	},
}

// authWatcher keeps an AuthStore in line with the [auth] section of the config file.
type authWatcher struct {
	path    string
	auth    *clenzy.AuthStore
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

func (w *authWatcher) reload() {
	cfg, err := loadConfigFile(w.path)
	if err != nil {
		// Keep the current identity; a later write will fix the file.
		w.logger.Warn("config reload failed", "error", err)
		return
	}
	if url := clenzy.NewClient(nil, clientOptions(cfg)...).BaseURL(); url != w.baseURL {
		w.logger.Warn("base URL changed; restart watch to apply", "base_url", url)
	}
	w.auth.Set(identityFromConfig(cfg, w.now()))
}

// run blocks until ctx is done, reloading on config file events and on every tick
// so an expired token signs the session out.
func (w *authWatcher) run(ctx context.Context, tick time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; saveConfig replaces the file by rename.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				w.logger.Debug("config changed", "op", ev.Op.String())
				w.reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-ticker.C:
			w.reload()
		}
	}
}

func runWatch(ctx context.Context) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfigFile(path)
	if err != nil {
		return err
	}

	logger := slog.Default()
	auth := clenzy.NewAuthStore(clenzy.Identity{})
	s := clenzy.NewSession(auth, clenzy.SessionConfig{
		ClientOptions: clientOptions(cfg),
		Logger:        logger,
	})
	defer s.Close()

	s.Realtime.OnStateChange(func(state clenzy.RealtimeState) {
		fmt.Printf("realtime %s\n", state)
		if state == clenzy.StateConnected {
			prime(ctx, s)
		}
	})
	cancelChanges := s.Cache.OnChange(func(ev clenzy.ChangeEvent) {
		switch ev.Kind {
		case clenzy.ChangeWritten, clenzy.ChangeUpdated, clenzy.ChangeInvalidated:
			fmt.Printf("%-11s %s\n", ev.Kind, ev.Key)
		}
	})
	defer cancelChanges()
	auth.OnChange(func(id clenzy.Identity) {
		if id.IsZero() {
			fmt.Println("signed out; waiting for 'clenzy login'")
			return
		}
		fmt.Printf("signed in as %s\n", id.UserID)
	})

	s.Follow(auth)

	w := &authWatcher{
		path:    path,
		auth:    auth,
		baseURL: s.Client.BaseURL(),
		logger:  logger,
		now:     time.Now,
	}
	w.reload()
	if auth.Current().IsZero() {
		fmt.Println("not signed in; waiting for 'clenzy login'")
	}
	return w.run(ctx, 30*time.Second)
}

// prime loads the realtime-fed lists so incoming events have entries to update.
func prime(ctx context.Context, s *clenzy.Session) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := s.Contact.Threads(ctx); err != nil {
		slog.Warn("load threads failed", "error", err)
	}
	if _, err := s.Conversations.List(ctx); err != nil {
		slog.Warn("load conversations failed", "error", err)
	}
	if _, err := s.Notifications.UnreadCount(ctx); err != nil {
		slog.Warn("load unread count failed", "error", err)
	}
	if _, err := s.Locks.List(ctx); err != nil {
		slog.Warn("load smart locks failed", "error", err)
	}
}
