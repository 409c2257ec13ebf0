package main

import (
	"context"
	"fmt"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the access token is expired, and check that the API is reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		client := clenzy.NewClient(clenzy.NewAuthStore(identityFromConfig(cfg, time.Now())), clientOptions(cfg)...)

		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", valueOrDefault(cfg.Default.Environment, "(not set)"))
		fmt.Printf("  Base URL:    %s\n", client.BaseURL())
		fmt.Printf("  Log level:   %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not signed in)"))

		tokenStatus := "none"
		if cfg.Auth.AccessToken != "" {
			masked := maskKey(cfg.Auth.AccessToken)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("%s valid (expires %s)", masked, expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("%s EXPIRED (expired %s)", masked, expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("%s (unparseable expiry: %s)", masked, cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = masked + " (no expiry set)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		fmt.Println()
		fmt.Println("Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Health(ctx); err != nil {
			fmt.Printf("  API:         UNREACHABLE (%v)\n", err)
			return nil
		}
		fmt.Println("  API:         HEALTHY")

		if client.Auth().Current().IsZero() {
			return nil
		}
		count, err := client.Notifications.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Error fetching notifications: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:      %d\n", count.Count)
		return nil
	},
}
