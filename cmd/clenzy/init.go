package main

import (
	"fmt"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
	"github.com/spf13/cobra"
)

var (
	initEnvironment string
	initBaseURL     string
	loginExpiresIn  time.Duration
)

func init() {
	initCmd.Flags().StringVar(&initEnvironment, "environment", string(clenzy.Production), "Environment: production, staging, local")
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Override the API base URL")
	loginCmd.Flags().DurationVar(&loginExpiresIn, "expires-in", 0, "Token lifetime (e.g. 5m); recorded so expired tokens are not used")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create ~/.clenzy/config.toml",
	Long:  "Initialize the Clenzy CLI by choosing the environment or API base URL to talk to.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, ok := clenzy.BaseURLFor(clenzy.Environment(initEnvironment)); !ok {
			return fmt.Errorf("unknown environment %q (valid: production, staging, local)", initEnvironment)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.Environment = initEnvironment
		cfg.Default.BaseURL = initBaseURL
		if cfg.Default.LogLevel == "" {
			cfg.Default.LogLevel = "warn"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <user-id> <access-token>",
	Short: "Store the signed-in identity",
	Long:  "Store a Keycloak user id and access token. A running 'clenzy watch' picks the change up immediately.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		cfg.Auth.AccessToken = args[1]
		cfg.Auth.TokenExpires = ""
		if loginExpiresIn > 0 {
			cfg.Auth.TokenExpires = time.Now().Add(loginExpiresIn).UTC().Format(time.RFC3339)
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Signed in as %s\n", cfg.Auth.UserID)
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the signed-in identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
