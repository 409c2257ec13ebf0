package main

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.clenzy/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default" json:"default"`
	Auth    ConfigAuth    `toml:"auth" json:"auth"`
}

// ConfigDefault holds general SDK settings.
type ConfigDefault struct {
	Environment string `toml:"environment" json:"environment"`
	BaseURL     string `toml:"base_url" json:"base_url"`
	LogLevel    string `toml:"log_level" json:"log_level"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	AccessToken  string `toml:"access_token" json:"access_token"`
	UserID       string `toml:"user_id" json:"user_id"`
	TokenExpires string `toml:"token_expires" json:"token_expires"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDirOverride is set by tests.
var configDirOverride string

// configDir returns the path to ~/.clenzy, creating it if needed.
func configDir() (string, error) {
	dir := configDirOverride
	if dir == "" {
		if v := os.Getenv("CLENZY_CONFIG_DIR"); v != "" {
			dir = v
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			dir = filepath.Join(home, ".clenzy")
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFile(path)
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	// Write then rename so a watching process never reads a half-written file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	debugOutput bool
	jsonOutput  bool
)

var rootCmd = &cobra.Command{
	Use:   "clenzy",
	Short: "Clenzy PMS CLI",
	Long:  "Command-line interface for the Clenzy PMS SDK.\nSign in, follow realtime events, message, and drive smart locks.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return setupLogger(cfg, debugOutput)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugOutput, "debug", false, "Log debug output (requests, frames, cache changes)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
