package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

// configField is one settable key of the config file.
type configField struct {
	ref      func(*Config) *string
	validate func(string) error
	secret   bool
}

var configFields = map[string]configField{
	"default.environment": {
		ref:      func(c *Config) *string { return &c.Default.Environment },
		validate: validateEnvironment,
	},
	"default.base_url": {
		ref:      func(c *Config) *string { return &c.Default.BaseURL },
		validate: validateBaseURL,
	},
	"default.log_level": {
		ref: func(c *Config) *string { return &c.Default.LogLevel },
		validate: func(v string) error {
			_, err := parseLevel(v)
			return err
		},
	},
	"auth.access_token": {
		ref:    func(c *Config) *string { return &c.Auth.AccessToken },
		secret: true,
	},
	"auth.user_id": {
		ref: func(c *Config) *string { return &c.Auth.UserID },
	},
	"auth.token_expires": {
		ref: func(c *Config) *string { return &c.Auth.TokenExpires },
		validate: func(v string) error {
			if _, err := time.Parse(time.RFC3339, v); err != nil {
				return fmt.Errorf("token_expires must be RFC 3339, e.g. 2026-01-01T00:00:00Z")
			}
			return nil
		},
	},
}

func validateEnvironment(v string) error {
	if _, ok := clenzy.BaseURLFor(clenzy.Environment(v)); !ok {
		return fmt.Errorf("unknown environment %q (valid: %s, %s, %s)", v, clenzy.Production, clenzy.Staging, clenzy.Local)
	}
	return nil
}

func validateBaseURL(v string) error {
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute http(s) URL, got %q", v)
	}
	return nil
}

func lookupConfigField(key string) (configField, error) {
	if f, ok := configFields[key]; ok {
		return f, nil
	}
	section, _, found := strings.Cut(key, ".")
	if !found {
		return configField{}, fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	if section != "default" && section != "auth" {
		return configField{}, fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return configField{}, fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
}

func configKeys() []string {
	keys := make([]string, 0, len(configFields))
	for k := range configFields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupConfigField(key)
	if err != nil {
		return err
	}
	if f.validate != nil {
		if err := f.validate(value); err != nil {
			return err
		}
	}
	*f.ref(cfg) = value
	return nil
}

// unsetConfigValue clears a field. Clearing the user id or token signs out.
func unsetConfigValue(cfg *Config, key string) error {
	f, err := lookupConfigField(key)
	if err != nil {
		return err
	}
	*f.ref(cfg) = ""
	if key == "auth.user_id" || key == "auth.access_token" {
		cfg.Auth = ConfigAuth{}
	}
	return nil
}

// maskedConfig returns a copy of cfg that is safe to print.
func maskedConfig(cfg *Config) *Config {
	out := *cfg
	for _, f := range configFields {
		if p := f.ref(&out); f.secret && *p != "" {
			*p = maskKey(*p)
		}
	}
	return &out
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Clenzy configuration",
	Long:  "View or modify the Clenzy CLI configuration stored in ~/.clenzy/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	Long:  "Print the configuration with the access token masked, followed by the API base URL it resolves to.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'clenzy init' to create one.")
			return nil
		}
		cfg, err := loadConfigFile(path)
		if err != nil {
			return err
		}
		shown := maskedConfig(cfg)
		if jsonOutput {
			return printJSON(shown)
		}
		data, err := toml.Marshal(shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		fmt.Print(string(data))
		fmt.Printf("\n# resolved base URL: %s\n", clenzy.NewClient(nil, clientOptions(cfg)...).BaseURL())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: clenzy config set default.environment staging",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		return updateConfig(func(cfg *Config) error {
			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
			if configFields[key].secret {
				value = maskKey(value)
			}
			fmt.Printf("Set %s = %s\n", key, value)
			return nil
		})
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a configuration value",
	Long: "Clear a configuration value using dot notation.\n" +
		"Clearing auth.user_id or auth.access_token signs out; a running 'clenzy watch' follows.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		return updateConfig(func(cfg *Config) error {
			if err := unsetConfigValue(cfg, key); err != nil {
				return err
			}
			fmt.Printf("Unset %s\n", key)
			return nil
		})
	},
}

func updateConfig(change func(*Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := change(cfg); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
