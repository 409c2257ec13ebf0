package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
	"github.com/spf13/cobra"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Notification preferences",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print notification preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		prefs, err := s.Preferences.Get(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(prefs)
		}
		printPrefs(prefs)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <key> <true|false>",
	Short: "Turn one notification preference on or off",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("value must be true or false, got %q", args[1])
		}
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := s.Preferences.Get(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		saved, err := s.Preferences.Toggle(ctx, args[0], enabled)
		if err != nil {
			return fmt.Errorf("update failed: %w", err)
		}
		if jsonOutput {
			return printJSON(saved)
		}
		printPrefs(saved)
		return nil
	},
}

func printPrefs(prefs clenzy.NotificationPreferences) {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		state := "off"
		if prefs[k] {
			state = "on"
		}
		fmt.Printf("  %-32s %s\n", k, state)
	}
}

func init() {
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	rootCmd.AddCommand(prefsCmd)
}
