package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	clenzy "github.com/mazy06/clenzy-sub010"
	"github.com/spf13/cobra"
)

var (
	automationEnable   bool
	automationDisable  bool
	automationDelay    int
	automationCheckout bool
)

func parseLockID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid lock id %q", arg)
	}
	return id, nil
}

var locksCmd = &cobra.Command{
	Use:   "locks [lock-id]",
	Short: "List smart locks, or show the live status of one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if len(args) == 1 {
			id, err := parseLockID(args[0])
			if err != nil {
				return err
			}
			st, err := s.Locks.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if jsonOutput {
				return printJSON(st)
			}
			printLockStatus(id, st)
			return nil
		}

		locks, err := s.Locks.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(locks)
		}
		if len(locks) == 0 {
			fmt.Println("No smart locks found.")
			return nil
		}
		for _, l := range locks {
			online := "offline"
			if l.Online {
				online = "online"
			}
			fmt.Printf("  #%d %s (%s) %s %s\n", l.ID, l.Name, l.Provider, l.PropertyName, online)
		}
		return nil
	},
}

func printLockStatus(id int64, st clenzy.LockStatus) {
	state := "UNLOCKED"
	if st.Locked {
		state = "LOCKED"
	}
	fmt.Printf("Lock #%d: %s\n", id, state)
	if st.BatteryLevel != nil {
		fmt.Printf("  Battery: %d%%\n", *st.BatteryLevel)
	}
	if st.Online != nil {
		fmt.Printf("  Online:  %v\n", *st.Online)
	}
}

func lockCommand(use, short string, locked bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <lock-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseLockID(args[0])
			if err != nil {
				return err
			}
			s := getSession()
			defer s.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			// Load the status first so the optimistic change has something to apply to.
			if _, err := s.Locks.Status(ctx, id); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if locked {
				err = s.Locks.Lock(ctx, id)
			} else {
				err = s.Locks.Unlock(ctx, id)
			}
			if err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}

			st, err := s.Locks.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if jsonOutput {
				return printJSON(st)
			}
			printLockStatus(id, st)
			return nil
		},
	}
}

var automationCmd = &cobra.Command{
	Use:   "automation <lock-id>",
	Short: "Show or change a lock's auto-lock settings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseLockID(args[0])
		if err != nil {
			return err
		}
		if automationEnable && automationDisable {
			return fmt.Errorf("--enable and --disable are mutually exclusive")
		}
		s := getSession()
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		cfg, err := s.Locks.Automation(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		flags := cmd.Flags()
		if flags.Changed("enable") || flags.Changed("disable") || flags.Changed("delay") || flags.Changed("lock-on-checkout") {
			if automationEnable {
				cfg.AutoLockEnabled = true
			}
			if automationDisable {
				cfg.AutoLockEnabled = false
			}
			if flags.Changed("delay") {
				cfg.AutoLockDelayMinutes = automationDelay
			}
			if flags.Changed("lock-on-checkout") {
				cfg.LockOnCheckout = automationCheckout
			}
			if cfg, err = s.Locks.UpdateAutomation(ctx, id, cfg); err != nil {
				return fmt.Errorf("update failed: %w", err)
			}
		}

		if jsonOutput {
			return printJSON(cfg)
		}
		fmt.Printf("Lock #%d automation:\n", id)
		fmt.Printf("  Auto-lock:        %v\n", cfg.AutoLockEnabled)
		fmt.Printf("  Delay (minutes):  %d\n", cfg.AutoLockDelayMinutes)
		fmt.Printf("  Lock on checkout: %v\n", cfg.LockOnCheckout)
		return nil
	},
}

func init() {
	automationCmd.Flags().BoolVar(&automationEnable, "enable", false, "Turn auto-lock on")
	automationCmd.Flags().BoolVar(&automationDisable, "disable", false, "Turn auto-lock off")
	automationCmd.Flags().IntVar(&automationDelay, "delay", 0, "Minutes before re-locking")
	automationCmd.Flags().BoolVar(&automationCheckout, "lock-on-checkout", false, "Lock when the guest checks out")

	rootCmd.AddCommand(locksCmd)
	rootCmd.AddCommand(lockCommand("lock", "Lock a smart lock", true))
	rootCmd.AddCommand(lockCommand("unlock", "Unlock a smart lock", false))
	rootCmd.AddCommand(automationCmd)
}
