package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/codefleet/foreman/internal/backlog"
	"github.com/codefleet/foreman/internal/schedule"
)

func newScheduleCmd() *cobra.Command {
	var projectDir string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage dispatch windows",
		Long: "Dispatch windows restrict when the orchestrator launches new workers.\n" +
			"Running workers are never interrupted when a window closes.",
	}
	cmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dispatch windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(projectDir, func(store *backlog.Store) error {
				schedules, err := store.ListSchedules()
				if err != nil {
					return err
				}
				override, err := store.ActiveOverride(time.Now())
				if err != nil {
					return err
				}

				fmt.Println("📋 Dispatch windows")
				if len(schedules) == 0 {
					fmt.Println("  (none configured, dispatch is always allowed)")
				}
				for _, sch := range schedules {
					marker := "○"
					if sch.Enabled {
						marker = "✓"
					}
					fmt.Printf("  %s #%-3d %s for %s (%s)\n",
						marker, sch.ID, sch.CronExpr, sch.Duration, sch.Timezone)
				}
				if override != nil {
					fmt.Printf("\n  ⚠️  Override %s until %s\n",
						override.Mode, override.EndsAt.Local().Format("15:04:05"))
				}
				return nil
			})
		},
	}

	var (
		duration time.Duration
		timezone string
	)
	addCmd := &cobra.Command{
		Use:   "add CRON_EXPR",
		Short: "Add a recurring dispatch window",
		Long: "Adds a window that opens on the cron expression's schedule and stays\n" +
			"open for --duration. Example:\n\n" +
			"  foreman schedule add \"0 22 * * *\" --duration 8h --tz Europe/Berlin",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := args[0]
			if err := schedule.ValidateExpr(expr); err != nil {
				return err
			}
			return withStore(projectDir, func(store *backlog.Store) error {
				id, err := store.AddSchedule(expr, duration, timezone)
				if err != nil {
					return err
				}
				fmt.Printf("✅ Window #%d: %s for %s (%s)\n", id, expr, duration, timezone)
				return nil
			})
		},
	}
	addCmd.Flags().DurationVar(&duration, "duration", 4*time.Hour, "how long the window stays open")
	addCmd.Flags().StringVar(&timezone, "tz", "UTC", "timezone the cron expression is evaluated in")

	enableCmd := &cobra.Command{
		Use:   "enable ID",
		Short: "Enable a dispatch window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setScheduleEnabled(projectDir, args[0], true)
		},
	}
	disableCmd := &cobra.Command{
		Use:   "disable ID",
		Short: "Disable a dispatch window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setScheduleEnabled(projectDir, args[0], false)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a dispatch window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid schedule id %q", args[0])
			}
			return withStore(projectDir, func(store *backlog.Store) error {
				if err := store.DeleteSchedule(id); err != nil {
					return err
				}
				fmt.Printf("✂️  Deleted window #%d\n", id)
				return nil
			})
		},
	}

	var overrideFor time.Duration
	overrideCmd := &cobra.Command{
		Use:   "override on|off",
		Short: "Force dispatch on or off for a while",
		Long: "A one-shot override that wins over every recurring window.\n" +
			"\"on\" allows dispatch, \"off\" blocks it until the override expires.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var mode backlog.OverrideMode
			switch args[0] {
			case "on":
				mode = backlog.OverrideForceOn
			case "off":
				mode = backlog.OverrideForceOff
			default:
				return fmt.Errorf("override mode must be \"on\" or \"off\", got %q", args[0])
			}
			return withStore(projectDir, func(store *backlog.Store) error {
				now := time.Now()
				if _, err := store.AddScheduleOverride(mode, now, now.Add(overrideFor)); err != nil {
					return err
				}
				fmt.Printf("✅ Dispatch forced %s until %s\n",
					args[0], now.Add(overrideFor).Format("15:04:05"))
				return nil
			})
		},
	}
	overrideCmd.Flags().DurationVar(&overrideFor, "for", 2*time.Hour, "how long the override lasts")

	cmd.AddCommand(listCmd, addCmd, enableCmd, disableCmd, deleteCmd, overrideCmd)
	return cmd
}

func setScheduleEnabled(projectDir, arg string, enabled bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid schedule id %q", arg)
	}
	return withStore(projectDir, func(store *backlog.Store) error {
		if err := store.SetScheduleEnabled(id, enabled); err != nil {
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("✅ Window #%d %s\n", id, state)
		return nil
	})
}
