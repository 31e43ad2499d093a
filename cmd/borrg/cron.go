package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/services/crontab"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cronSchedule string

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage the scheduled backup in the user's crontab",
}

var cronAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Schedule borrg run in the user's crontab",
	Long: `Schedule "borrg run" with the current configuration file in the user's crontab.

The schedule is a standard five field cron expression or one of the descriptors
@hourly, @daily, @weekly, @monthly, @yearly, @every <duration> and @reboot.
An existing borrg job is replaced.`,
	Args: cobra.NoArgs,
	RunE: cronAdd,
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the scheduled backup from the user's crontab",
	Args:  cobra.NoArgs,
	RunE:  cronRemove,
}

var cronStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the scheduled backup",
	Args:  cobra.NoArgs,
	RunE:  cronStatus,
}

func init() {
	cronAddCmd.Flags().StringVarP(&cronSchedule, "schedule", "s", "", `cron expression, e.g. "0 3 * * *"`)
	_ = cronAddCmd.MarkFlagRequired("schedule")

	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronRemoveCmd)
	cronCmd.AddCommand(cronStatusCmd)
}

// runCommand returns the command line cron uses to run a backup.
func runCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate borrg binary: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	config, err := filepath.Abs(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}
	return []string{exe, "run", "--quiet", "--config", config}, nil
}

func cronAdd(cmd *cobra.Command, args []string) error {
	if err := crontab.ValidateSchedule(cronSchedule); err != nil {
		return err
	}
	// Refuse to schedule a configuration that cannot run.
	if _, err := loadConfig(); err != nil {
		return err
	}

	command, err := runCommand()
	if err != nil {
		return err
	}

	job, err := crontab.New(log.Logger).Add(cmd.Context(), cronSchedule, command)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, job)
	printNextRun(cronSchedule)
	return nil
}

func cronRemove(cmd *cobra.Command, args []string) error {
	removed, err := crontab.New(log.Logger).Remove(cmd.Context())
	if err != nil {
		return err
	}
	if removed == 0 {
		fmt.Fprintln(os.Stdout, "No borrg cron job installed")
		return nil
	}
	fmt.Fprintf(os.Stdout, "Removed %d cron job(s)\n", removed)
	return nil
}

func cronStatus(cmd *cobra.Command, args []string) error {
	jobs, err := crontab.New(log.Logger).Installed(cmd.Context())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stdout, "No borrg cron job installed")
		return nil
	}
	for _, job := range jobs {
		fmt.Fprintln(os.Stdout, job)
	}
	return nil
}

func printNextRun(schedule string) {
	next, err := crontab.NextRun(schedule, time.Now())
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("failed to compute next run")
	case next.IsZero():
		fmt.Fprintln(os.Stdout, "Next run: at next boot")
	default:
		fmt.Fprintf(os.Stdout, "Next run: %s (%s)\n", next.Format(time.DateTime), humanize.Time(next))
	}
}
