package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runProgress bool
	runParallel int
	runFailFast bool
)

var runCmd = &cobra.Command{
	Use:   "run [NAME...]",
	Short: "Back up all or the named targets",
	Long: `Back up every configured target, or only the named ones, in declaration order:
1. Wake the repository host (if configured)
2. Resolve the repository passphrase
3. borg create
4. Power off repository hosts whose targets all succeeded (if configured)
5. Send a Telegram summary (if configured)

A passcommand is split into words like a shell command line but is not run by
a shell. Pipelines and redirections need an explicit shell:
  passcommand = "sh -c 'gpg -d ~/.borg.gpg | head -n1'"`,
	RunE: runBackup,
}

func init() {
	runCmd.Flags().BoolVar(&runProgress, "progress", false, "log borg progress for every target")
	runCmd.Flags().IntVar(&runParallel, "parallel", 1, "number of targets backed up concurrently")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "do not start further targets after a failure")
}

func runBackup(cmd *cobra.Command, args []string) error {
	if runParallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", runParallel)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	summary, err := runnerSvc.Run(ctx, *cfg, runner.RunOptions{
		Names:    args,
		Parallel: runParallel,
		FailFast: runFailFast,
		Progress: runProgress,
	})
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		return err
	}

	log.Info().Msg("backup completed successfully")
	return nil
}

func printSummary(summary *models.RunSummary) {
	table := newTable("TARGET", "STATUS", "ARCHIVE", "FILES", "SIZE", "ADDED", "DURATION")
	for _, r := range summary.Results {
		status := "ok"
		switch {
		case r.Error != nil:
			status = r.Step + " failed"
			if r.Step == runner.StepSkipped {
				status = "skipped"
			}
		case r.Archive != nil && r.Archive.Warning:
			status = "warning"
		}

		archive, files, size, added, duration := "-", "-", "-", "-", "-"
		if r.Archive != nil {
			duration = r.Archive.Duration.Round(time.Second).String()
			if st := r.Archive.Stats; st != nil {
				archive = st.Name
				files = humanize.Comma(int64(st.NFiles))
				size = humanize.IBytes(st.OriginalSize)
				added = humanize.IBytes(st.DeduplicatedSize)
			}
		}
		table.AddRow(r.Target.Name, status, archive, files, size, added, duration)
	}
	fmt.Fprintln(os.Stdout, table)

	for _, sh := range summary.Shutdowns {
		status := "shutdown sent"
		if sh.Error != nil {
			status = "shutdown failed: " + sh.Error.Error()
		}
		fmt.Fprintf(os.Stdout, "%s: %s\n", sh.Host, status)
	}
}
