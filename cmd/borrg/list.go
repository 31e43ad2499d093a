package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/borg"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var listCmd = &cobra.Command{
	Use:   "list [NAME...]",
	Short: "List the archives of all or the named targets",
	Long: `List the archives stored in the repository of every configured target, or only
of the named ones. Repositories shared by several targets are listed once.`,
	RunE: listArchives,
}

func listArchives(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	targets, err := cfg.Select(args...)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	borgSvc := borg.New(log.Logger)
	var listed []models.Repository
	var errs error

	for _, t := range targets {
		repo, err := models.ParseRepository(t.Repository)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		if containsLocation(listed, repo) {
			continue
		}
		listed = append(listed, repo)

		env, err := credentialEnv(ctx, t)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		archives, err := borgSvc.List(ctx, cfg.Borg, t.Repository, env)
		if err != nil {
			log.Error().Err(err).Str("target", t.Name).Msg("failed to list archives")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}

		fmt.Fprintf(os.Stdout, "%s (%s)\n", t.Repository, t.Name)
		table := newTable("ARCHIVE", "START", "ID")
		for _, a := range archives {
			table.AddRow(a.Name, a.Start.Format(time.DateTime), shortID(a.ID))
		}
		fmt.Fprintln(os.Stdout, table)
		fmt.Fprintln(os.Stdout)
	}

	return errs
}

func containsLocation(repos []models.Repository, repo models.Repository) bool {
	for _, r := range repos {
		if r.SameLocation(repo) {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
