package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/services/borg"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info NAME",
	Short: "Show repository information of a target",
	Args:  cobra.ExactArgs(1),
	RunE:  showInfo,
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	targets, err := cfg.Select(args[0])
	if err != nil {
		return err
	}
	target := targets[0]

	ctx, cancel := signalContext()
	defer cancel()

	env, err := credentialEnv(ctx, target)
	if err != nil {
		return err
	}

	info, err := borg.New(log.Logger).Info(ctx, cfg.Borg, target.Repository, env)
	if err != nil {
		log.Error().Err(err).Str("target", target.Name).Msg("failed to get repository info")
		return err
	}

	table := newTable("Repository ID:", info.ID)
	table.AddRow("Location:", info.Location)
	table.AddRow("Encryption:", info.Encryption)
	table.AddRow("Last modified:", info.LastModified)
	table.AddRow("Cache:", info.CachePath)
	table.AddRow("Security dir:", info.SecurityDir)
	table.AddRow("")
	table.AddRow("All archives:", "")
	table.AddRow("  Original size:", humanize.IBytes(info.TotalSize))
	table.AddRow("  Compressed size:", humanize.IBytes(info.TotalCSize))
	table.AddRow("  Deduplicated size:", humanize.IBytes(info.UniqueCSize))
	table.AddRow("  Unique chunks:", humanize.Comma(int64(info.TotalUniqueChunks)))
	table.AddRow("  Total chunks:", humanize.Comma(int64(info.TotalChunks)))
	fmt.Fprintln(os.Stdout, table)
	return nil
}
