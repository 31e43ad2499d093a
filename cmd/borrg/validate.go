package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/borg"
	"github.com/fgeck/borrg/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	validateFormat   string
	validateCheckSSH bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without executing any backup operations.

Prints every resolved backup target after template inheritance and defaulting.`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().StringVar(&validateFormat, "format", "table", "output format: table or json")
	validateCmd.Flags().BoolVar(&validateCheckSSH, "check-ssh", false, "test the SSH connection of every shutdown host")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if validateFormat != "table" && validateFormat != "json" {
		return fmt.Errorf("unknown format %q, expected table or json", validateFormat)
	}

	if _, err := os.Stat(configPath()); os.IsNotExist(err) {
		log.Error().Str("file", configPath()).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configPath())
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	version, err := borg.New(log.Logger).Version(ctx, cfg.Borg)
	if err != nil {
		log.Warn().Err(err).Msg("borg is not available, backups will fail")
	} else {
		log.Info().Str("version", version).Msg("borg found")
	}

	if validateFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg.Targets); err != nil {
			return fmt.Errorf("failed to encode targets: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stdout, "Configuration is valid!")
		fmt.Fprintln(os.Stdout)
		printTargets(cfg.Targets)
		if cfg.Notify.Telegram != nil {
			fmt.Fprintf(os.Stdout, "\nTelegram: chat %s\n", cfg.Notify.Telegram.ChatID)
		}
	}

	if validateCheckSSH {
		return checkShutdownHosts(ctx, cfg.Targets)
	}
	return nil
}

func printTargets(targets []models.ResolvedTarget) {
	table := newTable("NAME", "TEMPLATE", "REPOSITORY", "CREDENTIAL", "COMPRESSION", "PATHS", "WAKE", "SHUTDOWN")
	for _, t := range targets {
		wake, shutdown := "-", "-"
		if t.Wake != nil {
			wake = t.Wake.MACAddress
		}
		if t.Shutdown != nil {
			shutdown = t.Shutdown.Username + "@" + t.Shutdown.Address()
		}
		table.AddRow(t.Name, t.Template, t.Repository, t.Credential.Kind, t.Compression,
			strings.Join(t.Paths, " "), wake, shutdown)
	}
	fmt.Fprintln(os.Stdout, table)
}

// checkShutdownHosts connects once to every distinct shutdown host.
func checkShutdownHosts(ctx context.Context, targets []models.ResolvedTarget) error {
	sshSvc := ssh.New(log.Logger)
	seen := make(map[string]bool)
	failed := 0

	for _, t := range targets {
		if t.Shutdown == nil || seen[t.Shutdown.Address()] {
			continue
		}
		seen[t.Shutdown.Address()] = true

		result, err := sshSvc.TestConnection(ctx, *t.Shutdown)
		if err == nil {
			err = result.Error
		}
		if err != nil {
			log.Error().Err(err).Str("host", t.Shutdown.Address()).Msg("SSH connection failed")
			failed++
			continue
		}
		log.Info().Str("host", t.Shutdown.Address()).Msg("SSH connection OK")
	}

	if failed > 0 {
		return fmt.Errorf("%d shutdown host(s) unreachable", failed)
	}
	return nil
}
