package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/borg"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	initEncryption     string
	initAppendOnly     bool
	initStorageQuota   string
	initMakeParentDirs bool
)

var initCmd = &cobra.Command{
	Use:   "init REPOSITORY",
	Short: "Initialize a new borg repository",
	Long: `Initialize a new borg repository.

If a configured target uses the same repository, its passphrase source is used.
Otherwise borg reads the passphrase from BORG_PASSPHRASE or asks for it.`,
	Args: cobra.ExactArgs(1),
	RunE: initRepository,
}

func init() {
	initCmd.Flags().StringVarP(&initEncryption, "encryption", "e", "", "encryption mode: "+strings.Join(models.EncryptionModes, ", "))
	initCmd.Flags().BoolVar(&initAppendOnly, "append-only", false, "create an append-only repository")
	initCmd.Flags().StringVar(&initStorageQuota, "storage-quota", "", "repository size limit, e.g. 500GiB")
	initCmd.Flags().BoolVar(&initMakeParentDirs, "make-parent-dirs", false, "create missing parent directories")
	_ = initCmd.MarkFlagRequired("encryption")
}

func initRepository(cmd *cobra.Command, args []string) error {
	repository := args[0]
	repo, err := models.ParseRepository(repository)
	if err != nil {
		return err
	}

	opts := models.InitOptions{
		Encryption:     initEncryption,
		AppendOnly:     initAppendOnly,
		MakeParentDirs: initMakeParentDirs,
	}
	if initStorageQuota != "" {
		quota, err := humanize.ParseBytes(initStorageQuota)
		if err != nil {
			return fmt.Errorf("invalid storage quota %q: %w", initStorageQuota, err)
		}
		opts.StorageQuota = strconv.FormatUint(quota, 10)
	}

	cfg, err := initConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var env []string
	for _, t := range cfg.Targets {
		tr, err := models.ParseRepository(t.Repository)
		if err != nil || !tr.SameLocation(repo) {
			continue
		}
		log.Debug().Str("target", t.Name).Msg("using passphrase of configured target")
		if env, err = credentialEnv(ctx, t); err != nil {
			return err
		}
		break
	}

	return borg.New(log.Logger).Init(ctx, cfg.Borg, repository, env, opts)
}

// initConfig loads the configuration. A missing default configuration is not
// an error since init is usually run before the first target is configured.
func initConfig() (*models.Config, error) {
	if configFile == "" {
		if _, err := os.Stat(configPath()); errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("file", configPath()).Msg("no configuration found, using defaults")
			return &models.Config{Borg: models.BorgSettings{DryRun: dryRun}}, nil
		}
	}
	return loadConfig()
}
