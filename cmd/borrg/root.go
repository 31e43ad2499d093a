package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fgeck/borrg/internal/config"
	"github.com/fgeck/borrg/internal/models"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Global flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
	logFile    string
	dryRun     bool

	logFileWriter io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "borrg",
	Short: "A configuration driven wrapper around BorgBackup",
	Long: `borrg runs BorgBackup for every [[backup]] entry of a TOML configuration file.

Entries inherit settings from [template.*] tables, resolve their passphrase
(literal, passcommand or file descriptor) and are backed up with borg create.
Repository hosts can be woken with Wake-on-LAN and powered off over SSH
afterwards. A Telegram summary is sent when configured.

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default "+config.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "additionally write JSON logs to this file (rotated)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "pass --dry-run to borg and skip host shutdown")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(cronCmd)
}

func setupLogging() {
	var console io.Writer = os.Stderr
	if !jsonOutput {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()),
		}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = output
	}

	writer := console
	if logFile != "" {
		file := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
		logFileWriter = file
		writer = zerolog.MultiLevelWriter(console, file)
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func closeLogFile() {
	if logFileWriter != nil {
		_ = logFileWriter.Close()
	}
}

// configPath returns the --config flag or the default location.
func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.DefaultConfigPath()
}

// loadConfig reads and validates the configuration and applies global flags.
func loadConfig() (*models.Config, error) {
	path := configPath()

	cfg, err := config.NewParser().LoadFile(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("failed to load config")
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Str("file", path).Msg("invalid configuration")
		return nil, err
	}

	cfg.Borg.DryRun = dryRun
	log.Debug().Str("file", path).Int("targets", len(cfg.Targets)).Msg("configuration loaded")
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
