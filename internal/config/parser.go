// Package config provides configuration file parsing and backup target resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/models"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v       *viper.Viper
	homeDir string
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return NewParserWithHome(home)
}

// NewParserWithHome creates a parser expanding "~" to homeDir (useful for testing).
func NewParserWithHome(homeDir string) *Parser {
	v := viper.New()
	v.SetConfigType("toml")
	return &Parser{v: v, homeDir: homeDir}
}

// DefaultConfigPath returns borg/borrg.toml in the user's config directory.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join("~", ".config", "borg", "borrg.toml")
	}
	return filepath.Join(dir, "borg", "borrg.toml")
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{}

	// Parse global borg settings.
	cfg.Borg = models.BorgSettings{
		Binary:   p.v.GetString("borg.binary"),
		LockWait: p.v.GetInt("borg.lock_wait"),
	}
	if cfg.Borg.Binary == "" {
		cfg.Borg.Binary = models.DefaultBorgBinary
	}
	if cfg.Borg.LockWait < 0 {
		return nil, &ConfigError{Path: []string{"borg", "lock_wait"}, Err: fmt.Errorf("%w: must not be negative", ErrInvalidValue)}
	}

	var err error
	if cfg.Borg.UploadRatelimit, err = parseRatelimit(p.v.GetString("borg.upload_ratelimit")); err != nil {
		return nil, atKey("borg", atKey("upload_ratelimit", err))
	}
	if cfg.Borg.DownloadRatelimit, err = parseRatelimit(p.v.GetString("borg.download_ratelimit")); err != nil {
		return nil, atKey("borg", atKey("download_ratelimit", err))
	}

	// Parse optional Telegram config.
	if p.v.IsSet("notify.telegram") {
		cfg.Notify.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("notify.telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("notify.telegram.chat_id")),
		}

		if cfg.Notify.Telegram.BotToken == "" {
			return nil, fmt.Errorf("notify.telegram.bot_token is required when telegram is configured")
		}
		if cfg.Notify.Telegram.ChatID == "" {
			return nil, fmt.Errorf("notify.telegram.chat_id is required when telegram is configured")
		}
	}

	// Resolve backup targets against their templates.
	targets, err := NewResolver(p.homeDir).Resolve(p.v.AllSettings())
	if err != nil {
		return nil, err
	}
	cfg.Targets = targets

	return cfg, nil
}

// parseRatelimit converts a rate to KiB/s. A bare number is already KiB/s,
// anything else is a byte size per second such as "10MiB" or "500kB".
func parseRatelimit(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if bytes < 1024 {
		return 0, fmt.Errorf("%w: %s is below 1 KiB/s", ErrInvalidValue, s)
	}
	return bytes / 1024, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}
