// Package models contains the data structures used throughout borrg.
package models

import (
	"errors"
	"fmt"
)

// ErrUnknownTarget is returned by Config.Select for a name no target has.
var ErrUnknownTarget = errors.New("unknown backup target")

// Config holds the complete configuration for a borrg invocation.
type Config struct {
	Borg    BorgSettings
	Notify  NotifySettings
	Targets []ResolvedTarget // in declaration order
}

// Select returns the targets with the given names in declaration order.
// No names selects every target.
func (c Config) Select(names ...string) ([]ResolvedTarget, error) {
	if len(names) == 0 {
		return c.Targets, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var selected []ResolvedTarget
	for _, t := range c.Targets {
		if wanted[t.Name] {
			selected = append(selected, t)
			delete(wanted, t.Name)
		}
	}
	for _, n := range names {
		if wanted[n] {
			return nil, fmt.Errorf("%w %q", ErrUnknownTarget, n)
		}
	}
	return selected, nil
}

// BorgSettings holds options applied to every borg invocation.
type BorgSettings struct {
	Binary            string // default "borg"
	UploadRatelimit   uint64 // KiB/s, 0 = unlimited
	DownloadRatelimit uint64 // KiB/s, 0 = unlimited
	LockWait          int    // seconds, 0 = borg default
	DryRun            bool   // set from the command line
}

// NotifySettings holds optional notification channels.
type NotifySettings struct {
	Telegram *TelegramConfig // nil if not configured
}

// ResolvedTarget is a backup target after template inheritance and defaulting.
// It is never mutated after resolution and is safe to share between goroutines.
type ResolvedTarget struct {
	Name        string             `json:"name"`
	Template    string             `json:"template"`
	Repository  string             `json:"repository"`
	Credential  Credential         `json:"-"`
	Paths       []string           `json:"paths"`
	Compression Compression        `json:"compression"`
	Progress    bool               `json:"progress"`
	Stats       bool               `json:"stats"`
	Archive     string             `json:"archive"` // archive name, may contain borg placeholders
	Comment     string             `json:"comment"`
	ExcludeFile string             `json:"exclude_file"`
	PatternFile string             `json:"pattern_file"`
	Wake        *WOLConfig         `json:"wake"`     // nil if not configured
	Shutdown    *SSHShutdownConfig `json:"shutdown"` // nil if not configured
}

// ArchiveRef returns the REPOSITORY::ARCHIVE argument for borg create.
func (t ResolvedTarget) ArchiveRef() string {
	return t.Repository + "::" + t.Archive
}

// Default values applied when neither target nor template sets a field.
const (
	DefaultArchive     = "{hostname}-{now:%Y-%m-%dT%H:%M:%S}"
	DefaultComment     = "created using borrg"
	DefaultExcludeFile = ".borgignore"
	DefaultPath        = "~"
	DefaultTemplate    = "default"
	DefaultBorgBinary  = "borg"
)
