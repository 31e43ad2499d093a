// Package borg runs BorgBackup commands for resolved backup targets.
package borg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/borrg/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// Borg exit codes.
const (
	ExitSuccess = 0
	ExitWarning = 1
	ExitError   = 2
)

// InvocationError reports a borg command that exited unsuccessfully.
type InvocationError struct {
	Command  string // borg subcommand, e.g. "create"
	ExitCode int    // -1 if borg could not be started or was killed
	Output   string // last warning and error messages
	Err      error
}

func (e *InvocationError) Error() string {
	msg := fmt.Sprintf("borg %s failed with exit code %d", e.Command, e.ExitCode)
	if e.Output != "" {
		return msg + ": " + e.Output
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// Service defines the interface for borg operations.
type Service interface {
	Create(ctx context.Context, settings models.BorgSettings, target models.ResolvedTarget, env []string, onEvent models.EventCallback) (*models.ArchiveResult, error)
	Init(ctx context.Context, settings models.BorgSettings, repository string, env []string, opts models.InitOptions) error
	Info(ctx context.Context, settings models.BorgSettings, repository string, env []string) (*models.RepoInfo, error)
	List(ctx context.Context, settings models.BorgSettings, repository string, env []string) ([]models.ArchiveInfo, error)
	Version(ctx context.Context, settings models.BorgSettings) (string, error)
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a new borg service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		now:      time.Now,
	}
}

// NewWithExecutor creates a new borg service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		now:      time.Now,
	}
}

func binary(settings models.BorgSettings) string {
	if settings.Binary == "" {
		return models.DefaultBorgBinary
	}
	return settings.Binary
}

// commonArgs returns the options accepted by every borg subcommand.
func commonArgs(settings models.BorgSettings) []string {
	args := []string{"--log-json"}
	if settings.UploadRatelimit > 0 {
		args = append(args, "--upload-ratelimit", strconv.FormatUint(settings.UploadRatelimit, 10))
	}
	if settings.DownloadRatelimit > 0 {
		args = append(args, "--download-ratelimit", strconv.FormatUint(settings.DownloadRatelimit, 10))
	}
	if settings.LockWait > 0 {
		args = append(args, "--lock-wait", strconv.Itoa(settings.LockWait))
	}
	return args
}

// CreateArgs builds the borg create command line for target, without the binary.
func (s *Impl) CreateArgs(settings models.BorgSettings, target models.ResolvedTarget) ([]string, error) {
	if len(target.Paths) == 0 {
		return nil, fmt.Errorf("no paths specified")
	}

	args := commonArgs(settings)
	args = append(args, "create")

	if target.Progress {
		args = append(args, "--progress")
	}
	// borg refuses --stats together with --dry-run.
	if settings.DryRun {
		args = append(args, "--dry-run")
	} else if target.Stats {
		args = append(args, "--json")
	}

	if target.Comment != "" {
		args = append(args, "--comment", target.Comment)
	}
	args = append(args, "--compression", target.Compression.String())

	if target.PatternFile != "" {
		args = append(args, "--patterns-from", relativeTo(target.PatternFile, target.Paths[0]))
	}

	if target.ExcludeFile != "" {
		excludeFile := relativeTo(target.ExcludeFile, target.Paths[0])
		if _, err := os.Stat(excludeFile); err == nil {
			args = append(args, "--exclude-from", excludeFile)
		} else if target.ExcludeFile == models.DefaultExcludeFile {
			s.logger.Debug().Str("exclude_file", excludeFile).Msg("no exclude file, skipping")
		} else {
			s.logger.Warn().Err(err).Str("exclude_file", excludeFile).Msg("exclude file not readable, skipping")
		}
	}

	args = append(args, target.ArchiveRef())
	args = append(args, target.Paths...)
	return args, nil
}

// relativeTo resolves a relative file against the first backup path.
func relativeTo(file, base string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(base, file)
}

// createJSON is the JSON structure returned by borg create --json.
type createJSON struct {
	Archive struct {
		Name     string  `json:"name"`
		ID       string  `json:"id"`
		Duration float64 `json:"duration"`
		Stats    struct {
			NFiles           uint64 `json:"nfiles"`
			OriginalSize     uint64 `json:"original_size"`
			CompressedSize   uint64 `json:"compressed_size"`
			DeduplicatedSize uint64 `json:"deduplicated_size"`
		} `json:"stats"`
	} `json:"archive"`
}

// Create runs borg create for a resolved target. A failing borg is reported
// in the result's Error field, so callers can continue with other targets.
func (s *Impl) Create(ctx context.Context, settings models.BorgSettings, target models.ResolvedTarget, env []string, onEvent models.EventCallback) (*models.ArchiveResult, error) {
	logger := s.logger.With().Str("target", target.Name).Logger()

	start := time.Now()
	result := &models.ArchiveResult{Target: target.Name}

	args, err := s.CreateArgs(settings, target)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil
	}

	logger.Info().
		Str("repository", target.Repository).
		Strs("paths", target.Paths).
		Str("compression", target.Compression.String()).
		Bool("dry_run", settings.DryRun).
		Msg("starting backup")
	logger.Debug().Str("command", shellquote.Join(append([]string{binary(settings)}, args...)...)).Msg("executing borg")

	events := newEventLogger(logger, target.Progress, s.now)
	stdout, execErr := s.executor.ExecuteWithEnvStreaming(ctx, env, func(line []byte) {
		if ev, ok := events.handle(line); ok && onEvent != nil {
			onEvent(ev)
		}
	}, binary(settings), args...)
	result.Duration = time.Since(start)

	if execErr != nil {
		code, _ := exitCode(execErr)
		if code != ExitWarning {
			result.Error = &InvocationError{Command: "create", ExitCode: code, Output: events.output(), Err: execErr}
			logger.Error().Err(result.Error).Dur("duration", result.Duration).Msg("backup failed")
			return result, nil //nolint:nilerr // error is stored in result struct by design
		}
		result.Warning = true
		logger.Warn().Str("warnings", events.output()).Msg("borg finished with warnings")
	}

	if target.Stats && !settings.DryRun {
		var out createJSON
		if err := json.Unmarshal(stdout, &out); err != nil {
			logger.Warn().Err(err).Msg("failed to parse archive stats")
		} else {
			result.Stats = &models.ArchiveStats{
				Name:             out.Archive.Name,
				ID:               out.Archive.ID,
				Duration:         time.Duration(out.Archive.Duration * float64(time.Second)),
				NFiles:           out.Archive.Stats.NFiles,
				OriginalSize:     out.Archive.Stats.OriginalSize,
				CompressedSize:   out.Archive.Stats.CompressedSize,
				DeduplicatedSize: out.Archive.Stats.DeduplicatedSize,
			}
		}
	}

	done := logger.Info().Dur("duration", result.Duration)
	if result.Stats != nil {
		done = done.
			Str("archive", result.Stats.Name).
			Uint64("nfiles", result.Stats.NFiles).
			Str("original_size", humanize.IBytes(result.Stats.OriginalSize)).
			Str("compressed_size", humanize.IBytes(result.Stats.CompressedSize)).
			Str("deduplicated_size", humanize.IBytes(result.Stats.DeduplicatedSize))
	}
	done.Msg("backup completed")

	return result, nil
}

// run executes a non-create borg subcommand and returns its standard output.
func (s *Impl) run(ctx context.Context, settings models.BorgSettings, env []string, command string, args ...string) ([]byte, error) {
	full := append(commonArgs(settings), command)
	full = append(full, args...)

	s.logger.Debug().Str("command", shellquote.Join(append([]string{binary(settings)}, full...)...)).Msg("executing borg")

	events := newEventLogger(s.logger, false, s.now)
	stdout, err := s.executor.ExecuteWithEnvStreaming(ctx, env, func(line []byte) {
		events.handle(line)
	}, binary(settings), full...)
	if err != nil {
		code, _ := exitCode(err)
		if code != ExitWarning {
			return nil, &InvocationError{Command: command, ExitCode: code, Output: events.output(), Err: err}
		}
	}
	return stdout, nil
}

// Init initializes a new borg repository.
func (s *Impl) Init(ctx context.Context, settings models.BorgSettings, repository string, env []string, opts models.InitOptions) error {
	if !slices.Contains(models.EncryptionModes, opts.Encryption) {
		return fmt.Errorf("unsupported encryption mode %q, must be one of %s", opts.Encryption, strings.Join(models.EncryptionModes, ", "))
	}

	s.logger.Info().
		Str("repository", repository).
		Str("encryption", opts.Encryption).
		Bool("append_only", opts.AppendOnly).
		Msg("initializing repository")

	args := []string{"--encryption", opts.Encryption}
	if opts.AppendOnly {
		args = append(args, "--append-only")
	}
	if opts.StorageQuota != "" {
		args = append(args, "--storage-quota", opts.StorageQuota)
	}
	if opts.MakeParentDirs {
		args = append(args, "--make-parent-dirs")
	}
	args = append(args, repository)

	if _, err := s.run(ctx, settings, env, "init", args...); err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}

	s.logger.Info().Str("repository", repository).Msg("repository initialized successfully")
	return nil
}

// infoJSON is the JSON structure returned by borg info --json.
type infoJSON struct {
	Repository struct {
		ID           string `json:"id"`
		Location     string `json:"location"`
		LastModified string `json:"last_modified"`
	} `json:"repository"`
	Encryption struct {
		Mode string `json:"mode"`
	} `json:"encryption"`
	Cache struct {
		Path  string `json:"path"`
		Stats struct {
			TotalChunks       uint64 `json:"total_chunks"`
			TotalSize         uint64 `json:"total_size"`
			TotalCSize        uint64 `json:"total_csize"`
			TotalUniqueChunks uint64 `json:"total_unique_chunks"`
			UniqueSize        uint64 `json:"unique_size"`
			UniqueCSize       uint64 `json:"unique_csize"`
		} `json:"stats"`
	} `json:"cache"`
	SecurityDir string `json:"security_dir"`
}

// Info returns repository information.
func (s *Impl) Info(ctx context.Context, settings models.BorgSettings, repository string, env []string) (*models.RepoInfo, error) {
	s.logger.Debug().Str("repository", repository).Msg("reading repository info")

	output, err := s.run(ctx, settings, env, "info", "--json", repository)
	if err != nil {
		return nil, fmt.Errorf("failed to read repository info: %w", err)
	}

	var info infoJSON
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, fmt.Errorf("failed to parse repository info: %w", err)
	}
	if info.Repository.ID == "" {
		return nil, fmt.Errorf("failed to parse repository info: missing repository.id")
	}

	return &models.RepoInfo{
		ID:                info.Repository.ID,
		Location:          info.Repository.Location,
		LastModified:      info.Repository.LastModified,
		Encryption:        info.Encryption.Mode,
		CachePath:         info.Cache.Path,
		SecurityDir:       info.SecurityDir,
		TotalChunks:       info.Cache.Stats.TotalChunks,
		TotalSize:         info.Cache.Stats.TotalSize,
		TotalCSize:        info.Cache.Stats.TotalCSize,
		TotalUniqueChunks: info.Cache.Stats.TotalUniqueChunks,
		UniqueSize:        info.Cache.Stats.UniqueSize,
		UniqueCSize:       info.Cache.Stats.UniqueCSize,
	}, nil
}

// borgTimeLayout is the timestamp format of borg's JSON output (local time).
const borgTimeLayout = "2006-01-02T15:04:05.999999"

// listJSON is the JSON structure returned by borg list --json.
type listJSON struct {
	Archives []struct {
		Name  string `json:"name"`
		ID    string `json:"id"`
		Start string `json:"start"`
	} `json:"archives"`
}

// List returns the archives in a repository, oldest first.
func (s *Impl) List(ctx context.Context, settings models.BorgSettings, repository string, env []string) ([]models.ArchiveInfo, error) {
	s.logger.Debug().Str("repository", repository).Msg("listing archives")

	output, err := s.run(ctx, settings, env, "list", "--json", repository)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	var list listJSON
	if err := json.Unmarshal(output, &list); err != nil {
		return nil, fmt.Errorf("failed to parse archives: %w", err)
	}

	result := make([]models.ArchiveInfo, len(list.Archives))
	for i, a := range list.Archives {
		start, err := time.ParseInLocation(borgTimeLayout, a.Start, time.Local)
		if err != nil {
			s.logger.Debug().Err(err).Str("archive", a.Name).Msg("unparseable archive start time")
		}
		result[i] = models.ArchiveInfo{Name: a.Name, ID: a.ID, Start: start}
	}

	s.logger.Debug().Int("count", len(result)).Msg("archives listed")
	return result, nil
}

// Version returns the borg version string, e.g. "1.2.8".
func (s *Impl) Version(ctx context.Context, settings models.BorgSettings) (string, error) {
	output, err := s.executor.ExecuteWithEnv(ctx, nil, binary(settings), "--version")
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w, output: %s", binary(settings), err, strings.TrimSpace(string(output)))
	}

	// "borg 1.2.8"
	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty version output")
	}
	return fields[len(fields)-1], nil
}
