// Package crontab installs and removes the borrg entry in the user's crontab.
package crontab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// Marker identifies crontab lines managed by borrg.
const Marker = "# borrg cron job"

// Reboot is the crontab schedule for "once at startup". cron.ParseStandard rejects it.
const Reboot = "@reboot"

// Service defines the interface for crontab operations.
type Service interface {
	Add(ctx context.Context, schedule string, command []string) (string, error)
	Remove(ctx context.Context) (int, error)
	Installed(ctx context.Context) ([]string, error)
}

// CommandExecutor allows mocking the crontab binary in tests.
type CommandExecutor interface {
	Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Run executes a command, feeding stdin to it, and returns its standard output.
func (e *DefaultExecutor) Run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}

// Impl implements the crontab Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	binary   string
}

// New creates a new crontab service.
func New(logger zerolog.Logger) *Impl {
	return NewWithExecutor(logger, &DefaultExecutor{})
}

// NewWithExecutor creates a new crontab service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		binary:   "crontab",
	}
}

// ValidateSchedule checks a five-field cron expression or descriptor such as @daily.
func ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("invalid cron schedule: empty")
	}
	if schedule == Reboot {
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// NextRun returns the first activation of schedule after now.
// The zero time is returned for @reboot.
func NextRun(schedule string, now time.Time) (time.Time, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return time.Time{}, err
	}
	if schedule == Reboot {
		return time.Time{}, nil
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

// JobLine renders the crontab line running command on schedule.
func JobLine(schedule string, command []string) (string, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return "", err
	}
	if len(command) == 0 {
		return "", fmt.Errorf("no command given")
	}
	return schedule + " " + shellquote.Join(command...) + " " + Marker, nil
}

// read returns the current crontab lines. A missing crontab is empty.
func (s *Impl) read(ctx context.Context) ([]string, error) {
	out, err := s.executor.Run(ctx, nil, s.binary, "-l")
	if err != nil {
		// crontab -l exits 1 with "no crontab for <user>".
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) && coder.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list crontab: %w", err)
	}
	text := strings.TrimRight(string(out), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

func (s *Impl) write(ctx context.Context, lines []string) error {
	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	if _, err := s.executor.Run(ctx, []byte(content), s.binary, "-"); err != nil {
		return fmt.Errorf("failed to update crontab: %w", err)
	}
	return nil
}

func splitManaged(lines []string) (kept, managed []string) {
	for _, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), Marker) {
			managed = append(managed, line)
		} else {
			kept = append(kept, line)
		}
	}
	return kept, managed
}

// Add installs the borrg job, replacing a previously installed one.
func (s *Impl) Add(ctx context.Context, schedule string, command []string) (string, error) {
	job, err := JobLine(schedule, command)
	if err != nil {
		return "", err
	}

	lines, err := s.read(ctx)
	if err != nil {
		return "", err
	}
	kept, replaced := splitManaged(lines)
	if len(replaced) > 0 {
		s.logger.Info().Strs("jobs", replaced).Msg("replacing existing cron job")
	}

	if err := s.write(ctx, append(kept, job)); err != nil {
		return "", err
	}

	s.logger.Info().Str("schedule", schedule).Str("job", job).Msg("cron job added")
	return job, nil
}

// Remove deletes every borrg job and returns how many were removed.
func (s *Impl) Remove(ctx context.Context) (int, error) {
	lines, err := s.read(ctx)
	if err != nil {
		return 0, err
	}
	kept, removed := splitManaged(lines)
	if len(removed) == 0 {
		s.logger.Info().Msg("no cron job installed")
		return 0, nil
	}

	if err := s.write(ctx, kept); err != nil {
		return 0, err
	}

	s.logger.Info().Int("removed", len(removed)).Msg("cron job removed")
	return len(removed), nil
}

// Installed returns the borrg lines of the current crontab.
func (s *Impl) Installed(ctx context.Context) ([]string, error) {
	lines, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	_, managed := splitManaged(lines)
	return managed, nil
}
