// Package passcmd turns repository credentials into the environment borg reads.
package passcmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a passcommand that never exits, e.g. one waiting on a pinentry.
const DefaultTimeout = 2 * time.Minute

// Environment variables understood by borg.
const (
	EnvPassphrase   = "BORG_PASSPHRASE"
	EnvPassphraseFD = "BORG_PASSPHRASE_FD"
)

// ErrEmptyPassphrase is returned when a passcommand prints nothing on its first line.
var ErrEmptyPassphrase = errors.New("passcommand printed an empty passphrase")

// CredentialError reports a credential that could not be resolved for a target.
// It is fatal for that target only.
type CredentialError struct {
	Target string
	Err    error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential for %s: %v", e.Target, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// Service defines the interface for credential resolution.
type Service interface {
	Resolve(ctx context.Context, target string, cred models.Credential) (*models.ResolvedCredential, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Output runs the command and returns its standard output.
// Standard error is attached to the returned error.
func (e *DefaultExecutor) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
	timeout  time.Duration
}

// New creates a new credential service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// NewWithExecutor creates a new credential service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// Resolve returns the environment that hands cred to borg.
// A passcommand is run here, before borg starts, so a failing command
// is reported as a CredentialError rather than a borg failure.
func (s *Impl) Resolve(ctx context.Context, target string, cred models.Credential) (*models.ResolvedCredential, error) {
	result := &models.ResolvedCredential{Kind: cred.Kind}

	switch cred.Kind {
	case models.CredentialNone:
		s.logger.Debug().Str("target", target).Msg("no passphrase configured")

	case models.CredentialLiteral:
		result.Env = []string{EnvPassphrase + "=" + cred.Value}

	case models.CredentialFileDescriptor:
		result.Env = []string{EnvPassphraseFD + "=" + strconv.Itoa(cred.FD)}

	case models.CredentialCommand:
		passphrase, err := s.runCommand(ctx, cred.Value)
		if err != nil {
			return nil, &CredentialError{Target: target, Err: err}
		}
		result.Env = []string{EnvPassphrase + "=" + passphrase}

	default:
		return nil, &CredentialError{Target: target, Err: fmt.Errorf("unknown credential kind %d", cred.Kind)}
	}

	return result, nil
}

// runCommand splits command into words with shell quoting rules and runs it
// without a shell. The first line of its output is the passphrase.
func (s *Impl) runCommand(ctx context.Context, command string) (string, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return "", fmt.Errorf("parsing passcommand: %w", err)
	}
	if len(args) == 0 {
		return "", fmt.Errorf("passcommand is empty")
	}

	s.logger.Debug().Str("command", shellquote.Join(args...)).Msg("running passcommand")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	out, err := s.executor.Output(ctx, args[0], args[1:]...)
	if err != nil {
		return "", fmt.Errorf("running passcommand %q: %w", args[0], err)
	}

	line, _, _ := strings.Cut(string(out), "\n")
	line = strings.TrimSuffix(line, "\r")
	if line == "" {
		return "", ErrEmptyPassphrase
	}

	s.logger.Debug().Dur("duration", time.Since(start)).Msg("passcommand completed")
	return line, nil
}
