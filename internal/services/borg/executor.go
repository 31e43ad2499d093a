package borg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// maxLineSize bounds a single --log-json line; file_status lines carry full paths.
const maxLineSize = 1024 * 1024

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	// ExecuteWithEnv runs a command and returns its combined output.
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
	// ExecuteWithEnvStreaming runs a command, passing every line written to
	// standard error to onStderr while it runs. Standard output is returned.
	ExecuteWithEnvStreaming(ctx context.Context, env []string, onStderr func(line []byte), name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	inheritPassphraseFD(cmd, env)
	return cmd.CombinedOutput()
}

// ExecuteWithEnvStreaming runs a command and streams its standard error line by line.
func (e *DefaultExecutor) ExecuteWithEnvStreaming(ctx context.Context, env []string, onStderr func(line []byte), name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	inheritPassphraseFD(cmd, env)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if onStderr != nil {
			onStderr(scanner.Bytes())
		}
	}
	if scanner.Err() != nil {
		// Keep draining so borg never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, stderr)
	}

	err = cmd.Wait()
	return stdout.Bytes(), err
}

// inheritPassphraseFD passes the descriptor named by BORG_PASSPHRASE_FD on
// to borg. os/exec only inherits stdin, stdout and stderr by default.
func inheritPassphraseFD(cmd *exec.Cmd, env []string) {
	for _, kv := range env {
		value, ok := strings.CutPrefix(kv, "BORG_PASSPHRASE_FD=")
		if !ok {
			continue
		}
		fd, err := strconv.Atoi(value)
		if err != nil || fd < 3 {
			return
		}
		files := make([]*os.File, fd-2)
		files[fd-3] = os.NewFile(uintptr(fd), "passphrase")
		cmd.ExtraFiles = files
		return
	}
}

// exitCode extracts the process exit code from an executor error.
func exitCode(err error) (int, bool) {
	var coder interface{ ExitCode() int }
	if !errors.As(err, &coder) {
		return -1, false
	}
	return coder.ExitCode(), true
}
