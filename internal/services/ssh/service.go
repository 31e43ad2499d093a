// Package ssh powers off repository hosts over SSH after their backups finished.
package ssh

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	// connectTimeout bounds the TCP connect and SSH handshake.
	connectTimeout = 30 * time.Second
	// minWindowsDelay keeps a window to abort a Windows shutdown with "shutdown /a".
	minWindowsDelay = 60
)

// Service defines the interface for SSH operations.
type Service interface {
	Shutdown(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error)
	TestConnection(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error)
}

// SSHClient wraps ssh.Client for mocking.
type SSHClient interface {
	NewSession() (SSHSession, error)
	Close() error
}

// SSHSession wraps ssh.Session for mocking.
type SSHSession interface {
	CombinedOutput(cmd string) ([]byte, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient dials addr and performs the SSH handshake.
func (f *DefaultClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	client, err := ssh.Dial(network, addr, config)
	if err != nil {
		return nil, err
	}
	return &defaultSSHClient{client: client}, nil
}

type defaultSSHClient struct {
	client *ssh.Client
}

func (c *defaultSSHClient) NewSession() (SSHSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *defaultSSHClient) Close() error {
	return c.client.Close()
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.SSHShutdownConfig) (*ssh.ClientConfig, error) {
	key := cfg.PrivateKey
	if len(key) == 0 {
		if cfg.KeyPath == "" {
			return nil, fmt.Errorf("no private key provided")
		}
		var err error
		key, err = os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key from %s: %w", cfg.KeyPath, err)
		}
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via known_hosts
	if cfg.KnownHosts != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts from %s: %w", cfg.KnownHosts, err)
		}
	}

	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}, nil
}

// connect dials the host, giving up early when ctx is done.
func (s *Impl) connect(ctx context.Context, cfg models.SSHShutdownConfig) (SSHClient, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	type dialResult struct {
		client SSHClient
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := s.clientFactory.NewClient("tcp", cfg.Address(), sshConfig)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// Close a client that connects after we gave up.
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Address(), res.err)
		}
		return res.client, nil
	}
}

// ShutdownCommand returns the remote command that powers off the host.
func ShutdownCommand(cfg models.SSHShutdownConfig) string {
	if cfg.OS == "windows" {
		seconds := cfg.ShutdownDelay * 60
		if seconds < minWindowsDelay {
			seconds = minWindowsDelay
		}
		return "shutdown /s /t " + strconv.Itoa(seconds)
	}
	if cfg.ShutdownDelay <= 0 {
		return "sudo shutdown -h now"
	}
	return "sudo shutdown -h +" + strconv.Itoa(cfg.ShutdownDelay)
}

// run executes cmd in a new session on the host.
func (s *Impl) run(ctx context.Context, cfg models.SSHShutdownConfig, cmd string) (string, error) {
	client, err := s.connect(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(cmd)
	return string(output), err
}

// Shutdown powers off the repository host.
func (s *Impl) Shutdown(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{Host: cfg.Address()}
	cmd := ShutdownCommand(cfg)

	s.logger.Info().
		Str("host", result.Host).
		Str("user", cfg.Username).
		Str("os", cfg.OS).
		Int("delay", cfg.ShutdownDelay).
		Msg("shutting down repository host")
	s.logger.Debug().Str("command", cmd).Msg("executing shutdown command")

	client, err := s.connect(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		result.Error = fmt.Errorf("failed to create session: %w", err)
		return result, nil
	}
	defer func() { _ = session.Close() }()

	output, err := session.CombinedOutput(cmd)
	result.Output = string(output)
	result.CommandRun = true

	if err != nil {
		if ctx.Err() != nil {
			result.Error = ctx.Err()
			return result, nil
		}
		// The host may drop the connection while going down.
		s.logger.Warn().Err(err).Str("output", result.Output).Msg("shutdown command returned error (may be expected)")
	}

	s.logger.Info().Str("host", result.Host).Str("output", result.Output).Msg("shutdown command completed")
	return result, nil
}

// TestConnection verifies SSH connectivity without executing shutdown.
func (s *Impl) TestConnection(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error) {
	result := &models.SSHResult{Host: cfg.Address()}

	s.logger.Debug().Str("host", result.Host).Msg("testing SSH connection")

	output, err := s.run(ctx, cfg, "echo OK")
	result.Output = output
	if err != nil {
		result.Error = fmt.Errorf("test command failed: %w", err)
		return result, nil
	}
	result.CommandRun = true
	return result, nil
}
