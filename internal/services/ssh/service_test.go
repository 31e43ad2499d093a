package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Mock implementations
type mockSSHSession struct {
	combinedOutputFunc func(cmd string) ([]byte, error)
	closeFunc          func() error
}

func (m *mockSSHSession) CombinedOutput(cmd string) ([]byte, error) {
	if m.combinedOutputFunc != nil {
		return m.combinedOutputFunc(cmd)
	}
	return []byte(""), nil
}

func (m *mockSSHSession) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockSSHClient struct {
	newSessionFunc func() (SSHSession, error)
	closeFunc      func() error
}

func (m *mockSSHClient) NewSession() (SSHSession, error) {
	if m.newSessionFunc != nil {
		return m.newSessionFunc()
	}
	return &mockSSHSession{}, nil
}

func (m *mockSSHClient) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

type mockClientFactory struct {
	newClientFunc func(network, addr string, config *ssh.ClientConfig) (SSHClient, error)
}

func (m *mockClientFactory) NewClient(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
	if m.newClientFunc != nil {
		return m.newClientFunc(network, addr, config)
	}
	return &mockSSHClient{}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// generateTestKey returns an OpenSSH encoded ed25519 private key.
func generateTestKey(t *testing.T) []byte {
	t.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemBlock, err := ssh.MarshalPrivateKey(privateKey, "")
	require.NoError(t, err)

	return pem.EncodeToMemory(pemBlock)
}

// testConfig mirrors a shutdown section resolved from ssh://backup@nas.local:2222/./borg.
func testConfig(t *testing.T) models.SSHShutdownConfig {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, generateTestKey(t), 0o600))

	return models.SSHShutdownConfig{
		Host:          "nas.local",
		Port:          2222,
		Username:      "backup",
		KeyPath:       keyPath,
		ShutdownDelay: 1,
		OS:            "linux",
	}
}

func sessionFactory(run func(cmd string) ([]byte, error)) *mockClientFactory {
	return &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{combinedOutputFunc: run}, nil
				},
			}, nil
		},
	}
}

func TestShutdown_Success(t *testing.T) {
	var capturedAddr, capturedUser, capturedCommand string

	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			capturedAddr = addr
			capturedUser = config.User
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return &mockSSHSession{
						combinedOutputFunc: func(cmd string) ([]byte, error) {
							capturedCommand = cmd
							return []byte("Shutdown scheduled"), nil
						},
					}, nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, "nas.local:2222", result.Host)
	assert.Equal(t, "Shutdown scheduled", result.Output)
	assert.Nil(t, result.Error)

	assert.Equal(t, "nas.local:2222", capturedAddr)
	assert.Equal(t, "backup", capturedUser)
	assert.Equal(t, "sudo shutdown -h +1", capturedCommand)
}

func TestShutdownCommand(t *testing.T) {
	tests := []struct {
		name  string
		os    string
		delay int
		want  string
	}{
		{name: "linux delayed", os: "linux", delay: 5, want: "sudo shutdown -h +5"},
		{name: "linux immediate", os: "linux", delay: 0, want: "sudo shutdown -h now"},
		{name: "windows minutes to seconds", os: "windows", delay: 2, want: "shutdown /s /t 120"},
		{name: "windows minimum delay", os: "windows", delay: 0, want: "shutdown /s /t 60"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShutdownCommand(models.SSHShutdownConfig{OS: tt.os, ShutdownDelay: tt.delay}))
		})
	}
}

func TestShutdown_ConnectionDroppedIsNotAnError(t *testing.T) {
	factory := sessionFactory(func(cmd string) ([]byte, error) {
		return nil, errors.New("wait: remote command exited without exit status or exit signal")
	})

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Nil(t, result.Error)
}

func TestShutdown_ConnectionFailed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to connect to nas.local:2222")
}

func TestShutdown_SessionFailed(t *testing.T) {
	closed := false
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return &mockSSHClient{
				newSessionFunc: func() (SSHSession, error) {
					return nil, errors.New("session creation failed")
				},
				closeFunc: func() error {
					closed = true
					return nil
				},
			}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.Shutdown(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to create session")
	assert.True(t, closed)
}

func TestShutdown_KeyErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    models.SSHShutdownConfig
		errMsg string
	}{
		{
			name:   "no key",
			cfg:    models.SSHShutdownConfig{Host: "nas", Port: 22, Username: "root"},
			errMsg: "no private key",
		},
		{
			name:   "key file missing",
			cfg:    models.SSHShutdownConfig{Host: "nas", Port: 22, Username: "root", KeyPath: "/nonexistent/id_rsa"},
			errMsg: "failed to read private key",
		},
		{
			name:   "invalid key",
			cfg:    models.SSHShutdownConfig{Host: "nas", Port: 22, Username: "root", PrivateKey: []byte("invalid key")},
			errMsg: "failed to parse private key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			factory := &mockClientFactory{
				newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
					t.Fatal("no connection expected")
					return nil, nil
				},
			}
			svc := NewWithClientFactory(testLogger(), factory)

			result, err := svc.Shutdown(context.Background(), tt.cfg)

			require.NoError(t, err)
			assert.False(t, result.CommandRun)
			require.Error(t, result.Error)
			assert.Contains(t, result.Error.Error(), tt.errMsg)
		})
	}
}

func TestShutdown_ContextCancelled(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			time.Sleep(100 * time.Millisecond)
			return &mockSSHClient{}, nil
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := svc.Shutdown(ctx, testConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestTestConnection_Success(t *testing.T) {
	factory := sessionFactory(func(cmd string) ([]byte, error) {
		if cmd == "echo OK" {
			return []byte("OK\n"), nil
		}
		return nil, errors.New("unexpected command")
	})

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.TestConnection(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.True(t, result.CommandRun)
	assert.Equal(t, "OK\n", result.Output)
	assert.Nil(t, result.Error)
}

func TestTestConnection_Failed(t *testing.T) {
	factory := &mockClientFactory{
		newClientFunc: func(network, addr string, config *ssh.ClientConfig) (SSHClient, error) {
			return nil, errors.New("connection refused")
		},
	}

	svc := NewWithClientFactory(testLogger(), factory)
	result, err := svc.TestConnection(context.Background(), testConfig(t))

	require.NoError(t, err)
	assert.False(t, result.CommandRun)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "failed to connect")
}

func TestBuildConfig_KnownHosts(t *testing.T) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	knownHostsPath := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize("192.168.1.10:2222")}, hostSigner.PublicKey())
	require.NoError(t, os.WriteFile(knownHostsPath, []byte(line+"\n"), 0o600))

	cfg := testConfig(t)
	cfg.Host = "192.168.1.10"
	cfg.KnownHosts = knownHostsPath

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	sshConfig, err := svc.buildConfig(cfg)
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.ParseIP("192.168.1.10"), Port: 2222}
	assert.NoError(t, sshConfig.HostKeyCallback("192.168.1.10:2222", remote, hostSigner.PublicKey()))
	assert.Error(t, sshConfig.HostKeyCallback("192.168.1.10:2222", remote, otherSigner.PublicKey()))
}

func TestBuildConfig_KnownHostsMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.KnownHosts = "/nonexistent/known_hosts"

	svc := NewWithClientFactory(testLogger(), &mockClientFactory{})
	_, err := svc.buildConfig(cfg)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load known hosts")
}
