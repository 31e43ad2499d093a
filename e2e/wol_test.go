//go:build e2e

package e2e

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

// Mock implementations for E2E tests
type mockWOLClient struct{}

func (m *mockWOLClient) Wake(addr string, mac net.HardwareAddr) error {
	return nil
}

func wakeTarget(repository string, cfg models.WOLConfig) models.ResolvedTarget {
	if cfg.MACAddress == "" {
		cfg.MACAddress = "AA:BB:CC:DD:EE:FF"
	}
	if cfg.BroadcastIP == "" {
		cfg.BroadcastIP = "255.255.255.255"
	}
	return models.ResolvedTarget{Name: "nas", Repository: repository, Wake: &cfg}
}

func TestWOL_WithPollURL_E2E(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, server.Client(), &net.Dialer{})

	target := wakeTarget("/backup", models.WOLConfig{
		PollURL:       server.URL,
		Timeout:       5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		StabilizeWait: 100 * time.Millisecond,
	})

	result, err := svc.Wake(context.Background(), target)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
	assert.GreaterOrEqual(t, result.WaitDuration, 100*time.Millisecond)
}

func TestWOL_RepositoryHostComesUp_E2E(t *testing.T) {
	// Reserve a port, release it and start listening again after a delay.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ready := make(chan net.Listener, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			close(ready)
			return
		}
		ready <- l
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	t.Cleanup(func() {
		if l, ok := <-ready; ok {
			_ = l.Close()
		}
	})

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, http.DefaultClient, &net.Dialer{})

	target := wakeTarget("ssh://backup@"+addr+"/./borg", models.WOLConfig{
		Timeout:      5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	})

	result, err := svc.Wake(context.Background(), target)

	require.NoError(t, err)
	assert.True(t, result.TargetReady)
	assert.Nil(t, result.Error)
	assert.GreaterOrEqual(t, result.WaitDuration, 300*time.Millisecond)
}

func TestWOL_HostNeverReady_E2E(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	svc := wol.NewWithClients(testLogger(), &mockWOLClient{}, http.DefaultClient, &net.Dialer{})

	target := wakeTarget("ssh://"+addr+"/srv/borg", models.WOLConfig{
		Timeout:      200 * time.Millisecond,
		PollInterval: 50 * time.Millisecond,
	})

	result, err := svc.Wake(context.Background(), target)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	assert.False(t, result.TargetReady)
	require.Error(t, result.Error)
	assert.Contains(t, result.Error.Error(), "timeout")
}

// RealWOL tests - only run if explicitly configured
func TestRealWOL_E2E(t *testing.T) {
	mac := os.Getenv("TEST_WOL_MAC")
	if mac == "" {
		t.Skip("TEST_WOL_MAC not set")
	}

	repository := os.Getenv("TEST_WOL_REPOSITORY")
	if repository == "" {
		repository = "/backup"
	}

	svc := wol.New(testLogger())

	target := wakeTarget(repository, models.WOLConfig{
		MACAddress:    mac,
		PollURL:       os.Getenv("TEST_WOL_POLL_URL"),
		Timeout:       5 * time.Minute,
		PollInterval:  10 * time.Second,
		StabilizeWait: 10 * time.Second,
	})

	result, err := svc.Wake(context.Background(), target)

	require.NoError(t, err)
	assert.True(t, result.PacketSent)
	if target.Wake.PollURL != "" || strings.HasPrefix(repository, "ssh://") {
		assert.True(t, result.TargetReady)
	}
}
