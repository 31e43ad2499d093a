// Package wol wakes repository hosts with Wake-on-LAN before a backup.
package wol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// DefaultPort is the UDP port magic packets are sent to.
const DefaultPort = 9

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Wake(ctx context.Context, target models.ResolvedTarget) (*models.WOLResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dialer allows mocking TCP reachability checks. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to addr (host:port).
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient  Client
	httpClient HTTPClient
	dialer     Dialer
	logger     zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient:  &DefaultClient{},
		httpClient: &http.Client{Timeout: 5 * time.Second},
		dialer:     &net.Dialer{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

// NewWithClients creates a new WOL service with custom clients (for testing).
func NewWithClients(logger zerolog.Logger, wolClient Client, httpClient HTTPClient, dialer Dialer) *Impl {
	return &Impl{
		wolClient:  wolClient,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}
}

// broadcastAddr appends the default port unless broadcast already carries one.
func broadcastAddr(broadcast string) (string, error) {
	if _, _, err := net.SplitHostPort(broadcast); err == nil {
		return broadcast, nil
	}
	ip := net.ParseIP(broadcast)
	if ip == nil {
		return "", fmt.Errorf("invalid broadcast IP: %s", broadcast)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(DefaultPort)), nil
}

// probeAddr returns the ssh endpoint of a remote repository, or "" for local ones.
func probeAddr(repository string) string {
	repo, err := models.ParseRepository(repository)
	if err != nil || !repo.IsRemote() {
		return ""
	}
	port := repo.Port
	if port == 0 {
		port = 22
	}
	return models.JoinHostPort(repo.Host, port)
}

// Wake sends a WOL packet for target and waits until its repository host answers.
// The host is polled via poll_url when set, otherwise by connecting to the ssh port
// of a remote repository. Local repositories are considered ready once the packet is sent.
func (s *Impl) Wake(ctx context.Context, target models.ResolvedTarget) (*models.WOLResult, error) {
	if target.Wake == nil {
		return nil, fmt.Errorf("target %s has no wake configuration", target.Name)
	}
	cfg := *target.Wake
	logger := s.logger.With().Str("target", target.Name).Logger()

	result := &models.WOLResult{}
	start := time.Now()

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		result.Error = fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err)
		return result, nil
	}
	addr, err := broadcastAddr(cfg.BroadcastIP)
	if err != nil {
		result.Error = err
		return result, nil
	}

	logger.Info().
		Str("mac", mac.String()).
		Str("broadcast", addr).
		Msg("sending WOL packet")

	if err := s.wolClient.Wake(addr, mac); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.PacketSent = true

	var probe func(context.Context) error
	var probeTarget string
	switch {
	case cfg.PollURL != "":
		probeTarget = cfg.PollURL
		probe = func(ctx context.Context) error { return s.pollHTTP(ctx, cfg.PollURL) }
	case probeAddr(target.Repository) != "":
		probeTarget = probeAddr(target.Repository)
		probe = func(ctx context.Context) error { return s.dialTCP(ctx, probeTarget) }
	default:
		result.TargetReady = true
		result.WaitDuration = time.Since(start)
		return result, nil
	}

	logger.Info().
		Str("probe", probeTarget).
		Dur("timeout", cfg.Timeout).
		Msg("waiting for repository host")

	if err := s.waitFor(ctx, cfg, probeTarget, probe); err != nil {
		result.WaitDuration = time.Since(start)
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	if cfg.StabilizeWait > 0 {
		logger.Debug().Str("wait", cfg.StabilizeWait.Round(time.Millisecond).String()).Msg("waiting for host to stabilize")
		select {
		case <-ctx.Done():
			result.WaitDuration = time.Since(start)
			result.Error = ctx.Err()
			return result, nil
		case <-time.After(cfg.StabilizeWait):
		}
	}

	result.TargetReady = true
	result.WaitDuration = time.Since(start)

	logger.Info().Dur("duration", result.WaitDuration).Msg("repository host is ready")
	return result, nil
}

func (s *Impl) waitFor(ctx context.Context, cfg models.WOLConfig, probeTarget string, probe func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	for {
		err := probe(ctx)
		if err == nil {
			return nil
		}
		s.logger.Debug().Err(err).Str("probe", probeTarget).Msg("host not ready yet")

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("timeout waiting for %s after %s", probeTarget, cfg.Timeout)
			}
			return ctx.Err()
		case <-time.After(cfg.PollInterval):
		}
	}
}

func (s *Impl) pollHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	// Any response means the host is up.
	_ = resp.Body.Close()
	return nil
}

func (s *Impl) dialTCP(ctx context.Context, addr string) error {
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
