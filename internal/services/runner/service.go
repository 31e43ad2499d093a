// Package runner orchestrates a backup run over the configured targets.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fgeck/borrg/internal/models"
	"github.com/fgeck/borrg/internal/services/borg"
	"github.com/fgeck/borrg/internal/services/passcmd"
	"github.com/fgeck/borrg/internal/services/ssh"
	"github.com/fgeck/borrg/internal/services/telegram"
	"github.com/fgeck/borrg/internal/services/wol"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Steps of a target run, reported in models.TargetResult.Step.
const (
	StepWake       = "wake"
	StepCredential = "credential"
	StepBackup     = "backup"
	StepSkipped    = "skipped"
)

// ErrSkipped marks targets that were not started after an earlier failure.
var ErrSkipped = errors.New("skipped after earlier failure")

// RunOptions controls a single run.
type RunOptions struct {
	Names    []string // targets to run, all if empty
	Parallel int      // number of targets backed up concurrently, <= 1 is sequential
	FailFast bool     // do not start further targets after a failure
	Progress bool     // log progress for every target
	// OnEvent receives borg events of all targets. It is called concurrently
	// when Parallel > 1.
	OnEvent models.EventCallback
}

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.Config, opts RunOptions) (*models.RunSummary, error)
}

// Impl implements the runner Service interface.
type Impl struct {
	borgSvc     borg.Service
	passSvc     passcmd.Service
	wolSvc      wol.Service
	sshSvc      ssh.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger
	hostname    func() (string, error)
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		borgSvc:     borg.New(logger),
		passSvc:     passcmd.New(logger),
		wolSvc:      wol.New(logger),
		sshSvc:      ssh.New(logger),
		telegramSvc: telegram.New(logger),
		logger:      logger,
		hostname:    os.Hostname,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	borgSvc borg.Service,
	passSvc passcmd.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		borgSvc:     borgSvc,
		passSvc:     passSvc,
		wolSvc:      wolSvc,
		sshSvc:      sshSvc,
		telegramSvc: telegramSvc,
		logger:      logger,
		hostname:    func() (string, error) { return "localhost", nil },
	}
}

// Run backs up the selected targets, powers off repository hosts whose
// targets all succeeded and sends the summary notification.
// The returned error aggregates every failed target and shutdown.
func (s *Impl) Run(ctx context.Context, cfg models.Config, opts RunOptions) (*models.RunSummary, error) {
	targets, err := cfg.Select(opts.Names...)
	if err != nil {
		return nil, err
	}

	summary := &models.RunSummary{
		StartTime: time.Now(),
		Results:   make([]models.TargetResult, len(targets)),
	}

	s.logger.Info().
		Int("targets", len(targets)).
		Int("parallel", max(opts.Parallel, 1)).
		Bool("dry_run", cfg.Borg.DryRun).
		Msg("starting backup run")

	var g errgroup.Group
	g.SetLimit(max(opts.Parallel, 1))
	var failed atomic.Bool

	for i, target := range targets {
		// g.Go blocks while all workers are busy. The checks run once the slot
		// is held, so they see the failures of every target finished so far.
		g.Go(func() error {
			switch {
			case ctx.Err() != nil:
				summary.Results[i] = models.TargetResult{Target: target, Step: StepSkipped, Error: ctx.Err()}
				return nil
			case opts.FailFast && failed.Load():
				summary.Results[i] = models.TargetResult{Target: target, Step: StepSkipped, Error: ErrSkipped}
				return nil
			}
			res := s.runTarget(ctx, cfg.Borg, target, opts)
			if res.Error != nil {
				failed.Store(true)
			}
			summary.Results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, r := range summary.Results {
		if r.Error != nil && r.Step != StepSkipped {
			errs = multierr.Append(errs, fmt.Errorf("%s: %s failed: %w", r.Target.Name, r.Step, r.Error))
		}
	}
	if ctx.Err() != nil {
		errs = multierr.Append(errs, ctx.Err())
	}

	summary.Shutdowns = s.shutdownHosts(ctx, cfg.Borg, summary.Results)
	for _, sh := range summary.Shutdowns {
		if sh.Error != nil && !sh.CommandRun {
			errs = multierr.Append(errs, fmt.Errorf("shutdown %s: %w", sh.Host, sh.Error))
		}
	}

	summary.Duration = time.Since(summary.StartTime)

	if cfg.Notify.Telegram != nil {
		s.sendNotification(ctx, *cfg.Notify.Telegram, cfg.Borg, summary)
	}

	event := s.logger.Info()
	if errs != nil {
		event = s.logger.Error().Err(errs)
	}
	event.
		Int("targets", len(summary.Results)).
		Int("failed", summary.Failed()).
		Dur("duration", summary.Duration).
		Msg("backup run finished")

	return summary, errs
}

func (s *Impl) runTarget(ctx context.Context, settings models.BorgSettings, target models.ResolvedTarget, opts RunOptions) models.TargetResult {
	logger := s.logger.With().Str("target", target.Name).Logger()
	result := models.TargetResult{Target: target}

	if opts.Progress {
		target.Progress = true
	}

	if target.Wake != nil {
		wake, err := s.wolSvc.Wake(ctx, target)
		if err == nil && wake.Error != nil {
			err = wake.Error
		}
		if err == nil && !wake.TargetReady {
			err = fmt.Errorf("repository host did not become ready")
		}
		result.Wake = wake
		if err != nil {
			logger.Error().Err(err).Msg("wake-on-lan failed")
			result.Step, result.Error = StepWake, err
			return result
		}
	}

	cred, err := s.passSvc.Resolve(ctx, target.Name, target.Credential)
	if err != nil {
		logger.Error().Err(err).Msg("resolving credential failed")
		result.Step, result.Error = StepCredential, err
		return result
	}

	archive, err := s.borgSvc.Create(ctx, settings, target, cred.Env, opts.OnEvent)
	if err == nil && archive.Error != nil {
		err = archive.Error
	}
	result.Archive = archive
	if err != nil {
		result.Step, result.Error = StepBackup, err
		return result
	}

	return result
}

// shutdownHosts powers off every distinct shutdown host once, in declaration
// order, provided all targets on it succeeded.
func (s *Impl) shutdownHosts(ctx context.Context, settings models.BorgSettings, results []models.TargetResult) []models.SSHResult {
	var order []string
	configs := make(map[string]models.SSHShutdownConfig)
	healthy := make(map[string]bool)

	for _, r := range results {
		sh := r.Target.Shutdown
		if sh == nil {
			continue
		}
		addr := sh.Address()
		if _, seen := configs[addr]; !seen {
			order = append(order, addr)
			configs[addr] = *sh
			healthy[addr] = true
		}
		if r.Error != nil {
			healthy[addr] = false
		}
	}

	var shutdowns []models.SSHResult
	for _, addr := range order {
		logger := s.logger.With().Str("host", addr).Logger()
		switch {
		case !healthy[addr]:
			logger.Warn().Msg("not all targets on host succeeded, skipping shutdown")
			continue
		case settings.DryRun:
			logger.Info().Msg("dry run, skipping shutdown")
			continue
		case ctx.Err() != nil:
			logger.Warn().Err(ctx.Err()).Msg("run cancelled, skipping shutdown")
			continue
		}

		res, err := s.sshSvc.Shutdown(ctx, configs[addr])
		if err != nil {
			res = &models.SSHResult{Host: addr, Error: err}
		}
		if res.Error != nil {
			logger.Error().Err(res.Error).Bool("command_run", res.CommandRun).Msg("shutdown failed")
		}
		shutdowns = append(shutdowns, *res)
	}
	return shutdowns
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.TelegramConfig, settings models.BorgSettings, summary *models.RunSummary) {
	host, err := s.hostname()
	if err != nil {
		host = "unknown"
	}

	msg := models.TelegramMessage{
		Success:   summary.Failed() == 0,
		Host:      host,
		StartTime: summary.StartTime,
		Duration:  summary.Duration,
		DryRun:    settings.DryRun,
	}
	for _, r := range summary.Results {
		line := models.TelegramTargetLine{
			Name:    r.Target.Name,
			Success: r.Error == nil,
		}
		if r.Archive != nil {
			line.Warning = r.Archive.Warning
			if st := r.Archive.Stats; st != nil {
				line.Archive = st.Name
				line.NFiles = st.NFiles
				line.OriginalSize = st.OriginalSize
				line.DeduplicatedSize = st.DeduplicatedSize
			}
		}
		if r.Error != nil {
			line.FailedStep = r.Step
			line.ErrorMessage = r.Error.Error()
		}
		msg.Targets = append(msg.Targets, line)
	}

	// Send the summary even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	result, err := s.telegramSvc.SendNotification(ctx, cfg, msg)
	if err == nil {
		err = result.Error
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	s.logger.Info().Msg("Telegram notification sent")
}
