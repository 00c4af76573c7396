package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/credcore/pkg/lockx"
	"github.com/aussiebroadwan/credcore/pkg/slogx"
)

const (
	cleanupJob      = "token_cleanup"
	oauthRefreshJob = "oauth_refresh"
)

// HousekeepingService periodically deletes expired tokens and refreshes
// expiring OAuth tokens. Each run holds a named lock so that only one
// process does the work; a run that cannot take the lock does nothing.
type HousekeepingService struct {
	Logger *slog.Logger
	Locker lockx.Locker

	Refresh      *RefreshTokenService
	Verification *EmailVerificationService
	Reset        *PasswordResetService
	OAuthRefresh *OAuthRefreshJob // nil disables the refresh job

	Interval      time.Duration
	OAuthInterval time.Duration

	// Internal channels for lifecycle management
	stopCh chan struct{}
	doneCh chan struct{}
}

// CleanupResult counts the rows one cleanup run deleted.
type CleanupResult struct {
	RefreshTokens           int64
	EmailVerificationTokens int64
	PasswordResetTokens     int64
}

// NewHousekeepingService wires the jobs. Non-positive intervals default to
// one hour for cleanup and five minutes for OAuth refresh.
func NewHousekeepingService(
	logger *slog.Logger,
	locker lockx.Locker,
	refresh *RefreshTokenService,
	verification *EmailVerificationService,
	reset *PasswordResetService,
	oauthRefresh *OAuthRefreshJob,
	interval, oauthInterval time.Duration,
) *HousekeepingService {
	if interval <= 0 {
		interval = time.Hour
	}
	if oauthInterval <= 0 {
		oauthInterval = 5 * time.Minute
	}
	if locker == nil {
		locker = lockx.NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HousekeepingService{
		Logger:        logger,
		Locker:        locker,
		Refresh:       refresh,
		Verification:  verification,
		Reset:         reset,
		OAuthRefresh:  oauthRefresh,
		Interval:      interval,
		OAuthInterval: oauthInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down.
func (s *HousekeepingService) Start() {
	go s.run()
	s.Logger.Info("housekeeping service started",
		"interval", s.Interval,
		"oauth_interval", s.OAuthInterval,
	)
}

// Stop shuts down the worker, waiting for any in-progress run.
func (s *HousekeepingService) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.Logger.Info("housekeeping service stopped")
}

func (s *HousekeepingService) run() {
	defer close(s.doneCh)

	ctx, cancel := context.WithCancel(slogx.WithContext(context.Background(), s.Logger))
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	cleanupTicker := time.NewTicker(s.Interval)
	defer cleanupTicker.Stop()
	oauthTicker := time.NewTicker(s.OAuthInterval)
	defer oauthTicker.Stop()

	// Run immediately on startup
	s.RunOnce(ctx)

	for {
		select {
		case <-cleanupTicker.C:
			_, _ = s.Cleanup(ctx)
		case <-oauthTicker.C:
			_, _ = s.RefreshOAuth(ctx)
		case <-s.stopCh:
			return
		}
	}
}

// RunOnce runs cleanup and, when configured, the OAuth refresh job.
func (s *HousekeepingService) RunOnce(ctx context.Context) {
	_, _ = s.Cleanup(ctx)
	_, _ = s.RefreshOAuth(ctx)
}

// Cleanup deletes expired tokens. Each deletion is independent; a failure
// in one does not stop the others. The returned error joins all failures.
func (s *HousekeepingService) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	err := s.locked(ctx, cleanupJob, s.Interval, func(ctx context.Context) error {
		l := slogx.FromContext(ctx)
		var errs []error

		step := func(name string, fn func(context.Context) (int64, error), out *int64) {
			n, err := fn(ctx)
			if err != nil {
				l.Error("failed to delete expired "+name, slog.Any("error", err))
				errs = append(errs, err)
				return
			}
			*out = n
		}

		if s.Refresh != nil {
			step("refresh tokens", s.Refresh.CleanupExpired, &res.RefreshTokens)
		}
		if s.Verification != nil {
			step("email verification tokens", s.Verification.CleanupExpired, &res.EmailVerificationTokens)
		}
		if s.Reset != nil {
			step("password reset tokens", s.Reset.CleanupExpired, &res.PasswordResetTokens)
		}

		l.Info("housekeeping cleanup completed",
			slog.Int64("refresh_tokens", res.RefreshTokens),
			slog.Int64("email_verification_tokens", res.EmailVerificationTokens),
			slog.Int64("password_reset_tokens", res.PasswordResetTokens),
		)
		return errors.Join(errs...)
	})
	return res, err
}

// RefreshOAuth runs one pass of the OAuth refresh job.
func (s *HousekeepingService) RefreshOAuth(ctx context.Context) (OAuthRefreshStats, error) {
	var stats OAuthRefreshStats
	if s.OAuthRefresh == nil {
		return stats, nil
	}
	err := s.locked(ctx, oauthRefreshJob, s.OAuthInterval, func(ctx context.Context) error {
		var err error
		stats, err = s.OAuthRefresh.Run(ctx)
		return err
	})
	return stats, err
}

// locked runs fn as a logged job under the named lock. The lock is
// extended while fn runs; if extending fails, fn's context is cancelled
// with that error (lockx.ErrLockLost when another holder took over) as the
// cause.
func (s *HousekeepingService) locked(ctx context.Context, job string, ttl time.Duration, fn func(context.Context) error) error {
	if slogx.FromContext(ctx) == slog.Default() {
		ctx = slogx.WithContext(ctx, s.Logger)
	}

	lock, err := s.Locker.TryLock(ctx, job, ttl)
	if errors.Is(err, lockx.ErrNotAcquired) {
		s.Logger.Debug("job skipped, lock held elsewhere", slog.String("job", job))
		return nil
	}
	if err != nil {
		s.Logger.Error("failed to acquire job lock", slog.String("job", job), slog.Any("error", err))
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	kept := make(chan struct{})
	go func() {
		defer close(kept)
		s.keepAlive(runCtx, cancel, lock, job, ttl)
	}()
	defer func() {
		cancel(nil)
		<-kept
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.Logger.Warn("failed to release job lock", slog.String("job", job), slog.Any("error", err))
		}
	}()

	return slogx.Run(runCtx, job, fn)
}

func (s *HousekeepingService) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, lock lockx.Lock, job string, ttl time.Duration) {
	every := ttl / 3
	if every <= 0 {
		every = ttl
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Extend(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.Logger.Warn("job lock lost, stopping run", slog.String("job", job), slog.Any("error", err))
				cancel(err)
				return
			}
		}
	}
}
