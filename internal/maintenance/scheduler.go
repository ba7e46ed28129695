// Package maintenance schedules the out-of-band session jobs: trimming stale
// sessions and re-keying legacy ones. Both jobs are idempotent.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/duynhne/session-store/config"
	logicv1 "github.com/duynhne/session-store/internal/logic/v1"
)

// Jobs is implemented by logicv1.RecordStore.
type Jobs interface {
	Trim(ctx context.Context, olderThan time.Duration) (int64, error)
	Upgrade(ctx context.Context) (logicv1.UpgradeReport, error)
}

// NewScheduler returns a stopped cron scheduler with the configured jobs
// registered. Empty schedules leave the job out. Overlapping runs of the same
// job are skipped.
func NewScheduler(jobs Jobs, cfg config.MaintenanceConfig, trimAge time.Duration, timeout time.Duration) (*cron.Cron, error) {
	logger := cronLogger{log.With().Str("component", "maintenance").Logger()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if cfg.TrimSchedule != "" {
		if _, err := c.AddFunc(cfg.TrimSchedule, TrimJob(jobs, trimAge, timeout)); err != nil {
			return nil, fmt.Errorf("trim schedule %q: %w", cfg.TrimSchedule, err)
		}
	}
	if cfg.UpgradeSchedule != "" {
		if _, err := c.AddFunc(cfg.UpgradeSchedule, UpgradeJob(jobs, timeout)); err != nil {
			return nil, fmt.Errorf("upgrade schedule %q: %w", cfg.UpgradeSchedule, err)
		}
	}
	return c, nil
}

// TrimJob deletes sessions untouched for longer than olderThan.
func TrimJob(jobs Jobs, olderThan, timeout time.Duration) func() {
	return func() {
		ctx, cancel := jobContext(timeout)
		defer cancel()

		if _, err := jobs.Trim(ctx, olderThan); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Session trim failed")
		}
	}
}

// UpgradeJob secures sessions still stored under their public id.
func UpgradeJob(jobs Jobs, timeout time.Duration) func() {
	return func() {
		ctx, cancel := jobContext(timeout)
		defer cancel()

		if _, err := jobs.Upgrade(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Session upgrade failed")
		}
	}
}

func jobContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := log.With().Str("component", "maintenance").Logger().WithContext(context.Background())
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
