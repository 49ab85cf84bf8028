package task

import (
	"context"
	"time"

	"github.com/code-100-precent/LingEcho-gateway/pkg/logger"
	"github.com/code-100-precent/LingEcho-gateway/pkg/session"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

// StartSessionCleaner schedules the inactivity sweep. The returned cron must
// be stopped on shutdown.
func StartSessionCleaner(manager *session.Manager, schedule string, maxIdle time.Duration) (*cron.Cron, error) {
	if schedule == "" {
		schedule = session.DefaultConfig().CleanupSpec
	}
	if maxIdle <= 0 {
		maxIdle = session.DefaultConfig().InactiveTimeout
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		CleanInactiveSessions(manager, maxIdle)
	})
	if err != nil {
		logger.Error("Failed to add session cleaner cron job", zap.Error(err))
		return nil, err
	}

	c.Start()
	logger.Info("Session cleaner started",
		zap.String("schedule", schedule),
		zap.Duration("maxIdle", maxIdle))
	return c, nil
}

// CleanInactiveSessions 清理超时会话，返回清理数量
func CleanInactiveSessions(manager *session.Manager, maxIdle time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	removed := manager.CleanupInactive(ctx, maxIdle)
	if removed > 0 {
		logger.Info("Session cleaner task completed",
			zap.Int("removed", removed),
			zap.Int("active", manager.ActiveCount()))
	}
	return removed
}
