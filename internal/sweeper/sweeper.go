package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/blob"
	"chatsync/pkg/config"
	"chatsync/pkg/directory"
	"chatsync/pkg/logger"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
)

// The sweeper is the maintenance backstop for state the hot path only
// clears opportunistically: typing flags left behind by crashed clients
// and attachment blobs whose conversation has been deleted.

// Deps carries the services a sweep touches.
type Deps struct {
	Typing *presence.Signal
	Blobs  *blob.Store
}

var stored *struct {
	cfg  config.SweeperConfig
	deps Deps
}

// SetConfig stores the sweeper config and deps so admin triggers and
// tests can invoke runs on demand.
func SetConfig(cfg config.SweeperConfig, deps Deps) {
	stored = &struct {
		cfg  config.SweeperConfig
		deps Deps
	}{cfg: cfg, deps: deps}
}

// RunImmediate triggers a single sweep using the stored config.
func RunImmediate() error {
	if stored == nil {
		return fmt.Errorf("no sweeper config registered")
	}
	return runOnce(context.Background(), stored.cfg, stored.deps)
}

// Start starts the sweep scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.SweeperConfig, deps Deps) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("sweeper_disabled")
		return func() {}, nil
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		// every five minutes; typing staleness tolerates no daily cadence
		cronExpr = "*/5 * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sweeper_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid sweeper cron expression: %s", cfg.Cron)
	}

	SetConfig(cfg, deps)
	logger.Info("sweeper_enabled", "cron", cronExpr, "typing_max_age", cfg.TypingMaxAge.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, deps, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg config.SweeperConfig, deps Deps, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sweeper_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if err := runOnce(ctx, cfg, deps); err != nil {
				logger.Error("sweeper_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("sweeper_scheduler_stopping")
			return
		}
	}
}

func runOnce(ctx context.Context, cfg config.SweeperConfig, deps Deps) error {
	start := time.Now()

	maxAge := cfg.TypingMaxAge.Duration()
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	cleared := 0
	if deps.Typing != nil && !cfg.DryRun {
		cleared = deps.Typing.SweepStale(maxAge)
	}

	orphans := 0
	var sweepErr error
	if cfg.OrphanBlobs && deps.Blobs != nil {
		orphans, sweepErr = sweepOrphanBlobs(ctx, deps.Blobs, cfg.DryRun)
	}

	logger.AuditEvent("sweep_complete",
		"typing_cleared", cleared,
		"orphan_blobs", orphans,
		"dry_run", cfg.DryRun,
		"elapsed", time.Since(start).String())
	return sweepErr
}

// sweepOrphanBlobs walks the blob tree and removes attachments whose
// conversation no longer exists. Blob paths follow
// conversations/<convID>/<fileID>.
func sweepOrphanBlobs(ctx context.Context, blobs *blob.Store, dryRun bool) (int, error) {
	removed := 0
	err := blobs.Walk(func(p string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		parts := strings.Split(p, "/")
		if len(parts) < 3 || parts[0] != "conversations" {
			return nil
		}
		convID := parts[1]
		_, err := directory.Get(convID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if dryRun {
			logger.Info("orphan_blob_found", "path", p, "conversation", convID)
			removed++
			return nil
		}
		if derr := blobs.Delete(p); derr != nil {
			logger.Warn("orphan_blob_delete_failed", "path", p, "error", derr)
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}
