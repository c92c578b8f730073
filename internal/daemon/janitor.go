// Package daemon hosts the supervisord process's background maintenance
// loops: the TTL janitor that reaps expired sandboxes and (see
// buildpipeline) the repo-image reconciler.
package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/openinspect/supervisord/internal/state"
)

// DestroyFunc tears down a sandbox by id, through the provider adapter.
type DestroyFunc func(ctx context.Context, sandboxID string) error

// Janitor periodically reaps sandboxes whose TTL has elapsed.
type Janitor struct {
	store      *state.Store
	destroy    DestroyFunc
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewJanitor builds a Janitor. defaultTTL is used for any sandbox record
// that doesn't carry its own TTLSeconds.
func NewJanitor(store *state.Store, destroy DestroyFunc, defaultTTL time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{store: store, destroy: destroy, defaultTTL: defaultTTL, logger: logger}
}

// Start runs cleanup immediately and then every interval, until ctx is
// cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	j.cleanupOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.cleanupOnce(ctx)
		}
	}
}

func (j *Janitor) cleanupOnce(ctx context.Context) {
	expired, err := j.store.ListExpiredSandboxes(ctx, j.defaultTTL)
	if err != nil {
		j.logger.Error("janitor: list expired sandboxes failed", "error", err)
		return
	}

	for _, sb := range expired {
		if err := j.destroy(ctx, sb.ID); err != nil {
			j.logger.Error("janitor: destroy failed", "sandbox_id", sb.ID, "error", err)
			continue
		}
		j.logger.Info("janitor: reaped expired sandbox", "sandbox_id", sb.ID)
	}
}
