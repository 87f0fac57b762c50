package services

import (
	"context"
	"time"

	"github.com/yungbote/jobstream/internal/pkg/dbctx"
	"github.com/yungbote/jobstream/internal/pkg/logger"
	"github.com/yungbote/jobstream/internal/repos"
)

// CompactorConfig carries the retention windows. Warn and error events are
// kept longer than routine traffic.
type CompactorConfig struct {
	EventTTL      time.Duration // info and below
	ErrorEventTTL time.Duration // warn and error
	SweepInterval time.Duration
}

// Compactor deletes expired events on a fixed schedule. Sequence numbers
// are never reassigned; pruning advances a watermark that the stream layer
// uses to reject unreplayable cursors.
type Compactor struct {
	log    *logger.Logger
	events repos.EventRepo
	cfg    CompactorConfig
}

func NewCompactor(events repos.EventRepo, cfg CompactorConfig, log *logger.Logger) *Compactor {
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 24 * time.Hour
	}
	if cfg.ErrorEventTTL <= 0 {
		cfg.ErrorEventTTL = 7 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Compactor{
		log:    log.With("service", "Compactor"),
		events: events,
		cfg:    cfg,
	}
}

func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.PruneOnce(ctx); err != nil {
				c.log.Warn("Retention sweep failed", "error", err)
			}
		}
	}
}

// PruneOnce runs a single retention sweep and returns the number of rows
// removed.
func (c *Compactor) PruneOnce(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	removed, err := c.events.PruneBefore(dbctx.New(ctx), now.Add(-c.cfg.EventTTL), now.Add(-c.cfg.ErrorEventTTL))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.log.Info("Retention sweep pruned events", "removed", removed)
	}
	return removed, nil
}
