package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heimdex/heimdex-transcriber/internal/logging"
)

// Pruner deletes settled job records older than the retention window on a
// cron schedule.
type Pruner struct {
	repo      Repository
	retention time.Duration
	spec      string
	logger    *slog.Logger
	now       func() time.Time
}

func NewPruner(repo Repository, retention time.Duration, spec string, logger *slog.Logger) *Pruner {
	return &Pruner{
		repo:      repo,
		retention: retention,
		spec:      spec,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "history-pruner"),
		now:       time.Now,
	}
}

// Schedule registers the sweep on c. The caller owns c's lifecycle.
func (p *Pruner) Schedule(ctx context.Context, c *cron.Cron) error {
	if p.retention <= 0 {
		p.logger.Info("history retention disabled")
		return nil
	}
	if _, err := c.AddFunc(p.spec, func() {
		if _, err := p.Prune(ctx); err != nil {
			p.logger.Error("history prune failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule history prune %q: %w", p.spec, err)
	}
	p.logger.Info("history prune scheduled", "spec", p.spec, "retention", p.retention.String())
	return nil
}

func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	cutoff := p.now().Add(-p.retention)
	n, err := p.repo.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("pruned job history", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}
