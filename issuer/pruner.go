package issuer

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultPruneInterval is how often the background pruner runs.
const DefaultPruneInterval = time.Hour

// maxConcurrentPrunes bounds the store load of one prune pass.
const maxConcurrentPrunes = 4

// Pruner removes expired keys from every namespace of a Registry.
type Pruner struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewPruner creates a pruner. A non-positive interval selects DefaultPruneInterval.
func NewPruner(registry *Registry, interval time.Duration, logger *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}
	return &Pruner{
		registry: registry,
		interval: interval,
		logger:   logger.With("component", "pruner"),
	}
}

// PruneAll prunes every namespace concurrently and returns the total number
// of keys removed. A failing namespace does not stop the others; the errors
// are joined.
func (p *Pruner) PruneAll(ctx context.Context) (int, error) {
	var (
		total atomic.Int64
		g     errgroup.Group
	)
	g.SetLimit(maxConcurrentPrunes)

	namespaces := p.registry.Namespaces()
	errs := make([]error, len(namespaces))
	for i, ns := range namespaces {
		iss, err := p.registry.Get(ns)
		if err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			n, err := iss.Manager.PruneExpiredKeys(ctx)
			total.Add(int64(n))
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return int(total.Load()), errors.Join(errs...)
}

// Run prunes once immediately and then on every tick until ctx is done.
// Failures are logged and retried on the next tick.
func (p *Pruner) Run(ctx context.Context) {
	p.logger.Info("Pruner started", "interval", p.interval)
	p.pass(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Pruner stopped")
			return
		case <-ticker.C:
			p.pass(ctx)
		}
	}
}

func (p *Pruner) pass(ctx context.Context) {
	n, err := p.PruneAll(ctx)
	if err != nil {
		p.logger.Error("Prune pass failed", "dropped", n, "err", err)
		return
	}
	p.logger.Debug("Prune pass complete", "dropped", n)
}
