package driver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/evermind-ai/retention/config"
	"github.com/evermind-ai/retention/dedup"
	"github.com/evermind-ai/retention/errors"
	"github.com/evermind-ai/retention/lifecycle"
	"github.com/evermind-ai/retention/store"
)

// Driver is the background cadence of the service: one ticker that
// re-scores due records and runs consolidation sweeps per owner on a
// bounded worker pool. Everything it does is also reachable through the
// public operations; the driver only makes it unattended.
type Driver struct {
	store     store.Store
	lifecycle *lifecycle.Manager
	engine    *dedup.Engine
	conf      *config.DriverConfig
	logger    *slog.Logger

	sem   *semaphore.Weighted
	swept *sweptCache

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(s store.Store, manager *lifecycle.Manager, engine *dedup.Engine, conf *config.DriverConfig, logger *slog.Logger) *Driver {
	workers := conf.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Driver{
		store:     s,
		lifecycle: manager,
		engine:    engine,
		conf:      conf,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(workers)),
		swept:     newSweptCache(conf.SweepCacheSize, conf.SweepCooldown),
	}
}

// Start launches the tick loop. It returns immediately; Close stops the
// loop and waits for in-flight work.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.conf.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				d.RunOnce(ctx, now)
			}
		}
	}()
}

func (d *Driver) Close() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Dispatch runs fn on the worker pool, detached from the caller's
// lifetime. Used for work triggered by a public operation that must not
// block it, like promotion verification after an access.
func (d *Driver) Dispatch(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.logger.Warn("dispatch aborted", slog.String("task", name), slog.Any("error", err))
		return
	}
	go func() {
		defer d.sem.Release(1)
		fn(ctx)
	}()
}

// RunOnce performs a single tick: every owner gets its due records
// re-scored, and owners outside the sweep cooldown get a consolidation
// sweep.
func (d *Driver) RunOnce(ctx context.Context, now time.Time) {
	owners, err := d.store.ListOwners(ctx)
	if err != nil {
		d.logger.Warn("listing owners failed", slog.Any("error", err))
		return
	}

	var wg sync.WaitGroup
	for _, owner := range owners {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.sem.Release(1)
			d.rescoreDue(ctx, owner, now)
			d.maybeSweep(ctx, owner, now)
		}()
	}
	wg.Wait()
}

func (d *Driver) rescoreDue(ctx context.Context, owner string, now time.Time) {
	due, err := d.store.ListDue(ctx, owner, now.Add(-d.conf.TickInterval), d.conf.RescoreBatch)
	if err != nil {
		d.logger.Warn("listing due records failed",
			slog.String("owner", owner), slog.Any("error", err))
		return
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.lifecycle.Rescore(ctx, rec.ID, now); err != nil {
			// A record merged or tombstoned mid-tick is not an incident;
			// conflicts settle on the next tick.
			if errors.Is(err, errors.ErrNotFound) || errors.Is(err, errors.ErrConflict) {
				continue
			}
			d.logger.Warn("rescore failed",
				slog.String("record", rec.ID), slog.Any("error", err))
		}
	}
}

func (d *Driver) maybeSweep(ctx context.Context, owner string, now time.Time) {
	if !d.swept.due(owner, now) {
		return
	}
	if _, err := d.engine.Sweep(ctx, owner, now); err != nil {
		d.logger.Warn("sweep failed", slog.String("owner", owner), slog.Any("error", err))
		return
	}
	d.swept.mark(owner, now)
}
