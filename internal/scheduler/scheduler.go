// Package scheduler runs the background loops of a tokenflow server: waking
// expired timer events on live process instances and running periodic store
// maintenance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TimerRefresher wakes expired timer waits across live instances.
// Satisfied by *engine.Engine (avoids import cycle).
type TimerRefresher interface {
	RefreshTimers(ctx context.Context) error
}

// Maintainer performs periodic store maintenance. Satisfied by store.Store.
type Maintainer interface {
	Vacuum(ctx context.Context) error
}

// Options configures a Poller.
type Options struct {
	// Interval between timer refresh ticks. Defaults to one second.
	Interval time.Duration
	// MaintenanceCron is a five-field cron expression for store vacuuming.
	// Defaults to "0 3 * * *" (daily at 03:00).
	MaintenanceCron string
}

// Poller drives timer refreshes on a fixed interval and store maintenance on
// a cron schedule.
type Poller struct {
	engine   TimerRefresher
	store    Maintainer
	interval time.Duration
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   bool // a tick is currently executing (dedup)

	nextMaintenance time.Time
}

// NewPoller creates a Poller. The maintenance cron expression is validated up
// front; store may be nil to disable maintenance.
func NewPoller(eng TimerRefresher, st Maintainer, opts Options, logger *slog.Logger) (*Poller, error) {
	if eng == nil {
		return nil, fmt.Errorf("poller requires an engine")
	}
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	spec := opts.MaintenanceCron
	if spec == "" {
		spec = "0 3 * * *"
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron %q: %w", spec, err)
	}
	return &Poller{
		engine:          eng,
		store:           st,
		interval:        interval,
		schedule:        schedule,
		logger:          logger,
		nextMaintenance: schedule.Next(time.Now().UTC()),
	}, nil
}

// Start launches the background loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return fmt.Errorf("poller already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(loopCtx)
	p.logger.Info("timer poller started", slog.Duration("interval", p.interval))
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick refreshes timers once and runs maintenance when it is due. A tick that
// overlaps a still-running one is skipped.
func (p *Poller) tick(ctx context.Context) {
	if !p.tryAcquire() {
		return
	}
	defer p.release()

	if err := p.engine.RefreshTimers(ctx); err != nil {
		p.logger.Error("timer refresh failed", slog.String("error", err.Error()))
	}

	if p.store == nil {
		return
	}
	now := time.Now().UTC()
	if now.Before(p.nextMaintenance) {
		return
	}
	if err := p.store.Vacuum(ctx); err != nil {
		p.logger.Error("store maintenance failed", slog.String("error", err.Error()))
	}
	p.nextMaintenance = p.schedule.Next(now)
}

// tryAcquire marks a tick as in-flight, returning false when one already is.
func (p *Poller) tryAcquire() bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	if p.inflight {
		return false
	}
	p.inflight = true
	return true
}

func (p *Poller) release() {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	p.inflight = false
}

// NextMaintenance returns the next scheduled maintenance time.
func (p *Poller) NextMaintenance() time.Time {
	return p.nextMaintenance
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}

	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil

	p.logger.Info("timer poller stopped")
	return nil
}
