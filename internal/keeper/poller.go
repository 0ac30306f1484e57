package keeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobPoller drives the tick loop: run the batch once immediately, then on a
// fixed interval until stopped. Batch errors are logged and never kill the
// timer.
type JobPoller struct {
	executor *Executor
	interval time.Duration
	logger   *slog.Logger

	// heartbeat, when set, is invoked after every successful batch so
	// external liveness monitoring can detect a stalled engine.
	heartbeat func()

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewJobPoller(executor *Executor, interval time.Duration, heartbeat func(), logger *slog.Logger) *JobPoller {
	return &JobPoller{
		executor:  executor,
		interval:  interval,
		heartbeat: heartbeat,
		logger:    logger.With("component", "poller"),
	}
}

// Start launches the tick loop. Calling Start on a running poller is a no-op:
// there must never be two concurrent timers over the same job set.
func (p *JobPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		p.logger.Warn("poller already running, ignoring start")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.logger.Info("poller started", "interval", p.interval)

	go func() {
		defer close(done)

		p.tick(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("poller shut down")
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

func (p *JobPoller) tick(ctx context.Context) {
	if err := p.executor.RunAllTicks(ctx); err != nil {
		// A bad cycle must not stop the timer; the next tick gets a fresh go.
		p.logger.Error("poll cycle failed", "error", err)
		return
	}

	if p.heartbeat != nil {
		p.heartbeat()
	}
}

// Stop halts the timer and waits for the in-flight cycle to drain.
func (p *JobPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *JobPoller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
