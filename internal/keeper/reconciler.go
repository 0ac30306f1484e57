package keeper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/cfxdevkit/cas-sub000/internal/chain"
	"github.com/cfxdevkit/cas-sub000/internal/metrics"
	"github.com/cfxdevkit/cas-sub000/internal/repository"
)

// Reconciler periodically audits every registered active job against the
// contract and resyncs local rows that drifted. The tick loop only discovers
// drift after a failed submission; this sweep catches it proactively, e.g.
// for jobs cancelled on-chain directly from the user's wallet.
type Reconciler struct {
	store   repository.JobStore
	client  chain.KeeperClient
	retries *RetryQueue
	logger  *slog.Logger
	cron    *cron.Cron
}

func NewReconciler(store repository.JobStore, client chain.KeeperClient, retries *RetryQueue, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		client:  client,
		retries: retries,
		logger:  logger.With("component", "reconciler"),
		cron:    cron.New(),
	}
}

// Start registers the sweep on the given cron schedule (e.g. "@every 10m")
// and starts the scheduler.
func (r *Reconciler) Start(ctx context.Context, schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() { r.Sweep(ctx) })
	if err != nil {
		return fmt.Errorf("parse reconcile schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started", "schedule", schedule)
	return nil
}

// Stop halts the cron scheduler and waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("reconciler shut down")
}

// Sweep cross-checks every active job that has an on-chain id.
func (r *Reconciler) Sweep(ctx context.Context) {
	jobs, err := r.store.GetActiveJobs(ctx)
	if err != nil {
		r.logger.Error("reconciler load jobs", "error", err)
		return
	}

	var resynced int
	for _, job := range jobs {
		if job.OnChainJobID == nil {
			continue
		}

		status, err := r.client.GetOnChainStatus(ctx, *job.OnChainJobID)
		if err != nil {
			// Unlike the executor's post-submission path, a failed read here
			// is no evidence of drift; leave the job alone and retry on the
			// next sweep.
			r.logger.Warn("reconciler status read failed", "job_id", job.ID, "error", err)
			continue
		}

		switch status {
		case chain.OnChainActive:
			continue
		case chain.OnChainExecuted:
			r.logger.Info("reconciler: job executed on-chain, resyncing", "job_id", job.ID)
			r.retries.Remove(job.ID)
			if err := r.store.MarkExecuted(ctx, job.ID, "", nil); err != nil {
				r.logger.Error("reconciler mark executed", "job_id", job.ID, "error", err)
				continue
			}
			metrics.ReconcilerResyncsTotal.WithLabelValues("executed").Inc()
			resynced++
		default: // cancelled or expired
			r.logger.Info("reconciler: job inactive on-chain, cancelling", "job_id", job.ID, "on_chain_status", status)
			r.retries.Remove(job.ID)
			if err := r.store.MarkCancelled(ctx, job.ID, "reconciler: on-chain status "+string(status)); err != nil {
				r.logger.Error("reconciler mark cancelled", "job_id", job.ID, "error", err)
				continue
			}
			metrics.ReconcilerResyncsTotal.WithLabelValues("cancelled").Inc()
			resynced++
		}
	}

	if resynced > 0 {
		r.logger.Info("reconciler sweep complete", "resynced", resynced, "scanned", len(jobs))
	}
}
