// Package reconciler runs the periodic janitor cycle: reclaiming expired
// nonce-cache entries and sweeping workspace directories left behind by a
// disposal failure or a crash mid-pipeline. It never touches task state —
// the dispatcher is the sole owner of that.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dispatchd/pkg/admission"
	"github.com/cuemby/dispatchd/pkg/log"
	"github.com/cuemby/dispatchd/pkg/metrics"
	"github.com/cuemby/dispatchd/pkg/workspace"
)

// LiveTaskSource reports which task IDs are still live, so the janitor
// doesn't sweep a workspace a running task still owns.
type LiveTaskSource interface {
	LiveTaskIDs() map[string]bool
}

// Reconciler runs the janitor loop on a fixed interval.
type Reconciler struct {
	nonces    *admission.NonceCache
	workspace *workspace.Manager
	tasks     LiveTaskSource
	interval  time.Duration
	validity  time.Duration

	logger zerolog.Logger
	stopCh chan struct{}
}

// New builds a Reconciler. validity is the nonce signature validity
// window; it is stored but not consulted by the cycle, which reclaims
// nonces by the window the cache itself was built with.
func New(nonces *admission.NonceCache, ws *workspace.Manager, tasks LiveTaskSource, interval, validity time.Duration) *Reconciler {
	return &Reconciler{
		nonces:    nonces,
		workspace: ws,
		tasks:     tasks,
		interval:  interval,
		validity:  validity,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() { go r.run() }

// Stop halts the loop.
func (r *Reconciler) Stop() { close(r.stopCh) }

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("janitor started")

	for {
		select {
		case <-ticker.C:
			r.cycle()
		case <-r.stopCh:
			r.logger.Info().Msg("janitor stopped")
			return
		}
	}
}

func (r *Reconciler) cycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	reclaimed := r.nonces.Reclaim(time.Now())
	if reclaimed > 0 {
		r.logger.Debug().Int("reclaimed", reclaimed).Msg("nonce cache swept")
	}

	live := r.tasks.LiveTaskIDs()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := r.workspace.SweepOrphans(ctx, live)
	if err != nil {
		r.logger.Error().Err(err).Msg("orphaned workspace sweep failed")
		return
	}
	if len(removed) > 0 {
		metrics.OrphanedWorkspacesSweptTotal.Add(float64(len(removed)))
		r.logger.Warn().Strs("taskIds", removed).Msg("swept orphaned workspaces")
	}
}
