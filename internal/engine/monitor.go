package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/zheng/modeswitcher/pkg/models"
)

// StartMonitor launches the lease monitor: a background task that reclaims
// the GPU for the default LLM once a ComfyUI lease expires. Starting twice
// is a no-op.
func (e *Engine) StartMonitor() {
	e.monitorMu.Lock()
	defer e.monitorMu.Unlock()
	if e.monitorDone != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.monitorStop = cancel
	e.monitorDone = done

	log := e.log.With().Str("component", "monitor").Logger()
	log.Info().Dur("poll", e.cfg.MonitorPoll).Msg("lease monitor started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.MonitorPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("lease monitor stopped")
				return
			case <-ticker.C:
				e.monitorTick(ctx)
			}
		}
	}()
}

// Shutdown cancels the lease monitor and waits for it to exit.
func (e *Engine) Shutdown() {
	e.monitorMu.Lock()
	stop, done := e.monitorStop, e.monitorDone
	e.monitorStop, e.monitorDone = nil, nil
	e.monitorMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// monitorTick checks the lease and, when expired, runs the recovery switch
// under the same lock discipline as any other caller. If the lock is busy
// or the switch fails, the next tick retries.
func (e *Engine) monitorTick(ctx context.Context) {
	if e.store.ReadMode() != models.ModeComfy {
		return
	}
	expiry, ok := e.store.ReadLease()
	if !ok || time.Now().Before(expiry) {
		return
	}
	if !e.tryAcquire() {
		return
	}
	defer e.release()

	leaseExpirationsTotal.Inc()
	spec, ok := e.catalog.Lookup(e.cfg.DefaultModel)
	if !ok {
		e.setLastError(fmt.Sprintf("lease expired but default model %q is not in the catalogue", e.cfg.DefaultModel))
		return
	}

	e.log.Info().Time("lease_until", expiry).Str("model", spec.ID).Msg("lease expired, reclaiming GPU")
	j := e.newJob(e.store.ReadActiveModel(), spec.ID, "lease_expired: returning to "+spec.ID, "lease_monitor", "")

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("lease recovery panic: %v", r)
			e.setLastError(msg)
			e.finishJob(j, models.JobFailed, "lease recovery crashed", msg, false)
		}
	}()

	if _, err := e.runPipeline(ctx, j, &plan{mode: models.ModeLLM, target: spec}); err != nil {
		e.log.Error().Err(err).Msg("lease recovery failed")
	}
}
