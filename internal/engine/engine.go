// Package engine drives mutually-exclusive transitions between the GPU's
// tenants: one of several LLM backends behind the LiteLLM gateway, or the
// ComfyUI image-generation workload. One switch runs at a time under a
// global lock; failures past the disruptive boundary roll back to the
// previous configuration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zheng/modeswitcher/internal/config"
	"github.com/zheng/modeswitcher/internal/docker"
	"github.com/zheng/modeswitcher/internal/gateway"
	"github.com/zheng/modeswitcher/internal/state"
	"github.com/zheng/modeswitcher/pkg/models"
)

// Engine is the mode/model switching engine and the sole writer of the
// active-state store.
type Engine struct {
	cfg     *config.Config
	catalog *models.Catalog
	docker  docker.Client
	gateway gateway.Probe
	store   *state.Store
	audit   *auditLog
	log     zerolog.Logger

	// sem is the global switch lock. Holding the single slot means a
	// pipeline is in flight.
	sem chan struct{}

	stateMu      sync.Mutex
	lastError    string
	lastSwitchAt *time.Time

	jobMu   sync.Mutex
	current *job
	nextID  int64

	monitorMu   sync.Mutex
	monitorStop context.CancelFunc
	monitorDone chan struct{}
}

// New creates an engine. The catalogue must already be validated against
// the configured default model.
func New(cfg *config.Config, catalog *models.Catalog, dc docker.Client, probe gateway.Probe, store *state.Store, log zerolog.Logger) *Engine {
	auditPath := cfg.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.ConfigDir, "switch-audit.log")
	}
	e := &Engine{
		cfg:     cfg,
		catalog: catalog,
		docker:  dc,
		gateway: probe,
		store:   store,
		audit:   newAuditLog(auditPath, log),
		log:     log.With().Str("component", "engine").Logger(),
		sem:     make(chan struct{}, 1),
	}
	e.reconcileStartup()
	return e
}

// reconcileStartup checks the config/model pair for a crash mid-write. The
// pair is healed by the next switch; here we only surface the skew.
func (e *Engine) reconcileStartup() {
	model := e.store.ReadActiveModel()
	hasConfig := e.store.ReadActiveConfig() != nil
	if (model == "") != !hasConfig {
		e.log.Warn().
			Str("active_model", model).
			Bool("staged_config", hasConfig).
			Msg("active model and staged config disagree; next switch rewrites the pair")
	}
}

func (e *Engine) tryAcquire() bool {
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) release() { <-e.sem }

// SwitchInProgress reports whether the switch lock is held.
func (e *Engine) SwitchInProgress() bool { return len(e.sem) > 0 }

// plan is a validated switch request.
type plan struct {
	mode   models.Mode
	target *models.ModelSpec
	ttl    time.Duration
}

func (p *plan) toLabel() string {
	if p.mode == models.ModeComfy {
		return "mode:comfy"
	}
	return p.target.ID
}

// validate runs the preflight checks that precede the switch lock.
func (e *Engine) validate(req models.SwitchRequest) (*plan, error) {
	mode, ok := models.ParseMode(req.Mode)
	if !ok {
		return nil, badRequestf("unknown mode %q", req.Mode)
	}

	if mode == models.ModeLLM {
		if req.TTLMinutes != nil {
			return nil, badRequestf("ttl_minutes is only valid for comfy mode")
		}
		id := req.Model
		if id == "" {
			id = e.store.ReadActiveModel()
			if _, known := e.catalog.Lookup(id); !known {
				id = e.cfg.DefaultModel
			}
		}
		spec, known := e.catalog.Lookup(id)
		if !known {
			return nil, badRequestf("unknown model %q", req.Model)
		}
		return &plan{mode: mode, target: spec}, nil
	}

	if req.Model != "" {
		return nil, badRequestf("model is only valid for llm mode")
	}
	ttl := e.cfg.ComfyDefaultTTL
	if req.TTLMinutes != nil {
		ttl = time.Duration(*req.TTLMinutes) * time.Minute
		if *req.TTLMinutes <= 0 || ttl > e.cfg.ComfyMaxTTL {
			return nil, badRequestf("ttl_minutes must be in (0, %d]", int(e.cfg.ComfyMaxTTL.Minutes()))
		}
	}
	return &plan{mode: mode, ttl: ttl}, nil
}

// Switch validates and runs a mode/model switch. With wait_for_ready the
// pipeline runs on the caller and the result is terminal; otherwise it runs
// in the background and the result is an acceptance carrying the job id.
func (e *Engine) Switch(ctx context.Context, req models.SwitchRequest) (*models.SwitchResult, error) {
	p, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	if !e.tryAcquire() {
		if req.WaitForReady {
			return nil, conflictf("switch_in_progress")
		}
		res := &models.SwitchResult{Status: "in_progress", PollEndpoint: "/status", Accepted: true}
		e.jobMu.Lock()
		if e.current != nil {
			res.SwitchID = e.current.id
			res.ToModel = e.current.toModel
			res.StateText = e.current.stateText
		}
		e.jobMu.Unlock()
		return res, nil
	}

	from := e.store.ReadActiveModel()
	j := e.newJob(from, p.toLabel(), "switching to "+p.toLabel(), req.RequestedBy, req.SourceIP)

	if req.WaitForReady {
		defer e.release()
		// Pipelines run to completion even if the caller disconnects: a
		// cancelled request context must not abort a half-done teardown.
		return e.runPipeline(context.WithoutCancel(ctx), j, p)
	}

	go func() {
		defer e.release()
		if _, err := e.runPipeline(context.Background(), j, p); err != nil {
			e.log.Error().Err(err).Int64("switch_id", j.id).Msg("background switch failed")
		}
	}()
	return &models.SwitchResult{
		Status:       "accepted",
		SwitchID:     j.id,
		ToModel:      p.toLabel(),
		StateText:    "switching to " + p.toLabel(),
		PollEndpoint: "/status",
		Accepted:     true,
	}, nil
}

// Release preempts ComfyUI and forces a synchronous return to the default
// LLM.
func (e *Engine) Release(ctx context.Context, requestedBy, sourceIP string) (*models.SwitchResult, error) {
	spec, ok := e.catalog.Lookup(e.cfg.DefaultModel)
	if !ok {
		return nil, badRequestf("default model %q is not in the catalogue", e.cfg.DefaultModel)
	}
	if !e.tryAcquire() {
		return nil, conflictf("switch_in_progress")
	}
	defer e.release()

	from := e.store.ReadActiveModel()
	j := e.newJob(from, spec.ID, "preemption: returning to "+spec.ID, requestedBy, sourceIP)
	return e.runPipeline(context.WithoutCancel(ctx), j, &plan{mode: models.ModeLLM, target: spec})
}

// StopAll stops every backend and ComfyUI, then records llm mode with no
// lease. Serialised on the switch lock.
func (e *Engine) StopAll(ctx context.Context) ([]string, error) {
	if !e.tryAcquire() {
		return nil, conflictf("switch_in_progress")
	}
	defer e.release()

	ctx = context.WithoutCancel(ctx)
	names := append(e.catalog.BackendContainers(), e.catalog.ComfyContainer)
	stopped := make([]string, 0, len(names))
	for _, name := range names {
		if err := e.docker.Stop(ctx, name); err != nil {
			return stopped, transportErr("stop "+name, err)
		}
		stopped = append(stopped, name)
	}
	if err := e.store.WriteMode(models.ModeLLM); err != nil {
		return stopped, &Error{Kind: KindInternal, msg: "write mode", err: err}
	}
	e.log.Info().Strs("stopped", stopped).Msg("all GPU tenants stopped")
	return stopped, nil
}

// runPipeline executes the pipeline for p on the caller's goroutine. The
// switch lock must be held. The returned error is non-nil only for
// pre-boundary BadRequest/Precondition failures; every other outcome is a
// terminal result.
func (e *Engine) runPipeline(ctx context.Context, j *job, p *plan) (*models.SwitchResult, error) {
	e.setRunning(j, "switching to "+j.toModel)
	e.log.Info().Int64("switch_id", j.id).Str("from", j.fromModel).Str("to", j.toModel).Msg("switch started")

	ps := &pipelineState{
		mode:       p.mode,
		target:     p.target,
		ttl:        p.ttl,
		prevMode:   e.store.ReadMode(),
		prevModel:  e.store.ReadActiveModel(),
		prevConfig: e.store.ReadActiveConfig(),
	}

	steps := llmPipeline
	if p.mode == models.ModeComfy {
		steps = comfyPipeline
	}

	for _, st := range steps {
		e.setStep(j, st.name)
		if st.disruptive {
			ps.disruptive = true
		}
		detail, err := st.run(ctx, e, j, ps)
		if errors.Is(err, errSkipStep) {
			continue
		}
		if errors.Is(err, errPipelineDone) {
			e.recordStep(j, st.name, true, detail)
			break
		}
		if err != nil {
			e.recordStep(j, st.name, false, err.Error())
			return e.fail(ctx, j, ps, err)
		}
		e.recordStep(j, st.name, true, detail)
	}
	return e.commit(ctx, j, ps)
}

// commit persists the post-switch active state and finishes the job.
func (e *Engine) commit(ctx context.Context, j *job, ps *pipelineState) (*models.SwitchResult, error) {
	if ps.mode == models.ModeLLM {
		// Heal the config/model pair on the noop path.
		if e.store.ReadActiveModel() != ps.target.ID {
			if err := e.store.StageConfig(ps.target.Template, ps.target.ID); err != nil {
				e.recordStep(j, "commit", false, err.Error())
				return e.fail(ctx, j, ps, err)
			}
		}
		if err := e.store.WriteMode(models.ModeLLM); err != nil {
			e.recordStep(j, "commit", false, err.Error())
			return e.fail(ctx, j, ps, err)
		}
		e.noteSwitched()
		e.finishJob(j, models.JobSuccess, "model "+ps.target.ID+" is active", "", true)
		e.log.Info().Int64("switch_id", j.id).Str("model", ps.target.ID).Msg("switch succeeded")
		return e.result(j), nil
	}

	if err := e.store.WriteMode(models.ModeComfy); err != nil {
		e.recordStep(j, "commit", false, err.Error())
		return e.fail(ctx, j, ps, err)
	}
	expiry, err := e.store.SetLease(ps.ttl)
	if err != nil {
		e.recordStep(j, "commit", false, err.Error())
		return e.fail(ctx, j, ps, err)
	}
	e.noteSwitched()
	e.finishJob(j, models.JobSuccess, "comfyui active until "+expiry.Format(time.RFC3339), "", true)
	e.log.Info().Int64("switch_id", j.id).Time("lease_until", expiry).Msg("comfy switch succeeded")
	return e.result(j), nil
}

// fail handles a pipeline error: before the disruptive boundary the job
// simply fails (BadRequest/Precondition propagate to the caller); after it
// the rollback protocol runs.
func (e *Engine) fail(ctx context.Context, j *job, ps *pipelineState, cause error) (*models.SwitchResult, error) {
	kind := KindOf(cause)
	e.setLastError(cause.Error())
	e.log.Error().Err(cause).Int64("switch_id", j.id).Str("kind", kind.String()).Bool("disruptive", ps.disruptive).Msg("switch failed")

	if !ps.disruptive {
		e.finishJob(j, models.JobFailed, "switch failed", cause.Error(), false)
		if kind == KindBadRequest || kind == KindPrecondition {
			return nil, cause
		}
		return e.result(j), nil
	}

	rollbacksTotal.Inc()
	return e.rollback(ctx, j, ps, cause)
}

// rollback restores the previous configuration. A full rollback is
// attempted only when the previous mode was llm with a known model distinct
// from the target; otherwise a best-effort restore puts the gateway back on
// the previous staged config.
func (e *Engine) rollback(ctx context.Context, j *job, ps *pipelineState, cause error) (*models.SwitchResult, error) {
	var prev *models.ModelSpec
	if ps.prevMode == models.ModeLLM && ps.prevModel != "" && ps.prevModel != j.toModel {
		prev, _ = e.catalog.Lookup(ps.prevModel)
	}

	if prev != nil {
		e.setRunning(j, "rolling back to "+prev.ID)
		if err := e.fullRollback(ctx, j, ps, prev); err != nil {
			composite := cause.Error() + "; rollback_failed: " + err.Error()
			e.setLastError(composite)
			e.finishJob(j, models.JobFailed, "rollback failed", composite, false)
			return e.result(j), nil
		}
		e.finishJob(j, models.JobRolledBack, "rolled back to "+prev.ID, cause.Error(), false)
		e.log.Warn().Int64("switch_id", j.id).Str("model", prev.ID).Msg("switch rolled back")
		return e.result(j), nil
	}

	e.setRunning(j, "restoring previous configuration")
	e.bestEffortRestore(ctx, j, ps)
	e.recordStep(j, "failed", false, cause.Error())
	e.finishJob(j, models.JobFailed, "switch failed", cause.Error(), false)
	return e.result(j), nil
}

// fullRollback re-runs the LLM bring-up for the previous model. Each
// substep is recorded; the first failure aborts.
func (e *Engine) fullRollback(ctx context.Context, j *job, ps *pipelineState, prev *models.ModelSpec) error {
	run := func(name string, detail string, fn func() error) error {
		e.setStep(j, name)
		if err := fn(); err != nil {
			e.recordStep(j, name, false, err.Error())
			return err
		}
		e.recordStep(j, name, true, detail)
		return nil
	}

	if err := run("rollback_restore_config", "restored config for "+prev.ID, func() error {
		return e.store.Restore(ps.prevConfig, ps.prevModel)
	}); err != nil {
		return err
	}
	if err := run("rollback_stop_models", "stopped backends and comfyui", func() error {
		for _, name := range append(e.catalog.BackendContainers(), e.catalog.ComfyContainer) {
			if err := e.docker.Stop(ctx, name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if err := run("rollback_start_prev", prev.Container+" started", func() error {
		return e.docker.Start(ctx, prev.Container)
	}); err != nil {
		return err
	}
	if err := run("rollback_wait_prev", prev.Container+" ready", func() error {
		return e.docker.WaitReady(ctx, prev.Container, e.cfg.HealthTimeout)
	}); err != nil {
		return err
	}
	if err := run("rollback_start_litellm", "gateway started", func() error {
		return e.docker.Start(ctx, e.catalog.GatewayContainer)
	}); err != nil {
		return err
	}
	if err := run("rollback_verify", "gateway reports "+prev.GatewayModel, func() error {
		return e.gateway.WaitModel(ctx, prev.GatewayModel, e.cfg.LitellmVerifyTimeout)
	}); err != nil {
		return err
	}
	return e.store.WriteMode(models.ModeLLM)
}

// bestEffortRestore runs when no safe previous LLM exists: put the staged
// config back, restart the gateway, drop out of comfy mode. Substep
// failures are recorded but do not abort.
func (e *Engine) bestEffortRestore(ctx context.Context, j *job, ps *pipelineState) {
	record := func(name, detail string, err error) {
		if err != nil {
			e.recordStep(j, name, false, err.Error())
			return
		}
		e.recordStep(j, name, true, detail)
	}

	record("restore_config", "previous config restored",
		e.store.Restore(ps.prevConfig, ps.prevModel))

	err := e.docker.Stop(ctx, e.catalog.GatewayContainer)
	if err == nil {
		err = e.docker.Start(ctx, e.catalog.GatewayContainer)
	}
	record("restore_gateway", "gateway restarted", err)

	record("restore_mode", "mode set to llm", e.store.WriteMode(models.ModeLLM))
}

// result snapshots the job into a terminal SwitchResult.
func (e *Engine) result(j *job) *models.SwitchResult {
	e.jobMu.Lock()
	snap := j.snapshotLocked()
	e.jobMu.Unlock()
	return &models.SwitchResult{
		Status:     string(snap.State),
		SwitchID:   snap.ID,
		FromModel:  snap.FromModel,
		ToModel:    snap.ToModel,
		StateText:  snap.StateText,
		Error:      snap.Error,
		Steps:      snap.Steps,
		DurationMS: snap.DurationMS,
	}
}

// runningBackends returns the container names of all running LLM backends,
// in catalogue order.
func (e *Engine) runningBackends(ctx context.Context) ([]string, error) {
	var running []string
	for i := range e.catalog.Models {
		name := e.catalog.Models[i].Container
		st, err := e.docker.Inspect(ctx, name)
		if err != nil {
			return nil, err
		}
		if st.Exists && st.Status == "running" {
			running = append(running, name)
		}
	}
	return running, nil
}

func (e *Engine) setLastError(msg string) {
	e.stateMu.Lock()
	e.lastError = msg
	e.stateMu.Unlock()
}

func (e *Engine) noteSwitched() {
	now := time.Now().UTC()
	e.stateMu.Lock()
	e.lastError = ""
	e.lastSwitchAt = &now
	e.stateMu.Unlock()
}

// Status aggregates the live system view. Container reads go straight to
// the orchestration port without engine locks; the composite may be
// marginally stale.
func (e *Engine) Status(ctx context.Context) *models.StatusResponse {
	containers := make(map[string]models.ContainerStatus, len(e.catalog.Models)+1)
	running := make([]string, 0, 1)
	for i := range e.catalog.Models {
		m := &e.catalog.Models[i]
		cs := e.containerStatus(ctx, m.Container)
		containers[m.ID] = cs
		if cs.Status == "running" {
			running = append(running, m.ID)
		}
	}
	containers[e.catalog.GatewayContainer] = e.containerStatus(ctx, e.catalog.GatewayContainer)
	comfy := e.containerStatus(ctx, e.catalog.ComfyContainer)

	mode := e.store.ReadMode()
	resp := &models.StatusResponse{
		RunningModels:    running,
		ActiveModel:      e.store.ReadActiveModel(),
		ActiveMode:       mode,
		Mode:             models.ModeStatus{Active: mode, Default: models.ModeLLM},
		Containers:       containers,
		ComfyUI:          comfy,
		SwitchInProgress: e.SwitchInProgress(),
	}

	if expiry, ok := e.store.ReadLease(); ok {
		remaining := time.Until(expiry)
		lease := &models.LeaseStatus{
			ExpiresAt:        &expiry,
			RemainingSeconds: int64(remaining.Seconds()),
			Expired:          remaining <= 0,
		}
		if lease.RemainingSeconds < 0 {
			lease.RemainingSeconds = 0
		}
		resp.Mode.Lease = lease
	}

	e.stateMu.Lock()
	resp.LastError = e.lastError
	resp.LastSwitchAt = e.lastSwitchAt
	e.stateMu.Unlock()

	resp.Switch = e.CurrentSwitch()
	return resp
}

func (e *Engine) containerStatus(ctx context.Context, name string) models.ContainerStatus {
	st, err := e.docker.Inspect(ctx, name)
	if err != nil {
		return models.ContainerStatus{Error: err.Error()}
	}
	return models.ContainerStatus{Exists: st.Exists, Status: st.Status, Health: st.Health}
}

// Ready reports whether the gateway is serving exactly the active model.
// Used by the readiness endpoint.
func (e *Engine) Ready(ctx context.Context) (string, error) {
	mode := e.store.ReadMode()
	if mode != models.ModeLLM {
		return "", fmt.Errorf("mode is %s", mode)
	}
	active := e.store.ReadActiveModel()
	if active == "" {
		return "", fmt.Errorf("no active model")
	}
	spec, ok := e.catalog.Lookup(active)
	if !ok {
		return "", fmt.Errorf("active model %q is not in the catalogue", active)
	}
	running, err := e.runningBackends(ctx)
	if err != nil {
		return "", err
	}
	if len(running) != 1 {
		return "", fmt.Errorf("%d backends running, want 1", len(running))
	}
	if running[0] != spec.Container {
		return "", fmt.Errorf("running backend %s does not match active model %s", running[0], active)
	}
	return active, nil
}
