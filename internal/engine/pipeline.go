package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zheng/modeswitcher/pkg/models"
)

// pipelineState carries one pipeline run: the plan plus the pre-switch
// state captured for rollback. disruptive flips once the run has started
// tearing infrastructure down.
type pipelineState struct {
	mode   models.Mode
	target *models.ModelSpec // nil in comfy mode
	ttl    time.Duration

	prevMode   models.Mode
	prevModel  string
	prevConfig []byte

	disruptive bool
}

// Sentinels steering the pipeline runner. errSkipStep suppresses the step
// record; errPipelineDone short-circuits to the success commit.
var (
	errSkipStep     = errors.New("skip step")
	errPipelineDone = errors.New("pipeline done")
)

type stepFunc func(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error)

type pipelineStep struct {
	name string
	// disruptive marks the rollback boundary: entering this step means a
	// later failure must restore the previous state.
	disruptive bool
	run        stepFunc
}

var llmPipeline = []pipelineStep{
	{name: "preflight", run: stepPreflight},
	{name: "stop_comfy", run: stepStopComfy},
	{name: "noop", run: stepNoop},
	{name: "stop_litellm", disruptive: true, run: stepStopGateway},
	{name: "stop_models", run: stepStopModels},
	{name: "start_target", run: stepStartTarget},
	{name: "wait_target", run: stepWaitTarget},
	{name: "activate_config", run: stepActivateConfig},
	{name: "start_litellm", run: stepStartGateway},
	{name: "verify_litellm", run: stepVerifyGateway},
}

var comfyPipeline = []pipelineStep{
	{name: "preflight", run: stepPreflight},
	{name: "renew", run: stepRenew},
	{name: "stop_litellm", disruptive: true, run: stepStopGateway},
	{name: "stop_models", run: stepStopModels},
	{name: "start_comfy", run: stepStartTarget},
	{name: "wait_comfy", run: stepWaitTarget},
}

func (ps *pipelineState) targetContainer(e *Engine) string {
	if ps.mode == models.ModeComfy {
		return e.catalog.ComfyContainer
	}
	return ps.target.Container
}

func stepPreflight(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	name := ps.targetContainer(e)
	st, err := e.docker.Inspect(ctx, name)
	if err != nil {
		return "", transportErr("inspect "+name, err)
	}
	if !st.Exists {
		return "", preconditionf("container %s does not exist", name)
	}
	return "container " + name + " present", nil
}

func stepStopComfy(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if err := e.docker.Stop(ctx, e.catalog.ComfyContainer); err != nil {
		return "", transportErr("stop "+e.catalog.ComfyContainer, err)
	}
	return "comfyui stopped", nil
}

// stepNoop short-circuits an LLM switch whose target is already the sole
// running backend.
func stepNoop(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if ps.prevMode != models.ModeLLM {
		return "", errSkipStep
	}
	running, err := e.runningBackends(ctx)
	if err != nil {
		return "", transportErr("inspect backends", err)
	}
	if len(running) == 1 && running[0] == ps.target.Container {
		return "model " + ps.target.ID + " already active", errPipelineDone
	}
	return "", errSkipStep
}

// stepRenew turns a comfy switch into a lease renewal when ComfyUI is
// already the sole tenant.
func stepRenew(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if ps.prevMode != models.ModeComfy {
		return "", errSkipStep
	}
	st, err := e.docker.Inspect(ctx, e.catalog.ComfyContainer)
	if err != nil {
		return "", transportErr("inspect "+e.catalog.ComfyContainer, err)
	}
	if st.Status != "running" {
		return "", errSkipStep
	}
	running, err := e.runningBackends(ctx)
	if err != nil {
		return "", transportErr("inspect backends", err)
	}
	if len(running) != 0 {
		return "", errSkipStep
	}
	return fmt.Sprintf("lease renewed for %s", ps.ttl), errPipelineDone
}

func stepStopGateway(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if err := e.docker.Stop(ctx, e.catalog.GatewayContainer); err != nil {
		return "", transportErr("stop "+e.catalog.GatewayContainer, err)
	}
	return "gateway stopped", nil
}

func stepStopModels(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	for _, name := range e.catalog.BackendContainers() {
		if err := e.docker.Stop(ctx, name); err != nil {
			return "", transportErr("stop "+name, err)
		}
	}
	return fmt.Sprintf("stopped %d backends", len(e.catalog.Models)), nil
}

func stepStartTarget(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	name := ps.targetContainer(e)
	if err := e.docker.Start(ctx, name); err != nil {
		return "", transportErr("start "+name, err)
	}
	return name + " started", nil
}

func stepWaitTarget(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	name := ps.targetContainer(e)
	if err := e.docker.WaitReady(ctx, name, e.cfg.HealthTimeout); err != nil {
		return "", err
	}
	return name + " ready", nil
}

func stepActivateConfig(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if err := e.store.StageConfig(ps.target.Template, ps.target.ID); err != nil {
		return "", err
	}
	return "staged config for " + ps.target.ID, nil
}

func stepStartGateway(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if err := e.docker.Start(ctx, e.catalog.GatewayContainer); err != nil {
		return "", transportErr("start "+e.catalog.GatewayContainer, err)
	}
	return "gateway started", nil
}

func stepVerifyGateway(ctx context.Context, e *Engine, j *job, ps *pipelineState) (string, error) {
	if err := e.gateway.WaitModel(ctx, ps.target.GatewayModel, e.cfg.LitellmVerifyTimeout); err != nil {
		return "", err
	}
	return "gateway reports " + ps.target.GatewayModel, nil
}
