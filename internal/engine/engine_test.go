package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zheng/modeswitcher/internal/config"
	"github.com/zheng/modeswitcher/internal/docker"
	"github.com/zheng/modeswitcher/internal/gateway"
	"github.com/zheng/modeswitcher/internal/state"
	"github.com/zheng/modeswitcher/pkg/models"
)

type harness struct {
	eng   *Engine
	fake  *docker.Fake
	probe *gateway.FakeProbe
	store *state.Store
	cfg   *config.Config
	cat   *models.Catalog
	audit string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfgDir, tmplDir := t.TempDir(), t.TempDir()

	cat := models.DefaultCatalog()
	for _, m := range cat.Models {
		data := "model_list:\n  - model_name: " + m.GatewayModel + "\n"
		require.NoError(t, os.WriteFile(filepath.Join(tmplDir, m.Template), []byte(data), 0o644))
	}

	auditFile := filepath.Join(cfgDir, "switch-audit.log")
	cfg := &config.Config{
		DefaultModel:         "qwen-fast",
		HealthTimeout:        time.Second,
		PollInterval:         time.Millisecond,
		LitellmVerifyTimeout: time.Second,
		ComfyDefaultTTL:      45 * time.Minute,
		ComfyMaxTTL:          90 * time.Minute,
		MonitorPoll:          5 * time.Millisecond,
		ConfigDir:            cfgDir,
		TemplateDir:          tmplDir,
		AuditFile:            auditFile,
		ComfyContainer:       "comfyui",
	}

	store, err := state.New(cfgDir, tmplDir, zerolog.Nop())
	require.NoError(t, err)

	fake := docker.NewFake()
	for _, m := range cat.Models {
		fake.Add(m.Container, true)
	}
	fake.Add("litellm", false)
	fake.Add("comfyui", false)

	probe := gateway.NewFakeProbe("qwen-fast", "qwen-quality", "deepseek", "qwen-max")

	return &harness{
		eng:   New(cfg, cat, fake, probe, store, zerolog.Nop()),
		fake:  fake,
		probe: probe,
		store: store,
		cfg:   cfg,
		cat:   cat,
		audit: auditFile,
	}
}

// auditEvents reads the audit trail's event field, one entry per line.
func (h *harness) auditEvents(t *testing.T) []string {
	t.Helper()
	raw, err := os.ReadFile(h.audit)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var rec struct {
			Event string `json:"event"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		events = append(events, rec.Event)
	}
	return events
}

// seedLLM puts the system in a healthy steady state serving the given model.
func (h *harness) seedLLM(t *testing.T, id string) {
	t.Helper()
	spec, ok := h.cat.Lookup(id)
	require.True(t, ok)
	require.NoError(t, h.store.StageConfig(spec.Template, id))
	require.NoError(t, h.store.WriteMode(models.ModeLLM))
	h.fake.Set(spec.Container, "running", "healthy")
	h.fake.Set("litellm", "running", "")
	h.fake.Reset()
}

// seedComfy puts the system in comfy mode with a live lease.
func (h *harness) seedComfy(t *testing.T, ttl time.Duration) {
	t.Helper()
	require.NoError(t, h.store.WriteMode(models.ModeComfy))
	_, err := h.store.SetLease(ttl)
	require.NoError(t, err)
	h.fake.Set("comfyui", "running", "")
	h.fake.Set("litellm", "exited", "")
	h.fake.Reset()
}

func stepNames(steps []models.JobStep) []string {
	out := make([]string, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Step)
	}
	return out
}

func assertStepsOrdered(t *testing.T, steps []models.JobStep) {
	t.Helper()
	require.NotEmpty(t, steps)
	for i := 1; i < len(steps); i++ {
		assert.False(t, steps[i].At.Before(steps[i-1].At),
			"step %s at %v precedes step %s at %v", steps[i].Step, steps[i].At, steps[i-1].Step, steps[i-1].At)
	}
}

func intPtr(n int) *int { return &n }

func TestSwitchFreshLLM(t *testing.T) {
	h := newHarness(t)

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "qwen-fast", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "qwen-fast", res.ToModel)
	assert.Equal(t, []string{
		"preflight", "stop_comfy", "stop_litellm", "stop_models",
		"start_target", "wait_target", "activate_config",
		"start_litellm", "verify_litellm",
	}, stepNames(res.Steps))
	for _, s := range res.Steps {
		assert.True(t, s.OK, "step %s", s.Step)
	}
	assertStepsOrdered(t, res.Steps)

	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
	assert.Equal(t, []string{"litellm", "vllm-fast"}, h.fake.Running())
	assert.False(t, h.eng.SwitchInProgress())
	assert.Equal(t, []string{"switch_success"}, h.auditEvents(t))
}

func TestSwitchNoop(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "qwen-fast", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	names := stepNames(res.Steps)
	assert.Equal(t, "noop", names[len(names)-1])
	assert.NotContains(t, h.fake.StopCalls, "litellm", "gateway must survive a noop switch")
	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
}

func TestSwitchLLMToLLM(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "deepseek", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "qwen-fast", res.FromModel)
	assert.Equal(t, "deepseek", h.store.ReadActiveModel())
	assert.Equal(t, []string{"litellm", "vllm-deepseek"}, h.fake.Running())
	assert.Contains(t, h.probe.Calls, "deepseek")
}

func TestSwitchDefaultsToActiveModel(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "deepseek")

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", WaitForReady: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", res.ToModel)
}

func TestSwitchComfy(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	before := time.Now()
	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", TTLMinutes: intPtr(15), WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "mode:comfy", res.ToModel)
	assert.Equal(t, []string{
		"preflight", "stop_litellm", "stop_models", "start_comfy", "wait_comfy",
	}, stepNames(res.Steps))

	assert.Equal(t, models.ModeComfy, h.store.ReadMode())
	expiry, ok := h.store.ReadLease()
	require.True(t, ok)
	remaining := expiry.Sub(before)
	assert.Greater(t, remaining, 14*time.Minute)
	assert.LessOrEqual(t, remaining, 15*time.Minute+time.Second)

	assert.Equal(t, []string{"comfyui"}, h.fake.Running())
}

func TestSwitchComfyRenewsLease(t *testing.T) {
	h := newHarness(t)
	h.seedComfy(t, 5*time.Minute)

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", TTLMinutes: intPtr(30), WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	names := stepNames(res.Steps)
	assert.Equal(t, "renew", names[len(names)-1])
	assert.Empty(t, h.fake.StopCalls, "renewal must not touch containers")

	expiry, ok := h.store.ReadLease()
	require.True(t, ok)
	assert.Greater(t, time.Until(expiry), 29*time.Minute)
}

func TestSwitchValidation(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	cases := []struct {
		name string
		req  models.SwitchRequest
	}{
		{"unknown mode", models.SwitchRequest{Mode: "video"}},
		{"unknown model", models.SwitchRequest{Mode: "llm", Model: "gpt-5"}},
		{"ttl on llm", models.SwitchRequest{Mode: "llm", Model: "qwen-fast", TTLMinutes: intPtr(10)}},
		{"model on comfy", models.SwitchRequest{Mode: "comfy", Model: "qwen-fast"}},
		{"zero ttl", models.SwitchRequest{Mode: "comfy", TTLMinutes: intPtr(0)}},
		{"ttl over max", models.SwitchRequest{Mode: "comfy", TTLMinutes: intPtr(91)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.WaitForReady = true
			_, err := h.eng.Switch(context.Background(), tc.req)
			require.Error(t, err)
			assert.Equal(t, KindBadRequest, KindOf(err))
		})
	}

	// Rejected requests leave the system untouched.
	assert.Empty(t, h.fake.StartCalls)
	assert.Empty(t, h.fake.StopCalls)
	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
	assert.Nil(t, h.eng.CurrentSwitch())
}

func TestSwitchMissingContainerFailsPreflight(t *testing.T) {
	h := newHarness(t)
	cat := models.DefaultCatalog()
	cat.Models = append(cat.Models, models.ModelSpec{
		ID: "phantom", Label: "Phantom", Container: "vllm-phantom",
		Template: "litellm.qwen-fast.yml", GatewayModel: "phantom",
	})
	h.eng.catalog = cat

	_, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "phantom", WaitForReady: true,
	})
	require.Error(t, err)
	assert.Equal(t, KindPrecondition, KindOf(err))
	assert.Empty(t, h.fake.StopCalls)

	snap := h.eng.CurrentSwitch()
	require.NotNil(t, snap)
	assert.Equal(t, models.JobFailed, snap.State)
}

func TestSwitchBusy(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	block := make(chan struct{})
	h.fake.StartErr = func(name string) error {
		<-block
		return nil
	}

	res1, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "deepseek",
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", res1.Status)
	assert.True(t, res1.Accepted)
	assert.True(t, h.eng.SwitchInProgress())

	// A second async request is acknowledged with the in-flight job.
	res2, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "qwen-quality",
	})
	require.NoError(t, err)
	assert.Equal(t, "in_progress", res2.Status)
	assert.True(t, res2.Accepted)
	assert.Equal(t, res1.SwitchID, res2.SwitchID)

	// A synchronous request is refused outright.
	_, err = h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "qwen-quality", WaitForReady: true,
	})
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))

	close(block)
	require.Eventually(t, func() bool {
		snap := h.eng.CurrentSwitch()
		return snap != nil && snap.State.Terminal()
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.eng.CurrentSwitch()
	assert.Equal(t, models.JobSuccess, snap.State)
	assert.Equal(t, "deepseek", h.store.ReadActiveModel())
	assert.False(t, h.eng.SwitchInProgress())
}

func TestSwitchRollsBackToPreviousModel(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	h.fake.WaitErr = func(name string) error {
		if name == "vllm-deepseek" {
			return &docker.StateError{Name: name, Status: "exited"}
		}
		return nil
	}

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "deepseek", WaitForReady: true,
	})
	require.NoError(t, err, "post-boundary failures are terminal results, not errors")

	assert.Equal(t, "rolled_back", res.Status)
	assert.NotEmpty(t, res.Error)
	names := stepNames(res.Steps)
	assert.Contains(t, names, "rollback_restore_config")
	assert.Contains(t, names, "rollback_start_prev")
	assert.Equal(t, "rollback_verify", names[len(names)-1])
	assert.True(t, res.Steps[len(res.Steps)-1].OK)

	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
	assert.Equal(t, []string{"litellm", "vllm-fast"}, h.fake.Running())
	assertStepsOrdered(t, res.Steps)
	assert.Equal(t, []string{"switch_rolled_back"}, h.auditEvents(t))
}

func TestComfyStartFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	h.fake.StartErr = func(name string) error {
		if name == "comfyui" {
			return &docker.StateError{Name: name, Status: "dead"}
		}
		return nil
	}

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "rolled_back", res.Status)
	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
	_, hasLease := h.store.ReadLease()
	assert.False(t, hasLease)
	assert.Equal(t, []string{"litellm", "vllm-fast"}, h.fake.Running())
}

func TestComfyRetryAfterCrashRestoresBestEffort(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	// Enter comfy mode, then simulate the comfy container dying mid-lease.
	_, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", TTLMinutes: intPtr(15), WaitForReady: true,
	})
	require.NoError(t, err)
	h.fake.Set("comfyui", "exited", "")
	h.fake.Reset()

	h.fake.StartErr = func(name string) error {
		if name == "comfyui" {
			return &docker.StateError{Name: name, Status: "dead"}
		}
		return nil
	}

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", WaitForReady: true,
	})
	require.NoError(t, err)

	// Full rollback needs a previous llm tenancy; from comfy mode only the
	// best-effort restore applies.
	assert.Equal(t, "failed", res.Status)
	names := stepNames(res.Steps)
	assert.Contains(t, names, "restore_config")
	assert.Contains(t, names, "restore_gateway")
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
}

func TestSwitchSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h.fake.StartErr = func(name string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return nil
	}
	go func() {
		<-started
		cancel()
	}()

	res, err := h.eng.Switch(ctx, models.SwitchRequest{
		Mode: "llm", Model: "deepseek", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "deepseek", h.store.ReadActiveModel())
	assert.Equal(t, []string{"litellm", "vllm-deepseek"}, h.fake.Running())
}

func TestSwitchIgnoresPreCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.eng.Switch(ctx, models.SwitchRequest{
		Mode: "llm", Model: "deepseek", WaitForReady: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "deepseek", h.store.ReadActiveModel())
}

func TestSwitchBestEffortRestoreWithoutPreviousModel(t *testing.T) {
	h := newHarness(t)

	h.fake.WaitErr = func(name string) error {
		return &docker.StateError{Name: name, Status: "exited"}
	}

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "deepseek", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "failed", res.Status)
	names := stepNames(res.Steps)
	assert.Contains(t, names, "restore_config")
	assert.Contains(t, names, "restore_gateway")
	assert.Contains(t, names, "restore_mode")

	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, "failed", last.Step)
	assert.False(t, last.OK)
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
}

func TestSwitchRollbackFailureReportsBoth(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	h.fake.WaitErr = func(name string) error {
		return &docker.StateError{Name: name, Status: "exited"}
	}

	res, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "llm", Model: "deepseek", WaitForReady: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Error, "rollback_failed")
}

func TestRelease(t *testing.T) {
	h := newHarness(t)
	h.seedComfy(t, time.Hour)

	res, err := h.eng.Release(context.Background(), "ops", "10.0.0.9")
	require.NoError(t, err)

	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "qwen-fast", res.ToModel)
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
	assert.Equal(t, "qwen-fast", h.store.ReadActiveModel())
	_, hasLease := h.store.ReadLease()
	assert.False(t, hasLease)
	assert.Contains(t, h.fake.StopCalls, "comfyui")
	assert.Equal(t, []string{"litellm", "vllm-fast"}, h.fake.Running())

	raw, err := os.ReadFile(h.audit)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"requested_by":"ops"`)
	assert.Contains(t, string(raw), `"source_ip":"10.0.0.9"`)
}

func TestReleaseConflict(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.eng.tryAcquire())
	defer h.eng.release()

	_, err := h.eng.Release(context.Background(), "ops", "10.0.0.9")
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestStopAll(t *testing.T) {
	h := newHarness(t)
	h.seedComfy(t, time.Hour)

	stopped, err := h.eng.StopAll(context.Background())
	require.NoError(t, err)

	assert.Len(t, stopped, len(h.cat.Models)+1)
	assert.Empty(t, h.fake.Running())
	assert.Equal(t, models.ModeLLM, h.store.ReadMode())
	_, hasLease := h.store.ReadLease()
	assert.False(t, hasLease)
}

func TestLeaseMonitorReclaimsGPU(t *testing.T) {
	h := newHarness(t)
	h.seedComfy(t, -time.Minute)

	h.eng.StartMonitor()
	defer h.eng.Shutdown()

	require.Eventually(t, func() bool {
		return h.store.ReadMode() == models.ModeLLM &&
			h.store.ReadActiveModel() == "qwen-fast"
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		snap := h.eng.CurrentSwitch()
		return snap != nil && snap.State == models.JobSuccess
	}, 2*time.Second, 5*time.Millisecond)

	snap := h.eng.CurrentSwitch()
	assert.Equal(t, "qwen-fast", snap.ToModel)
	assert.Equal(t, []string{"litellm", "vllm-fast"}, h.fake.Running())
	_, hasLease := h.store.ReadLease()
	assert.False(t, hasLease)
}

func TestLeaseMonitorLeavesLiveLeaseAlone(t *testing.T) {
	h := newHarness(t)
	h.seedComfy(t, time.Hour)

	h.eng.StartMonitor()
	defer h.eng.Shutdown()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.ModeComfy, h.store.ReadMode())
	assert.Equal(t, []string{"comfyui"}, h.fake.Running())
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	st := h.eng.Status(context.Background())
	assert.Equal(t, "qwen-fast", st.ActiveModel)
	assert.Equal(t, models.ModeLLM, st.ActiveMode)
	assert.Equal(t, []string{"qwen-fast"}, st.RunningModels)
	assert.Equal(t, "running", st.Containers["qwen-fast"].Status)
	assert.Equal(t, "running", st.Containers["litellm"].Status)
	assert.Equal(t, "exited", st.ComfyUI.Status)
	assert.False(t, st.SwitchInProgress)
	assert.Nil(t, st.Mode.Lease)
}

func TestStatusComfyLease(t *testing.T) {
	h := newHarness(t)
	h.seedLLM(t, "qwen-fast")

	_, err := h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", TTLMinutes: intPtr(15), WaitForReady: true,
	})
	require.NoError(t, err)

	st := h.eng.Status(context.Background())
	assert.Equal(t, models.ModeComfy, st.ActiveMode)
	require.NotNil(t, st.Mode.Lease)
	assert.False(t, st.Mode.Lease.Expired)
	assert.Greater(t, st.Mode.Lease.RemainingSeconds, int64(0))
	assert.LessOrEqual(t, st.Mode.Lease.RemainingSeconds, int64(900))
	assert.NotNil(t, st.LastSwitchAt)
}

func TestStatusExpiredLeaseClampsToZero(t *testing.T) {
	h := newHarness(t)
	h.seedComfy(t, -time.Minute)

	st := h.eng.Status(context.Background())
	require.NotNil(t, st.Mode.Lease)
	assert.True(t, st.Mode.Lease.Expired)
	assert.Equal(t, int64(0), st.Mode.Lease.RemainingSeconds)
}

func TestReady(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.Ready(context.Background())
	require.Error(t, err, "fresh state has no active model")

	h.seedLLM(t, "qwen-fast")
	active, err := h.eng.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "qwen-fast", active)

	h.fake.Set("vllm-deepseek", "running", "healthy")
	_, err = h.eng.Ready(context.Background())
	require.Error(t, err, "two running backends is not ready")

	_, err = h.eng.Switch(context.Background(), models.SwitchRequest{
		Mode: "comfy", WaitForReady: true,
	})
	require.NoError(t, err)
	_, err = h.eng.Ready(context.Background())
	require.Error(t, err, "comfy mode is never ready for LLM traffic")
}
