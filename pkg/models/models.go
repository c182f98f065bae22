package models

import "time"

// Mode is the class of tenant currently owning the GPU.
type Mode string

const (
	ModeLLM   Mode = "llm"
	ModeComfy Mode = "comfy"
)

// ParseMode returns the mode for s, or false if s is not a known mode.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeLLM, ModeComfy:
		return Mode(s), true
	}
	return "", false
}

// JobState is the lifecycle state of a switch job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobRunning    JobState = "running"
	JobSuccess    JobState = "success"
	JobFailed     JobState = "failed"
	JobRolledBack JobState = "rolled_back"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobRolledBack
}

// ModelSpec describes one LLM backend in the catalogue.
type ModelSpec struct {
	ID           string `json:"id" yaml:"id"`
	Label        string `json:"label" yaml:"label"`
	Container    string `json:"container" yaml:"container"`
	Template     string `json:"template" yaml:"template"`
	GatewayModel string `json:"gateway_model" yaml:"gateway_model"`
}

// Catalog is the static mapping of model ids to backend containers plus the
// two fixed non-model containers (LLM gateway and the image tenant).
type Catalog struct {
	Models           []ModelSpec `yaml:"models"`
	GatewayContainer string      `yaml:"gateway_container"`
	ComfyContainer   string      `yaml:"comfy_container"`
}

// Lookup returns the model spec for id.
func (c *Catalog) Lookup(id string) (*ModelSpec, bool) {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// BackendContainers returns the container name of every LLM backend.
func (c *Catalog) BackendContainers() []string {
	out := make([]string, 0, len(c.Models))
	for i := range c.Models {
		out = append(out, c.Models[i].Container)
	}
	return out
}

// DefaultCatalog mirrors the production single-GPU deployment.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Models: []ModelSpec{
			{ID: "qwen-fast", Label: "Qwen 2.5 7B", Container: "vllm-fast", Template: "litellm.qwen-fast.yml", GatewayModel: "qwen-fast"},
			{ID: "qwen-quality", Label: "Qwen 2.5 14B", Container: "vllm-quality", Template: "litellm.qwen-quality.yml", GatewayModel: "qwen-quality"},
			{ID: "deepseek", Label: "DeepSeek-R1 14B", Container: "vllm-deepseek", Template: "litellm.deepseek.yml", GatewayModel: "deepseek"},
			{ID: "qwen-max", Label: "Qwen 2.5 32B", Container: "vllm-qwen32b", Template: "litellm.qwen-max.yml", GatewayModel: "qwen-max"},
		},
		GatewayContainer: "litellm",
		ComfyContainer:   "comfyui",
	}
}

// JobStep is one recorded phase of a switch job.
type JobStep struct {
	Step   string    `json:"step"`
	At     time.Time `json:"at"`
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
}

// JobSnapshot is a deep copy of a switch job, safe to hand to readers.
type JobSnapshot struct {
	ID          int64      `json:"id"`
	State       JobState   `json:"state"`
	FromModel   string     `json:"from_model,omitempty"`
	ToModel     string     `json:"to_model"`
	CurrentStep string     `json:"current_step,omitempty"`
	StateText   string     `json:"state_text,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
	Steps       []JobStep  `json:"steps"`
	Ready       bool       `json:"ready"`
}

// SwitchRequest is the body of POST /mode/switch. RequestedBy and SourceIP
// identify the caller for the audit trail; the HTTP layer fills them in.
type SwitchRequest struct {
	Mode         string `json:"mode"`
	Model        string `json:"model,omitempty"`
	TTLMinutes   *int   `json:"ttl_minutes,omitempty"`
	WaitForReady bool   `json:"wait_for_ready"`

	RequestedBy string `json:"-"`
	SourceIP    string `json:"-"`
}

// SwitchResult is the body returned for both terminal and accepted switches.
type SwitchResult struct {
	Status       string    `json:"status"`
	SwitchID     int64     `json:"switch_id"`
	FromModel    string    `json:"from_model,omitempty"`
	ToModel      string    `json:"to_model,omitempty"`
	StateText    string    `json:"state_text,omitempty"`
	PollEndpoint string    `json:"poll_endpoint,omitempty"`
	Error        string    `json:"error,omitempty"`
	Steps        []JobStep `json:"steps,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`

	// Accepted distinguishes 202-style responses from terminal ones.
	Accepted bool `json:"-"`
}

// ContainerStatus is one container snapshot in the status payload.
type ContainerStatus struct {
	Exists bool   `json:"exists"`
	Status string `json:"status,omitempty"`
	Health string `json:"health,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LeaseStatus describes the ComfyUI tenancy deadline.
type LeaseStatus struct {
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds"`
	Expired          bool       `json:"expired"`
}

// ModeStatus is the mode block of the status payload.
type ModeStatus struct {
	Active  Mode         `json:"active"`
	Default Mode         `json:"default"`
	Lease   *LeaseStatus `json:"lease,omitempty"`
}

// StatusResponse is the full GET /status payload.
type StatusResponse struct {
	RunningModels    []string                   `json:"running_models"`
	ActiveModel      string                     `json:"active_model,omitempty"`
	ActiveMode       Mode                       `json:"active_mode"`
	Mode             ModeStatus                 `json:"mode"`
	Containers       map[string]ContainerStatus `json:"containers"`
	ComfyUI          ContainerStatus            `json:"comfyui"`
	SwitchInProgress bool                       `json:"switch_in_progress"`
	LastError        string                     `json:"last_error,omitempty"`
	LastSwitchAt     *time.Time                 `json:"last_switch_at,omitempty"`
	Switch           *JobSnapshot               `json:"switch,omitempty"`
}
