package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/zheng/modeswitcher/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-supplied settings.
type Config struct {
	Port       string
	LogLevel   string
	AdminToken string

	DefaultModel string

	DockerProxyURL string
	DockerTimeout  time.Duration
	HealthTimeout  time.Duration
	PollInterval   time.Duration

	LitellmModelsURL     string
	LitellmKey           string
	LitellmVerifyTimeout time.Duration
	LitellmPollInterval  time.Duration

	ComfyContainer  string
	ComfyDefaultTTL time.Duration
	ComfyMaxTTL     time.Duration

	MonitorPoll time.Duration

	ConfigDir   string
	TemplateDir string

	// AuditFile is the switch audit trail; empty means
	// <ConfigDir>/switch-audit.log.
	AuditFile string

	// RateLimitPerMinute caps switch requests per source within a sliding
	// minute. Zero disables the limit.
	RateLimitPerMinute int

	// ModelsConfig optionally overrides the built-in catalogue.
	ModelsConfig string
}

// Load reads the configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		Port:       envStr("PORT", "9000"),
		LogLevel:   envStr("LOG_LEVEL", "info"),
		AdminToken: os.Getenv("ADMIN_TOKEN"),

		DefaultModel: envStr("DEFAULT_MODEL", "qwen-fast"),

		DockerProxyURL: envStr("DOCKER_PROXY_URL", "http://docker-socket-proxy:2375"),
		DockerTimeout:  envSeconds("DOCKER_TIMEOUT_SECONDS", 30),
		HealthTimeout:  envSeconds("HEALTH_TIMEOUT_SECONDS", 480),
		PollInterval:   envSeconds("POLL_INTERVAL_SECONDS", 2),

		LitellmModelsURL:     envStr("LITELLM_MODELS_URL", "http://litellm:4000/v1/models"),
		LitellmKey:           os.Getenv("LITELLM_KEY"),
		LitellmVerifyTimeout: envSeconds("LITELLM_VERIFY_TIMEOUT_SECONDS", 90),
		LitellmPollInterval:  envSeconds("LITELLM_POLL_INTERVAL_SECONDS", 3),

		ComfyContainer:  envStr("COMFY_CONTAINER", "comfyui"),
		ComfyDefaultTTL: envMinutes("COMFY_DEFAULT_TTL_MINUTES", 45),
		ComfyMaxTTL:     envMinutes("COMFY_MAX_TTL_MINUTES", 90),

		MonitorPoll: envSeconds("MODE_MONITOR_POLL_SECONDS", 5),

		ConfigDir:   envStr("CONFIG_DIR", "/opt/ai/compose"),
		TemplateDir: envStr("TEMPLATE_DIR", "/opt/ai/compose/templates"),

		AuditFile:          os.Getenv("AUDIT_FILE"),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 5),

		ModelsConfig: os.Getenv("MODELS_CONFIG"),
	}
}

// Catalog returns the model catalogue: the built-in production mapping, or
// the YAML file named by MODELS_CONFIG when set.
func (c *Config) Catalog() (*models.Catalog, error) {
	cat := models.DefaultCatalog()
	if c.ModelsConfig != "" {
		data, err := os.ReadFile(c.ModelsConfig)
		if err != nil {
			return nil, fmt.Errorf("read models config: %w", err)
		}
		cat = &models.Catalog{}
		if err := yaml.Unmarshal(data, cat); err != nil {
			return nil, fmt.Errorf("parse models config: %w", err)
		}
	}
	if err := validateCatalog(cat, c); err != nil {
		return nil, err
	}
	if c.ComfyContainer != "" {
		cat.ComfyContainer = c.ComfyContainer
	}
	return cat, nil
}

func validateCatalog(cat *models.Catalog, c *Config) error {
	if len(cat.Models) == 0 {
		return fmt.Errorf("no models defined in catalogue")
	}
	seen := make(map[string]bool, len(cat.Models))
	for i := range cat.Models {
		m := &cat.Models[i]
		if m.ID == "" || m.Container == "" || m.Template == "" || m.GatewayModel == "" {
			return fmt.Errorf("model %q: id, container, template and gateway_model are required", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("model %q defined twice", m.ID)
		}
		seen[m.ID] = true
	}
	if cat.GatewayContainer == "" {
		return fmt.Errorf("gateway_container is required")
	}
	if !seen[c.DefaultModel] {
		return fmt.Errorf("default model %q is not in the catalogue", c.DefaultModel)
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envMinutes(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Minute
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
