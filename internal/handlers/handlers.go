// Package handlers exposes the switch engine over HTTP.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/zheng/modeswitcher/internal/config"
	"github.com/zheng/modeswitcher/internal/engine"
	"github.com/zheng/modeswitcher/pkg/models"
)

// Handler holds the HTTP request handlers.
type Handler struct {
	engine  *engine.Engine
	catalog *models.Catalog
	cfg     *config.Config
	log     zerolog.Logger
}

// New creates the HTTP handler set.
func New(e *engine.Engine, catalog *models.Catalog, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		engine:  e,
		catalog: catalog,
		cfg:     cfg,
		log:     log.With().Str("component", "http").Logger(),
	}
}

// Router builds the gin engine with all routes mounted.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", h.Health)

	auth := r.Group("/", AuthRequired(h.cfg.AdminToken))
	auth.GET("/healthz/ready", h.Ready)
	auth.GET("/models", h.Models)
	auth.GET("/status", h.Status)
	auth.GET("/mode", h.Mode)

	limited := auth.Group("/", SwitchRateLimit(h.cfg.RateLimitPerMinute))
	limited.POST("/mode/switch", h.ModeSwitch)
	limited.POST("/switch", h.Switch)

	auth.POST("/mode/release", h.ModeRelease)
	auth.POST("/stop", h.Stop)
	auth.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Health is the unauthenticated liveness endpoint.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"switch_in_progress": h.engine.SwitchInProgress(),
		"token_configured":   h.cfg.AdminToken != "",
	})
}

// Ready reports 200 only when the gateway fronts exactly the active model.
func (h *Handler) Ready(c *gin.Context) {
	active, err := h.engine.Ready(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "active_model": active})
}

// Models returns the static catalogue.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":        h.catalog.Models,
		"default_model": h.cfg.DefaultModel,
	})
}

// Status returns the full status payload.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status(c.Request.Context()))
}

// Mode returns the mode-scoped subset of the status payload.
func (h *Handler) Mode(c *gin.Context) {
	full := h.engine.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"mode":               full.Mode,
		"active_mode":        full.ActiveMode,
		"active_model":       full.ActiveModel,
		"running_models":     full.RunningModels,
		"comfyui":            full.ComfyUI,
		"switch_in_progress": full.SwitchInProgress,
		"switch":             full.Switch,
	})
}

// ModeSwitch drives a mode/model transition.
func (h *Handler) ModeSwitch(c *gin.Context) {
	var req models.SwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.RequestedBy, req.SourceIP = requester(c)
	h.runSwitch(c, req)
}

// requester identifies the caller for the audit trail: a forwarded user
// header when a proxy supplies one, else the client address.
func requester(c *gin.Context) (string, string) {
	ip := c.ClientIP()
	by := c.GetHeader("X-Forwarded-User")
	if by == "" {
		by = c.GetHeader("X-User")
	}
	if by == "" {
		by = ip
	}
	return by, ip
}

// Switch is the LLM-only legacy endpoint.
func (h *Handler) Switch(c *gin.Context) {
	var req struct {
		Model        string `json:"model"`
		WaitForReady bool   `json:"wait_for_ready"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	by, ip := requester(c)
	h.runSwitch(c, models.SwitchRequest{
		Mode:         string(models.ModeLLM),
		Model:        req.Model,
		WaitForReady: req.WaitForReady,
		RequestedBy:  by,
		SourceIP:     ip,
	})
}

func (h *Handler) runSwitch(c *gin.Context, req models.SwitchRequest) {
	res, err := h.engine.Switch(c.Request.Context(), req)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	if res.Accepted {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ModeRelease preempts ComfyUI back to the default LLM.
func (h *Handler) ModeRelease(c *gin.Context) {
	by, ip := requester(c)
	res, err := h.engine.Release(c.Request.Context(), by, ip)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stop stops every GPU tenant and records llm mode.
func (h *Handler) Stop(c *gin.Context) {
	stopped, err := h.engine.StopAll(c.Request.Context())
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped", "stopped": stopped})
}

func (h *Handler) writeEngineError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch engine.KindOf(err) {
	case engine.KindBadRequest:
		status = http.StatusBadRequest
	case engine.KindPrecondition:
		status = http.StatusPreconditionFailed
	case engine.KindConflict:
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
