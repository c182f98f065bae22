package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/zheng/modeswitcher/internal/utils"
)

// HTTPClient talks to the Docker Engine API through a restricted socket
// proxy. Only container inspect/start/stop are ever issued; the proxy's
// allow-list rejects everything else.
type HTTPClient struct {
	base       string
	httpClient *http.Client
	poll       time.Duration
	log        zerolog.Logger
}

// NewHTTPClient creates a client for the proxy at baseURL. Every call
// carries the given per-call timeout; WaitReady polls at pollInterval.
func NewHTTPClient(baseURL string, timeout, pollInterval time.Duration, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		base:       baseURL,
		httpClient: &http.Client{Timeout: timeout},
		poll:       pollInterval,
		log:        log.With().Str("component", "docker").Logger(),
	}
}

type inspectPayload struct {
	State struct {
		Status string `json:"Status"`
		Health *struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
}

// Inspect returns the container's existence, status and health. A missing
// container is not an error.
func (c *HTTPClient) Inspect(ctx context.Context, name string) (ContainerState, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/containers/%s/json", url.PathEscape(name)))
	if err != nil {
		return ContainerState{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payload inspectPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return ContainerState{}, fmt.Errorf("decode inspect response for %s: %w", name, err)
		}
		st := ContainerState{Exists: true, Status: payload.State.Status}
		if payload.State.Health != nil {
			st.Health = payload.State.Health.Status
		}
		return st, nil
	case http.StatusNotFound:
		return ContainerState{}, nil
	default:
		return ContainerState{}, c.unexpected("inspect", name, resp)
	}
}

// Start starts the container.
func (c *HTTPClient) Start(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/start", url.PathEscape(name)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("start %s: %w", name, ErrNotFound)
	default:
		return c.unexpected("start", name, resp)
	}
}

// Stop stops the container. Already-stopped and missing containers are
// treated as success.
func (c *HTTPClient) Stop(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/stop", url.PathEscape(name)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified, http.StatusNotFound:
		return nil
	default:
		return c.unexpected("stop", name, resp)
	}
}

// WaitReady polls Inspect until the container reports healthy, or running
// when it has no health probe. Terminal-bad states and disappearance fail
// immediately; the deadline fails with the last observed status.
func (c *HTTPClient) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	var lastStatus, lastHealth string

	err := utils.PollUntil(ctx, c.poll, timeout, func() (bool, error) {
		st, err := c.Inspect(ctx, name)
		if err != nil {
			// Transient proxy errors are retried until the deadline.
			c.log.Warn().Err(err).Str("container", name).Msg("inspect failed while waiting")
			return false, nil
		}
		if !st.Exists {
			return false, &StateError{Name: name, Status: "missing"}
		}
		lastStatus, lastHealth = st.Status, st.Health

		if st.Health == "unhealthy" || st.Status == "exited" || st.Status == "dead" {
			return false, &StateError{Name: name, Status: st.Status, Health: st.Health}
		}
		if st.Health == "healthy" {
			return true, nil
		}
		if st.Health == "" && st.Status == "running" {
			return true, nil
		}
		return false, nil
	})
	if err == utils.ErrDeadline {
		return fmt.Errorf("timeout waiting for %s: last status=%q health=%q: %w", name, lastStatus, lastHealth, utils.ErrDeadline)
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker proxy: %w", err)
	}
	return resp, nil
}

func (c *HTTPClient) unexpected(op, name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("docker %s %s: status %d: %s", op, name, resp.StatusCode, string(body))
}
