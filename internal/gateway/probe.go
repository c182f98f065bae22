// Package gateway verifies that the LLM gateway fronts the expected backend
// after a switch by polling its model-inventory endpoint.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/zheng/modeswitcher/internal/utils"
)

// Probe polls the gateway's model inventory until it exposes the named
// model or the timeout elapses.
type Probe interface {
	WaitModel(ctx context.Context, model string, timeout time.Duration) error
}

// AuthError means the gateway rejected our credential; retrying is useless.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gateway rejected credentials (status %d)", e.StatusCode)
}

// HTTPProbe is the production Probe against LiteLLM's /v1/models.
type HTTPProbe struct {
	url        string
	key        string
	interval   time.Duration
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPProbe creates a probe for the inventory at url, authenticating
// with the fixed bearer key and polling at the given interval.
func NewHTTPProbe(url, key string, interval time.Duration, log zerolog.Logger) *HTTPProbe {
	return &HTTPProbe{
		url:        url,
		key:        key,
		interval:   interval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "gateway").Logger(),
	}
}

type inventory struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// WaitModel implements Probe. Non-200 responses other than 401/403, parse
// failures and transport errors are retried until the deadline.
func (p *HTTPProbe) WaitModel(ctx context.Context, model string, timeout time.Duration) error {
	err := utils.PollUntil(ctx, p.interval, timeout, func() (bool, error) {
		return p.check(ctx, model)
	})
	if err == utils.ErrDeadline {
		return fmt.Errorf("gateway did not report model %q within %s: %w", model, timeout, utils.ErrDeadline)
	}
	return err
}

func (p *HTTPProbe) check(ctx context.Context, model string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.key)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Msg("inventory request failed")
		return false, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, &AuthError{StatusCode: resp.StatusCode}
	default:
		p.log.Warn().Int("status", resp.StatusCode).Msg("inventory returned non-200")
		return false, nil
	}

	var inv inventory
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		p.log.Warn().Err(err).Msg("inventory parse failed")
		return false, nil
	}
	for _, item := range inv.Data {
		if item.ID == model {
			return true, nil
		}
	}
	return false, nil
}

var _ Probe = (*HTTPProbe)(nil)
