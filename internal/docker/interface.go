package docker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ContainerState is the subset of a container inspection the engine needs.
type ContainerState struct {
	Exists bool
	Status string // running, exited, dead, created, ...
	Health string // healthy, unhealthy, starting, or "" when no health probe
}

// ErrNotFound is returned by Start when the container does not exist.
var ErrNotFound = errors.New("container not found")

// StateError reports a container in a terminal-bad state while waiting for
// it to become ready.
type StateError struct {
	Name   string
	Status string
	Health string
}

func (e *StateError) Error() string {
	if e.Health != "" {
		return fmt.Sprintf("container %s is %s (health=%s)", e.Name, e.Status, e.Health)
	}
	return fmt.Sprintf("container %s is %s", e.Name, e.Status)
}

// Client is the orchestration capability set the engine depends on.
// Stop is idempotent: stopping an already-stopped or missing container
// succeeds.
type Client interface {
	Inspect(ctx context.Context, name string) (ContainerState, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	WaitReady(ctx context.Context, name string, timeout time.Duration) error
}

// Ensure both implementations satisfy Client.
var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*Fake)(nil)
)
