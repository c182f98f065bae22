package docker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// FakeContainer is the state of one container in the Fake.
type FakeContainer struct {
	Status    string
	Health    string
	HasHealth bool
}

// Fake is an in-memory Client for tests. Containers are registered up front;
// Start and Stop mutate their state the way the real daemon would. Error
// hooks inject failures per operation.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer

	// Error hooks, keyed by container name. A hook may also block to keep
	// an operation in flight.
	StartErr   func(name string) error
	StopErr    func(name string) error
	InspectErr func(name string) error
	WaitErr    func(name string) error

	StartCalls []string
	StopCalls  []string
}

// NewFake returns an empty fake.
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*FakeContainer)}
}

// Add registers a stopped container. When hasHealth is true the container
// reports healthy once started.
func (f *Fake) Add(name string, hasHealth bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[name] = &FakeContainer{Status: "exited", HasHealth: hasHealth}
}

// Set overrides a container's state.
func (f *Fake) Set(name, status, health string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		c = &FakeContainer{}
		f.containers[name] = c
	}
	c.Status, c.Health = status, health
	c.HasHealth = health != ""
}

// Running returns the sorted names of all running containers.
func (f *Fake) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, c := range f.containers {
		if c.Status == "running" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Fake) Inspect(ctx context.Context, name string) (ContainerState, error) {
	if err := ctx.Err(); err != nil {
		return ContainerState{}, err
	}
	f.mu.Lock()
	hook := f.InspectErr
	c, ok := f.containers[name]
	var st ContainerState
	if ok {
		st = ContainerState{Exists: true, Status: c.Status, Health: c.Health}
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(name); err != nil {
			return ContainerState{}, err
		}
	}
	return st, nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.StartErr
	f.StartCalls = append(f.StartCalls, name)
	f.mu.Unlock()

	if hook != nil {
		if err := hook(name); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return ErrNotFound
	}
	c.Status = "running"
	if c.HasHealth {
		c.Health = "healthy"
	}
	return nil
}

func (f *Fake) Stop(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.StopErr
	f.StopCalls = append(f.StopCalls, name)
	f.mu.Unlock()

	if hook != nil {
		if err := hook(name); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.Status = "exited"
		if c.HasHealth {
			c.Health = ""
		}
	}
	return nil
}

func (f *Fake) WaitReady(ctx context.Context, name string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.WaitErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(name); err != nil {
			return err
		}
	}

	st, err := f.Inspect(ctx, name)
	if err != nil {
		return err
	}
	if !st.Exists {
		return &StateError{Name: name, Status: "missing"}
	}
	if st.Health == "unhealthy" || st.Status == "exited" || st.Status == "dead" {
		return &StateError{Name: name, Status: st.Status, Health: st.Health}
	}
	if st.Health == "healthy" || (st.Health == "" && st.Status == "running") {
		return nil
	}
	return &StateError{Name: name, Status: st.Status, Health: st.Health}
}

// Reset clears call tracking.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StartCalls = nil
	f.StopCalls = nil
}
