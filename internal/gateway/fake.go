package gateway

import (
	"context"
	"sync"
	"time"
)

// FakeProbe is an in-memory Probe for tests.
type FakeProbe struct {
	mu sync.Mutex

	// Models is the set the fake gateway exposes.
	Models map[string]bool
	// Err, when set, is returned for every WaitModel call.
	Err error

	Calls []string
}

// NewFakeProbe returns a fake exposing the given models.
func NewFakeProbe(models ...string) *FakeProbe {
	f := &FakeProbe{Models: make(map[string]bool)}
	for _, m := range models {
		f.Models[m] = true
	}
	return f
}

// Expose adds a model to the fake inventory.
func (f *FakeProbe) Expose(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Models[model] = true
}

func (f *FakeProbe) WaitModel(ctx context.Context, model string, timeout time.Duration) error {
	f.mu.Lock()
	f.Calls = append(f.Calls, model)
	err := f.Err
	ok := f.Models[model]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return &timeoutError{model: model}
}

type timeoutError struct{ model string }

func (e *timeoutError) Error() string {
	return "gateway did not report model " + e.model
}

var _ Probe = (*FakeProbe)(nil)
