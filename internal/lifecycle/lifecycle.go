package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Hooks runs release functions at shutdown, last registered first.
type Hooks struct {
	mu    sync.Mutex
	hooks []hook
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

// Register adds fn under name. Hooks registered after Run has started are not run.
func (h *Hooks) Register(name string, fn func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Run calls every hook in reverse registration order and clears the list. Each hook
// runs even if an earlier one failed; failures are joined and reported through
// onError when set.
func (h *Hooks) Run(ctx context.Context, onError func(name string, err error)) error {
	h.mu.Lock()
	hooks := h.hooks
	h.hooks = nil
	h.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			if onError != nil {
				onError(hooks[i].name, err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
