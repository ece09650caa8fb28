package interp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PEZ/epupp-sub009/internal/browser"
)

// Executor runs injected sources against per-tab runtimes, in order.
// It implements browser.Injector for development mode and tests; a
// production embedding injects through the real platform instead.
type Executor struct {
	mu       sync.Mutex
	runtimes map[int]*Runtime
	timeout  time.Duration
}

// NewExecutor creates an executor. Each tab gets its own runtime on
// first use.
func NewExecutor(timeout time.Duration) *Executor {
	return &Executor{
		runtimes: make(map[int]*Runtime),
		timeout:  timeout,
	}
}

// Execute implements browser.Injector. Sources run synchronously in
// the order given, matching same-document execution order.
func (e *Executor) Execute(ctx context.Context, tabID int, sources []browser.ScriptSource) error {
	rt, err := e.runtime(tabID)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if _, err := rt.Execute(ctx, src.Code); err != nil {
			return fmt.Errorf("source %s: %w", src.ID, err)
		}
	}
	return nil
}

// Runtime returns the runtime for a tab, if one exists.
func (e *Executor) Runtime(tabID int) (*Runtime, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rt, ok := e.runtimes[tabID]
	return rt, ok
}

// DropTab discards a tab's runtime, as a page unload would.
func (e *Executor) DropTab(tabID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runtimes, tabID)
}

func (e *Executor) runtime(tabID int) (*Runtime, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.runtimes[tabID]; ok {
		return rt, nil
	}
	rt, err := New(e.timeout)
	if err != nil {
		return nil, err
	}
	e.runtimes[tabID] = rt
	return rt, nil
}
