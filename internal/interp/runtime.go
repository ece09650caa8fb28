package interp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// LogEntry is one captured console call.
type LogEntry struct {
	Level   string
	Message string
	Time    time.Time
}

// Runtime wraps a goja VM with interruption and console capture. One
// runtime corresponds to one page execution world.
type Runtime struct {
	vm      *goja.Runtime
	timeout time.Duration
	mu      sync.Mutex

	console   []LogEntry
	consoleMu sync.Mutex
}

// New creates a runtime. A zero timeout means executions are bounded
// only by the caller's context.
func New(timeout time.Duration) (*Runtime, error) {
	r := &Runtime{
		vm:      goja.New(),
		timeout: timeout,
	}
	r.vm.SetMaxCallStackSize(1024)
	if err := r.setupGlobals(); err != nil {
		return nil, err
	}
	return r, nil
}

// Execute runs code, interrupting on timeout or context cancellation.
func (r *Runtime) Execute(ctx context.Context, code string) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	done := make(chan struct{})
	defer close(done)

	var timeoutC <-chan time.Time
	if r.timeout > 0 {
		timer := time.NewTimer(r.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	go func() {
		select {
		case <-timeoutC:
			r.vm.Interrupt("execution timeout exceeded")
		case <-ctx.Done():
			r.vm.Interrupt("context cancelled")
		case <-done:
		}
	}()

	val, err := r.vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	return val.Export(), nil
}

// Console returns the captured console output so far.
func (r *Runtime) Console() []LogEntry {
	r.consoleMu.Lock()
	defer r.consoleMu.Unlock()
	out := make([]LogEntry, len(r.console))
	copy(out, r.console)
	return out
}

// HasGlobal reports whether a global binding is defined.
func (r *Runtime) HasGlobal(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.vm.GlobalObject().Get(name)
	return v != nil && !goja.IsUndefined(v)
}

func (r *Runtime) setupGlobals() error {
	// No module system or process access inside a page world.
	r.vm.Set("require", goja.Undefined())
	r.vm.Set("process", goja.Undefined())

	console := r.vm.NewObject()
	for _, level := range []string{"log", "warn", "error", "info"} {
		if err := console.Set(level, r.makeConsoleFunc(level)); err != nil {
			return err
		}
	}
	return r.vm.Set("console", console)
}

func (r *Runtime) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}
		r.consoleMu.Lock()
		r.console = append(r.console, LogEntry{Level: level, Message: msg, Time: time.Now()})
		r.consoleMu.Unlock()
		return goja.Undefined()
	}
}
