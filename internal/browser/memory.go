package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-memory ScriptRegistry. It optionally rejects
// chosen patterns to exercise registration failure paths.
type MemoryRegistry struct {
	mu            sync.Mutex
	regs          map[RegistrationID]Registration
	persistent    bool
	rejectPattern map[string]bool

	// Op counters, readable by tests asserting reconciliation diffs.
	registerOps   int
	unregisterOps int
}

// NewMemoryRegistry creates a registry that supports persistent
// registrations.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		regs:          make(map[RegistrationID]Registration),
		persistent:    true,
		rejectPattern: make(map[string]bool),
	}
}

// SetPersistent toggles persistent-registration support.
func (r *MemoryRegistry) SetPersistent(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persistent = v
}

// RejectPattern makes future Register calls fail for registrations
// carrying the given pattern.
func (r *MemoryRegistry) RejectPattern(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectPattern[p] = true
}

// Register implements ScriptRegistry.
func (r *MemoryRegistry) Register(_ context.Context, reg Registration) (RegistrationID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerOps++

	for _, p := range reg.Patterns {
		if r.rejectPattern[p] {
			return "", fmt.Errorf("pattern rejected by platform: %s", p)
		}
	}

	id := RegistrationID(uuid.New().String())
	reg.ID = id
	r.regs[id] = reg
	return id, nil
}

// Unregister implements ScriptRegistry.
func (r *MemoryRegistry) Unregister(_ context.Context, id RegistrationID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterOps++

	if _, ok := r.regs[id]; !ok {
		return fmt.Errorf("unknown registration: %s", id)
	}
	delete(r.regs, id)
	return nil
}

// ListRegistered implements ScriptRegistry.
func (r *MemoryRegistry) ListRegistered(_ context.Context) ([]Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	return out, nil
}

// Persistent implements ScriptRegistry.
func (r *MemoryRegistry) Persistent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistent
}

// Ops returns cumulative (register, unregister) call counts.
func (r *MemoryRegistry) Ops() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerOps, r.unregisterOps
}

// MemoryInjector records reactive injections.
type MemoryInjector struct {
	mu    sync.Mutex
	calls []InjectionCall
}

// InjectionCall is one recorded Execute invocation.
type InjectionCall struct {
	TabID   int
	Sources []ScriptSource
}

// NewMemoryInjector creates an empty injector.
func NewMemoryInjector() *MemoryInjector {
	return &MemoryInjector{}
}

// Execute implements Injector.
func (i *MemoryInjector) Execute(_ context.Context, tabID int, sources []ScriptSource) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls = append(i.calls, InjectionCall{TabID: tabID, Sources: sources})
	return nil
}

// Calls returns all recorded injections.
func (i *MemoryInjector) Calls() []InjectionCall {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]InjectionCall, len(i.calls))
	copy(out, i.calls)
	return out
}

// MemoryNavigation is an in-memory navigation event source.
type MemoryNavigation struct {
	ch chan NavigationEvent
}

// NewMemoryNavigation creates a navigation source with a small buffer.
func NewMemoryNavigation() *MemoryNavigation {
	return &MemoryNavigation{ch: make(chan NavigationEvent, 16)}
}

// Completed implements Navigation.
func (n *MemoryNavigation) Completed() <-chan NavigationEvent {
	return n.ch
}

// Emit delivers a navigation-complete event.
func (n *MemoryNavigation) Emit(tabID int, url string) {
	n.ch <- NavigationEvent{TabID: tabID, URL: url}
}

// Close shuts the event source down.
func (n *MemoryNavigation) Close() {
	close(n.ch)
}

// MemoryStorage is an in-memory Storage with change notifications.
type MemoryStorage struct {
	mu       sync.Mutex
	records  map[string][]byte
	watchers []chan Change
	closed   bool
}

// NewMemoryStorage creates an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string][]byte)}
}

// Get implements Storage.
func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set implements Storage.
func (s *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	s.records[key] = cp
	watchers := append([]chan Change(nil), s.watchers...)
	s.mu.Unlock()

	notify(watchers, Change{Key: key, Value: cp})
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	_, existed := s.records[key]
	delete(s.records, key)
	watchers := append([]chan Change(nil), s.watchers...)
	s.mu.Unlock()

	if existed {
		notify(watchers, Change{Key: key, Deleted: true})
	}
	return nil
}

// List implements Storage.
func (s *MemoryStorage) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]byte)
	for k, v := range s.records {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

// Watch implements Storage.
func (s *MemoryStorage) Watch() <-chan Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Change, 64)
	if s.closed {
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	return ch
}

// Close shuts the storage down and closes all watcher channels.
func (s *MemoryStorage) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
}

func notify(watchers []chan Change, c Change) {
	for _, ch := range watchers {
		select {
		case ch <- c:
		default:
			// Slow watcher; notification dropped. Watchers recompute
			// from authoritative state, so a drop is safe.
		}
	}
}
