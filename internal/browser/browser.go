package browser

import "context"

// RegistrationID identifies one registered early-execution hook.
// Assigned by the platform, opaque to callers.
type RegistrationID string

// ScriptSource is one unit of code inside a registration. Sources in a
// registration execute synchronously in order within the same document.
type ScriptSource struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// Registration describes one persistent early-execution hook.
type Registration struct {
	ID         RegistrationID `json:"id,omitempty"`
	Patterns   []string       `json:"patterns"`
	RunAt      string         `json:"runAt"` // "document-start" or "document-end"
	World      string         `json:"world"`
	Persistent bool           `json:"persistent"`
	Sources    []ScriptSource `json:"sources"`
}

// ScriptRegistry is the platform's script-injection subsystem.
type ScriptRegistry interface {
	// Register installs a hook and returns its platform-assigned id.
	Register(ctx context.Context, reg Registration) (RegistrationID, error)
	// Unregister removes a previously registered hook.
	Unregister(ctx context.Context, id RegistrationID) error
	// ListRegistered returns all currently registered hooks.
	ListRegistered(ctx context.Context) ([]Registration, error)
	// Persistent reports whether registrations survive until explicitly
	// removed. When false the platform cannot honor early timing at all.
	Persistent() bool
}

// Injector executes code reactively in an already-loaded page.
type Injector interface {
	Execute(ctx context.Context, tabID int, sources []ScriptSource) error
}

// NavigationEvent is delivered when a top-level navigation completes.
type NavigationEvent struct {
	TabID int
	URL   string
}

// Navigation is the platform's navigation-complete event source.
type Navigation interface {
	Completed() <-chan NavigationEvent
}

// Change describes one storage mutation.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// Storage is durable key-value storage holding opaque JSON records.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns all records whose key has the given prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	// Watch returns a channel of change notifications. The channel is
	// closed when the storage shuts down.
	Watch() <-chan Change
}
