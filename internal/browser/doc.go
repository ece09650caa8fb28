// Package browser defines the contracts of the platform facilities the
// core consumes but does not implement: the script-injection subsystem,
// the navigation-complete event source, and durable key-value storage.
//
// In-memory implementations are provided for tests and development
// mode; production embeds the core behind real platform adapters.
package browser
