// Package script implements the userscript store.
//
// A script is a stored code unit whose identity and auto-run behavior
// are declared in a front-matter manifest inside its own source. The
// store recomputes every derived field from the manifest on save,
// persists records as opaque JSON in platform key-value storage, and
// notifies subscribers after each mutation so registration sync and
// approval pruning can reconcile.
//
// The package also covers remote installation of scripts by URL and
// the FS-sync mirror that lets the privileged tab edit scripts on the
// local filesystem.
package script
