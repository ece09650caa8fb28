package interp

import "github.com/PEZ/epupp-sub009/internal/browser"

// BootstrapID identifies the interpreter-bootstrap source inside a
// registration. The scheduler orders it immediately before the user
// script so the runtime global exists when the user code runs.
const BootstrapID = "epupp-bootstrap"

// RuntimeGlobal is the page-global the bootstrap installs. Its
// presence doubles as the idempotency sentinel: re-running the
// bootstrap is a no-op.
const RuntimeGlobal = "__epupp__"

const bootstrapSource = `(function () {
  if (globalThis.` + RuntimeGlobal + `) { return; }
  globalThis.` + RuntimeGlobal + ` = {
    version: 1,
    scripts: [],
    run: function (id, f) {
      this.scripts.push(id);
      return f();
    }
  };
})();`

// Bootstrap returns the interpreter-bootstrap source unit.
func Bootstrap() browser.ScriptSource {
	return browser.ScriptSource{ID: BootstrapID, Code: bootstrapSource}
}
